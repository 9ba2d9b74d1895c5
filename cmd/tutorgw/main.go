package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/linguaflow/tutor-gateway/internal/bootstrap"
	"github.com/linguaflow/tutor-gateway/internal/client"
	"github.com/linguaflow/tutor-gateway/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			if err := runInit(os.Args[2:]); err != nil {
				log.Fatalf("tutorgw init failed: %v", err)
			}
			fmt.Println("tutorgw config initialised")
			return
		case "version", "--version":
			fmt.Println(version.FullInfo())
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runStatus(os.Args[1:])
}

func printUsage() {
	fmt.Print(`Tutor Gateway CLI

Usage:
  tutorgw init [flags]      Generate config/setting.ini and environment overrides
  tutorgw [flags]           Show the subscriber's quota and usage snapshot
  tutorgw version           Print build information

Flags for init:
  --root string            output directory (default '.')
  --env string             environment name (default 'dev')
  --listen-addr string     bind address for tutorgwd (default ':8090')
  --store-backend string   'sqlite' or 'postgres' (default 'sqlite')
  --meter-path string      metering SQLite path (default ~/.tutorgw/meter.db)
  --plans-path string      plans SQLite path (default ~/.tutorgw/plans.db)
  --postgres-dsn string    DSN when the backend is postgres
  --pricing-file string    YAML pricing table path
  --force                  overwrite existing files

Flags for the status command:
  --base-url string        tutorgwd base URL (default 'http://localhost:8090')
  --subscriber int         subscriber id (required)
  --tokens int             prospective token delta for the limit check
`)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	root := fs.String("root", ".", "config root")
	env := fs.String("env", "dev", "environment name")
	listenAddr := fs.String("listen-addr", ":8090", "daemon bind address")
	backend := fs.String("store-backend", "sqlite", "store backend")
	meterPath := fs.String("meter-path", "", "metering sqlite path")
	plansPath := fs.String("plans-path", "", "plans sqlite path")
	postgresDSN := fs.String("postgres-dsn", "", "postgres dsn")
	pricingFile := fs.String("pricing-file", "", "pricing table path")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := bootstrap.InitOptions{
		Root:         *root,
		Environment:  *env,
		ListenAddr:   *listenAddr,
		StoreBackend: *backend,
		MeterPath:    *meterPath,
		PlansPath:    *plansPath,
		PostgresDSN:  *postgresDSN,
		PricingFile:  *pricingFile,
		Force:        *force,
	}
	if err := bootstrap.Validate(opts); err != nil {
		return err
	}
	return bootstrap.Init(opts)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baseURL := fs.String("base-url", "", "tutorgwd base URL")
	subscriber := fs.Int64("subscriber", 0, "subscriber id")
	tokens := fs.Int64("tokens", 0, "prospective token delta")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	logger := log.New(os.Stdout, "[tutorgw] ", log.LstdFlags|log.Lmicroseconds)

	url := stringFromEnv("TUTORGW_BASE_URL", *baseURL)
	if url == "" {
		url = "http://localhost:8090"
	}
	if *subscriber <= 0 {
		logger.Fatal("missing --subscriber")
	}

	meterClient, err := client.NewMeterClient(url, *subscriber, nil)
	if err != nil {
		logger.Fatalf("create client: %v", err)
	}

	ctx := context.Background()

	current, err := meterClient.GetCurrentUsage(ctx)
	if err != nil {
		logger.Fatalf("fetch usage: %v", err)
	}
	logger.Printf("month=%s tokens_used=%d sessions=%d", current.Month, current.TokensUsed, current.SessionsCount)

	sessionDecision, err := meterClient.CheckSessions(ctx)
	if err != nil {
		logger.Fatalf("check sessions: %v", err)
	}
	logger.Printf("next session allowed=%v current=%d limit=%d %s",
		sessionDecision.Allowed, sessionDecision.Current, sessionDecision.Limit, sessionDecision.Reason)

	if *tokens > 0 {
		tokenDecision, err := meterClient.CheckTokens(ctx, *tokens)
		if err != nil {
			logger.Fatalf("check tokens: %v", err)
		}
		logger.Printf("%d more tokens allowed=%v current=%d limit=%d %s",
			*tokens, tokenDecision.Allowed, tokenDecision.Current, tokenDecision.Limit, tokenDecision.Reason)
	}
}

func stringFromEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
