package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linguaflow/tutor-gateway/internal/config"
	"github.com/linguaflow/tutor-gateway/internal/health"
	"github.com/linguaflow/tutor-gateway/internal/httpserver"
	"github.com/linguaflow/tutor-gateway/internal/limits"
	"github.com/linguaflow/tutor-gateway/internal/logging"
	"github.com/linguaflow/tutor-gateway/internal/metering"
	meterpg "github.com/linguaflow/tutor-gateway/internal/metering/postgres"
	metersql "github.com/linguaflow/tutor-gateway/internal/metering/sqlite"
	"github.com/linguaflow/tutor-gateway/internal/metrics"
	"github.com/linguaflow/tutor-gateway/internal/plans"
	planspg "github.com/linguaflow/tutor-gateway/internal/plans/postgres"
	planssql "github.com/linguaflow/tutor-gateway/internal/plans/sqlite"
	"github.com/linguaflow/tutor-gateway/internal/pricing"
	"github.com/linguaflow/tutor-gateway/internal/session"
	"github.com/linguaflow/tutor-gateway/internal/usage"
	"github.com/linguaflow/tutor-gateway/internal/version"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if cfg.LogFile != "" {
		rot, err := logging.NewRotatingWriter(cfg.LogFile, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[tutorgwd] ")
	log.Printf("starting %s", version.FullInfo())

	meterStore, planStore, dbs, err := openStores(cfg)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer meterStore.Close()
	defer planStore.Close()

	ctx := context.Background()
	if err := seedPlans(ctx, planStore); err != nil {
		log.Fatalf("seed plans: %v", err)
	}

	table := pricing.NewTable(pricing.DefaultRates())
	table.SetLogger(log.New(log.Writer(), "[pricing] ", log.LstdFlags|log.Lmicroseconds))
	if cfg.PricingFile != "" {
		if n, err := table.LoadFile(cfg.PricingFile); err != nil {
			log.Printf("pricing file %s not loaded (%v); using defaults", cfg.PricingFile, err)
		} else {
			log.Printf("loaded %d pricing rows from %s", n, cfg.PricingFile)
		}
	}

	gate := limits.NewGate(planStore, meterStore, limits.Config{
		AllowWithoutSubscription: cfg.AllowUsageWithoutSubscription,
	})
	if cfg.AllowUsageWithoutSubscription {
		log.Printf("WARNING usage without an active subscription is allowed by configuration")
	}

	collector := metrics.NewCollector()

	manager := session.NewManager(meterStore, cfg.StoreTimeout)
	ingestor := usage.NewIngestor(meterStore, table, gate, cfg.StoreTimeout)
	ingestor.SetMetrics(collector)

	sweeper := session.NewSweeper(meterStore, cfg.SessionTTL, cfg.SweepInterval, nil)
	sweeper.Start()
	defer sweeper.Stop()

	checker := health.New(dbs, 2*time.Second, 100*time.Millisecond)
	server := httpserver.New(manager, ingestor, gate, meterStore, planStore, checker)
	server.SetMetrics(collector)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("listening on %s env=%s backend=%s", cfg.ListenAddr, cfg.Environment, cfg.StoreBackend)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func openStores(cfg config.Config) (metering.Store, plans.Store, []health.DB, error) {
	switch cfg.StoreBackend {
	case "postgres":
		meterStore, err := meterpg.New(cfg.PostgresDSN, 50, 10, 60)
		if err != nil {
			return nil, nil, nil, err
		}
		planStore, err := planspg.New(cfg.PostgresDSN, 10, 5)
		if err != nil {
			_ = meterStore.Close()
			return nil, nil, nil, err
		}
		dbs := []health.DB{{Name: "meter_db", Handle: meterStore.DB()}, {Name: "plans_db", Handle: planStore.DB()}}
		return meterStore, planStore, dbs, nil
	default:
		meterStore, err := metersql.New(cfg.MeterPath)
		if err != nil {
			return nil, nil, nil, err
		}
		planStore, err := planssql.New(cfg.PlansPath)
		if err != nil {
			_ = meterStore.Close()
			return nil, nil, nil, err
		}
		dbs := []health.DB{{Name: "meter_db", Handle: meterStore.DB()}, {Name: "plans_db", Handle: planStore.DB()}}
		return meterStore, planStore, dbs, nil
	}
}

// seedPlans installs the default tiers so a fresh deployment is usable
// without an admin step. Existing rows win.
func seedPlans(ctx context.Context, store plans.Store) error {
	defaults := []plans.Plan{
		{Name: "free", MonthlyTokenLimit: 100_000, MonthlySessionLimit: 10},
		{Name: "starter", MonthlyTokenLimit: 1_000_000, MonthlySessionLimit: 100},
		{Name: "pro", MonthlyTokenLimit: plans.Unlimited, MonthlySessionLimit: plans.Unlimited},
	}
	for _, p := range defaults {
		stored, err := store.EnsurePlan(ctx, p)
		if err != nil {
			return err
		}
		log.Printf("plan %s ready id=%d tokens=%d sessions=%d",
			stored.Name, stored.ID, stored.MonthlyTokenLimit, stored.MonthlySessionLimit)
	}
	return nil
}
