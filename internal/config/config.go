package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/tutorgw.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for the metering daemon.
type Config struct {
	Environment string
	ListenAddr  string

	// Store backend: "sqlite" (default) or "postgres".
	StoreBackend string
	MeterPath    string
	PlansPath    string
	PostgresDSN  string

	// Pricing table file (YAML rows); empty keeps built-in defaults only.
	PricingFile string

	// AllowUsageWithoutSubscription is the one explicit policy knob for
	// subscribers with no active subscription. It is never inferred from the
	// environment name.
	AllowUsageWithoutSubscription bool

	// Session reconciliation.
	SessionTTL    time.Duration
	SweepInterval time.Duration

	// Bounded timeout applied to every store call.
	StoreTimeout time.Duration

	LogFile  string
	LogLevel string
}

// Load reads the current environment and the matching daemon config file.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := Config{
		Environment:  s.Environment,
		ListenAddr:   firstNonEmpty(os.Getenv("TUTORGW_LISTEN_ADDR"), merged["listen_addr"], ":8090"),
		StoreBackend: firstNonEmpty(os.Getenv("TUTORGW_STORE_BACKEND"), merged["store_backend"], "sqlite"),
		MeterPath:    firstNonEmpty(os.Getenv("TUTORGW_METER_PATH"), merged["meter_path"], DefaultMeterPath()),
		PlansPath:    firstNonEmpty(os.Getenv("TUTORGW_PLANS_PATH"), merged["plans_path"], DefaultPlansPath()),
		PostgresDSN:  firstNonEmpty(os.Getenv("TUTORGW_POSTGRES_DSN"), merged["postgres_dsn"]),
		PricingFile:  firstNonEmpty(os.Getenv("TUTORGW_PRICING_FILE"), merged["pricing_file"]),
		AllowUsageWithoutSubscription: parseOptionalBool(
			firstNonEmpty(os.Getenv("TUTORGW_ALLOW_USAGE_WITHOUT_SUBSCRIPTION"), merged["allow_usage_without_subscription"]), false),
		SessionTTL:    parseOptionalDuration(merged["session_ttl"], 2*time.Hour),
		SweepInterval: parseOptionalDuration(merged["sweep_interval"], 10*time.Minute),
		StoreTimeout:  parseOptionalDuration(merged["store_timeout"], 10*time.Second),
		LogFile:       firstNonEmpty(os.Getenv("TUTORGW_LOG_FILE"), merged["log_file"]),
		LogLevel:      firstNonEmpty(merged["log_level"], "info"),
	}

	if cfg.StoreBackend != "sqlite" && cfg.StoreBackend != "postgres" {
		return Config{}, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == "postgres" && cfg.PostgresDSN == "" {
		return Config{}, errors.New("postgres backend requires postgres_dsn")
	}
	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalDuration(v string, fallback time.Duration) time.Duration {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(trimmed); err == nil && parsed > 0 {
		return parsed
	}
	// Plain integers are read as seconds.
	if secs, err := strconv.Atoi(trimmed); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultMeterPath stores the metering database under the user home.
func DefaultMeterPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data/meter.db"
	}
	return filepath.Join(home, ".tutorgw", "meter.db")
}

// DefaultPlansPath stores the plans database under the user home.
func DefaultPlansPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data/plans.db"
	}
	return filepath.Join(home, ".tutorgw", "plans.db")
}
