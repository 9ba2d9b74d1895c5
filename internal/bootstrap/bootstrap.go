package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/linguaflow/tutor-gateway/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root         string
	Environment  string
	ListenAddr   string
	StoreBackend string
	MeterPath    string
	PlansPath    string
	PostgresDSN  string
	PricingFile  string
	Force        bool
}

// Init scaffolds configuration files for the metering daemon.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	daemonPath := filepath.Join(opts.Root, "config", opts.Environment, "tutorgw.ini")
	if err := writeFile(daemonPath, daemonTemplate(opts), opts.Force); err != nil {
		return err
	}

	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.ListenAddr) == "" {
		opts.ListenAddr = ":8090"
	}
	if strings.TrimSpace(opts.StoreBackend) == "" {
		opts.StoreBackend = "sqlite"
	}
	if strings.TrimSpace(opts.MeterPath) == "" {
		opts.MeterPath = config.DefaultMeterPath()
	}
	if strings.TrimSpace(opts.PlansPath) == "" {
		opts.PlansPath = config.DefaultPlansPath()
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Tutor Gateway settings
environment=%s
listen_addr=%s
store_backend=%s
`, opts.Environment, opts.ListenAddr, opts.StoreBackend)
}

func daemonTemplate(opts InitOptions) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Environment specific overrides for %s\n", opts.Environment)
	fmt.Fprintf(&sb, "meter_path=%s\n", opts.MeterPath)
	fmt.Fprintf(&sb, "plans_path=%s\n", opts.PlansPath)
	if opts.PostgresDSN != "" {
		fmt.Fprintf(&sb, "postgres_dsn=%s\n", opts.PostgresDSN)
	}
	if opts.PricingFile != "" {
		fmt.Fprintf(&sb, "pricing_file=%s\n", opts.PricingFile)
	}
	sb.WriteString(`log_level=info
# Dash '-' disables file output.
log_file=logs/tutorgwd.log
session_ttl=2h
sweep_interval=10m
store_timeout=10s
allow_usage_without_subscription=false
`)
	return sb.String()
}

// Validate ensures required fields are consistent without modifying files.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if opts.StoreBackend != "sqlite" && opts.StoreBackend != "postgres" {
		return fmt.Errorf("unknown store backend %q", opts.StoreBackend)
	}
	if opts.StoreBackend == "postgres" && strings.TrimSpace(opts.PostgresDSN) == "" {
		return fmt.Errorf("postgres backend requires a dsn")
	}
	return nil
}
