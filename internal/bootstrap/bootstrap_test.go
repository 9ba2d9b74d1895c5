package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linguaflow/tutor-gateway/internal/config"
)

func TestInitScaffoldsConfig(t *testing.T) {
	root := t.TempDir()
	err := Init(InitOptions{
		Root:        root,
		Environment: "prod",
		ListenAddr:  ":9000",
		MeterPath:   "/var/lib/tutorgw/meter.db",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	settings, err := os.ReadFile(filepath.Join(root, "config", "setting.ini"))
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	if !strings.Contains(string(settings), "environment=prod") {
		t.Fatalf("settings missing environment: %s", settings)
	}
	if !strings.Contains(string(settings), "listen_addr=:9000") {
		t.Fatalf("settings missing listen addr: %s", settings)
	}

	daemon, err := os.ReadFile(filepath.Join(root, "config", "prod", "tutorgw.ini"))
	if err != nil {
		t.Fatalf("read daemon config: %v", err)
	}
	if !strings.Contains(string(daemon), "meter_path=/var/lib/tutorgw/meter.db") {
		t.Fatalf("daemon config missing meter path: %s", daemon)
	}

	// Generated files must load cleanly.
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("Load generated config: %v", err)
	}
	if cfg.Environment != "prod" || cfg.ListenAddr != ":9000" {
		t.Fatalf("unexpected loaded config: %+v", cfg)
	}
}

func TestInitRefusesOverwrite(t *testing.T) {
	root := t.TempDir()
	if err := Init(InitOptions{Root: root}); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := Init(InitOptions{Root: root}); err == nil {
		t.Fatal("expected error without force")
	}
	if err := Init(InitOptions{Root: root, Force: true}); err != nil {
		t.Fatalf("forced Init: %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(InitOptions{StoreBackend: "mysql"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if err := Validate(InitOptions{StoreBackend: "postgres"}); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
	if err := Validate(InitOptions{StoreBackend: "postgres", PostgresDSN: "postgres://x"}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := Validate(InitOptions{}); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
