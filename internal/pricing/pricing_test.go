package pricing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveFallsBackToDefaults(t *testing.T) {
	table := NewTable(map[string]Rate{
		"gpt-realtime": {InputPerMTok: 4, OutputPerMTok: 16},
	})

	rate, err := table.Resolve("GPT-Realtime")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rate.InputPerMTok != 4 || rate.OutputPerMTok != 16 {
		t.Fatalf("unexpected rate %+v", rate)
	}

	if _, err := table.Resolve("unknown-model"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestResolvePicksLatestEffectiveRow(t *testing.T) {
	table := NewTable(DefaultRates())
	now := time.Now().UTC()
	table.Upsert(
		Row{Model: "gpt-realtime", EffectiveFrom: now.Add(-48 * time.Hour), Rate: Rate{InputPerMTok: 3, OutputPerMTok: 12}},
		Row{Model: "gpt-realtime", EffectiveFrom: now.Add(-1 * time.Hour), Rate: Rate{InputPerMTok: 2, OutputPerMTok: 8}},
		// Future row must not apply yet.
		Row{Model: "gpt-realtime", EffectiveFrom: now.Add(24 * time.Hour), Rate: Rate{InputPerMTok: 1, OutputPerMTok: 4}},
	)

	rate, err := table.Resolve("gpt-realtime")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rate.InputPerMTok != 2 {
		t.Fatalf("expected latest effective rate, got %+v", rate)
	}

	past, err := table.ResolveAt("gpt-realtime", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ResolveAt: %v", err)
	}
	if past.InputPerMTok != 3 {
		t.Fatalf("expected older rate as of yesterday, got %+v", past)
	}
}

func TestCostOfRoundsToSixDigits(t *testing.T) {
	rate := Rate{InputPerMTok: 5, OutputPerMTok: 20}

	cost := CostOf(1000, 500, rate)
	if cost.Input != 0.005 {
		t.Fatalf("input cost: want 0.005, got %v", cost.Input)
	}
	if cost.Output != 0.01 {
		t.Fatalf("output cost: want 0.01, got %v", cost.Output)
	}
	if cost.Total != 0.015 {
		t.Fatalf("total cost: want 0.015, got %v", cost.Total)
	}

	// A single token at $5/MTok is below the 6-digit resolution boundary.
	tiny := CostOf(1, 0, rate)
	if tiny.Input != 0.000005 {
		t.Fatalf("tiny input cost: want 0.000005, got %v", tiny.Input)
	}

	zero := CostOf(0, 0, rate)
	if zero.Total != 0 {
		t.Fatalf("zero delta must cost nothing, got %v", zero.Total)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	content := `
- model: gpt-4o-realtime-preview
  effective_from: 2026-01-01T00:00:00Z
  input_per_mtok: 6.0
  output_per_mtok: 24.0
- model: tutor-custom
  effective_from: 2026-01-01T00:00:00Z
  input_per_mtok: 1.0
  output_per_mtok: 2.0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write pricing file: %v", err)
	}

	table := NewTable(DefaultRates())
	n, err := table.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}

	rate, err := table.Resolve("gpt-4o-realtime-preview")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rate.InputPerMTok != 6.0 {
		t.Fatalf("file row should win over default, got %+v", rate)
	}

	custom, err := table.Resolve("tutor-custom")
	if err != nil {
		t.Fatalf("Resolve custom: %v", err)
	}
	if custom.OutputPerMTok != 2.0 {
		t.Fatalf("unexpected custom rate %+v", custom)
	}

	// Defaults still cover models absent from the file.
	if _, err := table.Resolve("gpt-realtime"); err != nil {
		t.Fatalf("default fallback lost after load: %v", err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	table := NewTable(nil)
	if _, err := table.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
