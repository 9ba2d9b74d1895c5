package pricing

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Rate holds per-million-token prices for one model.
type Rate struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// Row is one priced model entry with an activation time. The latest row whose
// EffectiveFrom is not in the future wins.
type Row struct {
	Model         string    `yaml:"model" json:"model"`
	EffectiveFrom time.Time `yaml:"effective_from" json:"effective_from"`
	Rate          `yaml:",inline"`
}

// Cost is a priced token delta, rounded to 6 fractional digits per component
// to match how costs are persisted.
type Cost struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Total  float64 `json:"total"`
}

// ErrUnknownModel indicates neither a pricing row nor a default exists for the
// model. This is a configuration error, not a runtime condition.
var ErrUnknownModel = errors.New("no pricing for model")

// Logger is a minimal logging interface.
type Logger interface {
	Printf(format string, args ...any)
}

// Table resolves model ids to rates. It is an injected collaborator: defaults
// are passed at construction and rows can be loaded or upserted at runtime.
type Table struct {
	mu       sync.RWMutex
	rows     map[string][]Row
	defaults map[string]Rate
	source   string
	logger   Logger
}

// DefaultRates covers the realtime voice models the tutor product ships with.
func DefaultRates() map[string]Rate {
	return map[string]Rate{
		"gpt-realtime":                 {InputPerMTok: 4.0, OutputPerMTok: 16.0},
		"gpt-4o-realtime-preview":      {InputPerMTok: 5.0, OutputPerMTok: 20.0},
		"gpt-4o-mini-realtime-preview": {InputPerMTok: 0.6, OutputPerMTok: 2.4},
	}
}

// NewTable builds a table with the given fallback rates.
func NewTable(defaults map[string]Rate) *Table {
	d := make(map[string]Rate, len(defaults))
	for k, v := range defaults {
		d[normalize(k)] = v
	}
	return &Table{
		rows:     make(map[string][]Row),
		defaults: d,
	}
}

// SetLogger sets an optional logger for load warnings.
func (t *Table) SetLogger(l Logger) {
	t.logger = l
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

// Resolve picks the latest effective row for the model, falling back to the
// default table. Deterministic and side-effect free.
func (t *Table) Resolve(model string) (Rate, error) {
	return t.ResolveAt(model, time.Now().UTC())
}

// ResolveAt resolves pricing as of the given instant.
func (t *Table) ResolveAt(model string, at time.Time) (Rate, error) {
	key := normalize(model)
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := t.rows[key]
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].EffectiveFrom.After(at) {
			return rows[i].Rate, nil
		}
	}
	if rate, ok := t.defaults[key]; ok {
		return rate, nil
	}
	return Rate{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// Upsert adds pricing rows, keeping each model's rows sorted by effective time.
func (t *Table) Upsert(rows ...Row) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		key := normalize(r.Model)
		if key == "" {
			continue
		}
		t.rows[key] = append(t.rows[key], r)
		sort.SliceStable(t.rows[key], func(i, j int) bool {
			return t.rows[key][i].EffectiveFrom.Before(t.rows[key][j].EffectiveFrom)
		})
	}
}

// LoadFile replaces loaded rows with the contents of a YAML file (a list of
// Row); defaults are untouched. Returns the number of rows loaded.
func (t *Table) LoadFile(path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("pricing: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var rows []Row
	if err := yaml.Unmarshal(b, &rows); err != nil {
		return 0, fmt.Errorf("parse pricing file: %w", err)
	}

	t.mu.Lock()
	t.rows = make(map[string][]Row)
	t.source = path
	t.mu.Unlock()
	t.Upsert(rows...)

	if t.logger != nil {
		t.logger.Printf("loaded %d pricing rows from %s", len(rows), path)
	}
	return len(rows), nil
}

// CostOf prices a token delta. Each component is rounded to 6 fractional
// digits before summing, matching persisted per-delta accounting.
func CostOf(inputTokens, outputTokens int64, rate Rate) Cost {
	in := round6(float64(inputTokens) / 1e6 * rate.InputPerMTok)
	out := round6(float64(outputTokens) / 1e6 * rate.OutputPerMTok)
	return Cost{Input: in, Output: out, Total: round6(in + out)}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
