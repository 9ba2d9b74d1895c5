package metering

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus tracks where a conversation session is in its lifecycle.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	// StatusAbandoned is terminal; applied by the reconciliation sweep to
	// sessions that were never finalized.
	StatusAbandoned SessionStatus = "abandoned"
)

// MonthKey identifies one calendar month in UTC, formatted "2006-01".
type MonthKey string

// MonthOf returns the MonthKey for the given instant.
func MonthOf(t time.Time) MonthKey {
	return MonthKey(t.UTC().Format("2006-01"))
}

// Session is one realtime conversation between a subscriber and the voice service.
type Session struct {
	ID              uuid.UUID      `json:"id"`
	SubscriberID    int64          `json:"subscriber_id"`
	ExternalID      string         `json:"external_session_id"`
	Model           string         `json:"model"`
	Status          SessionStatus  `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	DurationSeconds *int64         `json:"duration_seconds,omitempty"`
}

// Metrics accumulates token counts and cost for a single session. Updates are
// strictly additive; totals never decrease.
type Metrics struct {
	SessionID    uuid.UUID `json:"session_id"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	CostInput    float64   `json:"cost_input"`
	CostOutput   float64   `json:"cost_output"`
	CostTotal    float64   `json:"cost_total"`
	// Last applied per-million-token rates, kept as a pricing snapshot.
	RateInput  float64   `json:"rate_input"`
	RateOutput float64   `json:"rate_output"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Totals is the monthly quota ledger row for one subscriber.
type Totals struct {
	TokensUsed    int64 `json:"tokens_used"`
	SessionsCount int64 `json:"sessions_count"`
}

// UsageDelta is one priced usage observation to be applied to a session and
// the owning subscriber's monthly ledger.
type UsageDelta struct {
	// EventID deduplicates redundant reports of the same logical usage event.
	EventID      string
	Source       string
	InputTokens  int64
	OutputTokens int64
	CostInput    float64
	CostOutput   float64
	RateInput    float64
	RateOutput   float64
	ReportedAt   time.Time
}

// CreateSessionParams carries the fields needed to open a session.
type CreateSessionParams struct {
	SubscriberID int64
	ExternalID   string
	Model        string
	StartedAt    time.Time
}

var (
	// ErrNotFound indicates the referenced session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateSession indicates the external session id is already taken.
	ErrDuplicateSession = errors.New("duplicate external session id")
	// ErrDuplicateEvent indicates a usage event with the same id was already applied.
	ErrDuplicateEvent = errors.New("duplicate usage event")
	// ErrLimitExceeded indicates a checked increment would cross the plan limit.
	ErrLimitExceeded = errors.New("monthly token limit exceeded")
	// ErrCorrupt indicates a ledger row violated a basic invariant (negative counter).
	ErrCorrupt = errors.New("corrupt ledger entry")
)

// Validate rejects structurally invalid usage deltas before they reach the store.
func (d UsageDelta) Validate() error {
	if d.InputTokens < 0 || d.OutputTokens < 0 {
		return fmt.Errorf("usage delta must be non-negative: input=%d output=%d", d.InputTokens, d.OutputTokens)
	}
	if d.EventID == "" {
		return errors.New("usage delta requires an event id")
	}
	return nil
}
