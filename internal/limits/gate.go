package limits

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/linguaflow/tutor-gateway/internal/metering"
	"github.com/linguaflow/tutor-gateway/internal/plans"
)

// ReasonNoSubscription is returned when the subscriber holds no active
// subscription, whether the request is allowed or denied.
const ReasonNoSubscription = "no active subscription"

// Decision is the gate's answer for a prospective increment. A denial is an
// ordinary value consumed by the caller, never an error.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Current int64  `json:"current"`
	// Limit is the plan ceiling; 0 means unbounded.
	Limit  int64  `json:"limit"`
	Reason string `json:"reason,omitempty"`
}

// Config carries the gate's one policy knob. The leniency for subscribers
// without a subscription is an explicit operator choice, never inferred from
// the runtime environment.
type Config struct {
	AllowWithoutSubscription bool
}

// Gate decides whether a prospective token or session increment fits the
// subscriber's monthly plan quota. Decisions read a ledger snapshot and do
// not reserve capacity; the store's checked increments close the gap for
// callers that need the combined operation.
type Gate struct {
	plans  plans.Store
	ledger metering.Store
	cfg    Config
	logger *log.Logger
}

// NewGate builds a gate over the plan and ledger stores.
func NewGate(planStore plans.Store, ledger metering.Store, cfg Config) *Gate {
	return &Gate{
		plans:  planStore,
		ledger: ledger,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[limits] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (g *Gate) SetLogger(logger *log.Logger) {
	if logger != nil {
		g.logger = logger
	}
}

// CheckTokens decides whether additionalTokens more tokens fit this month's
// plan ceiling.
func (g *Gate) CheckTokens(ctx context.Context, subscriberID, additionalTokens int64) (Decision, error) {
	if additionalTokens < 0 {
		return Decision{}, fmt.Errorf("additional tokens must be non-negative, got %d", additionalTokens)
	}
	active, decision, err := g.activePlan(ctx, subscriberID)
	if err != nil || active == nil {
		return decision, err
	}

	totals, err := g.ledger.MonthTotals(ctx, subscriberID, metering.MonthOf(time.Now()))
	if err != nil {
		return Decision{}, fmt.Errorf("read month totals: %w", err)
	}
	limit := active.Plan.MonthlyTokenLimit
	if !active.Plan.TokensBounded() {
		return Decision{Allowed: true, Current: totals.TokensUsed, Limit: plans.Unlimited}, nil
	}
	if totals.TokensUsed+additionalTokens > limit {
		return Decision{
			Allowed: false,
			Current: totals.TokensUsed,
			Limit:   limit,
			Reason:  fmt.Sprintf("monthly token limit reached (%d/%d)", totals.TokensUsed, limit),
		}, nil
	}
	return Decision{Allowed: true, Current: totals.TokensUsed, Limit: limit}, nil
}

// CheckSessions decides whether one more session fits this month's plan
// ceiling. The check is strict: a subscriber at the limit is denied the next
// session.
func (g *Gate) CheckSessions(ctx context.Context, subscriberID int64) (Decision, error) {
	active, decision, err := g.activePlan(ctx, subscriberID)
	if err != nil || active == nil {
		return decision, err
	}

	totals, err := g.ledger.MonthTotals(ctx, subscriberID, metering.MonthOf(time.Now()))
	if err != nil {
		return Decision{}, fmt.Errorf("read month totals: %w", err)
	}
	limit := active.Plan.MonthlySessionLimit
	if !active.Plan.SessionsBounded() {
		return Decision{Allowed: true, Current: totals.SessionsCount, Limit: plans.Unlimited}, nil
	}
	if totals.SessionsCount >= limit {
		return Decision{
			Allowed: false,
			Current: totals.SessionsCount,
			Limit:   limit,
			Reason:  fmt.Sprintf("monthly session limit reached (%d/%d)", totals.SessionsCount, limit),
		}, nil
	}
	return Decision{Allowed: true, Current: totals.SessionsCount, Limit: limit}, nil
}

// TokenLimitFor returns the active plan's monthly token limit for callers
// that collapse check-and-add into a single checked store increment.
// Returns 0 (unbounded) with ok=false when no subscription exists and the
// gate is configured to allow that.
func (g *Gate) TokenLimitFor(ctx context.Context, subscriberID int64) (limit int64, ok bool, err error) {
	active, err := g.plans.ActiveFor(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, plans.ErrNoActiveSubscription) {
			if g.cfg.AllowWithoutSubscription {
				return plans.Unlimited, false, nil
			}
			return 0, false, plans.ErrNoActiveSubscription
		}
		return 0, false, fmt.Errorf("resolve active plan: %w", err)
	}
	return active.Plan.MonthlyTokenLimit, true, nil
}

// activePlan resolves the subscription; when none exists it returns the
// policy decision directly (active == nil).
func (g *Gate) activePlan(ctx context.Context, subscriberID int64) (*plans.ActivePlan, Decision, error) {
	active, err := g.plans.ActiveFor(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, plans.ErrNoActiveSubscription) {
			if g.cfg.AllowWithoutSubscription {
				g.logger.Printf("subscriber=%d has no active subscription; allowing by configuration", subscriberID)
				return nil, Decision{Allowed: true, Reason: ReasonNoSubscription}, nil
			}
			return nil, Decision{Allowed: false, Reason: ReasonNoSubscription}, nil
		}
		return nil, Decision{}, fmt.Errorf("resolve active plan: %w", err)
	}
	return active, Decision{}, nil
}
