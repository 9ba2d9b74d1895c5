package plans

import (
	"context"
	"errors"
	"time"
)

// Unlimited marks a plan dimension with no monthly ceiling.
const Unlimited int64 = 0

// Plan is a subscription tier with monthly token and session ceilings.
// A limit of 0 means unbounded.
type Plan struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	MonthlyTokenLimit   int64     `json:"monthly_token_limit"`
	MonthlySessionLimit int64     `json:"monthly_session_limit"`
	CreatedAt           time.Time `json:"created_at"`
}

// TokensBounded reports whether the plan caps monthly tokens.
func (p Plan) TokensBounded() bool { return p.MonthlyTokenLimit > 0 }

// SessionsBounded reports whether the plan caps monthly sessions.
func (p Plan) SessionsBounded() bool { return p.MonthlySessionLimit > 0 }

// Subscription binds a subscriber to a plan. At most one subscription per
// subscriber is active at any time.
type Subscription struct {
	ID           int64      `json:"id"`
	SubscriberID int64      `json:"subscriber_id"`
	PlanID       int64      `json:"plan_id"`
	Active       bool       `json:"active"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// ActivePlan is a subscription joined with its plan, as the limit gate
// consumes it.
type ActivePlan struct {
	Subscription Subscription `json:"subscription"`
	Plan         Plan         `json:"plan"`
}

var (
	// ErrPlanNotFound indicates the referenced plan does not exist.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrNoActiveSubscription indicates the subscriber has no active subscription.
	ErrNoActiveSubscription = errors.New("no active subscription")
)

// Store persists plans and subscriptions across SQLite/Postgres backends.
type Store interface {
	// EnsurePlan creates the plan if no plan with the same name exists and
	// returns the stored row either way. Used to seed default tiers.
	EnsurePlan(ctx context.Context, plan Plan) (*Plan, error)

	// PlanByID returns the plan or ErrPlanNotFound.
	PlanByID(ctx context.Context, id int64) (*Plan, error)

	// ListPlans returns all plans ordered by id.
	ListPlans(ctx context.Context) ([]Plan, error)

	// Activate subscribes the subscriber to the plan, deactivating any prior
	// active subscription in the same transaction.
	Activate(ctx context.Context, subscriberID, planID int64, now time.Time) (*Subscription, error)

	// ActiveFor resolves the subscriber's active subscription joined with its
	// plan, or ErrNoActiveSubscription.
	ActiveFor(ctx context.Context, subscriberID int64) (*ActivePlan, error)

	Close() error
}
