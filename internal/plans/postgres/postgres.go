package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/linguaflow/tutor-gateway/internal/plans"
)

// Store implements plans.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed plans store using the provided DSN.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	monthly_token_limit BIGINT NOT NULL DEFAULT 0,
	monthly_session_limit BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id BIGSERIAL PRIMARY KEY,
	subscriber_id BIGINT NOT NULL,
	plan_id BIGINT NOT NULL REFERENCES plans(id),
	active BOOLEAN NOT NULL DEFAULT TRUE,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_subscriber_active ON subscriptions(subscriber_id, active);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsurePlan inserts the plan when its name is new, then returns the stored row.
func (s *Store) EnsurePlan(ctx context.Context, plan plans.Plan) (*plans.Plan, error) {
	if plan.Name == "" {
		return nil, errors.New("plan name required")
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO plans(name, monthly_token_limit, monthly_session_limit)
VALUES($1, $2, $3)
ON CONFLICT (name) DO NOTHING`,
		plan.Name, plan.MonthlyTokenLimit, plan.MonthlySessionLimit); err != nil {
		return nil, fmt.Errorf("ensure plan: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, monthly_token_limit, monthly_session_limit, created_at
FROM plans WHERE name = $1`, plan.Name)
	return scanPlan(row)
}

// PlanByID returns the plan or plans.ErrPlanNotFound.
func (s *Store) PlanByID(ctx context.Context, id int64) (*plans.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, monthly_token_limit, monthly_session_limit, created_at
FROM plans WHERE id = $1`, id)
	return scanPlan(row)
}

// ListPlans returns all plans ordered by id.
func (s *Store) ListPlans(ctx context.Context) ([]plans.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, monthly_token_limit, monthly_session_limit, created_at
FROM plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []plans.Plan
	for rows.Next() {
		var p plans.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.MonthlyTokenLimit, &p.MonthlySessionLimit, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Activate deactivates prior active subscriptions and inserts the new one in
// a single transaction.
func (s *Store) Activate(ctx context.Context, subscriberID, planID int64, now time.Time) (*plans.Subscription, error) {
	if _, err := s.PlanByID(ctx, planID); err != nil {
		return nil, err
	}
	started := now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin activate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
UPDATE subscriptions SET active = FALSE, ended_at = $1
WHERE subscriber_id = $2 AND active = TRUE`, started, subscriberID); err != nil {
		return nil, fmt.Errorf("deactivate prior subscriptions: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `
INSERT INTO subscriptions(subscriber_id, plan_id, active, started_at)
VALUES($1, $2, TRUE, $3)
RETURNING id`, subscriberID, planID, started).Scan(&id); err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit activate: %w", err)
	}

	return &plans.Subscription{
		ID:           id,
		SubscriberID: subscriberID,
		PlanID:       planID,
		Active:       true,
		StartedAt:    started,
	}, nil
}

// ActiveFor resolves the active subscription joined with its plan.
func (s *Store) ActiveFor(ctx context.Context, subscriberID int64) (*plans.ActivePlan, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT sub.id, sub.subscriber_id, sub.plan_id, sub.active, sub.started_at, sub.ended_at,
       p.id, p.name, p.monthly_token_limit, p.monthly_session_limit, p.created_at
FROM subscriptions sub
JOIN plans p ON p.id = sub.plan_id
WHERE sub.subscriber_id = $1 AND sub.active = TRUE
ORDER BY sub.started_at DESC
LIMIT 1`, subscriberID)

	var (
		ap    plans.ActivePlan
		ended sql.NullTime
	)
	if err := row.Scan(
		&ap.Subscription.ID, &ap.Subscription.SubscriberID, &ap.Subscription.PlanID,
		&ap.Subscription.Active, &ap.Subscription.StartedAt, &ended,
		&ap.Plan.ID, &ap.Plan.Name, &ap.Plan.MonthlyTokenLimit, &ap.Plan.MonthlySessionLimit, &ap.Plan.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, plans.ErrNoActiveSubscription
		}
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		ap.Subscription.EndedAt = &t
	}
	return &ap, nil
}

func scanPlan(row *sql.Row) (*plans.Plan, error) {
	var p plans.Plan
	if err := row.Scan(&p.ID, &p.Name, &p.MonthlyTokenLimit, &p.MonthlySessionLimit, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, plans.ErrPlanNotFound
		}
		return nil, err
	}
	return &p, nil
}
