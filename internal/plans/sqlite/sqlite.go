package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/linguaflow/tutor-gateway/internal/plans"
)

// Store implements plans.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create plans directory: %w", err)
	}
	// DSN pragmas apply to every pooled connection; busy_timeout is
	// per-connection and must not be left to a single db.Exec.
	db, err := sql.Open("sqlite",
		"file:"+path+"?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	monthly_token_limit INTEGER NOT NULL DEFAULT 0,
	monthly_session_limit INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subscriber_id INTEGER NOT NULL,
	plan_id INTEGER NOT NULL REFERENCES plans(id),
	active INTEGER NOT NULL DEFAULT 1,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP
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
VALUES(?, ?, ?)
ON CONFLICT(name) DO NOTHING`,
		plan.Name, plan.MonthlyTokenLimit, plan.MonthlySessionLimit); err != nil {
		return nil, fmt.Errorf("ensure plan: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, monthly_token_limit, monthly_session_limit, created_at
FROM plans WHERE name = ?`, plan.Name)
	return scanPlan(row)
}

// PlanByID returns the plan or plans.ErrPlanNotFound.
func (s *Store) PlanByID(ctx context.Context, id int64) (*plans.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, monthly_token_limit, monthly_session_limit, created_at
FROM plans WHERE id = ?`, id)
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
// a single transaction, preserving the at-most-one-active invariant.
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
UPDATE subscriptions SET active = 0, ended_at = ?
WHERE subscriber_id = ? AND active = 1`, started, subscriberID); err != nil {
		return nil, fmt.Errorf("deactivate prior subscriptions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO subscriptions(subscriber_id, plan_id, active, started_at)
VALUES(?, ?, 1, ?)`, subscriberID, planID, started)
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
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
WHERE sub.subscriber_id = ? AND sub.active = 1
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
