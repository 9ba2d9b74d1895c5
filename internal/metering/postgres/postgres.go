package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/linguaflow/tutor-gateway/internal/metering"
)

const uniqueViolation = "23505"

// Store implements metering.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed metering store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes int) (*Store, error) {
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
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
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
CREATE TABLE IF NOT EXISTS sessions (
	id UUID PRIMARY KEY,
	subscriber_id BIGINT NOT NULL,
	external_id TEXT NOT NULL UNIQUE,
	model TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('active','completed','abandoned')),
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	duration_seconds BIGINT
);
CREATE INDEX IF NOT EXISTS idx_sessions_subscriber ON sessions(subscriber_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_status_started ON sessions(status, started_at);

CREATE TABLE IF NOT EXISTS session_metrics (
	session_id UUID PRIMARY KEY REFERENCES sessions(id),
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	cost_input DOUBLE PRECISION NOT NULL DEFAULT 0,
	cost_output DOUBLE PRECISION NOT NULL DEFAULT 0,
	cost_total DOUBLE PRECISION NOT NULL DEFAULT 0,
	rate_input DOUBLE PRECISION NOT NULL DEFAULT 0,
	rate_output DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS quota_ledger (
	subscriber_id BIGINT NOT NULL,
	month TEXT NOT NULL,
	tokens_used BIGINT NOT NULL DEFAULT 0,
	sessions_count BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY(subscriber_id, month)
);

CREATE TABLE IF NOT EXISTS usage_events (
	event_id TEXT PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES sessions(id),
	source TEXT,
	input_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_session ON usage_events(session_id, created_at);
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateSession relies on the unique constraint on external_id; a violation
// rolls back the whole transaction, ledger debit included.
func (s *Store) CreateSession(ctx context.Context, params metering.CreateSessionParams) (*metering.Session, error) {
	if params.SubscriberID == 0 {
		return nil, errors.New("subscriber id required")
	}
	if params.ExternalID == "" {
		return nil, errors.New("external session id required")
	}
	started := params.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess := &metering.Session{
		ID:           uuid.New(),
		SubscriberID: params.SubscriberID,
		ExternalID:   params.ExternalID,
		Model:        params.Model,
		Status:       metering.StatusActive,
		StartedAt:    started,
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(id, subscriber_id, external_id, model, status, started_at)
VALUES($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.SubscriberID, sess.ExternalID, sess.Model, string(sess.Status), started); err != nil {
		if isUniqueViolation(err) {
			return nil, metering.ErrDuplicateSession
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO session_metrics(session_id, updated_at) VALUES($1, $2)`,
		sess.ID, started); err != nil {
		return nil, fmt.Errorf("insert session metrics: %w", err)
	}
	if _, err := addUsageTx(ctx, tx, params.SubscriberID, metering.MonthOf(started), 0, 1, started); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create session: %w", err)
	}
	return sess, nil
}

const sessionColumns = `id, subscriber_id, external_id, model, status, started_at, ended_at, duration_seconds`

// SessionByExternalID returns the session or metering.ErrNotFound.
func (s *Store) SessionByExternalID(ctx context.Context, externalID string) (*metering.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE external_id = $1`, externalID)
	return scanSession(row)
}

// SessionMetrics returns accumulated metrics for the session.
func (s *Store) SessionMetrics(ctx context.Context, externalID string) (*metering.Metrics, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT m.session_id, m.input_tokens, m.output_tokens, m.total_tokens,
       m.cost_input, m.cost_output, m.cost_total, m.rate_input, m.rate_output, m.updated_at
FROM session_metrics m
JOIN sessions s ON s.id = m.session_id
WHERE s.external_id = $1`, externalID)
	return scanMetrics(row)
}

// FinalizeSession transitions active -> completed, idempotently.
func (s *Store) FinalizeSession(ctx context.Context, externalID string, now time.Time) (*metering.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE external_id = $1 FOR UPDATE`, externalID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if sess.Status != metering.StatusActive {
		return sess, tx.Commit()
	}

	ended := now.UTC()
	duration := int64(ended.Sub(sess.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET status = $1, ended_at = $2, duration_seconds = $3
WHERE external_id = $4 AND status = $5`,
		string(metering.StatusCompleted), ended, duration, externalID, string(metering.StatusActive)); err != nil {
		return nil, fmt.Errorf("finalize session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}

	sess.Status = metering.StatusCompleted
	sess.EndedAt = &ended
	sess.DurationSeconds = &duration
	return sess, nil
}

// AbandonStale marks active sessions with no usage activity since the cutoff
// as abandoned; session_metrics.updated_at is the last-activity marker.
func (s *Store) AbandonStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status = $1, ended_at = $2
WHERE status = $3 AND id IN (
	SELECT m.session_id FROM session_metrics m WHERE m.updated_at < $4)`,
		string(metering.StatusAbandoned), time.Now().UTC(), string(metering.StatusActive), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("abandon stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// AddSessionUsage applies one deduplicated usage delta.
func (s *Store) AddSessionUsage(ctx context.Context, externalID string, delta metering.UsageDelta) (*metering.Metrics, error) {
	return s.addSessionUsage(ctx, externalID, delta, 0)
}

// AddSessionUsageChecked applies the delta only if the resulting monthly
// token total stays within tokenLimit.
func (s *Store) AddSessionUsageChecked(ctx context.Context, externalID string, delta metering.UsageDelta, tokenLimit int64) (*metering.Metrics, error) {
	return s.addSessionUsage(ctx, externalID, delta, tokenLimit)
}

func (s *Store) addSessionUsage(ctx context.Context, externalID string, delta metering.UsageDelta, tokenLimit int64) (*metering.Metrics, error) {
	if err := delta.Validate(); err != nil {
		return nil, err
	}
	reported := delta.ReportedAt
	if reported.IsZero() {
		reported = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin record usage: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE external_id = $1`, externalID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO usage_events(event_id, session_id, source, input_tokens, output_tokens, created_at)
VALUES($1, $2, $3, $4, $5, $6)
ON CONFLICT (event_id) DO NOTHING`,
		delta.EventID, sess.ID, delta.Source, delta.InputTokens, delta.OutputTokens, reported)
	if err != nil {
		return nil, fmt.Errorf("insert usage event: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, metering.ErrDuplicateEvent
	}

	totalDelta := delta.InputTokens + delta.OutputTokens
	if _, err := tx.ExecContext(ctx, `
UPDATE session_metrics SET
	input_tokens = input_tokens + $1,
	output_tokens = output_tokens + $2,
	total_tokens = total_tokens + $3,
	cost_input = cost_input + $4,
	cost_output = cost_output + $5,
	cost_total = cost_total + $6,
	rate_input = $7,
	rate_output = $8,
	updated_at = $9
WHERE session_id = $10`,
		delta.InputTokens, delta.OutputTokens, totalDelta,
		delta.CostInput, delta.CostOutput, delta.CostInput+delta.CostOutput,
		delta.RateInput, delta.RateOutput, reported, sess.ID); err != nil {
		return nil, fmt.Errorf("update session metrics: %w", err)
	}

	totals, err := addUsageTx(ctx, tx, sess.SubscriberID, metering.MonthOf(reported), totalDelta, 0, reported)
	if err != nil {
		return nil, err
	}
	if tokenLimit > 0 && totals.TokensUsed > tokenLimit {
		return nil, metering.ErrLimitExceeded
	}

	metricsRow := tx.QueryRowContext(ctx, `
SELECT session_id, input_tokens, output_tokens, total_tokens,
       cost_input, cost_output, cost_total, rate_input, rate_output, updated_at
FROM session_metrics WHERE session_id = $1`, sess.ID)
	metrics, err := scanMetrics(metricsRow)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit record usage: %w", err)
	}
	return metrics, nil
}

// MonthTotals reads the ledger row, returning zeros when absent.
func (s *Store) MonthTotals(ctx context.Context, subscriberID int64, month metering.MonthKey) (metering.Totals, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT tokens_used, sessions_count FROM quota_ledger
WHERE subscriber_id = $1 AND month = $2`, subscriberID, string(month))
	var t metering.Totals
	if err := row.Scan(&t.TokensUsed, &t.SessionsCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return metering.Totals{}, nil
		}
		return metering.Totals{}, err
	}
	if t.TokensUsed < 0 || t.SessionsCount < 0 {
		return metering.Totals{}, metering.ErrCorrupt
	}
	return t, nil
}

// AddUsage increments (or lazily creates) the ledger row in one statement.
func (s *Store) AddUsage(ctx context.Context, subscriberID int64, month metering.MonthKey, tokensDelta, sessionsDelta int64) (metering.Totals, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return metering.Totals{}, fmt.Errorf("begin add usage: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	totals, err := addUsageTx(ctx, tx, subscriberID, month, tokensDelta, sessionsDelta, time.Now().UTC())
	if err != nil {
		return metering.Totals{}, err
	}
	if err := tx.Commit(); err != nil {
		return metering.Totals{}, fmt.Errorf("commit add usage: %w", err)
	}
	return totals, nil
}

func addUsageTx(ctx context.Context, tx *sql.Tx, subscriberID int64, month metering.MonthKey, tokensDelta, sessionsDelta int64, now time.Time) (metering.Totals, error) {
	row := tx.QueryRowContext(ctx, `
INSERT INTO quota_ledger(subscriber_id, month, tokens_used, sessions_count, updated_at)
VALUES($1, $2, $3, $4, $5)
ON CONFLICT (subscriber_id, month) DO UPDATE SET
	tokens_used = quota_ledger.tokens_used + EXCLUDED.tokens_used,
	sessions_count = quota_ledger.sessions_count + EXCLUDED.sessions_count,
	updated_at = EXCLUDED.updated_at
RETURNING tokens_used, sessions_count`,
		subscriberID, string(month), tokensDelta, sessionsDelta, now)
	var t metering.Totals
	if err := row.Scan(&t.TokensUsed, &t.SessionsCount); err != nil {
		return metering.Totals{}, fmt.Errorf("upsert quota ledger: %w", err)
	}
	if t.TokensUsed < 0 || t.SessionsCount < 0 {
		return metering.Totals{}, metering.ErrCorrupt
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*metering.Session, error) {
	var (
		sess     metering.Session
		status   string
		ended    sql.NullTime
		duration sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &sess.SubscriberID, &sess.ExternalID, &sess.Model, &status, &sess.StartedAt, &ended, &duration); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, metering.ErrNotFound
		}
		return nil, err
	}
	sess.Status = metering.SessionStatus(status)
	if ended.Valid {
		t := ended.Time
		sess.EndedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		sess.DurationSeconds = &d
	}
	return &sess, nil
}

func scanMetrics(row rowScanner) (*metering.Metrics, error) {
	var m metering.Metrics
	if err := row.Scan(&m.SessionID, &m.InputTokens, &m.OutputTokens, &m.TotalTokens,
		&m.CostInput, &m.CostOutput, &m.CostTotal, &m.RateInput, &m.RateOutput, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, metering.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}
