package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/linguaflow/tutor-gateway/internal/metering"
)

// Store implements metering.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path. Transactions are
// opened with an immediate write lock so read-then-write sequences inside a
// transaction cannot interleave with another writer.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create meter directory: %w", err)
	}
	// The pragmas ride on the DSN so every pooled connection gets them;
	// busy_timeout in particular is per-connection, and a writer opened
	// without it fails instead of waiting on a locked database.
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
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	subscriber_id INTEGER NOT NULL,
	external_id TEXT NOT NULL UNIQUE,
	model TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('active','completed','abandoned')),
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	duration_seconds INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_subscriber ON sessions(subscriber_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_status_started ON sessions(status, started_at);

CREATE TABLE IF NOT EXISTS session_metrics (
	session_id TEXT PRIMARY KEY REFERENCES sessions(id),
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost_input REAL NOT NULL DEFAULT 0,
	cost_output REAL NOT NULL DEFAULT 0,
	cost_total REAL NOT NULL DEFAULT 0,
	rate_input REAL NOT NULL DEFAULT 0,
	rate_output REAL NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS quota_ledger (
	subscriber_id INTEGER NOT NULL,
	month TEXT NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	sessions_count INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY(subscriber_id, month)
);

CREATE TABLE IF NOT EXISTS usage_events (
	event_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	source TEXT,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
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

// CreateSession opens the session, its metrics row and the ledger session
// debit in one transaction. A duplicate external id aborts before any write.
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

	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE external_id = ?`, params.ExternalID).Scan(&existing); err != nil {
		return nil, fmt.Errorf("check external id: %w", err)
	}
	if existing > 0 {
		return nil, metering.ErrDuplicateSession
	}

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
VALUES(?, ?, ?, ?, ?, ?)`,
		sess.ID.String(), sess.SubscriberID, sess.ExternalID, sess.Model, string(sess.Status), started); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO session_metrics(session_id, updated_at) VALUES(?, ?)`,
		sess.ID.String(), started); err != nil {
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
		`SELECT `+sessionColumns+` FROM sessions WHERE external_id = ?`, externalID)
	return scanSession(row)
}

// SessionMetrics returns accumulated metrics for the session.
func (s *Store) SessionMetrics(ctx context.Context, externalID string) (*metering.Metrics, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT m.session_id, m.input_tokens, m.output_tokens, m.total_tokens,
       m.cost_input, m.cost_output, m.cost_total, m.rate_input, m.rate_output, m.updated_at
FROM session_metrics m
JOIN sessions s ON s.id = m.session_id
WHERE s.external_id = ?`, externalID)
	return scanMetrics(row)
}

// FinalizeSession transitions active -> completed. Terminal sessions are
// returned unchanged so a retried finalize stays idempotent.
func (s *Store) FinalizeSession(ctx context.Context, externalID string, now time.Time) (*metering.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE external_id = ?`, externalID)
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
UPDATE sessions SET status = ?, ended_at = ?, duration_seconds = ?
WHERE external_id = ? AND status = ?`,
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
// as abandoned. session_metrics.updated_at starts at started_at and moves on
// every applied delta, so it is the last-activity marker. The ledger is
// untouched: the session unit was debited at creation.
func (s *Store) AbandonStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, ended_at = ?
WHERE status = ? AND id IN (
	SELECT m.session_id FROM session_metrics m WHERE m.updated_at < ?)`,
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
		`SELECT `+sessionColumns+` FROM sessions WHERE external_id = ?`, externalID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	var dup int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM usage_events WHERE event_id = ?`, delta.EventID).Scan(&dup); err != nil {
		return nil, fmt.Errorf("check usage event: %w", err)
	}
	if dup > 0 {
		return nil, metering.ErrDuplicateEvent
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO usage_events(event_id, session_id, source, input_tokens, output_tokens, created_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		delta.EventID, sess.ID.String(), delta.Source, delta.InputTokens, delta.OutputTokens, reported); err != nil {
		return nil, fmt.Errorf("insert usage event: %w", err)
	}

	totalDelta := delta.InputTokens + delta.OutputTokens
	if _, err := tx.ExecContext(ctx, `
UPDATE session_metrics SET
	input_tokens = input_tokens + ?,
	output_tokens = output_tokens + ?,
	total_tokens = total_tokens + ?,
	cost_input = cost_input + ?,
	cost_output = cost_output + ?,
	cost_total = cost_total + ?,
	rate_input = ?,
	rate_output = ?,
	updated_at = ?
WHERE session_id = ?`,
		delta.InputTokens, delta.OutputTokens, totalDelta,
		delta.CostInput, delta.CostOutput, delta.CostInput+delta.CostOutput,
		delta.RateInput, delta.RateOutput, reported, sess.ID.String()); err != nil {
		return nil, fmt.Errorf("update session metrics: %w", err)
	}

	totals, err := addUsageTx(ctx, tx, sess.SubscriberID, metering.MonthOf(reported), totalDelta, 0, reported)
	if err != nil {
		return nil, err
	}
	if tokenLimit > 0 && totals.TokensUsed > tokenLimit {
		// Rolling back rejects the whole delta, events row included.
		return nil, metering.ErrLimitExceeded
	}

	metricsRow := tx.QueryRowContext(ctx, `
SELECT session_id, input_tokens, output_tokens, total_tokens,
       cost_input, cost_output, cost_total, rate_input, rate_output, updated_at
FROM session_metrics WHERE session_id = ?`, sess.ID.String())
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
WHERE subscriber_id = ? AND month = ?`, subscriberID, string(month))
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
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(subscriber_id, month) DO UPDATE SET
	tokens_used = tokens_used + excluded.tokens_used,
	sessions_count = sessions_count + excluded.sessions_count,
	updated_at = excluded.updated_at
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
		id       string
		status   string
		ended    sql.NullTime
		duration sql.NullInt64
	)
	if err := row.Scan(&id, &sess.SubscriberID, &sess.ExternalID, &sess.Model, &status, &sess.StartedAt, &ended, &duration); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, metering.ErrNotFound
		}
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	sess.ID = parsed
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
	var (
		m  metering.Metrics
		id string
	)
	if err := row.Scan(&id, &m.InputTokens, &m.OutputTokens, &m.TotalTokens,
		&m.CostInput, &m.CostOutput, &m.CostTotal, &m.RateInput, &m.RateOutput, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, metering.ErrNotFound
		}
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	m.SessionID = parsed
	return &m, nil
}
