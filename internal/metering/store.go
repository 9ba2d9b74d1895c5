package metering

import (
	"context"
	"time"
)

// Store persists sessions, per-session metrics, usage events and the monthly
// quota ledger across SQLite/Postgres backends.
//
// Implementations must guarantee:
//   - CreateSession writes the session row, its zeroed metrics row and the
//     ledger session debit in one transaction.
//   - AddUsage is a single atomic increment-or-insert; concurrent calls for
//     the same (subscriber, month) never lose updates.
//   - AddSessionUsage applies the event dedup insert, the metrics increment
//     and the ledger increment in one transaction.
type Store interface {
	// CreateSession opens a session, creates its metrics row and debits one
	// session unit from the subscriber's current-month ledger. Returns
	// ErrDuplicateSession when the external id is already taken; in that case
	// the ledger is left untouched.
	CreateSession(ctx context.Context, params CreateSessionParams) (*Session, error)

	// SessionByExternalID returns the session or ErrNotFound.
	SessionByExternalID(ctx context.Context, externalID string) (*Session, error)

	// SessionMetrics returns the accumulated metrics for a session.
	SessionMetrics(ctx context.Context, externalID string) (*Metrics, error)

	// FinalizeSession marks the session completed, recording end time and
	// duration. Finalizing an already terminal session is a no-op that
	// returns the stored record unchanged.
	FinalizeSession(ctx context.Context, externalID string, now time.Time) (*Session, error)

	// AbandonStale transitions sessions still active and started before the
	// cutoff to the terminal abandoned status. Returns the number affected.
	AbandonStale(ctx context.Context, cutoff time.Time) (int64, error)

	// AddSessionUsage adds a priced usage delta to the session metrics and
	// the owning subscriber's current-month ledger. Returns
	// ErrDuplicateEvent when the delta's event id was applied before.
	AddSessionUsage(ctx context.Context, externalID string, delta UsageDelta) (*Metrics, error)

	// AddSessionUsageChecked behaves like AddSessionUsage but rejects the
	// whole transaction with ErrLimitExceeded when the ledger's tokens_used
	// would exceed tokenLimit. tokenLimit <= 0 means unbounded.
	AddSessionUsageChecked(ctx context.Context, externalID string, delta UsageDelta, tokenLimit int64) (*Metrics, error)

	// MonthTotals returns the ledger totals for the month, zeros when no row
	// exists. Never creates a row.
	MonthTotals(ctx context.Context, subscriberID int64, month MonthKey) (Totals, error)

	// AddUsage atomically increments (or lazily creates) the ledger row and
	// returns the new totals.
	AddUsage(ctx context.Context, subscriberID int64, month MonthKey, tokensDelta, sessionsDelta int64) (Totals, error)

	Close() error
}
