package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/linguaflow/tutor-gateway/internal/metering"
	metersql "github.com/linguaflow/tutor-gateway/internal/metering/sqlite"
)

func newStore(t *testing.T) *metersql.Store {
	t.Helper()
	store, err := metersql.New(filepath.Join(t.TempDir(), "meter.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateValidatesInput(t *testing.T) {
	m := NewManager(newStore(t), 0)
	ctx := context.Background()

	if _, err := m.Create(ctx, 0, "sess-1", "gpt-realtime"); err == nil {
		t.Fatal("expected error for missing subscriber")
	}
	if _, err := m.Create(ctx, 1, "  ", "gpt-realtime"); err == nil {
		t.Fatal("expected error for blank external id")
	}
	if _, err := m.Create(ctx, 1, "sess-1", ""); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestCreateAndDuplicate(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, 0)
	ctx := context.Background()

	sess, err := m.Create(ctx, 7, "sess-1", "gpt-realtime")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Status != metering.StatusActive {
		t.Fatalf("new session should be active, got %s", sess.Status)
	}

	if _, err := m.Create(ctx, 7, "sess-1", "gpt-realtime"); !errors.Is(err, metering.ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	// The failed retry must not debit the ledger again.
	totals, err := store.MonthTotals(ctx, 7, metering.MonthOf(time.Now()))
	if err != nil {
		t.Fatalf("MonthTotals: %v", err)
	}
	if totals.SessionsCount != 1 {
		t.Fatalf("want 1 session debit, got %d", totals.SessionsCount)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, 0)
	ctx := context.Background()

	if _, err := m.Create(ctx, 7, "sess-1", "gpt-realtime"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := m.Finalize(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if first.Status != metering.StatusCompleted || first.EndedAt == nil || first.DurationSeconds == nil {
		t.Fatalf("incomplete finalized record: %+v", first)
	}

	second, err := m.Finalize(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Finalize retry: %v", err)
	}
	if !second.EndedAt.Equal(*first.EndedAt) || *second.DurationSeconds != *first.DurationSeconds {
		t.Fatalf("retry recomputed the close: first=%+v second=%+v", first, second)
	}

	if _, err := m.Finalize(ctx, "no-such-session"); !errors.Is(err, metering.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweeperAbandonsStaleSessions(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, 0)
	ctx := context.Background()

	if _, err := m.Create(ctx, 7, "stale", "gpt-realtime"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Zero-width TTL: anything already started is stale.
	sw := NewSweeper(store, time.Nanosecond, time.Hour, nil)
	time.Sleep(5 * time.Millisecond)
	sw.SweepOnce(ctx)

	sess, err := store.SessionByExternalID(ctx, "stale")
	if err != nil {
		t.Fatalf("SessionByExternalID: %v", err)
	}
	if sess.Status != metering.StatusAbandoned {
		t.Fatalf("expected abandoned, got %s", sess.Status)
	}

	// Abandoned is terminal; a late finalize reports the stored record.
	after, err := m.Finalize(ctx, "stale")
	if err != nil {
		t.Fatalf("Finalize after abandon: %v", err)
	}
	if after.Status != metering.StatusAbandoned {
		t.Fatalf("late finalize must not resurrect the session, got %s", after.Status)
	}
}

func TestSweeperStartStop(t *testing.T) {
	sw := NewSweeper(newStore(t), time.Hour, 10*time.Millisecond, nil)
	sw.Start()
	time.Sleep(30 * time.Millisecond)
	sw.Stop()
}
