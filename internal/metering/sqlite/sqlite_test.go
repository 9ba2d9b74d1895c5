package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/linguaflow/tutor-gateway/internal/metering"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "meter.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateSessionDebitsLedgerOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, metering.CreateSessionParams{
		SubscriberID: 42,
		ExternalID:   "s1",
		Model:        "gpt-4o-realtime-preview",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != metering.StatusActive {
		t.Fatalf("expected active session, got %s", sess.Status)
	}

	totals, err := store.MonthTotals(ctx, 42, metering.MonthOf(time.Now()))
	if err != nil {
		t.Fatalf("MonthTotals: %v", err)
	}
	if totals.SessionsCount != 1 {
		t.Fatalf("expected 1 session debited, got %d", totals.SessionsCount)
	}

	// Duplicate external id: conflict, and no second debit.
	if _, err := store.CreateSession(ctx, metering.CreateSessionParams{
		SubscriberID: 42,
		ExternalID:   "s1",
		Model:        "gpt-4o-realtime-preview",
	}); !errors.Is(err, metering.ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	totals, err = store.MonthTotals(ctx, 42, metering.MonthOf(time.Now()))
	if err != nil {
		t.Fatalf("MonthTotals: %v", err)
	}
	if totals.SessionsCount != 1 {
		t.Fatalf("conflict must not double-debit, got %d", totals.SessionsCount)
	}

	// Zero-valued metrics row exists from creation.
	metrics, err := store.SessionMetrics(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionMetrics: %v", err)
	}
	if metrics.TotalTokens != 0 || metrics.CostTotal != 0 {
		t.Fatalf("expected zeroed metrics, got %+v", metrics)
	}
}

func TestAddSessionUsageAccumulates(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, metering.CreateSessionParams{
		SubscriberID: 7, ExternalID: "s1", Model: "gpt-realtime",
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	add := func(event string, input, output int64) *metering.Metrics {
		t.Helper()
		m, err := store.AddSessionUsage(ctx, "s1", metering.UsageDelta{
			EventID:      event,
			InputTokens:  input,
			OutputTokens: output,
			CostInput:    float64(input) / 1e6 * 4.0,
			CostOutput:   float64(output) / 1e6 * 16.0,
			RateInput:    4.0,
			RateOutput:   16.0,
		})
		if err != nil {
			t.Fatalf("AddSessionUsage(%s): %v", event, err)
		}
		return m
	}

	add("e1", 1000, 500)
	m := add("e2", 200, 100)

	if m.InputTokens != 1200 || m.OutputTokens != 600 || m.TotalTokens != 1800 {
		t.Fatalf("unexpected metrics totals: %+v", m)
	}
	if m.TotalTokens != m.InputTokens+m.OutputTokens {
		t.Fatalf("total invariant violated: %+v", m)
	}

	totals, err := store.MonthTotals(ctx, 7, metering.MonthOf(time.Now()))
	if err != nil {
		t.Fatalf("MonthTotals: %v", err)
	}
	if totals.TokensUsed != 1800 {
		t.Fatalf("expected ledger 1800 tokens, got %d", totals.TokensUsed)
	}
}

func TestAddSessionUsageDeduplicates(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, metering.CreateSessionParams{
		SubscriberID: 7, ExternalID: "s1", Model: "gpt-realtime",
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	delta := metering.UsageDelta{EventID: "turn-1", InputTokens: 100, OutputTokens: 50}
	if _, err := store.AddSessionUsage(ctx, "s1", delta); err != nil {
		t.Fatalf("first AddSessionUsage: %v", err)
	}
	if _, err := store.AddSessionUsage(ctx, "s1", delta); !errors.Is(err, metering.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	m, err := store.SessionMetrics(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionMetrics: %v", err)
	}
	if m.TotalTokens != 150 {
		t.Fatalf("duplicate must not double-count, got %d", m.TotalTokens)
	}
	totals, _ := store.MonthTotals(ctx, 7, metering.MonthOf(time.Now()))
	if totals.TokensUsed != 150 {
		t.Fatalf("ledger double-counted duplicate: %d", totals.TokensUsed)
	}
}

func TestAddSessionUsageCheckedRejectsOverLimit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, metering.CreateSessionParams{
		SubscriberID: 9, ExternalID: "s1", Model: "gpt-realtime",
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := store.AddSessionUsageChecked(ctx, "s1",
		metering.UsageDelta{EventID: "e1", InputTokens: 900, OutputTokens: 0}, 1000); err != nil {
		t.Fatalf("first checked add: %v", err)
	}
	if _, err := store.AddSessionUsageChecked(ctx, "s1",
		metering.UsageDelta{EventID: "e2", InputTokens: 200, OutputTokens: 0}, 1000); !errors.Is(err, metering.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}

	// The rejected delta must leave nothing behind: not in metrics, not in
	// the ledger, and the event id stays reusable.
	m, err := store.SessionMetrics(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionMetrics: %v", err)
	}
	if m.TotalTokens != 900 {
		t.Fatalf("rejected delta leaked into metrics: %d", m.TotalTokens)
	}
	totals, _ := store.MonthTotals(ctx, 9, metering.MonthOf(time.Now()))
	if totals.TokensUsed != 900 {
		t.Fatalf("rejected delta leaked into ledger: %d", totals.TokensUsed)
	}
	if _, err := store.AddSessionUsageChecked(ctx, "s1",
		metering.UsageDelta{EventID: "e2", InputTokens: 100, OutputTokens: 0}, 1000); err != nil {
		t.Fatalf("event id from rejected delta should be reusable: %v", err)
	}
}

func TestFinalizeSessionIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, metering.CreateSessionParams{
		SubscriberID: 5, ExternalID: "s1", Model: "gpt-realtime",
		StartedAt: time.Now().UTC().Add(-90 * time.Second),
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	first, err := store.FinalizeSession(ctx, "s1", time.Now().UTC())
	if err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	if first.Status != metering.StatusCompleted {
		t.Fatalf("expected completed, got %s", first.Status)
	}
	if first.EndedAt == nil || first.DurationSeconds == nil {
		t.Fatalf("expected end time and duration, got %+v", first)
	}
	if *first.DurationSeconds < 89 || *first.DurationSeconds > 92 {
		t.Fatalf("unexpected duration %d", *first.DurationSeconds)
	}

	// Second call returns the stored record without recomputation.
	second, err := store.FinalizeSession(ctx, "s1", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("second FinalizeSession: %v", err)
	}
	if !second.EndedAt.Equal(*first.EndedAt) {
		t.Fatalf("end time changed on retry: %v vs %v", second.EndedAt, first.EndedAt)
	}
	if *second.DurationSeconds != *first.DurationSeconds {
		t.Fatalf("duration recomputed on retry: %d vs %d", *second.DurationSeconds, *first.DurationSeconds)
	}

	totals, _ := store.MonthTotals(ctx, 5, metering.MonthOf(time.Now()))
	if totals.SessionsCount != 1 {
		t.Fatalf("finalize must not touch the ledger, got %d", totals.SessionsCount)
	}
}

func TestFinalizeMissingSession(t *testing.T) {
	store := newStore(t)
	if _, err := store.FinalizeSession(context.Background(), "nope", time.Now()); !errors.Is(err, metering.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAbandonStale(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-3 * time.Hour)
	if _, err := store.CreateSession(ctx, metering.CreateSessionParams{
		SubscriberID: 1, ExternalID: "old", Model: "gpt-realtime", StartedAt: old,
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := store.CreateSession(ctx, metering.CreateSessionParams{
		SubscriberID: 1, ExternalID: "fresh", Model: "gpt-realtime",
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	n, err := store.AbandonStale(ctx, time.Now().UTC().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("AbandonStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 abandoned, got %d", n)
	}

	stale, err := store.SessionByExternalID(ctx, "old")
	if err != nil {
		t.Fatalf("SessionByExternalID: %v", err)
	}
	if stale.Status != metering.StatusAbandoned {
		t.Fatalf("expected abandoned, got %s", stale.Status)
	}
	fresh, _ := store.SessionByExternalID(ctx, "fresh")
	if fresh.Status != metering.StatusActive {
		t.Fatalf("fresh session must stay active, got %s", fresh.Status)
	}

	// Abandoned is terminal: finalize is a no-op.
	after, err := store.FinalizeSession(ctx, "old", time.Now().UTC())
	if err != nil {
		t.Fatalf("FinalizeSession on abandoned: %v", err)
	}
	if after.Status != metering.StatusAbandoned {
		t.Fatalf("abandoned session must stay abandoned, got %s", after.Status)
	}
}

func TestAbandonStaleSparesSessionsWithRecentUsage(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// Started long ago but still reporting usage: last activity, not start
	// time, decides staleness.
	old := time.Now().UTC().Add(-3 * time.Hour)
	if _, err := store.CreateSession(ctx, metering.CreateSessionParams{
		SubscriberID: 1, ExternalID: "busy", Model: "gpt-realtime", StartedAt: old,
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := store.AddSessionUsage(ctx, "busy", metering.UsageDelta{
		EventID: "e1", InputTokens: 100, OutputTokens: 50,
	}); err != nil {
		t.Fatalf("AddSessionUsage: %v", err)
	}
	if _, err := store.CreateSession(ctx, metering.CreateSessionParams{
		SubscriberID: 1, ExternalID: "quiet", Model: "gpt-realtime", StartedAt: old,
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	n, err := store.AbandonStale(ctx, time.Now().UTC().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("AbandonStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 abandoned, got %d", n)
	}

	busy, err := store.SessionByExternalID(ctx, "busy")
	if err != nil {
		t.Fatalf("SessionByExternalID: %v", err)
	}
	if busy.Status != metering.StatusActive {
		t.Fatalf("session with recent usage must stay active, got %s", busy.Status)
	}
	quiet, _ := store.SessionByExternalID(ctx, "quiet")
	if quiet.Status != metering.StatusAbandoned {
		t.Fatalf("quiet session must be abandoned, got %s", quiet.Status)
	}
}

func TestAddUsageConcurrent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	month := metering.MonthOf(time.Now())

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := store.AddUsage(ctx, 77, month, 10, 0); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent AddUsage: %v", err)
	}

	totals, err := store.MonthTotals(ctx, 77, month)
	if err != nil {
		t.Fatalf("MonthTotals: %v", err)
	}
	if want := int64(workers * perWorker * 10); totals.TokensUsed != want {
		t.Fatalf("lost updates: want %d, got %d", want, totals.TokensUsed)
	}
}

func TestMonthTotalsDoesNotCreateRows(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	month := metering.MonthOf(time.Now())

	totals, err := store.MonthTotals(ctx, 123, month)
	if err != nil {
		t.Fatalf("MonthTotals: %v", err)
	}
	if totals.TokensUsed != 0 || totals.SessionsCount != 0 {
		t.Fatalf("expected zeros, got %+v", totals)
	}

	// A read must not have created the row; a later increment starts from zero.
	after, err := store.AddUsage(ctx, 123, month, 5, 0)
	if err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	if after.TokensUsed != 5 {
		t.Fatalf("expected 5 after first increment, got %d", after.TokensUsed)
	}
}

func TestMonthsAreIndependent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.AddUsage(ctx, 1, metering.MonthKey("2026-07"), 100, 1); err != nil {
		t.Fatalf("AddUsage july: %v", err)
	}
	if _, err := store.AddUsage(ctx, 1, metering.MonthKey("2026-08"), 50, 2); err != nil {
		t.Fatalf("AddUsage august: %v", err)
	}

	for _, tc := range []struct {
		month    metering.MonthKey
		tokens   int64
		sessions int64
	}{
		{"2026-07", 100, 1},
		{"2026-08", 50, 2},
	} {
		totals, err := store.MonthTotals(ctx, 1, tc.month)
		if err != nil {
			t.Fatalf("MonthTotals(%s): %v", tc.month, err)
		}
		if totals.TokensUsed != tc.tokens || totals.SessionsCount != tc.sessions {
			t.Fatalf("%s: want {%d %d}, got %+v", tc.month, tc.tokens, tc.sessions, totals)
		}
	}
}

func TestUsageOnMissingSession(t *testing.T) {
	store := newStore(t)
	_, err := store.AddSessionUsage(context.Background(), "ghost",
		metering.UsageDelta{EventID: "e1", InputTokens: 1, OutputTokens: 1})
	if !errors.Is(err, metering.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentSessionUsageCommutes(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, metering.CreateSessionParams{
		SubscriberID: 3, ExternalID: "s1", Model: "gpt-realtime",
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	const workers = 6
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := store.AddSessionUsage(ctx, "s1", metering.UsageDelta{
					EventID:      fmt.Sprintf("w%d-e%d", w, i),
					InputTokens:  3,
					OutputTokens: 2,
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent AddSessionUsage: %v", err)
	}

	m, err := store.SessionMetrics(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionMetrics: %v", err)
	}
	if want := int64(workers * 10 * 5); m.TotalTokens != want {
		t.Fatalf("order-independent accumulation broken: want %d, got %d", want, m.TotalTokens)
	}
}
