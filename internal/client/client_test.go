package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linguaflow/tutor-gateway/internal/httpserver"
	"github.com/linguaflow/tutor-gateway/internal/limits"
	metersql "github.com/linguaflow/tutor-gateway/internal/metering/sqlite"
	"github.com/linguaflow/tutor-gateway/internal/plans"
	planssql "github.com/linguaflow/tutor-gateway/internal/plans/sqlite"
	"github.com/linguaflow/tutor-gateway/internal/pricing"
	"github.com/linguaflow/tutor-gateway/internal/session"
	"github.com/linguaflow/tutor-gateway/internal/usage"
)

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	store, err := metersql.New(filepath.Join(dir, "meter.db"))
	if err != nil {
		t.Fatalf("open meter store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	planStore, err := planssql.New(filepath.Join(dir, "plans.db"))
	if err != nil {
		t.Fatalf("open plans store: %v", err)
	}
	t.Cleanup(func() { _ = planStore.Close() })

	ctx := context.Background()
	plan, err := planStore.EnsurePlan(ctx, plans.Plan{Name: "starter", MonthlyTokenLimit: 1_000_000, MonthlySessionLimit: 100})
	if err != nil {
		t.Fatalf("EnsurePlan: %v", err)
	}
	if _, err := planStore.Activate(ctx, 1, plan.ID, time.Now()); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	table := pricing.NewTable(pricing.DefaultRates())
	gate := limits.NewGate(planStore, store, limits.Config{})
	manager := session.NewManager(store, 0)
	ingestor := usage.NewIngestor(store, table, gate, 0)
	srv := httpserver.New(manager, ingestor, gate, store, planStore, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestMeterClientRoundTrip(t *testing.T) {
	ts := newGateway(t)
	c, err := NewMeterClient(ts.URL, 1, ts.Client())
	if err != nil {
		t.Fatalf("NewMeterClient: %v", err)
	}
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, CreateSessionRequest{ExternalSessionID: "sess-1", Model: "gpt-realtime"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ExternalID != "sess-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	metrics, err := c.RecordUsage(ctx, "sess-1", UsageReport{EventID: "ev-1", InputTokens: 1000, OutputTokens: 500})
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if metrics.TotalTokens != 1500 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}

	decision, err := c.CheckTokens(ctx, 100)
	if err != nil {
		t.Fatalf("CheckTokens: %v", err)
	}
	if !decision.Allowed || decision.Current != 1500 {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	current, err := c.GetCurrentUsage(ctx)
	if err != nil {
		t.Fatalf("GetCurrentUsage: %v", err)
	}
	if current.TokensUsed != 1500 || current.SessionsCount != 1 {
		t.Fatalf("unexpected usage: %+v", current)
	}

	closed, err := c.FinalizeSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	if closed.EndedAt == nil {
		t.Fatalf("finalized session missing end: %+v", closed)
	}

	detail, err := c.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if detail.Metrics.TotalTokens != 1500 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestMeterClientSurfacesServerErrors(t *testing.T) {
	ts := newGateway(t)
	c, err := NewMeterClient(ts.URL, 1, ts.Client())
	if err != nil {
		t.Fatalf("NewMeterClient: %v", err)
	}

	_, err = c.GetSession(context.Background(), "no-such")
	if err == nil || !strings.Contains(err.Error(), "tutor-gateway error") {
		t.Fatalf("expected decorated error, got %v", err)
	}
}

func TestMeterClientRejectsBadBaseURL(t *testing.T) {
	if _, err := NewMeterClient("://bad", 1, nil); err == nil {
		t.Fatal("expected error for invalid base URL")
	}
}
