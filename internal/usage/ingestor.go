package usage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/linguaflow/tutor-gateway/internal/limits"
	"github.com/linguaflow/tutor-gateway/internal/metering"
	"github.com/linguaflow/tutor-gateway/internal/metrics"
	"github.com/linguaflow/tutor-gateway/internal/pricing"
)

const defaultStoreTimeout = 10 * time.Second

// Report is one token-usage observation from an upstream channel. EventID is
// the idempotency key for the logical usage event (e.g. one model turn);
// redundant reports carrying the same id are applied once. Reports without an
// id get a generated one and bypass deduplication.
type Report struct {
	ExternalSessionID string `json:"external_session_id"`
	EventID           string `json:"event_id"`
	Source            string `json:"source,omitempty"`
	InputTokens       int64  `json:"input_tokens"`
	OutputTokens      int64  `json:"output_tokens"`
}

// Ingestor is the accumulation path: it prices a report and applies it to the
// session metrics and the subscriber's monthly ledger in one store
// transaction. When the subscriber's plan bounds monthly tokens the ledger
// increment is checked, so concurrent reports cannot jointly exceed the
// limit.
type Ingestor struct {
	store     metering.Store
	pricing   *pricing.Table
	gate      *limits.Gate
	timeout   time.Duration
	collector *metrics.Collector
	logger    *log.Logger
}

// NewIngestor builds the usage ingestor.
func NewIngestor(store metering.Store, table *pricing.Table, gate *limits.Gate, storeTimeout time.Duration) *Ingestor {
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	return &Ingestor{
		store:   store,
		pricing: table,
		gate:    gate,
		timeout: storeTimeout,
		logger:  log.New(log.Writer(), "[usage] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (i *Ingestor) SetLogger(logger *log.Logger) {
	if logger != nil {
		i.logger = logger
	}
}

// SetMetrics attaches an in-process collector; nil disables collection.
func (i *Ingestor) SetMetrics(collector *metrics.Collector) {
	i.collector = collector
}

func (i *Ingestor) logf(format string, args ...any) {
	if i.logger != nil {
		i.logger.Printf(format, args...)
	}
}

// Record applies one usage report. Returns metering.ErrDuplicateEvent when
// the event id was applied before (callers treat that as success-and-ignore),
// metering.ErrNotFound when the session does not exist, and
// metering.ErrLimitExceeded when a bounded plan would be crossed.
func (i *Ingestor) Record(ctx context.Context, r Report) (*metering.Metrics, error) {
	if strings.TrimSpace(r.ExternalSessionID) == "" {
		return nil, errors.New("external session id required")
	}
	if r.InputTokens < 0 || r.OutputTokens < 0 {
		return nil, fmt.Errorf("token deltas must be non-negative: input=%d output=%d", r.InputTokens, r.OutputTokens)
	}
	eventID := strings.TrimSpace(r.EventID)
	if eventID == "" {
		eventID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	sess, err := i.store.SessionByExternalID(ctx, r.ExternalSessionID)
	if err != nil {
		return nil, err
	}

	rate, err := i.pricing.Resolve(sess.Model)
	if err != nil {
		return nil, fmt.Errorf("resolve pricing for session %s: %w", sess.ExternalID, err)
	}
	cost := pricing.CostOf(r.InputTokens, r.OutputTokens, rate)

	delta := metering.UsageDelta{
		EventID:      eventID,
		Source:       r.Source,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		CostInput:    cost.Input,
		CostOutput:   cost.Output,
		RateInput:    rate.InputPerMTok,
		RateOutput:   rate.OutputPerMTok,
		ReportedAt:   time.Now().UTC(),
	}

	tokenLimit, bounded, err := i.gate.TokenLimitFor(ctx, sess.SubscriberID)
	if err != nil {
		return nil, err
	}

	var applied *metering.Metrics
	if bounded && tokenLimit > 0 {
		applied, err = i.store.AddSessionUsageChecked(ctx, r.ExternalSessionID, delta, tokenLimit)
	} else {
		applied, err = i.store.AddSessionUsage(ctx, r.ExternalSessionID, delta)
	}
	if err != nil {
		if errors.Is(err, metering.ErrDuplicateEvent) {
			if i.collector != nil {
				i.collector.RecordDuplicateEvent()
			}
			i.logf("ignored duplicate event=%s session=%s source=%s", eventID, r.ExternalSessionID, r.Source)
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("record usage timed out: %w", err)
		}
		return nil, err
	}
	if i.collector != nil {
		i.collector.RecordTokenUsage(sess.Model, r.InputTokens, r.OutputTokens)
	}
	i.logf("recorded session=%s event=%s input=%d output=%d cost=%.6f",
		r.ExternalSessionID, eventID, r.InputTokens, r.OutputTokens, cost.Total)
	return applied, nil
}
