package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/linguaflow/tutor-gateway/internal/metering"
)

const defaultStoreTimeout = 10 * time.Second

// Manager owns the session lifecycle: creation (with the creation-time
// session debit) and idempotent finalization. Limit checks are the caller's
// responsibility; Create does not re-check.
type Manager struct {
	store   metering.Store
	timeout time.Duration
	logger  *log.Logger
}

// NewManager builds a lifecycle manager over the metering store.
func NewManager(store metering.Store, storeTimeout time.Duration) *Manager {
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	return &Manager{
		store:   store,
		timeout: storeTimeout,
		logger:  log.New(log.Writer(), "[session] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (m *Manager) SetLogger(logger *log.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Create opens a session for the subscriber under a caller-chosen external id
// and debits one session unit from the current month's ledger. The session
// row, its metrics row and the debit commit together; a duplicate external id
// leaves the ledger untouched.
func (m *Manager) Create(ctx context.Context, subscriberID int64, externalID, model string) (*metering.Session, error) {
	if subscriberID == 0 {
		return nil, errors.New("subscriber id required")
	}
	if strings.TrimSpace(externalID) == "" {
		return nil, errors.New("external session id required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("model required")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	sess, err := m.store.CreateSession(ctx, metering.CreateSessionParams{
		SubscriberID: subscriberID,
		ExternalID:   externalID,
		Model:        model,
		StartedAt:    time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, metering.ErrDuplicateSession) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("create session timed out: %w", err)
		}
		m.logf("create failed subscriber=%d external_id=%s: %v", subscriberID, externalID, err)
		return nil, err
	}
	m.logf("created session=%s subscriber=%d model=%s", sess.ExternalID, subscriberID, model)
	return sess, nil
}

// Finalize closes the session. A second call returns the stored record
// without recomputing duration; the ledger is untouched because the session
// was debited at creation.
func (m *Manager) Finalize(ctx context.Context, externalID string) (*metering.Session, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, errors.New("external session id required")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	sess, err := m.store.FinalizeSession(ctx, externalID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("finalize timed out: %w", err)
		}
		return nil, err
	}
	m.logf("finalized session=%s status=%s", sess.ExternalID, sess.Status)
	return sess, nil
}

// Metrics returns accumulated metrics for a session.
func (m *Manager) Metrics(ctx context.Context, externalID string) (*metering.Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.store.SessionMetrics(ctx, externalID)
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// Sweeper periodically transitions sessions that were never finalized to the
// terminal abandoned status once they have been idle for the TTL.
type Sweeper struct {
	store    metering.Store
	ttl      time.Duration
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
	logger   *log.Logger
}

// NewSweeper builds a sweeper; ttl is how long an active session may go
// without usage before it is considered abandoned.
func NewSweeper(store metering.Store, ttl, interval time.Duration, logger *log.Logger) *Sweeper {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[session/sweeper] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		logger:   logger,
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.doneChan)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// SweepOnce runs a single reconciliation pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.ttl)
	n, err := s.store.AbandonStale(ctx, cutoff)
	if err != nil {
		s.logger.Printf("sweep error: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("abandoned %d session(s) idle longer than %s", n, s.ttl)
	}
}

// Stop halts the loop and waits for the current pass to finish.
func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.doneChan
}
