package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/linguaflow/tutor-gateway/internal/health"
	"github.com/linguaflow/tutor-gateway/internal/limits"
	"github.com/linguaflow/tutor-gateway/internal/metering"
	"github.com/linguaflow/tutor-gateway/internal/metrics"
	"github.com/linguaflow/tutor-gateway/internal/plans"
	"github.com/linguaflow/tutor-gateway/internal/session"
	"github.com/linguaflow/tutor-gateway/internal/usage"
)

// subscriberHeader carries the already-authenticated subscriber id. Identity
// is resolved upstream; the metering core trusts this value unconditionally.
const subscriberHeader = "X-Subscriber-ID"

// Server exposes the metering core as thin REST endpoints.
type Server struct {
	sessions  *session.Manager
	ingestor  *usage.Ingestor
	gate      *limits.Gate
	store     metering.Store
	plans     plans.Store
	checker   *health.Checker
	collector *metrics.Collector
	logger    *log.Logger
}

// New builds the HTTP server over the core components.
func New(sessions *session.Manager, ingestor *usage.Ingestor, gate *limits.Gate, store metering.Store, planStore plans.Store, checker *health.Checker) *Server {
	return &Server{
		sessions: sessions,
		ingestor: ingestor,
		gate:     gate,
		store:    store,
		plans:    planStore,
		checker:  checker,
		logger:   log.New(log.Writer(), "[httpserver] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (s *Server) SetLogger(logger *log.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetMetrics attaches an in-process collector; nil disables collection.
func (s *Server) SetMetrics(collector *metrics.Collector) {
	s.collector = collector
}

// Router assembles the chi router with all endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Post("/sessions/{external_id}/usage", s.handleRecordUsage)
		r.Post("/sessions/{external_id}/finalize", s.handleFinalizeSession)
		r.Get("/sessions/{external_id}", s.handleGetSession)
		r.Get("/limits/tokens", s.handleCheckTokens)
		r.Get("/limits/sessions", s.handleCheckSessions)
		r.Get("/usage/current", s.handleCurrentUsage)
		r.Get("/plans", s.handleListPlans)
	})
	return r
}

type createSessionRequest struct {
	ExternalSessionID string `json:"external_session_id"`
	Model             string `json:"model"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := s.subscriber(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	decision, err := s.gate.CheckSessions(r.Context(), subscriberID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !decision.Allowed {
		// A retry for an already-created session is a conflict, not a
		// quota denial; the subscriber at the limit holds that session.
		if _, lookupErr := s.store.SessionByExternalID(r.Context(), req.ExternalSessionID); lookupErr == nil {
			s.respondError(w, http.StatusConflict, metering.ErrDuplicateSession)
			return
		}
		if s.collector != nil {
			s.collector.RecordSessionDenial()
		}
		s.respondJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":    "session limit exceeded",
			"decision": decision,
		})
		return
	}

	sess, err := s.sessions.Create(r.Context(), subscriberID, req.ExternalSessionID, req.Model)
	if err != nil {
		switch {
		case errors.Is(err, metering.ErrDuplicateSession):
			s.respondError(w, http.StatusConflict, err)
		default:
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.respondJSON(w, http.StatusCreated, sess)
}

type recordUsageRequest struct {
	EventID      string `json:"event_id"`
	Source       string `json:"source"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "external_id")
	var req recordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	metrics, err := s.ingestor.Record(r.Context(), usage.Report{
		ExternalSessionID: externalID,
		EventID:           req.EventID,
		Source:            req.Source,
		InputTokens:       req.InputTokens,
		OutputTokens:      req.OutputTokens,
	})
	if err != nil {
		switch {
		case errors.Is(err, metering.ErrDuplicateEvent):
			// Redundant upstream channels may re-report the same turn;
			// acknowledge without re-applying.
			s.respondJSON(w, http.StatusAccepted, map[string]any{"duplicate": true})
		case errors.Is(err, metering.ErrNotFound):
			s.respondError(w, http.StatusNotFound, err)
		case errors.Is(err, metering.ErrLimitExceeded):
			if s.collector != nil {
				s.collector.RecordTokenDenial()
			}
			s.respondError(w, http.StatusTooManyRequests, err)
		case errors.Is(err, plans.ErrNoActiveSubscription):
			s.respondError(w, http.StatusForbidden, err)
		default:
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.respondJSON(w, http.StatusAccepted, metrics)
}

func (s *Server) handleFinalizeSession(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "external_id")
	sess, err := s.sessions.Finalize(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, metering.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "external_id")
	sess, err := s.store.SessionByExternalID(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, metering.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	metrics, err := s.store.SessionMetrics(r.Context(), externalID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"session": sess, "metrics": metrics})
}

func (s *Server) handleCheckTokens(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := s.subscriber(w, r)
	if !ok {
		return
	}
	var additional int64
	if raw := r.URL.Query().Get("tokens"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid tokens parameter %q", raw))
			return
		}
		additional = parsed
	}
	decision, err := s.gate.CheckTokens(r.Context(), subscriberID, additional)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, decision)
}

func (s *Server) handleCheckSessions(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := s.subscriber(w, r)
	if !ok {
		return
	}
	decision, err := s.gate.CheckSessions(r.Context(), subscriberID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, decision)
}

func (s *Server) handleCurrentUsage(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := s.subscriber(w, r)
	if !ok {
		return
	}
	month := metering.MonthOf(time.Now())
	totals, err := s.store.MonthTotals(r.Context(), subscriberID, month)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"month":          month,
		"tokens_used":    totals.TokensUsed,
		"sessions_count": totals.SessionsCount,
	})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	list, err := s.plans.ListPlans(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"plans": list, "count": len(list)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	report := s.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		http.Error(w, "metrics collection disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.collector.GetSnapshot())))
}

// instrument counts requests per route pattern and flags 5xx responses.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.collector == nil {
			next.ServeHTTP(w, r)
			return
		}
		endpoint := r.Method + " " + r.URL.Path
		s.collector.RecordRequestStart(endpoint)
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.collector.RecordRequestEnd(endpoint)
			s.collector.RecordRequest(endpoint, time.Since(start))
			if ww.Status() >= http.StatusInternalServerError {
				s.collector.RecordError(endpoint)
			}
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) subscriber(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(subscriberHeader))
	if raw == "" {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("missing %s header", subscriberHeader))
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid %s header %q", subscriberHeader, raw))
		return 0, false
	}
	return id, true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Printf("request failed status=%d err=%v", status, err)
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
