package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linguaflow/tutor-gateway/internal/limits"
	"github.com/linguaflow/tutor-gateway/internal/metering"
)

// subscriberHeader matches the header the gateway reads the caller id from.
const subscriberHeader = "X-Subscriber-ID"

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// MeterClient talks to the tutor gateway's metering API on behalf of one
// subscriber.
type MeterClient struct {
	baseURL      *url.URL
	subscriberID int64
	httpClient   HTTPClient
}

// NewMeterClient constructs a client using the provided base URL.
func NewMeterClient(baseURL string, subscriberID int64, httpClient HTTPClient) (*MeterClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &MeterClient{baseURL: parsed, subscriberID: subscriberID, httpClient: httpClient}, nil
}

// CreateSessionRequest mirrors the session creation payload.
type CreateSessionRequest struct {
	ExternalSessionID string `json:"external_session_id"`
	Model             string `json:"model"`
}

// UsageReport mirrors the usage ingestion payload.
type UsageReport struct {
	EventID      string `json:"event_id,omitempty"`
	Source       string `json:"source,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// SessionDetail combines a session record with its accumulated metrics.
type SessionDetail struct {
	Session metering.Session `json:"session"`
	Metrics metering.Metrics `json:"metrics"`
}

// CurrentUsage is the subscriber's ledger snapshot for the current month.
type CurrentUsage struct {
	Month         metering.MonthKey `json:"month"`
	TokensUsed    int64             `json:"tokens_used"`
	SessionsCount int64             `json:"sessions_count"`
}

// errorResponse matches the gateway's standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// CreateSession opens a session under the caller-chosen external id.
func (c *MeterClient) CreateSession(ctx context.Context, req CreateSessionRequest) (metering.Session, error) {
	var sess metering.Session
	if err := c.post(ctx, "/v1/sessions", req, &sess); err != nil {
		return metering.Session{}, err
	}
	return sess, nil
}

// RecordUsage reports a token delta for the session.
func (c *MeterClient) RecordUsage(ctx context.Context, externalID string, report UsageReport) (metering.Metrics, error) {
	var metrics metering.Metrics
	path := fmt.Sprintf("/v1/sessions/%s/usage", url.PathEscape(externalID))
	if err := c.post(ctx, path, report, &metrics); err != nil {
		return metering.Metrics{}, err
	}
	return metrics, nil
}

// FinalizeSession closes the session; safe to retry.
func (c *MeterClient) FinalizeSession(ctx context.Context, externalID string) (metering.Session, error) {
	var sess metering.Session
	path := fmt.Sprintf("/v1/sessions/%s/finalize", url.PathEscape(externalID))
	if err := c.post(ctx, path, struct{}{}, &sess); err != nil {
		return metering.Session{}, err
	}
	return sess, nil
}

// GetSession fetches the session record and its metrics.
func (c *MeterClient) GetSession(ctx context.Context, externalID string) (SessionDetail, error) {
	var detail SessionDetail
	path := fmt.Sprintf("/v1/sessions/%s", url.PathEscape(externalID))
	if err := c.get(ctx, path, &detail); err != nil {
		return SessionDetail{}, err
	}
	return detail, nil
}

// CheckTokens asks whether additionalTokens more tokens fit the monthly plan.
func (c *MeterClient) CheckTokens(ctx context.Context, additionalTokens int64) (limits.Decision, error) {
	var decision limits.Decision
	path := fmt.Sprintf("/v1/limits/tokens?tokens=%d", additionalTokens)
	if err := c.get(ctx, path, &decision); err != nil {
		return limits.Decision{}, err
	}
	return decision, nil
}

// CheckSessions asks whether one more session fits the monthly plan.
func (c *MeterClient) CheckSessions(ctx context.Context) (limits.Decision, error) {
	var decision limits.Decision
	if err := c.get(ctx, "/v1/limits/sessions", &decision); err != nil {
		return limits.Decision{}, err
	}
	return decision, nil
}

// GetCurrentUsage fetches the subscriber's ledger totals for this month.
func (c *MeterClient) GetCurrentUsage(ctx context.Context) (CurrentUsage, error) {
	var usage CurrentUsage
	if err := c.get(ctx, "/v1/usage/current", &usage); err != nil {
		return CurrentUsage{}, err
	}
	return usage, nil
}

func (c *MeterClient) post(ctx context.Context, path string, payload any, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, payload, out)
}

func (c *MeterClient) get(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *MeterClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	rel, err := url.Parse(path)
	if err != nil {
		return err
	}
	endpoint := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set(subscriberHeader, fmt.Sprintf("%d", c.subscriberID))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var errPayload errorResponse
		if err := json.Unmarshal(data, &errPayload); err == nil && strings.TrimSpace(errPayload.Error) != "" {
			return fmt.Errorf("tutor-gateway error: %s", errPayload.Error)
		}
		return fmt.Errorf("tutor-gateway error: status %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
