// Package gateway is the public client surface for the tutor gateway's
// metering API.
package gateway

import (
	"github.com/linguaflow/tutor-gateway/internal/client"
	"github.com/linguaflow/tutor-gateway/internal/limits"
	"github.com/linguaflow/tutor-gateway/internal/metering"
)

type Client = client.MeterClient

func NewClient(baseURL string, subscriberID int64, httpClient client.HTTPClient) (*client.MeterClient, error) {
	return client.NewMeterClient(baseURL, subscriberID, httpClient)
}

type CreateSessionRequest = client.CreateSessionRequest
type UsageReport = client.UsageReport
type SessionDetail = client.SessionDetail
type CurrentUsage = client.CurrentUsage
type Session = metering.Session
type Metrics = metering.Metrics
type Decision = limits.Decision
