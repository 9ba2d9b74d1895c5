package metrics

import (
	"sync"
	"time"
)

// Collector tracks in-process counters for the metering daemon.
// This implementation uses manual metric tracking without external dependencies.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests      map[string]int64 // by endpoint
	totalRequestsDur   map[string]int64 // total duration in ms
	requestErrors      map[string]int64 // by endpoint
	requestsInProgress map[string]int64 // current in-flight requests

	// Quota decisions
	tokenDenials   int64
	sessionDenials int64

	// Ingestion metrics
	duplicateEvents int64
	tokensByModel   map[string]int64 // total ingested tokens by model
	totalInTokens   int64
	totalOutTokens  int64

	// System metrics
	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:      make(map[string]int64),
		totalRequestsDur:   make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestsInProgress: make(map[string]int64),
		tokensByModel:      make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordRequest records a completed request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records a 5xx response for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]--
}

// RecordTokenDenial records a request rejected by the monthly token limit.
func (c *Collector) RecordTokenDenial() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokenDenials++
}

// RecordSessionDenial records a session rejected by the monthly session limit.
func (c *Collector) RecordSessionDenial() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionDenials++
}

// RecordDuplicateEvent records a usage event ignored by deduplication.
func (c *Collector) RecordDuplicateEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.duplicateEvents++
}

// RecordTokenUsage records an applied usage delta.
func (c *Collector) RecordTokenUsage(model string, inputTokens, outputTokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalInTokens += inputTokens
	c.totalOutTokens += outputTokens
	if model != "" {
		c.tokensByModel[model] += inputTokens + outputTokens
	}
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime             int64
	TotalRequests      map[string]int64
	TotalRequestsDur   map[string]int64
	RequestErrors      map[string]int64
	RequestsInProgress map[string]int64
	TokenDenials       int64
	SessionDenials     int64
	DuplicateEvents    int64
	TotalInputTokens   int64
	TotalOutputTokens  int64
	TokensByModel      map[string]int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		TotalRequests:      copyMap(c.totalRequests),
		TotalRequestsDur:   copyMap(c.totalRequestsDur),
		RequestErrors:      copyMap(c.requestErrors),
		RequestsInProgress: copyMap(c.requestsInProgress),
		TokenDenials:       c.tokenDenials,
		SessionDenials:     c.sessionDenials,
		DuplicateEvents:    c.duplicateEvents,
		TotalInputTokens:   c.totalInTokens,
		TotalOutputTokens:  c.totalOutTokens,
		TokensByModel:      copyMap(c.tokensByModel),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
