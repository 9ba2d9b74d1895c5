package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component is one checked backing resource.
type Component struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Report is the overall health of the metering service.
type Report struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// DB pairs a database handle with a display name.
type DB struct {
	Name   string
	Handle *sql.DB
}

// Checker pings the metering and plan databases. A database failure makes the
// service unhealthy; elevated latency only degrades it.
type Checker struct {
	dbs        []DB
	dbTimeout  time.Duration
	maxLatency time.Duration
	mu         sync.RWMutex
	last       []Component
}

// New creates a checker over the given databases.
func New(dbs []DB, dbTimeout, maxLatency time.Duration) *Checker {
	if dbTimeout <= 0 {
		dbTimeout = 2 * time.Second
	}
	if maxLatency <= 0 {
		maxLatency = 100 * time.Millisecond
	}
	return &Checker{dbs: dbs, dbTimeout: dbTimeout, maxLatency: maxLatency}
}

// Check pings all databases concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) Report {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.dbs))

	for _, db := range c.dbs {
		if db.Handle == nil {
			continue
		}
		wg.Add(1)
		go func(db DB) {
			defer wg.Done()
			results <- c.checkDatabase(ctx, db)
		}(db)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, len(c.dbs))
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.last = components
	c.mu.Unlock()

	return overall(components)
}

// LastReport returns the most recent check result without re-probing.
func (c *Checker) LastReport() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.last) == 0 {
		return Report{Status: StatusHealthy, Timestamp: time.Now()}
	}
	return overall(c.last)
}

func (c *Checker) checkDatabase(ctx context.Context, db DB) Component {
	comp := Component{Name: db.Name, Timestamp: time.Now()}

	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()

	start := time.Now()
	err := db.Handle.PingContext(dbCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "database unreachable"
		return comp
	}
	if comp.Latency > c.maxLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("high latency: %v", comp.Latency)
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = "connected"
	return comp
}

func overall(components []Component) Report {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return Report{Status: status, Timestamp: time.Now(), Components: components}
}
