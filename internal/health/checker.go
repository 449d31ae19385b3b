// Package health answers the liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	checkTimeout = 5 * time.Second
	cacheTTL     = time.Second
)

// ReadinessChecker is a dependency that can report whether it accepts work.
// Implemented by the run store and by platforms backed by a daemon.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

func (f ReadinessFunc) Ready(ctx context.Context) error { return f(ctx) }

// Check is a named readiness dependency.
type Check struct {
	Name    string
	Checker ReadinessChecker
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult is one dependency's answer.
type CheckResult struct {
	Status   Status  `json:"status"`
	Message  string  `json:"message,omitempty"`
	Duration float64 `json:"durationMs"`
}

// Response is the probe body.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Checker runs the readiness checks, caching the answer briefly so probe
// traffic does not hammer the dependencies.
type Checker struct {
	checks []Check

	mu           sync.Mutex
	checkedAt    time.Time
	cached       *Response
	shuttingDown bool
}

// NewChecker creates a checker over the given dependencies. Every one of
// them must be ready for the service to be ready.
func NewChecker(checks ...Check) *Checker {
	return &Checker{checks: checks}
}

// Liveness only says the process is serving. It never touches dependencies.
func (c *Checker) Liveness(context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness checks every dependency concurrently.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cached != nil && time.Since(c.checkedAt) < cacheTTL {
		cached := c.cached
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	results := make([]CheckResult, len(c.checks))
	var g errgroup.Group
	for i, check := range c.checks {
		g.Go(func() error {
			results[i] = probe(ctx, check.Checker)
			return nil
		})
	}
	_ = g.Wait()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.checks))}
	for i, check := range c.checks {
		response.Checks[check.Name] = results[i]
		if results[i].Status != StatusHealthy {
			response.Status = StatusUnhealthy
		}
	}

	c.mu.Lock()
	if !c.shuttingDown {
		c.cached = response
		c.checkedAt = time.Now()
	}
	c.mu.Unlock()
	return response
}

func probe(ctx context.Context, checker ReadinessChecker) CheckResult {
	if checker == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.Ready(ctx)
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error(), Duration: elapsed}
	}
	return CheckResult{Status: StatusHealthy, Duration: elapsed}
}

// SetShuttingDown fails every later readiness probe so load balancers stop
// routing new runs here.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}
