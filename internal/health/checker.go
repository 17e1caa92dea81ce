// Package health answers liveness and readiness probes from the readiness
// of the service's dependencies.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReadinessChecker is implemented by the job store, the orchestrator
// adapters and object storage.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Ready(ctx context.Context) error { return f(ctx) }

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether the service should receive traffic. A degraded
// service still does.
func (r *Response) IsHealthy() bool {
	return r.Status != StatusUnhealthy
}

type check struct {
	name     string
	c        ReadinessChecker
	required bool
}

// Checker runs the registered checks. Results are cached for one second.
type Checker struct {
	checks  []check
	timeout time.Duration
	now     func() time.Time

	mu           sync.RWMutex
	lastCheck    time.Time
	cached       *Response
	shuttingDown bool
}

func NewChecker() *Checker {
	return &Checker{timeout: 5 * time.Second, now: time.Now}
}

// Require adds a check whose failure makes the service unready.
func (c *Checker) Require(name string, rc ReadinessChecker) *Checker {
	c.checks = append(c.checks, check{name: name, c: rc, required: true})
	return c
}

// Optional adds a check whose failure only degrades the service.
func (c *Checker) Optional(name string, rc ReadinessChecker) *Checker {
	c.checks = append(c.checks, check{name: name, c: rc})
	return c
}

// Liveness never touches dependencies.
func (c *Checker) Liveness(context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cached != nil && c.now().Sub(c.lastCheck) < time.Second {
		cached := c.cached
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	results := make([]CheckResult, len(c.checks))
	var g errgroup.Group
	for i, chk := range c.checks {
		g.Go(func() error {
			results[i] = c.run(ctx, chk.c)
			return nil
		})
	}
	_ = g.Wait()

	resp := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.checks))}
	for i, chk := range c.checks {
		r := results[i]
		resp.Checks[chk.name] = r
		if r.Status == StatusHealthy {
			continue
		}
		if chk.required {
			resp.Status = StatusUnhealthy
		} else if resp.Status == StatusHealthy {
			resp.Status = StatusDegraded
		}
	}

	c.mu.Lock()
	c.cached = resp
	c.lastCheck = c.now()
	c.mu.Unlock()
	return resp
}

func (c *Checker) run(ctx context.Context, rc ReadinessChecker) CheckResult {
	if rc == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := rc.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown fails readiness from now on so load balancers drain the
// instance before it stops.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}
