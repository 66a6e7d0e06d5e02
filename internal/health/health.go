// Package health runs readiness checks for the engine's dependencies.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

const checkTimeout = 5 * time.Second

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// FromError adapts an error-returning probe; any error means down.
func FromError(probe func() error) CheckFunc {
	return func(context.Context) Status {
		if err := probe(); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}

// Optional reports degraded instead of down when ok is false.
func Optional(ok func() bool) CheckFunc {
	return func(context.Context) Status {
		if ok() {
			return StatusOK
		}
		return StatusDegraded
	}
}

// Report is the outcome of one readiness run.
type Report struct {
	Ready     bool              `json:"ready"`
	Checks    map[string]Status `json:"checks"`
	CheckedAt time.Time         `json:"checkedAt"`
}

// Checker manages health checks for all dependencies.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	last   Report
	logger zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Run executes all checks concurrently. Only a down check makes the
// service not ready.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			s := f(checkCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	r := Report{Ready: true, Checks: results, CheckedAt: time.Now()}
	for name, s := range results {
		if s == StatusDown {
			r.Ready = false
			c.logger.Warn().Str("check", name).Msg("dependency down")
		}
	}

	c.mu.Lock()
	c.last = r
	c.mu.Unlock()
	return r
}

// IsReady returns true if no check is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.Run(ctx).Ready
}

// Last returns the most recent report without running checks.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
