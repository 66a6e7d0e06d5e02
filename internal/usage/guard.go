// Package usage implements the token budget that gates outbound generation.
package usage

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// Counter holds token usage. It only grows, except on an explicit reset.
type Counter struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// Guard checks every dispatch against a token limit. A limit of 0 disables it.
type Guard struct {
	mu      sync.RWMutex
	limit   int64
	counter Counter
	logger  zerolog.Logger
}

// NewGuard creates a guard with the given limit.
func NewGuard(limit int64, logger zerolog.Logger) *Guard {
	return &Guard{
		limit:  limit,
		logger: logger.With().Str("component", "usage.guard").Logger(),
	}
}

// CheckAndReserve rejects with ErrRateLimit when a positive limit is set and
// total usage has reached it. Counters are never touched by a check.
func (g *Guard) CheckAndReserve(estimated int64) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.limit > 0 && g.counter.TotalTokens >= g.limit {
		g.logger.Warn().
			Int64("total", g.counter.TotalTokens).
			Int64("limit", g.limit).
			Int64("estimated", estimated).
			Msg("dispatch rejected by token budget")
		return fmt.Errorf("%w: token budget exhausted (%d/%d)", perrors.ErrRateLimit, g.counter.TotalTokens, g.limit)
	}
	return nil
}

// Record adds provider-reported usage.
func (g *Guard) Record(input, output int64) Counter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if input < 0 || output < 0 {
		return g.counter
	}
	g.counter.InputTokens += input
	g.counter.OutputTokens += output
	g.counter.TotalTokens += input + output
	return g.counter
}

// Restore installs persisted counters.
func (g *Guard) Restore(c Counter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.TotalTokens < c.InputTokens+c.OutputTokens {
		c.TotalTokens = c.InputTokens + c.OutputTokens
	}
	g.counter = c
}

// Reset zeroes all counters.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter = Counter{}
	g.logger.Info().Msg("token usage reset")
}

// Usage returns the current counters.
func (g *Guard) Usage() Counter {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.counter
}

// Limit returns the configured limit.
func (g *Guard) Limit() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limit
}

// SetLimit changes the limit.
func (g *Guard) SetLimit(limit int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = limit
}

// Remaining returns the tokens left, or -1 when unlimited.
func (g *Guard) Remaining() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.limit <= 0 {
		return -1
	}
	if r := g.limit - g.counter.TotalTokens; r > 0 {
		return r
	}
	return 0
}

// Estimate is a rough token estimate for prompt text.
func Estimate(text string) int64 {
	return int64(len(text)+3) / 4
}
