// Package retry re-runs model generations that fail with transient errors.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	// Retryable overrides perrors.IsRetryable when set.
	Retryable func(error) bool
	// OnRetry is called before each wait with the failed attempt (1-based).
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the defaults used for generation requests.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// WithAttempts returns a copy of cfg with MaxAttempts set. Values below 1
// mean a single attempt.
func (c Config) WithAttempts(n int) Config {
	if n < 1 {
		n = 1
	}
	c.MaxAttempts = n
	return c
}

// Backoff returns the wait before retrying after the given 0-based attempt,
// without jitter.
func (c Config) Backoff(attempt int) time.Duration {
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(2, float64(attempt)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Do runs fn until it succeeds, fails permanently or attempts run out.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = perrors.IsRetryable
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == attempts-1 {
			break
		}

		delay := cfg.Backoff(attempt)
		if cfg.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
