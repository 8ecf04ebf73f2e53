// Package retry implements context-aware retry loops with backoff, used by
// the tracker client to absorb a handful of transient dial failures before
// handing off to its own fixed-delay reconnect loop.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Operation is a unit of work that may fail and be retried.
type Operation func(ctx context.Context) error

// Config controls attempt count and delay shape.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	OnRetry      func(attempt int, err error, next time.Duration)
	RetryIf      func(err error) bool
}

// Option mutates a Config.
type Option func(*Config)

// DefaultConfig is a moderate exponential backoff: 5 attempts, 100ms to 10s.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

func WithMaxAttempts(n int) Option        { return func(c *Config) { c.MaxAttempts = n } }
func WithInitialDelay(d time.Duration) Option { return func(c *Config) { c.InitialDelay = d } }
func WithMaxDelay(d time.Duration) Option     { return func(c *Config) { c.MaxDelay = d } }
func WithMultiplier(m float64) Option         { return func(c *Config) { c.Multiplier = m } }
func WithOnRetry(fn func(attempt int, err error, next time.Duration)) Option {
	return func(c *Config) { c.OnRetry = fn }
}
func WithRetryIf(fn func(err error) bool) Option { return func(c *Config) { c.RetryIf = fn } }

// WithLinearBackoff retries up to maxAttempts times with a fixed delay
// between attempts.
func WithLinearBackoff(maxAttempts int, delay time.Duration) []Option {
	return []Option{
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(delay),
		WithMaxDelay(delay),
		WithMultiplier(1.0),
	}
}

// WithExponentialBackoff retries with exponentially growing delay capped at
// maxDelay.
func WithExponentialBackoff(maxAttempts int, initialDelay, maxDelay time.Duration) []Option {
	return []Option{
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(initialDelay),
		WithMaxDelay(maxDelay),
		WithMultiplier(2.0),
	}
}

// Do runs op, retrying on error according to opts, until it succeeds, the
// attempt budget is exhausted, or ctx is canceled.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: canceled before attempt %d: %w", attempt, err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return fmt.Errorf("retry: unretryable error: %w", lastErr)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := nextDelay(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: canceled during wait (attempt %d): %w (last error: %v)", attempt, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry: exhausted %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func nextDelay(attempt int, cfg *Config) time.Duration {
	delay := min(
		float64(cfg.MaxDelay),
		float64(cfg.InitialDelay)*math.Pow(cfg.Multiplier, float64(attempt-1)),
	)
	return time.Duration(delay)
}
