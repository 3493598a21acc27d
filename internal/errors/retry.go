package errors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig is an exponential backoff policy. MaxRetries does not count
// the first attempt.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	// MaxDelay caps the delay; zero means uncapped.
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter scales each wait by a random factor in [0.5, 1).
	Jitter bool
	// ShouldRetry reports whether err is worth another attempt. Nil retries
	// every error.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig is the policy for tracker commands: two quick retries
// of retryable errors.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		ShouldRetry:  IsRetryable,
	}
}

// wait returns the pause before retry n, counting from zero.
func (c RetryConfig) wait(n int) time.Duration {
	d := float64(c.InitialDelay)
	for range n {
		d *= c.Multiplier
		if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	if c.Jitter {
		d *= 0.5 + rand.Float64()/2
	}
	return time.Duration(d)
}

func (c RetryConfig) retryable(err error) bool {
	return c.ShouldRetry == nil || c.ShouldRetry(err)
}

// Retry runs fn until it succeeds, returns an error ShouldRetry rejects, or
// the retries run out. Rejected errors come back unwrapped; exhaustion wraps
// the last error.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// RetryWithResult is Retry for functions that return a value.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := fn()
		switch {
		case err == nil:
			return result, nil
		case !cfg.retryable(err), cfg.MaxRetries == 0:
			return zero, err
		case attempt == cfg.MaxRetries:
			return zero, fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, err)
		}

		timer := time.NewTimer(cfg.wait(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
