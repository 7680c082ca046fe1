// Package resilience provides the retry and circuit-breaker wrappers the
// walker composes around every store and chain-adapter call: transient RPC
// faults are retried with jittered backoff, and a dependency that keeps
// failing is circuit-broken so a wedged node fails the pass fast instead of
// stalling it through full retry schedules.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls the backoff schedule and which errors retry at all.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	JitterFraction  float64
	RetryableErrors func(error) bool
}

// DefaultRetryConfig is tuned for chain-node and store RPCs: three attempts
// with short exponential backoff, every error retryable unless the caller
// narrows it.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.1,
		RetryableErrors: func(error) bool {
			return true
		},
	}
}

// RetryableFunc is one attempt of the wrapped operation.
type RetryableFunc func(ctx context.Context) error

// RetryWithConfig runs fn until it succeeds, exhausts config.MaxAttempts,
// returns a non-retryable error, or ctx is cancelled. The delay between
// attempts grows by BackoffFactor up to MaxDelay, with a random jitter
// fraction added so concurrent walkers retrying the same dead node do not
// hammer it in lockstep.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt >= config.MaxAttempts {
			break
		}

		delay = nextDelay(delay, config)
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", config.MaxAttempts, lastErr)
}

func nextDelay(current time.Duration, config *RetryConfig) time.Duration {
	next := time.Duration(float64(current) * config.BackoffFactor)
	if next > config.MaxDelay {
		next = config.MaxDelay
	}
	if config.JitterFraction > 0 {
		next += time.Duration(rand.Float64() * config.JitterFraction * float64(next))
	}
	return next
}
