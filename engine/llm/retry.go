// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for provider calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the
	// initial call.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration

	// BackoffFactor is the exponential multiplier.
	BackoffFactor float64

	// Jitter adds randomness to avoid thundering herd (0.0-1.0).
	Jitter float64

	// RetryIf decides whether an error should be retried.
	RetryIf func(err error) bool
}

// DefaultRetryConfig returns the retry policy used by agent nodes:
// transient provider errors and deadline hits are retried with
// exponential backoff, everything else fails immediately.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
		RetryIf:        IsRetryable,
	}
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// RetryWithBackoff executes fn with exponential backoff retry. It stops
// early when the context is cancelled, when fn succeeds, or when RetryIf
// rejects the error.
func RetryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if config.RetryIf != nil && !config.RetryIf(err) {
			return zero, err
		}

		if attempt >= config.MaxRetries {
			break
		}

		backoff := config.InitialBackoff * time.Duration(pow(config.BackoffFactor, float64(attempt)))
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}

		if config.Jitter > 0 {
			jitterDelta := float64(backoff) * config.Jitter
			jitter := (rand.Float64() * 2 * jitterDelta) - jitterDelta
			backoff = time.Duration(float64(backoff) + jitter)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return zero, lastErr
}

// pow calculates base^exp for floats without pulling in math for the
// integer exponents used here.
func pow(base, exp float64) float64 {
	result := 1.0
	for exp > 0 {
		if int(exp)%2 == 1 {
			result *= base
		}
		exp = float64(int(exp) / 2)
		base *= base
	}
	return result
}
