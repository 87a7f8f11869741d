// ABOUTME: Retry logic with exponential backoff and jitter for transient LLM provider failures.
// ABOUTME: Provides RetryPolicy configuration and a Retry wrapper that respects error retryability.

package llm

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures how retry behavior works for LLM API calls.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts (not counting the initial call).
	MaxRetries int

	// BaseDelay is the initial delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay is the upper bound on the delay between retries.
	MaxDelay time.Duration

	BackoffMultiplier float64

	// Jitter randomizes each delay between 0 and the computed backoff.
	Jitter bool

	// OnRetry is invoked before each retry with the triggering error, the
	// 0-indexed attempt number and the delay about to be applied.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns 2 retries, 1s base delay, 60s max delay, 2x backoff and jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// CalculateDelay computes the delay for a given retry attempt, capped at MaxDelay.
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	delayFloat := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if delayFloat > float64(p.MaxDelay) {
		delayFloat = float64(p.MaxDelay)
	}

	delay := time.Duration(delayFloat)
	if p.Jitter {
		delay = time.Duration(rand.Int64N(int64(delay) + 1))
	}
	return delay
}

// ShouldRetry returns false for nil errors, non-retryable errors, and once
// the attempt count has reached MaxRetries.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxRetries {
		return false
	}
	return IsRetryable(err)
}

// Retry executes fn with the given retry policy. A RetryAfter hint on a
// provider error is used as the minimum delay. Cancelling ctx stops retrying
// and returns the last error.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !policy.ShouldRetry(lastErr, attempt) {
			return lastErr
		}

		delay := applyRetryAfter(lastErr, policy.CalculateDelay(attempt))

		if policy.OnRetry != nil {
			policy.OnRetry(lastErr, attempt, delay)
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
}

// applyRetryAfter returns the greater of the calculated delay and the
// provider's RetryAfter hint.
func applyRetryAfter(err error, calculatedDelay time.Duration) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter != nil {
		retryAfter := time.Duration(*pe.RetryAfter * float64(time.Second))
		if retryAfter > calculatedDelay {
			return retryAfter
		}
	}
	return calculatedDelay
}
