package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/conclave-ai/conclave/core"
)

// RetryPolicy configures retry behavior.
// Delay for attempt n is min(BaseDelay * Multiplier^(n-1), MaxDelay) plus a
// uniform jitter in [0, Jitter).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      time.Duration

	// RetryIf decides whether an error is worth another attempt.
	// Defaults to the error classifier's retryable verdict.
	RetryIf func(error) bool
}

// DefaultRetryPolicy provides sensible production defaults
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1000 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      250 * time.Millisecond,
		RetryIf:     core.IsRetryable,
	}
}

// PolicyFromConfig builds a retry policy from engine configuration.
// In test environments the config collapses to a single attempt with a
// ~10ms base delay.
func PolicyFromConfig(cfg core.RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Multiplier:  cfg.Multiplier,
		Jitter:      cfg.Jitter,
		RetryIf:     core.IsRetryable,
	}
}

// Retry executes fn with exponential backoff until it succeeds, the policy
// is exhausted, the error is classified non-retryable, or the context ends.
// A context cancellation during backoff returns the last error without
// further attempts.
func Retry(ctx context.Context, policy *RetryPolicy, fn func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	retryIf := policy.RetryIf
	if retryIf == nil {
		retryIf = core.IsRetryable
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryIf(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w: %w",
		maxAttempts, core.ErrMaxRetriesExceeded, lastErr)
}

// backoffDelay computes the sleep before attempt+1
func backoffDelay(policy *RetryPolicy, attempt int) time.Duration {
	base := float64(policy.BaseDelay)
	if base <= 0 {
		base = float64(time.Millisecond)
	}
	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := base * math.Pow(multiplier, float64(attempt-1))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if policy.Jitter > 0 {
		delay += rand.Float64() * float64(policy.Jitter)
	}
	return time.Duration(delay)
}

// RetryWithBreaker combines retry logic with circuit breaker gating.
// A breaker-open rejection is surfaced without burning further attempts.
func RetryWithBreaker(ctx context.Context, policy *RetryPolicy, cb *CircuitBreaker, fn func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	wrapped := *policy
	baseRetryIf := wrapped.RetryIf
	if baseRetryIf == nil {
		baseRetryIf = core.IsRetryable
	}
	wrapped.RetryIf = func(err error) bool {
		if core.IsBreakerOpen(err) {
			return false
		}
		return baseRetryIf(err)
	}

	return Retry(ctx, &wrapped, func() error {
		return cb.Execute(ctx, fn)
	})
}
