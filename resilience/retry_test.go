package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/conclave-ai/conclave/core"
)

func fastPolicy(maxAttempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("blip: %w", core.ErrServerError)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryNeverExceedsMaxAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		attempts++
		return fmt.Errorf("always: %w", core.ErrServerError)
	})

	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("expected max-retries sentinel, got %v", err)
	}
	if !errors.Is(err, core.ErrServerError) {
		t.Errorf("last error should stay reachable, got %v", err)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	authErr := fmt.Errorf("status 401: %w", core.ErrAuthFailed)
	err := Retry(context.Background(), fastPolicy(5), func() error {
		attempts++
		return authErr
	})

	if attempts != 1 {
		t.Errorf("non-retryable errors must not be retried, got %d attempts", attempts)
	}
	if !errors.Is(err, core.ErrAuthFailed) {
		t.Errorf("expected original error surfaced, got %v", err)
	}
}

func TestRetryHonorsCancellationDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := &RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
		Multiplier:  1.0,
	}

	attempts := 0
	transient := fmt.Errorf("blip: %w", core.ErrServerError)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Retry(ctx, policy, func() error {
		attempts++
		return transient
	})
	elapsed := time.Since(start)

	if attempts != 1 {
		t.Errorf("cancellation during backoff must stop further attempts, got %d", attempts)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("expected prompt return on cancellation, took %v", elapsed)
	}
	if !errors.Is(err, core.ErrServerError) {
		t.Errorf("expected last error returned, got %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		Multiplier:  3.0,
		Jitter:      5 * time.Millisecond,
	}

	// attempt 1: 10ms, attempt 2: 20ms (capped), attempt 3: 20ms (capped),
	// plus at most 5ms jitter each
	for attempt := 1; attempt <= 3; attempt++ {
		delay := backoffDelay(policy, attempt)
		max := policy.MaxDelay + policy.Jitter
		if delay > max {
			t.Errorf("attempt %d: delay %v exceeds bound %v", attempt, delay, max)
		}
		if delay < policy.BaseDelay {
			t.Errorf("attempt %d: delay %v below base", attempt, delay)
		}
	}
}

func TestRetryTotalElapsedBounded(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		Multiplier:  2.0,
	}

	start := time.Now()
	_ = Retry(context.Background(), policy, func() error {
		return fmt.Errorf("always: %w", core.ErrServerError)
	})
	elapsed := time.Since(start)

	// Two sleeps: 10ms + 20ms, allow generous scheduling headroom
	if elapsed > 500*time.Millisecond {
		t.Errorf("total elapsed %v exceeds delay bound sum", elapsed)
	}
}

func TestRetryWithBreakerShortCircuits(t *testing.T) {
	cb, _ := NewCircuitBreaker(testConfig("svc"))
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), failingOp)
	}

	attempts := 0
	err := RetryWithBreaker(context.Background(), fastPolicy(3), cb, func() error {
		attempts++
		return nil
	})

	if attempts != 0 {
		t.Errorf("open breaker must short-circuit the operation, got %d attempts", attempts)
	}
	if !core.IsBreakerOpen(err) {
		t.Errorf("expected breaker-open error, got %v", err)
	}
}
