package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/conclave-ai/conclave/core"
)

func testConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     100 * time.Millisecond,
		MonitorWindow:    time.Second,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

func failingOp() error {
	return fmt.Errorf("upstream: %w", core.ErrServerError)
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig("svc"))
	if err != nil {
		t.Fatalf("failed to create breaker: %v", err)
	}

	if cb.State() != StateClosed {
		t.Fatalf("expected initial state closed, got %s", cb.State())
	}

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), failingOp)
	}

	if cb.State() != StateOpen {
		t.Errorf("expected open after threshold failures, got %s", cb.State())
	}
}

func TestCircuitBreakerFailsFastWithoutInvoking(t *testing.T) {
	cb, _ := NewCircuitBreaker(testConfig("svc"))

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), failingOp)
	}

	invoked := false
	err := cb.Execute(context.Background(), func() error {
		invoked = true
		return nil
	})

	if invoked {
		t.Error("operation must not run while the breaker is open")
	}
	if !core.IsBreakerOpen(err) {
		t.Errorf("expected breaker-open error, got %v", err)
	}

	var ee *core.EnsembleError
	if !errors.As(err, &ee) {
		t.Fatal("expected EnsembleError")
	}
	if ee.Service != "svc" {
		t.Errorf("expected service svc, got %q", ee.Service)
	}
	if ee.NextAttempt.IsZero() {
		t.Error("breaker-open error should carry the next attempt time")
	}
}

func TestCircuitBreakerRejectionsNotCountedAsFailures(t *testing.T) {
	cb, _ := NewCircuitBreaker(testConfig("svc"))

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), failingOp)
	}

	before := cb.Metrics()["failure_count"].(int)
	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), func() error { return nil })
	}
	after := cb.Metrics()["failure_count"].(int)

	if after != before {
		t.Errorf("rejections must not count as failures: before=%d after=%d", before, after)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb, _ := NewCircuitBreaker(testConfig("svc"))

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), failingOp)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	time.Sleep(150 * time.Millisecond)

	// First call after the reset timeout runs as the half-open probe
	err := cb.Execute(context.Background(), func() error { return nil })
	if err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("success in half-open should close, got %s", cb.State())
	}

	// Recovered breaker starts with a clean window
	if got := cb.Metrics()["failure_count"].(int); got != 0 {
		t.Errorf("expected failures cleared after recovery, got %d", got)
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, _ := NewCircuitBreaker(testConfig("svc"))

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), failingOp)
	}

	time.Sleep(150 * time.Millisecond)

	_ = cb.Execute(context.Background(), failingOp)
	if cb.State() != StateOpen {
		t.Errorf("failed probe should reopen, got %s", cb.State())
	}

	// Open period is re-armed: immediate call is rejected again
	err := cb.Execute(context.Background(), func() error { return nil })
	if !core.IsBreakerOpen(err) {
		t.Errorf("expected breaker-open after re-arm, got %v", err)
	}
}

func TestCircuitBreakerWindowPrunesOldFailures(t *testing.T) {
	cfg := testConfig("svc")
	cfg.MonitorWindow = 100 * time.Millisecond
	cb, _ := NewCircuitBreaker(cfg)

	for i := 0; i < 4; i++ {
		_ = cb.Execute(context.Background(), failingOp)
	}

	time.Sleep(150 * time.Millisecond)

	// Old failures fell out of the window; one more should not trip it
	_ = cb.Execute(context.Background(), failingOp)
	if cb.State() != StateClosed {
		t.Errorf("expected closed, old failures outside window, got %s", cb.State())
	}
}

func TestCircuitBreakerIgnoresNonInfrastructureErrors(t *testing.T) {
	cb, _ := NewCircuitBreaker(testConfig("svc"))

	validationErr := core.NewValidationError("op", core.ErrPromptTooLong)
	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), func() error { return validationErr })
	}

	if cb.State() != StateClosed {
		t.Errorf("validation errors must not trip the breaker, got %s", cb.State())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := NewCircuitBreaker(testConfig("svc"))

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), failingOp)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func() error { return nil })
	if err != nil {
		t.Errorf("expected call allowed after reset, got %v", err)
	}
}

func TestCircuitBreakerConcurrentAccess(t *testing.T) {
	cb, _ := NewCircuitBreaker(testConfig("svc"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				_ = cb.Execute(context.Background(), func() error { return nil })
			} else {
				_ = cb.Execute(context.Background(), failingOp)
			}
		}(i)
	}
	wg.Wait()

	state := cb.State()
	if state != StateClosed && state != StateOpen && state != StateHalfOpen {
		t.Errorf("unexpected state %s", state)
	}
}

func TestConfigValidation(t *testing.T) {
	bad := []*CircuitBreakerConfig{
		{Name: "", FailureThreshold: 5, ResetTimeout: time.Second, MonitorWindow: time.Second},
		{Name: "x", FailureThreshold: 0, ResetTimeout: time.Second, MonitorWindow: time.Second},
		{Name: "x", FailureThreshold: 5, ResetTimeout: 0, MonitorWindow: time.Second},
		{Name: "x", FailureThreshold: 5, ResetTimeout: time.Second, MonitorWindow: 0},
	}
	for i, cfg := range bad {
		if _, err := NewCircuitBreaker(cfg); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestRegistryLinearizablePerName(t *testing.T) {
	reg := NewRegistry(RegistryOptions{
		FailureThreshold: 5,
		ResetTimeout:     100 * time.Millisecond,
		MonitorWindow:    time.Second,
	})

	a := reg.Get("openai")
	b := reg.Get("openai")
	if a != b {
		t.Error("registry must return the same breaker per name")
	}

	if reg.StateFor("unknown") != StateClosed {
		t.Error("unknown services report closed")
	}

	for i := 0; i < 5; i++ {
		_ = a.Execute(context.Background(), failingOp)
	}
	if reg.StateFor("openai") != StateOpen {
		t.Error("registry state should reflect breaker state")
	}

	names := reg.Names()
	if len(names) != 1 || names[0] != "openai" {
		t.Errorf("unexpected names %v", names)
	}
}
