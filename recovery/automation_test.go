package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/resilience"
)

func newTestSetup() (*resilience.Registry, *resilience.HealthTracker) {
	reg := resilience.NewRegistry(resilience.RegistryOptions{
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Millisecond,
		MonitorWindow:    time.Minute,
	})
	return reg, resilience.NewHealthTracker(reg, nil)
}

func tripBreaker(reg *resilience.Registry, service string) *resilience.CircuitBreaker {
	cb := reg.Get(service)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error {
			return fmt.Errorf("down: %w", core.ErrServerError)
		})
	}
	return cb
}

func TestClassifyCategory(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"status 429: rate limit exceeded", CategoryRateLimit},
		{"too many requests", CategoryRateLimit},
		{"operation timeout after 30s", CategoryTimeout},
		{"context deadline exceeded", CategoryTimeout},
		{"status 401: invalid api key", CategoryAuthError},
		{"credential rotation required", CategoryAuthError},
		{"status 503: upstream server error", CategoryServerError},
		{"", CategoryServerError},
	}
	for _, tt := range tests {
		if got := ClassifyCategory(tt.message); got != tt.want {
			t.Errorf("%q: expected %s, got %s", tt.message, tt.want, got)
		}
	}
}

func TestProbeSuccessResetsBreaker(t *testing.T) {
	reg, health := newTestSetup()
	cb := tripBreaker(reg, "openai")
	health.RecordFailure("openai", errors.New("status 503: upstream server error"))

	if cb.State() != resilience.StateOpen {
		t.Fatalf("setup: expected open breaker, got %s", cb.State())
	}

	a := NewAutomation(Options{
		Breakers: reg,
		Health:   health,
		Probes: map[string]ProbeFunc{
			"openai": func(ctx context.Context) error { return nil },
		},
	})

	time.Sleep(20 * time.Millisecond) // past the reset deadline
	a.RunOnce(context.Background())

	if cb.State() != resilience.StateClosed {
		t.Errorf("successful probe must reset the breaker, got %s", cb.State())
	}
	if health.Record("openai").SuccessCount == 0 {
		t.Error("recovery must update health scores")
	}
}

func TestProbeFailureLeavesBreakerOpen(t *testing.T) {
	reg, health := newTestSetup()
	cb := tripBreaker(reg, "openai")

	a := NewAutomation(Options{
		Breakers: reg,
		Health:   health,
		Probes: map[string]ProbeFunc{
			"openai": func(ctx context.Context) error {
				return fmt.Errorf("still down: %w", core.ErrServerError)
			},
		},
	})

	time.Sleep(20 * time.Millisecond)
	failuresBefore := health.Record("openai").FailureCount
	a.RunOnce(context.Background())

	if cb.State() != resilience.StateOpen {
		t.Errorf("failed probe must leave the breaker open, got %s", cb.State())
	}
	if health.Record("openai").FailureCount <= failuresBefore {
		t.Error("failed probe must decay health")
	}
}

func TestAuthErrorsAlertAdminAndSkipProbes(t *testing.T) {
	reg, health := newTestSetup()
	tripBreaker(reg, "openai")
	health.RecordFailure("openai", errors.New("status 401: invalid api key"))

	var alerted atomic.Int32
	probeRan := false

	a := NewAutomation(Options{
		Breakers: reg,
		Health:   health,
		Probes: map[string]ProbeFunc{
			"openai": func(ctx context.Context) error {
				probeRan = true
				return nil
			},
		},
		Alert: func(service, category, reason string) {
			if service == "openai" && category == CategoryAuthError {
				alerted.Add(1)
			}
		},
	})

	time.Sleep(20 * time.Millisecond)
	a.RunOnce(context.Background())

	if alerted.Load() != 1 {
		t.Error("auth failures must alert the administrator")
	}
	if probeRan {
		t.Error("auth failures are not auto-recovered with probes")
	}
	if reg.StateFor("openai") != resilience.StateOpen {
		t.Error("auth failures must not reset the breaker")
	}
}

func TestAttemptRateLimiting(t *testing.T) {
	reg, health := newTestSetup()
	tripBreaker(reg, "openai")

	var probes atomic.Int32
	a := NewAutomation(Options{
		Breakers:    reg,
		Health:      health,
		MaxAttempts: 2,
		Probes: map[string]ProbeFunc{
			"openai": func(ctx context.Context) error {
				probes.Add(1)
				return fmt.Errorf("still down: %w", core.ErrServerError)
			},
		},
	})

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 6; i++ {
		a.RunOnce(context.Background())
	}

	if got := probes.Load(); got != 2 {
		t.Errorf("attempts must be capped per window: expected 2 probes, got %d", got)
	}
}

func TestClosedBreakersAreIgnored(t *testing.T) {
	reg, health := newTestSetup()
	reg.Get("healthy")

	var probes atomic.Int32
	a := NewAutomation(Options{
		Breakers: reg,
		Health:   health,
		Probes: map[string]ProbeFunc{
			"healthy": func(ctx context.Context) error {
				probes.Add(1)
				return nil
			},
		},
	})

	a.RunOnce(context.Background())

	if probes.Load() != 0 {
		t.Error("closed breakers need no recovery")
	}
}
