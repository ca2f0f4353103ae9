// Package recovery runs background remediation for failing services:
// probing open breakers once their reset deadline passes, resetting them on
// success, and alerting an administrator for failures that cannot be
// auto-recovered.
package recovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/resilience"
	"github.com/conclave-ai/conclave/telemetry"
)

// Error categories driving the recovery playbooks
const (
	CategoryRateLimit   = "rate_limit"
	CategoryTimeout     = "timeout"
	CategoryServerError = "server_error"
	CategoryAuthError   = "auth_error"
)

// playbooks maps an error category to its ordered remediation actions.
// auth_error terminates in an admin alert; no probe runs and the breaker is
// not reset.
var playbooks = map[string][]string{
	CategoryRateLimit:   {"wait_and_retry", "switch_provider", "reduce_load"},
	CategoryTimeout:     {"increase_timeout", "retry_with_backoff", "switch_endpoint"},
	CategoryServerError: {"retry_with_backoff", "switch_provider", "use_fallback"},
	CategoryAuthError:   {"refresh_credentials", "alert_admin"},
}

// ProbeFunc checks whether a service has recovered
type ProbeFunc func(ctx context.Context) error

// AlertFunc notifies an administrator about a non-recoverable failure
type AlertFunc func(service, category, reason string)

// attemptWindow bounds recovery attempts per service
const attemptWindow = 5 * time.Minute

// Options configures the recovery automation
type Options struct {
	Breakers *resilience.Registry
	Health   *resilience.HealthTracker

	// Probes maps service names to recovery probes; services without a
	// probe recover through the breaker's own half-open path
	Probes map[string]ProbeFunc

	// Alert receives admin notifications; nil alerts are logged only
	Alert AlertFunc

	// Interval between sweeps (default 60s)
	Interval time.Duration

	// MaxAttempts per service within the 5 minute window (default 3)
	MaxAttempts int

	Logger core.Logger
}

// Automation is the background recovery loop
type Automation struct {
	breakers    *resilience.Registry
	health      *resilience.HealthTracker
	probes      map[string]ProbeFunc
	alert       AlertFunc
	interval    time.Duration
	maxAttempts int
	logger      core.Logger

	mu       sync.Mutex
	attempts map[string][]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAutomation creates the recovery automation
func NewAutomation(opts Options) *Automation {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("conclave/recovery")
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	probes := opts.Probes
	if probes == nil {
		probes = make(map[string]ProbeFunc)
	}

	return &Automation{
		breakers:    opts.Breakers,
		health:      opts.Health,
		probes:      probes,
		alert:       opts.Alert,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
		attempts:    make(map[string][]time.Time),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the sweep loop
func (a *Automation) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.RunOnce(ctx)
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RegisterProbe installs or replaces the recovery probe for a service
func (a *Automation) RegisterProbe(service string, probe ProbeFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probes[service] = probe
}

// Stop terminates the sweep loop
func (a *Automation) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
}

// RunOnce sweeps every breaker and attempts recovery for those whose open
// period has elapsed. Recoveries for independent services run concurrently.
func (a *Automation) RunOnce(ctx context.Context) {
	if a.breakers == nil {
		return
	}

	now := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for name, cb := range a.breakers.Snapshot() {
		if cb.State() != resilience.StateOpen {
			continue
		}
		if now.Before(cb.NextAttemptAt()) {
			continue
		}

		g.Go(func() error {
			a.attemptRecovery(gctx, name, cb)
			return nil
		})
	}

	_ = g.Wait()
}

// attemptRecovery runs the playbook for one open breaker
func (a *Automation) attemptRecovery(ctx context.Context, service string, cb *resilience.CircuitBreaker) {
	if !a.allowAttempt(service) {
		a.logger.Debug("Recovery attempt rate limited", map[string]interface{}{
			"operation": "recovery_rate_limited",
			"service":   service,
		})
		return
	}

	lastError := ""
	if a.health != nil {
		lastError = a.health.Record(service).LastError
	}
	category := ClassifyCategory(lastError)
	actions := playbooks[category]

	a.logger.Info("Attempting service recovery", map[string]interface{}{
		"operation": "recovery_attempt",
		"service":   service,
		"category":  category,
		"playbook":  actions,
	})
	telemetry.Counter("recovery.attempts", "service", service, "category", category)

	if category == CategoryAuthError {
		// Credential problems need a human; alerting is the terminal action
		reason := "credential failure requires manual intervention: " + lastError
		if a.alert != nil {
			a.alert(service, category, reason)
		}
		a.logger.Error("Service requires administrator attention", map[string]interface{}{
			"operation": "recovery_alert_admin",
			"service":   service,
			"reason":    reason,
		})
		telemetry.Counter("recovery.admin_alerts", "service", service)
		return
	}

	a.mu.Lock()
	probe, ok := a.probes[service]
	a.mu.Unlock()
	if !ok {
		// Without a probe the breaker's own half-open path decides
		a.logger.Debug("No probe registered, leaving recovery to half-open", map[string]interface{}{
			"operation": "recovery_no_probe",
			"service":   service,
		})
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	err := probe(probeCtx)

	if err != nil {
		if a.health != nil {
			a.health.RecordFailure(service, err)
		}
		a.logger.Warn("Recovery probe failed", map[string]interface{}{
			"operation": "recovery_probe_failed",
			"service":   service,
			"category":  category,
			"error":     err.Error(),
		})
		telemetry.Counter("recovery.probes", "service", service, "result", "failure")
		return
	}

	cb.Reset()
	if a.health != nil {
		a.health.RecordSuccess(service, time.Since(start))
	}

	a.logger.Info("Service recovered, breaker reset", map[string]interface{}{
		"operation": "recovery_success",
		"service":   service,
		"category":  category,
	})
	telemetry.Counter("recovery.probes", "service", service, "result", "success")
}

// allowAttempt enforces the per-service attempt budget within the window
func (a *Automation) allowAttempt(service string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-attemptWindow)

	kept := a.attempts[service][:0]
	for _, t := range a.attempts[service] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= a.maxAttempts {
		a.attempts[service] = kept
		return false
	}

	a.attempts[service] = append(kept, now)
	return true
}

// ClassifyCategory maps a recorded error message to its playbook category
func ClassifyCategory(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") ||
		strings.Contains(lower, "too many requests"):
		return CategoryRateLimit
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return CategoryTimeout
	case strings.Contains(lower, "auth") || strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") || strings.Contains(lower, "api key") ||
		strings.Contains(lower, "credential"):
		return CategoryAuthError
	default:
		return CategoryServerError
	}
}
