package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests until the reset timeout elapses
	StateOpen
	// StateHalfOpen allows a probe request after the reset timeout
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors count toward the failure threshold
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts operational infrastructure failures only.
// Programmer errors, validation failures, and client cancellation do not
// trip the breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsValidationError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	if errors.Is(err, core.ErrInvalidConfiguration) || errors.Is(err, core.ErrMissingConfiguration) {
		return false
	}
	return core.IsOperational(err)
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the protected service
	Name string

	// FailureThreshold is the number of failures within MonitorWindow
	// that opens the circuit
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe
	ResetTimeout time.Duration

	// MonitorWindow is the sliding window failures are counted over
	MonitorWindow time.Duration

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for circuit breaker events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector
}

// DefaultConfig returns a production-ready default configuration
func DefaultConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		MonitorWindow:    120 * time.Second,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate validates the circuit breaker configuration
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive, got %v", c.ResetTimeout)
	}
	if c.MonitorWindow <= 0 {
		return fmt.Errorf("monitor window must be positive, got %v", c.MonitorWindow)
	}
	return nil
}

// CircuitBreaker protects a named service with closed/open/half_open gating.
// Failures are counted over a sliding monitor window; while open, calls fail
// fast with a breaker-open error and are not counted as failures.
// All methods are safe for concurrent use.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu            sync.Mutex
	state         CircuitState
	failures      []time.Time
	nextAttemptAt time.Time

	// Counters for monitoring
	totalExecutions    uint64
	rejectedExecutions uint64

	listeners []func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a circuit breaker from the given configuration
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}

	config.Logger.Debug("Circuit breaker created", map[string]interface{}{
		"operation":         "circuit_breaker_created",
		"name":              config.Name,
		"failure_threshold": config.FailureThreshold,
		"reset_timeout_ms":  config.ResetTimeout.Milliseconds(),
		"monitor_window_ms": config.MonitorWindow.Milliseconds(),
	})

	return cb, nil
}

// SetLogger sets the logger for breaker events
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if logger == nil {
		cb.config.Logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.config.Logger = cal.WithComponent("conclave/resilience")
	} else {
		cb.config.Logger = logger
	}
}

// Execute runs the given function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn()
	cb.Record(err)
	return err
}

// Allow checks whether a call may proceed. In state open before the reset
// deadline it returns a breaker-open error; at or after the deadline the
// breaker transitions to half_open and the call proceeds as the probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		cb.totalExecutions++
		return nil
	case StateOpen:
		if now.Before(cb.nextAttemptAt) {
			cb.rejectedExecutions++
			cb.config.Metrics.RecordRejection(cb.config.Name)
			cb.config.Logger.Debug("Circuit breaker rejected execution", map[string]interface{}{
				"operation":       "circuit_breaker_reject",
				"name":            cb.config.Name,
				"next_attempt_at": cb.nextAttemptAt.Format(time.RFC3339),
			})
			return core.NewBreakerOpenError(cb.config.Name, cb.nextAttemptAt)
		}
		cb.transitionLocked(StateHalfOpen)
		cb.totalExecutions++
		return nil
	default:
		cb.rejectedExecutions++
		return core.NewBreakerOpenError(cb.config.Name, cb.nextAttemptAt)
	}
}

// Record feeds a call outcome back into the breaker
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		if cb.state == StateHalfOpen {
			// Probe succeeded, service recovered
			cb.failures = cb.failures[:0]
			cb.transitionLocked(StateClosed)
		}
		return
	}

	if !cb.config.ErrorClassifier(err) {
		cb.config.Logger.Debug("Error not counted toward breaker threshold", map[string]interface{}{
			"operation": "circuit_breaker_classify",
			"name":      cb.config.Name,
			"error":     err.Error(),
		})
		return
	}

	cb.config.Metrics.RecordFailure(cb.config.Name, fmt.Sprintf("%T", err))

	now := time.Now()

	if cb.state == StateHalfOpen {
		// Probe failed, re-arm the open period
		cb.nextAttemptAt = now.Add(cb.config.ResetTimeout)
		cb.transitionLocked(StateOpen)
		return
	}

	cb.failures = append(cb.failures, now)
	cb.pruneLocked(now)

	if cb.state == StateClosed && len(cb.failures) >= cb.config.FailureThreshold {
		cb.nextAttemptAt = now.Add(cb.config.ResetTimeout)
		cb.transitionLocked(StateOpen)
	}
}

// pruneLocked drops failures older than the monitor window
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.config.MonitorWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

// transitionLocked changes state (must be called with lock held)
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":     "circuit_breaker_transition",
		"name":          cb.config.Name,
		"from":          oldState.String(),
		"to":            newState.String(),
		"failure_count": len(cb.failures),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, oldState, newState)
	}
}

// AddStateChangeListener adds a listener for state changes
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// State returns the current state. An open breaker whose reset deadline has
// passed still reports open; only the next Allow moves it to half_open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// NextAttemptAt returns when an open breaker will admit a probe
func (cb *CircuitBreaker) NextAttemptAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.nextAttemptAt
}

// Name returns the protected service name
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Metrics returns current breaker counters
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":                cb.config.Name,
		"state":               cb.state.String(),
		"failure_count":       len(cb.failures),
		"total_executions":    cb.totalExecutions,
		"rejected_executions": cb.rejectedExecutions,
		"next_attempt_at":     cb.nextAttemptAt,
	}
}

// Reset returns the breaker to closed with a clean window
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.failures = cb.failures[:0]
	cb.nextAttemptAt = time.Time{}
	cb.transitionLocked(StateClosed)

	cb.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
		"operation":      "circuit_breaker_reset",
		"name":           cb.config.Name,
		"previous_state": oldState.String(),
	})
}

// Registry manages named circuit breakers sharing one base configuration.
// Breaker state transitions are linearizable per service name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	failureThreshold int
	resetTimeout     time.Duration
	monitorWindow    time.Duration
	logger           core.Logger
	metrics          MetricsCollector
}

// RegistryOptions configures a breaker registry
type RegistryOptions struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitorWindow    time.Duration
	Logger           core.Logger
	Metrics          MetricsCollector
}

// NewRegistry creates a breaker registry
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 60 * time.Second
	}
	if opts.MonitorWindow <= 0 {
		opts.MonitorWindow = 120 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &noopMetrics{}
	}
	return &Registry{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: opts.FailureThreshold,
		resetTimeout:     opts.ResetTimeout,
		monitorWindow:    opts.MonitorWindow,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
	}
}

// Get returns the breaker for a service, creating it on first use
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: r.failureThreshold,
		ResetTimeout:     r.resetTimeout,
		MonitorWindow:    r.monitorWindow,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           r.logger,
		Metrics:          r.metrics,
	})
	if err != nil {
		// Registry defaults are validated in NewRegistry; only an empty
		// name can fail here
		cb, _ = NewCircuitBreaker(DefaultConfig("default"))
	}

	r.breakers[name] = cb
	return cb
}

// StateFor returns the state of the named breaker, closed if absent
func (r *Registry) StateFor(name string) CircuitState {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return cb.State()
}

// Names returns all registered breaker names
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// Snapshot returns the current breakers keyed by name
func (r *Registry) Snapshot() map[string]*CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*CircuitBreaker, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb
	}
	return out
}
