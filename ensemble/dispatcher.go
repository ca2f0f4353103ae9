package ensemble

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/conclave-ai/conclave/ai"
	"github.com/conclave-ai/conclave/cache"
	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/resilience"
	"github.com/conclave-ai/conclave/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// DegradationState is the view of the degradation manager the dispatcher
// needs. A nil state means full capability.
type DegradationState interface {
	LevelName() string
	IsFeatureRestricted(feature string) bool
}

// ClientProvider resolves a provider name to a model client
type ClientProvider func(provider string) (core.AIClient, error)

// DispatcherOptions wires a Dispatcher
type DispatcherOptions struct {
	// Deadline bounds the whole request; RoleDeadline bounds each role task
	Deadline     time.Duration
	RoleDeadline time.Duration

	// ResultTTL is the cache TTL for ensemble results
	ResultTTL time.Duration

	// Roles selects the enabled roles per tier; nil uses DefaultRoles
	Roles func(tier Tier) []Role

	// Clients resolves provider clients; required
	Clients ClientProvider

	// MaxInFlight bounds concurrent requests; 0 means unbounded. Excess
	// requests are rejected with a retryable operational error.
	MaxInFlight int

	Breakers    *resilience.Registry
	RetryPolicy *resilience.RetryPolicy
	Fallbacks   *resilience.FallbackManager
	Health      *resilience.HealthTracker
	Voting      *VotingEngine
	Synthesis   *Synthesizer
	Cache       *cache.MultiTierCache
	Memory      core.Memory
	Degradation DegradationState
	Logger      core.Logger
}

// Dispatcher owns the request hot path: cache lookup, parallel role
// fan-out through breakers and retry, collation, voting, synthesis, and
// result caching. Concurrent identical requests share one computation
// through a single-flight group.
type Dispatcher struct {
	deadline     time.Duration
	roleDeadline time.Duration
	resultTTL    time.Duration

	roles       func(tier Tier) []Role
	clients     ClientProvider
	breakers    *resilience.Registry
	retryPolicy *resilience.RetryPolicy
	fallbacks   *resilience.FallbackManager
	health      *resilience.HealthTracker
	voting      *VotingEngine
	synthesis   *Synthesizer
	cache       *cache.MultiTierCache
	memory      core.Memory
	degradation DegradationState
	logger      core.Logger

	inFlight chan struct{}
	group    singleflight.Group
}

// NewDispatcher creates a dispatcher
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Clients == nil {
		return nil, fmt.Errorf("%w: client provider", core.ErrMissingConfiguration)
	}
	if opts.Voting == nil || opts.Synthesis == nil {
		return nil, fmt.Errorf("%w: voting and synthesis engines", core.ErrMissingConfiguration)
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 30 * time.Second
	}
	if opts.RoleDeadline <= 0 || opts.RoleDeadline > opts.Deadline {
		opts.RoleDeadline = opts.Deadline
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 10 * time.Minute
	}
	if opts.Roles == nil {
		opts.Roles = DefaultRoles
	}

	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("conclave/ensemble")
	}

	var inFlight chan struct{}
	if opts.MaxInFlight > 0 {
		inFlight = make(chan struct{}, opts.MaxInFlight)
	}

	return &Dispatcher{
		deadline:     opts.Deadline,
		roleDeadline: opts.RoleDeadline,
		resultTTL:    opts.ResultTTL,
		roles:        opts.Roles,
		clients:      opts.Clients,
		breakers:     opts.Breakers,
		retryPolicy:  opts.RetryPolicy,
		fallbacks:    opts.Fallbacks,
		health:       opts.Health,
		voting:       opts.Voting,
		synthesis:    opts.Synthesis,
		cache:        opts.Cache,
		memory:       opts.Memory,
		degradation:  opts.Degradation,
		logger:       logger,
		inFlight:     inFlight,
	}, nil
}

// Execute runs one ensemble request end to end
func (d *Dispatcher) Execute(ctx context.Context, req *Request) (*Result, error) {
	const op = "dispatcher.Execute"

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	ctx = core.ContextWithCorrelationID(ctx, req.CorrelationID)

	ctx, span := telemetry.StartSpan(ctx, "ensemble.execute",
		attribute.String("ensemble.tier", string(req.Tier)),
		attribute.String("ensemble.correlation_id", req.CorrelationID),
	)
	defer span.End()

	cachingRestricted := d.degradation != nil && d.degradation.IsFeatureRestricted("caching")

	key, err := cache.Key(cache.PrefixEnsemble, map[string]string{
		"prompt": req.Prompt,
		"userId": req.UserID,
		"tier":   string(req.Tier),
	})
	if err != nil {
		return nil, core.NewGenericError(op, err)
	}

	if d.cache != nil && !cachingRestricted {
		var cached Result
		if found, err := d.cache.Get(key, &cached); err == nil && found {
			cached.FromCache = true
			cached.CorrelationID = req.CorrelationID
			telemetry.Counter("ensemble.requests", "tier", string(req.Tier), "source", "cache")
			span.SetAttributes(attribute.Bool("ensemble.from_cache", true))
			return &cached, nil
		}
	}

	if d.inFlight != nil {
		select {
		case d.inFlight <- struct{}{}:
			defer func() { <-d.inFlight }()
		default:
			return nil, &core.EnsembleError{
				Op:          op,
				Kind:        core.KindGeneric,
				Err:         core.ErrQueueFull,
				Timestamp:   time.Now(),
				Operational: true,
				Retryable:   true,
			}
		}
	}

	// Identical concurrent requests collapse onto one computation
	shared, err, dup := d.group.Do(key, func() (interface{}, error) {
		return d.compute(ctx, req, key, cachingRestricted)
	})
	if err != nil {
		return nil, err
	}

	result := shared.(*Result)
	if dup {
		// Duplicate callers get their own copy with their correlation ID
		clone := *result
		clone.CorrelationID = req.CorrelationID
		result = &clone
	}

	telemetry.Counter("ensemble.requests", "tier", string(req.Tier), "source", "computed")
	return result, nil
}

// compute runs the fan-out and assembles the result
func (d *Dispatcher) compute(ctx context.Context, req *Request, key string, cachingRestricted bool) (*Result, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	roles := d.roles(req.Tier)
	outputs := d.dispatchRoles(ctx, req, roles)

	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Role < outputs[j].Role })

	voting := d.voting.Vote(ctx, outputs)
	synthesis := d.synthesis.Synthesize(ctx, req, outputs, voting)

	level := "full"
	if d.degradation != nil {
		level = d.degradation.LevelName()
	}

	result := &Result{
		CorrelationID:    req.CorrelationID,
		RoleOutputs:      outputs,
		Voting:           voting,
		Synthesis:        synthesis,
		FromCache:        false,
		DegradationLevel: level,
		CreatedAt:        time.Now().UTC(),
	}

	if d.cache != nil && !cachingRestricted {
		if err := d.cache.Set(key, result, d.resultTTL); err != nil {
			d.logger.Warn("Failed to cache ensemble result", map[string]interface{}{
				"operation": "ensemble_cache_set_failed",
				"error":     err.Error(),
			})
		}
	}

	d.recordSession(req)

	d.logger.InfoWithContext(ctx, "Ensemble request completed", map[string]interface{}{
		"operation":        "ensemble_complete",
		"tier":             string(req.Tier),
		"roles":            len(roles),
		"fulfilled":        len(fulfilledOutputs(outputs)),
		"synthesis_status": string(synthesis.Status),
		"consensus":        voting.Consensus,
		"duration_ms":      time.Since(start).Milliseconds(),
	})
	telemetry.Duration("ensemble.duration_ms", start, "tier", string(req.Tier))

	return result, nil
}

// dispatchRoles fans the prompt out to every enabled role in parallel and
// collects the terminal outputs. Roles that miss the deadline are reported
// as failed(timeout).
func (d *Dispatcher) dispatchRoles(ctx context.Context, req *Request, roles []Role) []RoleOutput {
	results := make(chan RoleOutput, len(roles))

	g, taskCtx := errgroup.WithContext(ctx)
	for _, role := range roles {
		g.Go(func() error {
			results <- d.runRole(taskCtx, req, role)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	outputs := make([]RoleOutput, 0, len(roles))
	delivered := make(map[string]bool, len(roles))

collect:
	for len(outputs) < len(roles) {
		select {
		case out := <-results:
			outputs = append(outputs, out)
			delivered[out.Role] = true
		case <-ctx.Done():
			break collect
		case <-done:
			// Drain anything already buffered
			for len(outputs) < len(roles) {
				select {
				case out := <-results:
					outputs = append(outputs, out)
					delivered[out.Role] = true
				default:
					break collect
				}
			}
		}
	}

	// Not-yet-delivered roles become failed(timeout)
	for _, role := range roles {
		if !delivered[role.Name] {
			outputs = append(outputs, RoleOutput{
				Role:            role.Name,
				Provider:        role.Provider,
				Model:           role.Model,
				Status:          StatusFailed,
				Confidence:      0,
				ConfidenceLevel: ConfidenceLevelLabel(0),
				Error:           core.ErrTimeout.Error(),
			})
		}
	}

	return outputs
}

// runRole executes one role task: select a provider binding through the
// fallback catalog, call the adapter through breaker and retry, and record
// the outcome.
func (d *Dispatcher) runRole(ctx context.Context, req *Request, role Role) RoleOutput {
	start := time.Now()

	roleCtx, cancel := context.WithTimeout(ctx, d.roleDeadline)
	defer cancel()

	var resp *core.AIResponse
	binding := resilience.Alternative{Name: role.Name, Provider: role.Provider, Model: role.Model}

	attempt := func(ctx context.Context, alt resilience.Alternative) error {
		client, err := d.clients(alt.Provider)
		if err != nil {
			return err
		}

		call := func() error {
			r, err := ai.Invoke(ctx, client, alt.Provider, alt.Model, req.Prompt, ai.InvokeParams{
				Model:    alt.Model,
				Deadline: d.roleDeadline,
			})
			if err != nil {
				return err
			}
			resp = r
			return nil
		}

		if d.breakers != nil {
			return resilience.RetryWithBreaker(ctx, d.retryPolicy, d.breakers.Get(alt.Service()), call)
		}
		return resilience.Retry(ctx, d.retryPolicy, call)
	}

	var err error
	if d.fallbacks != nil {
		var winner resilience.Alternative
		winner, err = d.fallbacks.Execute(roleCtx, resilience.DomainModel, role.Name, attempt)
		if err == nil {
			binding = winner
		}
	} else {
		err = attempt(roleCtx, binding)
		if d.health != nil {
			if err == nil {
				d.health.RecordSuccess(binding.Service(), time.Since(start))
			} else {
				d.health.RecordFailure(binding.Service(), err)
			}
		}
	}

	latency := time.Since(start)

	if err != nil {
		if roleCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w: %v", core.ErrTimeout, err)
		}

		d.logger.WarnWithContext(ctx, "Role task failed", map[string]interface{}{
			"operation":   "role_task_failed",
			"role":        role.Name,
			"provider":    binding.Provider,
			"latency_ms":  latency.Milliseconds(),
			"error":       err.Error(),
		})
		telemetry.Counter("ensemble.role_tasks", "role", role.Name, "status", "failed")

		return RoleOutput{
			Role:            role.Name,
			Provider:        binding.Provider,
			Model:           binding.Model,
			Status:          StatusFailed,
			LatencyMS:       latency.Milliseconds(),
			Confidence:      0,
			ConfidenceLevel: ConfidenceLevelLabel(0),
			Error:           err.Error(),
		}
	}

	confidence := estimateConfidence(resp.Content)
	telemetry.Counter("ensemble.role_tasks", "role", role.Name, "status", "fulfilled")

	return RoleOutput{
		Role:            role.Name,
		Provider:        resp.Provider,
		Model:           resp.Model,
		Status:          StatusFulfilled,
		Content:         resp.Content,
		LatencyMS:       latency.Milliseconds(),
		TokensIn:        resp.Usage.PromptTokens,
		TokensOut:       resp.Usage.CompletionTokens,
		Confidence:      confidence,
		ConfidenceLevel: ConfidenceLevelLabel(confidence),
	}
}

// estimateConfidence derives a confidence score from observable content
// shape. Providers report no confidence of their own, so this stays a
// deterministic heuristic rather than an invented metric.
func estimateConfidence(content string) float64 {
	length := len(content)
	switch {
	case length == 0:
		return 0
	case length < preferredMinLength:
		return 0.4
	case length <= preferredMaxLength:
		confidence := 0.7
		if hasStructure(content) {
			confidence += 0.1
		}
		if looksComplete(content) {
			confidence += 0.1
		}
		return confidence
	default:
		return 0.65
	}
}

// recordSession stores lightweight session continuity data
func (d *Dispatcher) recordSession(req *Request) {
	if d.memory == nil {
		return
	}
	if d.degradation != nil && d.degradation.IsFeatureRestricted("memory") {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := "session:" + req.SessionID + ":last"
	if err := d.memory.Set(ctx, key, req.CorrelationID, time.Hour); err != nil {
		d.logger.Debug("Failed to record session continuity", map[string]interface{}{
			"operation": "session_record_failed",
			"error":     err.Error(),
		})
	}
}
