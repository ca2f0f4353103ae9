// Package conclave assembles the ensemble engine: model provider clients,
// resilience (breakers, retry, fallbacks), the multi-tier cache, graceful
// degradation, recovery automation, and the dispatcher hot path.
package conclave

import (
	"context"
	"sync"

	_ "github.com/conclave-ai/conclave/ai/providers/anthropic"
	_ "github.com/conclave-ai/conclave/ai/providers/bedrock"
	_ "github.com/conclave-ai/conclave/ai/providers/gemini"
	_ "github.com/conclave-ai/conclave/ai/providers/openai"
	_ "github.com/conclave-ai/conclave/ai/providers/xai"

	"github.com/conclave-ai/conclave/ai"
	"github.com/conclave-ai/conclave/cache"
	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/degradation"
	"github.com/conclave-ai/conclave/ensemble"
	"github.com/conclave-ai/conclave/recovery"
	"github.com/conclave-ai/conclave/resilience"
)

// Engine is the assembled ensemble orchestration engine
type Engine struct {
	cfg    *core.Config
	logger core.Logger

	breakers   *resilience.Registry
	health     *resilience.HealthTracker
	fallbacks  *resilience.FallbackManager
	cache      *cache.MultiTierCache
	memory     core.Memory
	redisStore *core.RedisStore
	degrade    *degradation.Manager
	recover    *recovery.Automation
	dispatcher *ensemble.Dispatcher

	clientMu sync.Mutex
	clients  map[string]core.AIClient
}

// New assembles an engine from configuration. Background loops (cache
// maintenance, degradation assessment, and recovery sweeps when
// Recovery.Enabled is set) start immediately; call Shutdown to stop them.
func New(ctx context.Context, cfg *core.Config) (*Engine, error) {
	if cfg == nil {
		var err error
		cfg, err = core.NewConfig()
		if err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger()

	breakers := resilience.NewRegistry(resilience.RegistryOptions{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		MonitorWindow:    cfg.Breaker.MonitorWindow,
		Logger:           logger,
		Metrics:          resilience.NewOTelMetrics(),
	})
	health := resilience.NewHealthTracker(breakers, logger)
	fallbacks := resilience.NewFallbackManager(health, breakers, logger)
	registerModelCatalogs(fallbacks)

	tierCache := cache.New(cache.FromConfig(cfg.Cache, logger))

	engine := &Engine{
		cfg:       cfg,
		logger:    logger,
		breakers:  breakers,
		health:    health,
		fallbacks: fallbacks,
		cache:     tierCache,
		clients:   make(map[string]core.AIClient),
	}

	engine.memory = engine.buildMemory(ctx)

	engine.degrade = degradation.NewManager(degradation.Options{
		Services: []degradation.ServiceSpec{
			{Name: "openai", Criticality: degradation.CriticalityCore},
			{Name: "anthropic", Criticality: degradation.CriticalityCore},
			{Name: "gemini", Criticality: degradation.CriticalityImportant},
			{Name: "xai", Criticality: degradation.CriticalityOptional},
			{Name: "bedrock", Criticality: degradation.CriticalityOptional},
		},
		Health:   health,
		Breakers: breakers,
		Enabled:  cfg.Degradation.Enabled,
		Logger:   logger,
	})

	engine.recover = recovery.NewAutomation(recovery.Options{
		Breakers:    breakers,
		Health:      health,
		Interval:    cfg.Recovery.Interval,
		MaxAttempts: cfg.Recovery.MaxAttempts,
		Logger:      logger,
	})

	synthesizer := ensemble.NewSynthesizer(ensemble.SynthesizerOptions{
		Client:     engine.synthesisClient(),
		Fallbacks:  fallbacks,
		Cache:      tierCache,
		Restricted: engine.degrade.IsFeatureRestricted,
		Logger:     logger,
	})
	voting := ensemble.NewVotingEngine(fallbacks, logger)

	dispatcher, err := ensemble.NewDispatcher(ensemble.DispatcherOptions{
		Deadline:     cfg.Ensemble.Deadline,
		RoleDeadline: cfg.Ensemble.RoleDeadline,
		ResultTTL:    cfg.Ensemble.ResultTTL,
		Clients:      engine.clientFor,
		Breakers:     breakers,
		RetryPolicy:  resilience.PolicyFromConfig(cfg.Retry),
		Fallbacks:    fallbacks,
		Health:       health,
		Voting:       voting,
		Synthesis:    synthesizer,
		Cache:        tierCache,
		Memory:       engine.memory,
		Degradation:  engine.degrade,
		Logger:       logger,
	})
	if err != nil {
		tierCache.Stop()
		return nil, err
	}
	engine.dispatcher = dispatcher

	engine.degrade.Start()
	if cfg.Recovery.Enabled {
		engine.recover.Start(context.Background())
	}

	logger.Info("Ensemble engine assembled", map[string]interface{}{
		"operation":           "engine_init",
		"environment":         cfg.Environment,
		"degradation_enabled": cfg.Degradation.Enabled,
		"recovery_enabled":    cfg.Recovery.Enabled,
		"memory_provider":     cfg.Memory.Provider,
		"providers":           ai.ListProviders(),
	})

	return engine, nil
}

// Ensemble runs one request through the dispatcher
func (e *Engine) Ensemble(ctx context.Context, req *ensemble.Request) (*ensemble.Result, error) {
	return e.dispatcher.Execute(ctx, req)
}

// ErrorEnvelope renders the caller-facing error surface for a failed request
func (e *Engine) ErrorEnvelope(err error, correlationID string) *core.ErrorEnvelope {
	return core.BuildEnvelope(e.cfg.Name, err, correlationID)
}

// Health returns the current per-service health records
func (e *Engine) Health() map[string]resilience.HealthRecord {
	return e.health.Snapshot()
}

// DegradationLevel returns the current capability level name
func (e *Engine) DegradationLevel() string {
	return e.degrade.LevelName()
}

// CacheStats returns multi-tier cache counters
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// RegisterRecoveryProbe installs a recovery probe for a service; probes run
// from the background sweep once the service's breaker reset deadline passes
func (e *Engine) RegisterRecoveryProbe(service string, probe recovery.ProbeFunc) {
	e.recover.RegisterProbe(service, probe)
}

// Shutdown stops background loops and releases connections
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cache.Stop()
	e.degrade.Stop()
	e.recover.Stop()
	if e.redisStore != nil {
		return e.redisStore.Close()
	}
	return nil
}

// clientFor resolves (and memoizes) the client for a provider
func (e *Engine) clientFor(provider string) (core.AIClient, error) {
	e.clientMu.Lock()
	defer e.clientMu.Unlock()

	if client, ok := e.clients[provider]; ok {
		return client, nil
	}

	client, err := ai.NewClient(
		ai.WithProvider(provider),
		ai.WithTimeout(e.cfg.Ensemble.RoleDeadline),
		ai.WithLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}

	e.clients[provider] = client
	return client, nil
}

// synthesisClient picks the best available provider for enhanced synthesis,
// or nil when none is configured (the fallback chain still serves)
func (e *Engine) synthesisClient() core.AIClient {
	provider, err := ai.DetectBestProvider(e.logger)
	if err != nil {
		return nil
	}
	client, err := e.clientFor(provider)
	if err != nil {
		return nil
	}
	return client
}

// buildMemory selects the session memory backend, walking the storage
// fallback order (redis as local storage, then in-memory) on failure
func (e *Engine) buildMemory(ctx context.Context) core.Memory {
	if e.cfg.Memory.Provider == "redis" {
		store, err := core.NewRedisStore(ctx, core.RedisStoreOptions{
			RedisURL: e.cfg.Memory.RedisURL,
			Logger:   e.logger,
		})
		if err == nil {
			e.redisStore = store
			return store
		}
		e.logger.Warn("Redis session store unavailable, using in-memory store", map[string]interface{}{
			"operation": "memory_fallback",
			"error":     err.Error(),
		})
	}
	store := core.NewMemoryStore()
	store.SetLogger(e.logger)
	return store
}

// registerModelCatalogs installs the ranked provider bindings per logical
// role. Each role has 2-4 concrete alternatives across providers.
func registerModelCatalogs(fallbacks *resilience.FallbackManager) {
	fallbacks.RegisterCatalog(resilience.DomainModel, "gpt4o", []resilience.Alternative{
		{Name: "gpt4o-primary", Priority: 1, BaselineQuality: 0.9, Provider: "openai", Model: "gpt-4o"},
		{Name: "gpt4o-mini", Priority: 2, BaselineQuality: 0.75, Provider: "openai", Model: "gpt-4o-mini"},
		{Name: "gpt4o-claude", Priority: 3, BaselineQuality: 0.85, Provider: "anthropic", Model: "claude-3-5-sonnet-20241022"},
	})
	fallbacks.RegisterCatalog(resilience.DomainModel, "claude", []resilience.Alternative{
		{Name: "claude-primary", Priority: 1, BaselineQuality: 0.9, Provider: "anthropic", Model: "claude-3-5-sonnet-20241022"},
		{Name: "claude-bedrock", Priority: 2, BaselineQuality: 0.85, Provider: "bedrock", Model: "anthropic.claude-3-5-sonnet-20241022-v2:0"},
		{Name: "claude-gpt4o", Priority: 3, BaselineQuality: 0.8, Provider: "openai", Model: "gpt-4o"},
	})
	fallbacks.RegisterCatalog(resilience.DomainModel, "gemini", []resilience.Alternative{
		{Name: "gemini-primary", Priority: 1, BaselineQuality: 0.85, Provider: "gemini", Model: "gemini-1.5-pro"},
		{Name: "gemini-flash", Priority: 2, BaselineQuality: 0.7, Provider: "gemini", Model: "gemini-1.5-flash"},
		{Name: "gemini-gpt4o-mini", Priority: 3, BaselineQuality: 0.7, Provider: "openai", Model: "gpt-4o-mini"},
	})
	fallbacks.RegisterCatalog(resilience.DomainModel, "xai", []resilience.Alternative{
		{Name: "xai-primary", Priority: 1, BaselineQuality: 0.8, Provider: "xai", Model: "grok-2-latest"},
		{Name: "xai-gpt4o-mini", Priority: 2, BaselineQuality: 0.7, Provider: "openai", Model: "gpt-4o-mini"},
		{Name: "xai-haiku", Priority: 3, BaselineQuality: 0.7, Provider: "anthropic", Model: "claude-3-5-haiku-20241022"},
	})
}
