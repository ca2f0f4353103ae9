package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/telemetry"
)

// Fallback domains. Each domain carries its own ranked catalog of
// alternatives consulted when the primary path degrades.
const (
	DomainModel     = "model"
	DomainSynthesis = "synthesis"
	DomainVoting    = "voting"
	DomainStorage   = "storage"
)

// Synthesis fallback strategies, in default rank order
const (
	SynthesisBestResponse  = "best_response_selection"
	SynthesisConcatenation = "simple_concatenation"
	SynthesisTemplate      = "template_based"
	SynthesisCached        = "cached_response"
)

// Voting fallback strategies, in default rank order
const (
	VotingHighestConfidence = "highest_confidence"
	VotingSimpleMajority    = "simple_majority"
	VotingWeightedRandom    = "weighted_random"
	VotingFirstAvailable    = "first_available"
)

// Storage fallback strategies, in default rank order
const (
	StorageMemoryCache  = "memory_cache"
	StorageLocal        = "local_storage"
	StorageReadOnly     = "read_only_mode"
	StorageOffline      = "offline_mode"
)

// minHealthScore is the floor below which an alternative is skipped
const minHealthScore = 0.3

// Alternative is one ranked entry in a fallback catalog
type Alternative struct {
	// Name identifies the alternative (a strategy name, or a role binding)
	Name string

	// Priority ranks alternatives; lower is tried first
	Priority int

	// BaselineQuality caps the confidence of results produced via this path
	BaselineQuality float64

	// Provider and Model bind model-domain alternatives to a concrete client
	Provider string
	Model    string
}

// Service returns the breaker/health key for the alternative
func (a Alternative) Service() string {
	if a.Provider != "" {
		return a.Provider
	}
	return a.Name
}

// usageRecord tracks how often an alternative ran and when
type usageRecord struct {
	Successes uint64
	Failures  uint64
	LastUsed  time.Time
}

// FallbackManager selects and executes ranked alternatives per failure
// domain. Selection drops alternatives with an open breaker or a health
// score below the floor, then sorts by (priority asc, health desc).
type FallbackManager struct {
	mu       sync.RWMutex
	catalogs map[string][]Alternative
	usage    map[string]*usageRecord

	health   *HealthTracker
	breakers *Registry
	logger   core.Logger
}

// NewFallbackManager creates a fallback manager with the default catalogs
func NewFallbackManager(health *HealthTracker, breakers *Registry, logger core.Logger) *FallbackManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("conclave/resilience")
	}

	m := &FallbackManager{
		catalogs: make(map[string][]Alternative),
		usage:    make(map[string]*usageRecord),
		health:   health,
		breakers: breakers,
		logger:   logger,
	}

	m.RegisterCatalog(DomainSynthesis, "", []Alternative{
		{Name: SynthesisBestResponse, Priority: 1, BaselineQuality: 0.75},
		{Name: SynthesisConcatenation, Priority: 2, BaselineQuality: 0.55},
		{Name: SynthesisTemplate, Priority: 3, BaselineQuality: 0.45},
		{Name: SynthesisCached, Priority: 4, BaselineQuality: 0.35},
	})
	m.RegisterCatalog(DomainVoting, "", []Alternative{
		{Name: VotingHighestConfidence, Priority: 1, BaselineQuality: 0.7},
		{Name: VotingSimpleMajority, Priority: 2, BaselineQuality: 0.6},
		{Name: VotingWeightedRandom, Priority: 3, BaselineQuality: 0.4},
		{Name: VotingFirstAvailable, Priority: 4, BaselineQuality: 0.3},
	})
	m.RegisterCatalog(DomainStorage, "", []Alternative{
		{Name: StorageMemoryCache, Priority: 1, BaselineQuality: 0.9},
		{Name: StorageLocal, Priority: 2, BaselineQuality: 0.8},
		{Name: StorageReadOnly, Priority: 3, BaselineQuality: 0.5},
		{Name: StorageOffline, Priority: 4, BaselineQuality: 0.2},
	})

	return m
}

func catalogKey(domain, key string) string {
	if key == "" {
		return domain
	}
	return domain + ":" + key
}

// RegisterCatalog installs or replaces a ranked catalog for a domain.
// Model-domain catalogs use the logical role name as the key; the other
// domains use an empty key.
func (m *FallbackManager) RegisterCatalog(domain, key string, alternatives []Alternative) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalogs[catalogKey(domain, key)] = alternatives
}

// Select returns the viable alternatives for a domain in execution order
func (m *FallbackManager) Select(domain, key string) []Alternative {
	m.mu.RLock()
	catalog := m.catalogs[catalogKey(domain, key)]
	m.mu.RUnlock()

	viable := make([]Alternative, 0, len(catalog))
	for _, alt := range catalog {
		if m.breakers != nil && m.breakers.StateFor(alt.Service()) == StateOpen {
			continue
		}
		if m.health != nil && m.health.Score(alt.Service()) < minHealthScore {
			continue
		}
		viable = append(viable, alt)
	}

	sort.SliceStable(viable, func(i, j int) bool {
		if viable[i].Priority != viable[j].Priority {
			return viable[i].Priority < viable[j].Priority
		}
		if m.health == nil {
			return false
		}
		return m.health.Score(viable[i].Service()) > m.health.Score(viable[j].Service())
	})

	return viable
}

// Execute runs the attempt function down the ranked list until one
// alternative succeeds. The winning alternative is returned; when the list
// is exhausted (or empty) the caller receives ErrNoProvidersAvailable and
// must produce the emergency payload for its domain.
func (m *FallbackManager) Execute(ctx context.Context, domain, key string, attempt func(ctx context.Context, alt Alternative) error) (Alternative, error) {
	viable := m.Select(domain, key)

	var lastErr error
	for _, alt := range viable {
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		err := attempt(ctx, alt)
		m.recordOutcome(alt, err, time.Since(start))

		if err == nil {
			telemetry.Counter("fallback.executions", "domain", domain, "alternative", alt.Name, "status", "success")
			return alt, nil
		}
		lastErr = err
		telemetry.Counter("fallback.executions", "domain", domain, "alternative", alt.Name, "status", "failure")

		m.logger.Warn("Fallback alternative failed", map[string]interface{}{
			"operation":   "fallback_attempt_failed",
			"domain":      domain,
			"key":         key,
			"alternative": alt.Name,
			"error":       err.Error(),
		})
	}

	if lastErr != nil {
		return Alternative{}, fmt.Errorf("%w: %s fallbacks exhausted: %w",
			core.ErrNoProvidersAvailable, domain, lastErr)
	}
	return Alternative{}, fmt.Errorf("%w: no viable %s alternatives", core.ErrNoProvidersAvailable, domain)
}

// recordOutcome updates health scores and usage history for an alternative
func (m *FallbackManager) recordOutcome(alt Alternative, err error, latency time.Duration) {
	if m.health != nil {
		if err == nil {
			m.health.RecordSuccess(alt.Service(), latency)
		} else {
			m.health.RecordFailure(alt.Service(), err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.usage[alt.Name]
	if !ok {
		rec = &usageRecord{}
		m.usage[alt.Name] = rec
	}
	if err == nil {
		rec.Successes++
	} else {
		rec.Failures++
	}
	rec.LastUsed = time.Now()
}

// Usage returns the recorded usage history for an alternative
func (m *FallbackManager) Usage(name string) (successes, failures uint64, lastUsed time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.usage[name]; ok {
		return rec.Successes, rec.Failures, rec.LastUsed
	}
	return 0, 0, time.Time{}
}
