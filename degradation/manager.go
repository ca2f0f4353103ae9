// Package degradation maintains the process-wide capability level. The
// manager scores aggregate service health and disables non-essential
// features as the score drops, recovering one level at a time once health
// returns.
package degradation

import (
	"sync"
	"time"

	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/resilience"
	"github.com/conclave-ai/conclave/telemetry"
)

// Level is the coarse system capability setting
type Level int

const (
	LevelFull Level = iota
	LevelEnhanced
	LevelStandard
	LevelBasic
	LevelMinimal
	LevelEmergency
)

// String returns the level name
func (l Level) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelEnhanced:
		return "enhanced"
	case LevelStandard:
		return "standard"
	case LevelBasic:
		return "basic"
	case LevelMinimal:
		return "minimal"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Feature names gated by degradation levels
const (
	FeatureDetailedAnalytics = "detailed_analytics"
	FeatureOptimization      = "optimization"
	FeatureEnhancedSynthesis = "enhanced_synthesis"
	FeatureComplexVoting     = "complex_voting"
	FeatureMemory            = "memory"
	FeatureVoting            = "voting"
	FeatureCaching           = "caching"
	FeatureParallelDispatch  = "parallel_dispatch"
)

// restrictionsFor returns the active feature restrictions per level.
// Each level includes everything the level above restricts.
func restrictionsFor(level Level) map[string]bool {
	restricted := make(map[string]bool)
	if level >= LevelEnhanced {
		restricted[FeatureDetailedAnalytics] = true
		restricted[FeatureOptimization] = true
	}
	if level >= LevelStandard {
		restricted[FeatureEnhancedSynthesis] = true
		restricted[FeatureComplexVoting] = true
	}
	if level >= LevelBasic {
		restricted[FeatureMemory] = true
		restricted[FeatureVoting] = true
		restricted[FeatureCaching] = true
	}
	if level >= LevelMinimal {
		restricted[FeatureParallelDispatch] = true
	}
	return restricted
}

// Criticality weights for the overall score
const (
	CriticalityCore        = "core"
	CriticalityImportant   = "important"
	CriticalityOptional    = "optional"
	CriticalityEnhancement = "enhancement"
)

var criticalityWeights = map[string]float64{
	CriticalityCore:        4,
	CriticalityImportant:   3,
	CriticalityOptional:    2,
	CriticalityEnhancement: 1,
}

// ServiceSpec declares one monitored service and its criticality
type ServiceSpec struct {
	Name        string
	Criticality string
}

// recoveryScoreFloor gates upward level changes
const recoveryScoreFloor = 0.7

// failingServiceScore marks a service as failing for the emergency check
const failingServiceScore = 0.1

// latencyCeiling normalizes average latency into the health score
const latencyCeiling = 10 * time.Second

// Manager computes the capability level from aggregate health.
// Level changes downward are immediate; recovery is one step per
// assessment and only once the overall score clears the floor.
type Manager struct {
	mu           sync.RWMutex
	level        Level
	restrictions map[string]bool

	services []ServiceSpec
	health   *resilience.HealthTracker
	breakers *resilience.Registry
	enabled  bool
	interval time.Duration
	logger   core.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Options configures the degradation manager
type Options struct {
	// Services lists the monitored services; empty falls back to whatever
	// the health tracker has seen, weighted as important
	Services []ServiceSpec

	Health   *resilience.HealthTracker
	Breakers *resilience.Registry

	// Enabled turns assessment on; a disabled manager stays at full
	Enabled bool

	// Interval between background assessments (default 30s)
	Interval time.Duration

	Logger core.Logger
}

// NewManager creates a degradation manager at full capability
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("conclave/degradation")
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}

	return &Manager{
		level:        LevelFull,
		restrictions: map[string]bool{},
		services:     opts.Services,
		health:       opts.Health,
		breakers:     opts.Breakers,
		enabled:      opts.Enabled,
		interval:     opts.Interval,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the periodic assessment loop
func (m *Manager) Start() {
	if !m.enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Assess()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the assessment loop
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// Level returns the current capability level
func (m *Manager) Level() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// LevelName returns the current level as a string
func (m *Manager) LevelName() string {
	return m.Level().String()
}

// IsFeatureRestricted reports whether a feature is disabled at the current
// level
func (m *Manager) IsFeatureRestricted(feature string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restrictions[feature]
}

// ActiveRestrictions returns the currently restricted feature names
func (m *Manager) ActiveRestrictions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.restrictions))
	for feature, restricted := range m.restrictions {
		if restricted {
			out = append(out, feature)
		}
	}
	return out
}

// Assess recomputes the overall score and applies the resulting level.
// Returns the level in effect after assessment.
func (m *Manager) Assess() Level {
	if !m.enabled {
		return m.Level()
	}

	score, coreFailing := m.overallScore()
	target := levelForScore(score, coreFailing)

	m.mu.Lock()
	current := m.level
	next := current

	switch {
	case target > current:
		// Degrading: jump straight to the assessed level
		next = target
	case target < current && score > recoveryScoreFloor:
		// Recovering: one step at a time
		next = current - 1
	}

	if next != current {
		m.level = next
		m.restrictions = restrictionsFor(next)
	}
	m.mu.Unlock()

	telemetry.Gauge("degradation.overall_score", score)
	telemetry.Gauge("degradation.level", float64(next))

	if next != current {
		m.logger.Info("Degradation level changed", map[string]interface{}{
			"operation":     "degradation_transition",
			"from":          current.String(),
			"to":            next.String(),
			"overall_score": score,
			"core_failing":  coreFailing,
		})
		telemetry.Counter("degradation.transitions", "from", current.String(), "to", next.String())
	}

	return next
}

// overallScore computes the criticality-weighted average of service health
// scores and whether any core service is failing
func (m *Manager) overallScore() (float64, bool) {
	if m.health == nil {
		return 1.0, false
	}

	specs := m.services
	if len(specs) == 0 {
		for name := range m.health.Snapshot() {
			specs = append(specs, ServiceSpec{Name: name, Criticality: CriticalityImportant})
		}
	}
	if len(specs) == 0 {
		return 1.0, false
	}

	weightedSum := 0.0
	weightTotal := 0.0
	coreFailing := false

	for _, spec := range specs {
		weight, ok := criticalityWeights[spec.Criticality]
		if !ok {
			weight = criticalityWeights[CriticalityImportant]
		}

		score := m.serviceScore(spec.Name)
		weightedSum += score * weight
		weightTotal += weight

		if spec.Criticality == CriticalityCore && score < failingServiceScore {
			coreFailing = true
		}
	}

	return weightedSum / weightTotal, coreFailing
}

// serviceScore combines error rate, latency versus the timeout ceiling,
// availability, and breaker state into one score
func (m *Manager) serviceScore(name string) float64 {
	rec := m.health.Record(name)

	errorScore := rec.SuccessRate

	latencyScore := 1.0
	if rec.AvgLatency > 0 {
		latencyScore = 1.0 - float64(rec.AvgLatency)/float64(latencyCeiling)
		if latencyScore < 0 {
			latencyScore = 0
		}
	}

	availability := rec.HealthScore

	score := 0.5*errorScore + 0.2*latencyScore + 0.3*availability

	if m.breakers != nil && m.breakers.StateFor(name) == resilience.StateOpen {
		score *= 0.1
	}

	return score
}

// levelForScore maps the overall score to its capability level
func levelForScore(score float64, coreFailing bool) Level {
	if coreFailing {
		return LevelEmergency
	}
	switch {
	case score >= 0.8:
		return LevelFull
	case score >= 0.6:
		return LevelEnhanced
	case score >= 0.4:
		return LevelStandard
	case score >= 0.2:
		return LevelBasic
	case score >= 0.1:
		return LevelMinimal
	default:
		return LevelEmergency
	}
}
