package degradation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/resilience"
)

func newTestManager(services []ServiceSpec) (*Manager, *resilience.HealthTracker, *resilience.Registry) {
	reg := resilience.NewRegistry(resilience.RegistryOptions{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		MonitorWindow:    time.Minute,
	})
	health := resilience.NewHealthTracker(reg, nil)
	m := NewManager(Options{
		Services: services,
		Health:   health,
		Breakers: reg,
		Enabled:  true,
	})
	return m, health, reg
}

func driveScore(health *resilience.HealthTracker, service string, successes, failures int) {
	for i := 0; i < successes; i++ {
		health.RecordSuccess(service, 50*time.Millisecond)
	}
	for i := 0; i < failures; i++ {
		health.RecordFailure(service, errors.New("synthetic failure"))
	}
}

func TestLevelForScoreThresholds(t *testing.T) {
	tests := []struct {
		score float64
		want  Level
	}{
		{0.95, LevelFull},
		{0.8, LevelFull},
		{0.7, LevelEnhanced},
		{0.6, LevelEnhanced},
		{0.5, LevelStandard},
		{0.4, LevelStandard},
		{0.3, LevelBasic},
		{0.2, LevelBasic},
		{0.15, LevelMinimal},
		{0.05, LevelEmergency},
	}
	for _, tt := range tests {
		if got := levelForScore(tt.score, false); got != tt.want {
			t.Errorf("score %f: expected %s, got %s", tt.score, tt.want, got)
		}
	}

	if got := levelForScore(0.95, true); got != LevelEmergency {
		t.Errorf("core failure forces emergency regardless of score, got %s", got)
	}
}

func TestRestrictionsAccumulatePerLevel(t *testing.T) {
	full := restrictionsFor(LevelFull)
	if len(full) != 0 {
		t.Errorf("full capability restricts nothing, got %v", full)
	}

	enhanced := restrictionsFor(LevelEnhanced)
	if !enhanced[FeatureDetailedAnalytics] || !enhanced[FeatureOptimization] {
		t.Error("enhanced must disable analytics and optimization")
	}
	if enhanced[FeatureEnhancedSynthesis] {
		t.Error("enhanced must not yet disable enhanced synthesis")
	}

	standard := restrictionsFor(LevelStandard)
	if !standard[FeatureEnhancedSynthesis] || !standard[FeatureComplexVoting] {
		t.Error("standard must also disable enhanced synthesis and complex voting")
	}

	basic := restrictionsFor(LevelBasic)
	if !basic[FeatureMemory] || !basic[FeatureVoting] || !basic[FeatureCaching] {
		t.Error("basic must also disable memory, voting, and caching")
	}
	if !basic[FeatureDetailedAnalytics] {
		t.Error("lower levels keep the restrictions of higher ones")
	}
}

func TestAssessDegradesImmediately(t *testing.T) {
	m, health, _ := newTestManager([]ServiceSpec{
		{Name: "openai", Criticality: CriticalityImportant},
	})

	if m.Level() != LevelFull {
		t.Fatalf("managers start at full, got %s", m.Level())
	}

	// Drive the service health down hard
	driveScore(health, "openai", 1, 20)

	level := m.Assess()
	if level == LevelFull {
		t.Error("heavy failures must degrade the level")
	}
	if !m.IsFeatureRestricted(FeatureDetailedAnalytics) {
		t.Error("degraded levels must activate restrictions")
	}
}

func TestRecoveryIsOneStepAtATime(t *testing.T) {
	m, health, _ := newTestManager([]ServiceSpec{
		{Name: "openai", Criticality: CriticalityImportant},
	})

	driveScore(health, "openai", 1, 20)
	degraded := m.Assess()
	if degraded < LevelStandard {
		t.Fatalf("setup: expected at least standard degradation, got %s", degraded)
	}

	// Health returns to normal
	driveScore(health, "openai", 60, 0)

	first := m.Assess()
	if first != degraded-1 {
		t.Errorf("recovery must step one level at a time: %s -> %s", degraded, first)
	}

	second := m.Assess()
	if second != first-1 && second != first {
		t.Errorf("unexpected recovery step %s -> %s", first, second)
	}

	// Eventually back at full, never skipping downward again
	for i := 0; i < 10; i++ {
		m.Assess()
	}
	if m.Level() != LevelFull {
		t.Errorf("expected full recovery, got %s", m.Level())
	}
	if len(m.ActiveRestrictions()) != 0 {
		t.Errorf("full capability must clear restrictions, got %v", m.ActiveRestrictions())
	}
}

func TestOpenBreakerOnCoreServiceForcesEmergency(t *testing.T) {
	m, health, reg := newTestManager([]ServiceSpec{
		{Name: "openai", Criticality: CriticalityCore},
		{Name: "gemini", Criticality: CriticalityOptional},
	})

	cb := reg.Get("openai")
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error {
			return fmt.Errorf("down: %w", core.ErrServerError)
		})
	}
	driveScore(health, "openai", 0, 25)

	level := m.Assess()
	if level != LevelEmergency {
		t.Errorf("failing core service must force emergency, got %s", level)
	}
}

func TestDisabledManagerStaysAtFull(t *testing.T) {
	reg := resilience.NewRegistry(resilience.RegistryOptions{})
	health := resilience.NewHealthTracker(reg, nil)
	m := NewManager(Options{
		Services: []ServiceSpec{{Name: "openai", Criticality: CriticalityCore}},
		Health:   health,
		Breakers: reg,
		Enabled:  false,
	})

	driveScore(health, "openai", 0, 30)

	if m.Assess() != LevelFull {
		t.Error("disabled manager must never degrade")
	}
	if m.IsFeatureRestricted(FeatureCaching) {
		t.Error("disabled manager must not restrict features")
	}
}

func TestLevelNames(t *testing.T) {
	names := map[Level]string{
		LevelFull:      "full",
		LevelEnhanced:  "enhanced",
		LevelStandard:  "standard",
		LevelBasic:     "basic",
		LevelMinimal:   "minimal",
		LevelEmergency: "emergency",
	}
	for level, want := range names {
		if level.String() != want {
			t.Errorf("level %d: expected %q, got %q", level, want, level.String())
		}
	}
}
