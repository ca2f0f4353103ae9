package resilience

import (
	"sync"
	"time"

	"github.com/conclave-ai/conclave/core"
)

// HealthRecord captures the observed health of one service
type HealthRecord struct {
	Service      string        `json:"service"`
	SuccessRate  float64       `json:"success_rate"`
	AvgLatency   time.Duration `json:"avg_latency"`
	LastError    string        `json:"last_error,omitempty"`
	HealthScore  float64       `json:"health_score"`
	CircuitState string        `json:"circuit_state"`
	SuccessCount uint64        `json:"success_count"`
	FailureCount uint64        `json:"failure_count"`
	LastUsed     time.Time     `json:"last_used"`
}

// HealthTracker maintains an exponential moving average health score per
// service. On success the score moves toward 1 (0.9*s + 0.1); on failure it
// decays (0.9*s). New services start at full health.
type HealthTracker struct {
	mu       sync.RWMutex
	records  map[string]*healthState
	breakers *Registry
	logger   core.Logger
}

type healthState struct {
	score        float64
	avgLatency   float64 // EMA in milliseconds
	lastError    string
	successCount uint64
	failureCount uint64
	lastUsed     time.Time
}

// NewHealthTracker creates a health tracker. The breaker registry is
// optional; when present, snapshots include each service's circuit state.
func NewHealthTracker(breakers *Registry, logger core.Logger) *HealthTracker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("conclave/resilience")
	}
	return &HealthTracker{
		records:  make(map[string]*healthState),
		breakers: breakers,
		logger:   logger,
	}
}

func (h *HealthTracker) stateLocked(service string) *healthState {
	s, ok := h.records[service]
	if !ok {
		s = &healthState{score: 1.0}
		h.records[service] = s
	}
	return s
}

// RecordSuccess updates the EMA for a successful call
func (h *HealthTracker) RecordSuccess(service string, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stateLocked(service)
	s.score = 0.9*s.score + 0.1
	s.successCount++
	s.lastUsed = time.Now()

	ms := float64(latency.Milliseconds())
	if s.avgLatency == 0 {
		s.avgLatency = ms
	} else {
		s.avgLatency = 0.8*s.avgLatency + 0.2*ms
	}
}

// RecordFailure decays the EMA for a failed call
func (h *HealthTracker) RecordFailure(service string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stateLocked(service)
	s.score = 0.9 * s.score
	s.failureCount++
	s.lastUsed = time.Now()
	if err != nil {
		s.lastError = err.Error()
	}

	h.logger.Debug("Service health decayed", map[string]interface{}{
		"operation": "health_record_failure",
		"service":   service,
		"score":     s.score,
	})
}

// Score returns the current health score for a service (1.0 if unknown)
func (h *HealthTracker) Score(service string) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if s, ok := h.records[service]; ok {
		return s.score
	}
	return 1.0
}

// Record returns a point-in-time health record for a service
func (h *HealthTracker) Record(service string) HealthRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.recordLocked(service)
}

func (h *HealthTracker) recordLocked(service string) HealthRecord {
	rec := HealthRecord{
		Service:      service,
		HealthScore:  1.0,
		SuccessRate:  1.0,
		CircuitState: StateClosed.String(),
	}

	if s, ok := h.records[service]; ok {
		rec.HealthScore = s.score
		rec.AvgLatency = time.Duration(s.avgLatency) * time.Millisecond
		rec.LastError = s.lastError
		rec.SuccessCount = s.successCount
		rec.FailureCount = s.failureCount
		rec.LastUsed = s.lastUsed
		if total := s.successCount + s.failureCount; total > 0 {
			rec.SuccessRate = float64(s.successCount) / float64(total)
		}
	}

	if h.breakers != nil {
		rec.CircuitState = h.breakers.StateFor(service).String()
	}

	return rec
}

// Snapshot returns records for every tracked service
func (h *HealthTracker) Snapshot() map[string]HealthRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]HealthRecord, len(h.records))
	for service := range h.records {
		out[service] = h.recordLocked(service)
	}
	return out
}
