package resilience

import (
	"github.com/conclave-ai/conclave/telemetry"
)

// OTelMetrics emits circuit breaker metrics through the telemetry package
type OTelMetrics struct{}

// NewOTelMetrics creates an OpenTelemetry-backed metrics collector
func NewOTelMetrics() *OTelMetrics {
	return &OTelMetrics{}
}

func (o *OTelMetrics) RecordSuccess(name string) {
	telemetry.Counter("breaker.calls", "name", name, "result", "success")
}

func (o *OTelMetrics) RecordFailure(name string, errorType string) {
	telemetry.Counter("breaker.calls", "name", name, "result", "failure", "error_type", errorType)
}

func (o *OTelMetrics) RecordStateChange(name string, from, to string) {
	telemetry.Counter("breaker.state_changes", "name", name, "from", from, "to", to)
}

func (o *OTelMetrics) RecordRejection(name string) {
	telemetry.Counter("breaker.rejections", "name", name)
}
