package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEnvelopeShape(t *testing.T) {
	err := fmt.Errorf("status 429: %w", ErrRateLimited)
	env := BuildEnvelope("ensemble", err, "corr-123")

	assert.Equal(t, "error", env.Status)
	assert.Equal(t, TypeRateLimit, env.Error.Type)
	assert.Equal(t, "corr-123", env.Error.CorrelationID)
	assert.NotEmpty(t, env.Recovery.Suggestions)
	assert.NotEmpty(t, env.Recovery.Actions)

	payload, marshalErr := json.Marshal(env)
	require.NoError(t, marshalErr)
	assert.Contains(t, string(payload), `"correlationId":"corr-123"`)
}

func TestErrorCodePattern(t *testing.T) {
	env := BuildEnvelope("ensemble", ErrTimeout, "c1")

	// <SVC3>-<TYPE3>-<base36-ts>
	pattern := regexp.MustCompile(`^[A-Z0-9]{3}-[A-Z0-9]{3}-[a-z0-9]+$`)
	assert.True(t, pattern.MatchString(env.Error.Code), "code %q", env.Error.Code)
	assert.True(t, strings.HasPrefix(env.Error.Code, "ENS-TIM-"), "code %q", env.Error.Code)
}

func TestClassifyEnvelopeType(t *testing.T) {
	tests := []struct {
		err  error
		want EnvelopeType
	}{
		{ErrRateLimited, TypeRateLimit},
		{ErrTimeout, TypeTimeout},
		{ErrServerError, TypeServerError},
		{ErrConnectionFailed, TypeNetworkError},
		{ErrAuthFailed, TypeAuthError},
		{ErrQuotaExceeded, TypeQuotaExceeded},
		{ErrCircuitBreakerOpen, TypeServiceUnavailable},
		{ErrQueueFull, TypeServiceUnavailable},
		{ErrPromptTooLong, TypeValidationError},
		{fmt.Errorf("something odd"), TypeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyEnvelopeType(tt.err), "err %v", tt.err)
	}
}

func TestMessageForAudiences(t *testing.T) {
	env := BuildEnvelope("ensemble", ErrServerError, "corr-9")

	user := env.MessageFor(AudienceUser)
	assert.NotContains(t, user, "corr-9")
	assert.NotContains(t, user, env.Error.Code)

	dev := env.MessageFor(AudienceDeveloper)
	assert.Contains(t, dev, "corr-9")
	assert.Contains(t, dev, env.Error.Code)

	admin := env.MessageFor(AudienceAdmin)
	assert.Contains(t, admin, "corr-9")
	assert.Contains(t, admin, string(env.Error.Severity))
}
