package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvelopeType is the wire-level error category surfaced to callers
type EnvelopeType string

const (
	TypeRateLimit          EnvelopeType = "rate_limit"
	TypeTimeout            EnvelopeType = "timeout"
	TypeServerError        EnvelopeType = "server_error"
	TypeNetworkError       EnvelopeType = "network_error"
	TypeAuthError          EnvelopeType = "auth_error"
	TypeValidationError    EnvelopeType = "validation_error"
	TypeQuotaExceeded      EnvelopeType = "quota_exceeded"
	TypeServiceUnavailable EnvelopeType = "service_unavailable"
	TypeUnknown            EnvelopeType = "unknown"
)

// Severity levels for surfaced errors
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Audience selects the detail level of user-visible messages
type Audience string

const (
	AudienceUser      Audience = "user"
	AudienceDeveloper Audience = "developer"
	AudienceAdmin     Audience = "admin"
)

// ErrorEnvelope is the language-neutral JSON error surface
type ErrorEnvelope struct {
	Status   string         `json:"status"`
	Error    EnvelopeError  `json:"error"`
	Recovery RecoveryAdvice `json:"recovery"`
}

// EnvelopeError carries the classified failure
type EnvelopeError struct {
	Type          EnvelopeType           `json:"type"`
	Severity      Severity               `json:"severity"`
	Message       string                 `json:"message"`
	Code          string                 `json:"code"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlationId"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// RecoveryAdvice tells the caller what to do next
type RecoveryAdvice struct {
	Suggestions           []string         `json:"suggestions"`
	Actions               []RecoveryAction `json:"actions"`
	EstimatedRecoveryTime int              `json:"estimatedRecoveryTime"`
}

// RecoveryAction is a single actionable step
type RecoveryAction struct {
	Type      string `json:"type"`
	Label     string `json:"label"`
	Delay     int    `json:"delay,omitempty"`
	Automatic bool   `json:"automatic"`
}

// ClassifyEnvelopeType maps an error to its wire-level category
func ClassifyEnvelopeType(err error) EnvelopeType {
	switch {
	case err == nil:
		return TypeUnknown
	case errors.Is(err, ErrRateLimited):
		return TypeRateLimit
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return TypeTimeout
	case errors.Is(err, ErrServerError):
		return TypeServerError
	case errors.Is(err, ErrConnectionFailed), errors.Is(err, ErrRequestFailed):
		return TypeNetworkError
	case errors.Is(err, ErrAuthFailed):
		return TypeAuthError
	case errors.Is(err, ErrQuotaExceeded):
		return TypeQuotaExceeded
	case errors.Is(err, ErrCircuitBreakerOpen), errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrNoProvidersAvailable), errors.Is(err, ErrQueueFull):
		return TypeServiceUnavailable
	case IsValidationError(err):
		return TypeValidationError
	default:
		if isTransientNetwork(err) {
			return TypeNetworkError
		}
		return TypeUnknown
	}
}

// BuildEnvelope creates the error envelope for a failed request.
// The service name contributes the first code segment.
func BuildEnvelope(service string, err error, correlationID string) *ErrorEnvelope {
	envType := ClassifyEnvelopeType(err)
	now := time.Now().UTC()

	env := &ErrorEnvelope{
		Status: "error",
		Error: EnvelopeError{
			Type:          envType,
			Severity:      severityFor(envType),
			Message:       messageFor(envType),
			Code:          errorCode(service, envType, now),
			Timestamp:     now.Format(time.RFC3339),
			CorrelationID: correlationID,
		},
		Recovery: recoveryFor(envType),
	}

	var ee *EnsembleError
	if errors.As(err, &ee) && len(ee.Context) > 0 {
		env.Error.Context = ee.Context
	}

	return env
}

// errorCode produces codes shaped <SVC3>-<TYPE3>-<base36-ts>
func errorCode(service string, envType EnvelopeType, ts time.Time) string {
	return fmt.Sprintf("%s-%s-%s",
		codeSegment(service),
		codeSegment(string(envType)),
		strconv.FormatInt(ts.UnixMilli(), 36))
}

func codeSegment(s string) string {
	s = strings.ToUpper(strings.ReplaceAll(s, "_", ""))
	if len(s) < 3 {
		s = (s + "XXX")[:3]
	}
	return s[:3]
}

func severityFor(t EnvelopeType) Severity {
	switch t {
	case TypeValidationError:
		return SeverityLow
	case TypeRateLimit, TypeTimeout:
		return SeverityMedium
	case TypeAuthError, TypeQuotaExceeded:
		return SeverityHigh
	case TypeServerError, TypeServiceUnavailable:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func messageFor(t EnvelopeType) string {
	switch t {
	case TypeRateLimit:
		return "The service is receiving too many requests. Please try again shortly."
	case TypeTimeout:
		return "The request took too long to complete. Please try again."
	case TypeServerError:
		return "An upstream service reported an error. Please try again."
	case TypeNetworkError:
		return "A network problem interrupted the request. Please try again."
	case TypeAuthError:
		return "The service could not authenticate with a provider."
	case TypeValidationError:
		return "The request was invalid. Please check the input and try again."
	case TypeQuotaExceeded:
		return "The usage quota has been exhausted."
	case TypeServiceUnavailable:
		return "The service is temporarily unavailable. Please try again shortly."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

func recoveryFor(t EnvelopeType) RecoveryAdvice {
	switch t {
	case TypeRateLimit:
		return RecoveryAdvice{
			Suggestions: []string{"Wait a few seconds before retrying", "Reduce request frequency"},
			Actions: []RecoveryAction{
				{Type: "retry", Label: "Retry", Delay: 5, Automatic: true},
			},
			EstimatedRecoveryTime: 10,
		}
	case TypeTimeout:
		return RecoveryAdvice{
			Suggestions: []string{"Retry the request", "Try a shorter prompt"},
			Actions: []RecoveryAction{
				{Type: "retry", Label: "Retry", Delay: 2, Automatic: true},
			},
			EstimatedRecoveryTime: 5,
		}
	case TypeServerError, TypeNetworkError:
		return RecoveryAdvice{
			Suggestions: []string{"Retry the request", "Check service status"},
			Actions: []RecoveryAction{
				{Type: "retry", Label: "Retry", Delay: 5, Automatic: true},
				{Type: "switch_provider", Label: "Use alternate provider", Automatic: true},
			},
			EstimatedRecoveryTime: 30,
		}
	case TypeAuthError:
		return RecoveryAdvice{
			Suggestions: []string{"Verify provider credentials", "Contact an administrator"},
			Actions: []RecoveryAction{
				{Type: "refresh_credentials", Label: "Refresh credentials", Automatic: false},
				{Type: "alert_admin", Label: "Notify administrator", Automatic: true},
			},
			EstimatedRecoveryTime: 300,
		}
	case TypeValidationError:
		return RecoveryAdvice{
			Suggestions: []string{"Check the request fields and resubmit"},
			Actions:     []RecoveryAction{{Type: "fix_input", Label: "Fix request", Automatic: false}},
		}
	case TypeQuotaExceeded:
		return RecoveryAdvice{
			Suggestions: []string{"Wait for the quota window to reset", "Upgrade the plan"},
			Actions: []RecoveryAction{
				{Type: "wait", Label: "Wait for reset", Delay: 3600, Automatic: false},
			},
			EstimatedRecoveryTime: 3600,
		}
	case TypeServiceUnavailable:
		return RecoveryAdvice{
			Suggestions: []string{"Retry shortly", "The system recovers automatically"},
			Actions: []RecoveryAction{
				{Type: "retry", Label: "Retry", Delay: 30, Automatic: true},
			},
			EstimatedRecoveryTime: 60,
		}
	default:
		return RecoveryAdvice{
			Suggestions: []string{"Retry the request"},
			Actions: []RecoveryAction{
				{Type: "retry", Label: "Retry", Delay: 10, Automatic: false},
			},
			EstimatedRecoveryTime: 60,
		}
	}
}

// MessageFor renders the audience-appropriate message for the envelope.
// User messages are short and actionable; developer and admin messages
// include codes, correlation IDs, and context.
func (e *ErrorEnvelope) MessageFor(audience Audience) string {
	switch audience {
	case AudienceDeveloper:
		return fmt.Sprintf("%s [code=%s correlation_id=%s type=%s]",
			e.Error.Message, e.Error.Code, e.Error.CorrelationID, e.Error.Type)
	case AudienceAdmin:
		var b strings.Builder
		fmt.Fprintf(&b, "%s [code=%s correlation_id=%s type=%s severity=%s ts=%s]",
			e.Error.Message, e.Error.Code, e.Error.CorrelationID, e.Error.Type,
			e.Error.Severity, e.Error.Timestamp)
		for k, v := range e.Error.Context {
			fmt.Fprintf(&b, " %s=%v", k, v)
		}
		return b.String()
	default:
		return e.Error.Message
	}
}
