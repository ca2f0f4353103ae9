// Package ensemble implements the hot path of the engine: fan-out of a
// prompt to multiple model roles, weighted voting over the role outputs,
// and synthesis of the final answer.
package ensemble

import (
	"fmt"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/core"
)

// Tier selects the feature set for a request
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// RoleStatus is the terminal status of a role task
type RoleStatus string

const (
	StatusFulfilled RoleStatus = "fulfilled"
	StatusFailed    RoleStatus = "failed"
)

// SynthesisStatus reports which synthesis path produced the final answer
type SynthesisStatus string

const (
	SynthesisOK        SynthesisStatus = "ok"
	SynthesisFallback  SynthesisStatus = "fallback"
	SynthesisEmergency SynthesisStatus = "emergency_fallback"
)

// Consensus labels for voting results
const (
	ConsensusHigh     = "high"
	ConsensusModerate = "moderate"
	ConsensusLow      = "low"
	ConsensusNone     = "none"
)

// MaxPromptLength mirrors the adapter contract limit
const MaxPromptLength = 25000

// Request is the single logical entry point payload
type Request struct {
	Prompt        string `json:"prompt"`
	UserID        string `json:"userId"`
	SessionID     string `json:"sessionId"`
	Tier          Tier   `json:"tier"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Validate rejects malformed requests before any dispatch work happens
func (r *Request) Validate() error {
	const op = "ensemble.Request.Validate"

	if len(r.Prompt) == 0 {
		return core.NewValidationError(op, fmt.Errorf("%w: prompt must not be empty", core.ErrInvalidRequest))
	}
	if len(r.Prompt) > MaxPromptLength {
		return core.NewValidationError(op,
			fmt.Errorf("%w: %d > %d", core.ErrPromptTooLong, len(r.Prompt), MaxPromptLength))
	}
	if strings.TrimSpace(r.UserID) == "" {
		return core.NewValidationError(op, core.ErrEmptyUserID)
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return core.NewValidationError(op, core.ErrEmptySessionID)
	}
	if r.Tier != TierFree && r.Tier != TierPremium {
		return core.NewValidationError(op, fmt.Errorf("%w: %q", core.ErrUnknownTier, r.Tier))
	}
	return nil
}

// RoleOutput is one role's terminal result.
// Invariant: Status == fulfilled implies non-empty Content.
type RoleOutput struct {
	Role            string     `json:"role"`
	Provider        string     `json:"provider"`
	Model           string     `json:"model"`
	Status          RoleStatus `json:"status"`
	Content         string     `json:"content,omitempty"`
	LatencyMS       int64      `json:"latencyMs"`
	TokensIn        int        `json:"tokensIn"`
	TokensOut       int        `json:"tokensOut"`
	Confidence      float64    `json:"confidence"`
	ConfidenceLevel string     `json:"confidenceLevel"`
	Error           string     `json:"error,omitempty"`
}

// VotingResult is the weighted aggregation over role outputs.
// When any role is fulfilled, Winner references a fulfilled role and the
// weights sum to 1 within 1e-6.
type VotingResult struct {
	Winner       string             `json:"winner"`
	Confidence   float64            `json:"confidence"`
	Consensus    string             `json:"consensus"`
	Weights      map[string]float64 `json:"weights"`
	FallbackUsed string             `json:"fallbackUsed,omitempty"`
}

// SynthesisResult is the final synthesized answer.
// SourceCount never exceeds the fulfilled role count.
type SynthesisResult struct {
	Content      string          `json:"content"`
	Model        string          `json:"model,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	Status       SynthesisStatus `json:"status"`
	Confidence   float64         `json:"confidence"`
	FallbackUsed string          `json:"fallbackUsed,omitempty"`
	SourceCount  int             `json:"sourceCount"`
}

// Result is the full ensemble response with provenance
type Result struct {
	CorrelationID    string          `json:"correlationId"`
	RoleOutputs      []RoleOutput    `json:"roleOutputs"`
	Voting           VotingResult    `json:"voting"`
	Synthesis        SynthesisResult `json:"synthesis"`
	FromCache        bool            `json:"fromCache"`
	DegradationLevel string          `json:"degradationLevel"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Role is one logical ensemble participant bound to a (provider, model) pair
type Role struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// DefaultRoles returns the enabled roles for a tier. Premium adds the xAI
// role on top of the free trio.
func DefaultRoles(tier Tier) []Role {
	roles := []Role{
		{Name: "gpt4o", Provider: "openai", Model: "gpt-4o"},
		{Name: "claude", Provider: "anthropic", Model: "claude-3-5-sonnet-20241022"},
		{Name: "gemini", Provider: "gemini", Model: "gemini-1.5-pro"},
	}
	if tier == TierPremium {
		roles = append(roles, Role{Name: "xai", Provider: "xai", Model: "grok-2-latest"})
	}
	return roles
}

// ConfidenceLevelLabel maps a confidence score to its level label
func ConfidenceLevelLabel(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return "very_high"
	case confidence >= 0.6:
		return "high"
	case confidence >= 0.4:
		return "medium"
	case confidence >= 0.2:
		return "low"
	default:
		return "very_low"
	}
}

// fulfilledOutputs filters the fulfilled role outputs preserving order
func fulfilledOutputs(outputs []RoleOutput) []RoleOutput {
	out := make([]RoleOutput, 0, len(outputs))
	for _, o := range outputs {
		if o.Status == StatusFulfilled {
			out = append(out, o)
		}
	}
	return out
}
