package ensemble

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/conclave-ai/conclave/resilience"
)

func newTestVoting() *VotingEngine {
	reg := resilience.NewRegistry(resilience.RegistryOptions{})
	health := resilience.NewHealthTracker(reg, nil)
	fallbacks := resilience.NewFallbackManager(health, reg, nil)
	return NewVotingEngine(fallbacks, nil)
}

func fulfilledOutput(role, content string, confidence float64) RoleOutput {
	return RoleOutput{
		Role:            role,
		Provider:        "test",
		Model:           "test-model",
		Status:          StatusFulfilled,
		Content:         content,
		LatencyMS:       50,
		Confidence:      confidence,
		ConfidenceLevel: ConfidenceLevelLabel(confidence),
	}
}

func failedOutput(role string) RoleOutput {
	return RoleOutput{
		Role:     role,
		Provider: "test",
		Status:   StatusFailed,
		Error:    "upstream down",
	}
}

func goodAnswer(role string) RoleOutput {
	content := "The answer is four. " + strings.Repeat("Additional grounded detail follows here. ", 4)
	return fulfilledOutput(role, strings.TrimSpace(content), 0.8)
}

func TestVoteWeightsSumToOne(t *testing.T) {
	v := newTestVoting()

	outputs := []RoleOutput{
		goodAnswer("claude"),
		goodAnswer("gemini"),
		goodAnswer("gpt4o"),
	}

	result := v.Vote(context.Background(), outputs)

	sum := 0.0
	for _, w := range result.Weights {
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Errorf("weights must sum to 1 within 1e-6, got %f", sum)
	}

	if _, ok := result.Weights[result.Winner]; !ok {
		t.Errorf("winner %q must appear in weights %v", result.Winner, result.Weights)
	}
}

func TestVoteWinnerIsFulfilledRole(t *testing.T) {
	v := newTestVoting()

	outputs := []RoleOutput{
		failedOutput("claude"),
		goodAnswer("gemini"),
		failedOutput("gpt4o"),
	}

	result := v.Vote(context.Background(), outputs)
	if result.Winner != "gemini" {
		t.Errorf("winner must be a fulfilled role, got %q", result.Winner)
	}
	if len(result.Weights) != 1 {
		t.Errorf("only fulfilled roles carry weight, got %v", result.Weights)
	}
}

func TestVoteExcludesFailedFromWeights(t *testing.T) {
	v := newTestVoting()

	outputs := []RoleOutput{
		goodAnswer("claude"),
		goodAnswer("gemini"),
		failedOutput("xai"),
	}

	result := v.Vote(context.Background(), outputs)
	if _, ok := result.Weights["xai"]; ok {
		t.Error("failed roles must not carry weight")
	}

	sum := 0.0
	for _, w := range result.Weights {
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Errorf("weights over fulfilled only must still sum to 1, got %f", sum)
	}
}

func TestVoteDeterministicTieBreak(t *testing.T) {
	v := newTestVoting()

	// Identical outputs: scores tie, alphabetical role name wins
	outputs := []RoleOutput{
		goodAnswer("gemini"),
		goodAnswer("claude"),
	}

	for i := 0; i < 5; i++ {
		result := v.Vote(context.Background(), outputs)
		if result.Winner != "claude" {
			t.Fatalf("tie-break must be deterministic by role name, got %q", result.Winner)
		}
	}
}

func TestVoteConsensusLabels(t *testing.T) {
	v := newTestVoting()

	// A single strong answer dominates two weak ones
	dominant := v.Vote(context.Background(), []RoleOutput{
		goodAnswer("claude"),
		fulfilledOutput("gemini", "ok", 0.05),
		fulfilledOutput("gpt4o", "ok", 0.05),
	})
	if dominant.Consensus != ConsensusHigh {
		t.Errorf("expected high consensus, got %q (confidence %f)", dominant.Consensus, dominant.Confidence)
	}

	// Three equal answers split the weight below the moderate line
	split := v.Vote(context.Background(), []RoleOutput{
		goodAnswer("claude"),
		goodAnswer("gemini"),
		goodAnswer("gpt4o"),
	})
	if split.Consensus != ConsensusLow {
		t.Errorf("expected low consensus at ~1/3 weight, got %q", split.Consensus)
	}
}

func TestVoteNoFulfilledOutputs(t *testing.T) {
	v := newTestVoting()

	result := v.Vote(context.Background(), []RoleOutput{
		failedOutput("claude"),
		failedOutput("gemini"),
	})

	if result.Winner != "" {
		t.Errorf("no winner without fulfilled roles, got %q", result.Winner)
	}
	if result.Consensus != ConsensusNone {
		t.Errorf("expected none consensus, got %q", result.Consensus)
	}
	if len(result.Weights) != 0 {
		t.Errorf("expected empty weights, got %v", result.Weights)
	}
	if result.Confidence != 0 {
		t.Errorf("expected zero confidence, got %f", result.Confidence)
	}
}

func TestFallbackStrategies(t *testing.T) {
	v := newTestVoting()
	outputs := []RoleOutput{
		fulfilledOutput("claude", "answer one", 0.9),
		fulfilledOutput("gemini", "answer two", 0.4),
	}

	t.Run("highest_confidence", func(t *testing.T) {
		r, err := v.fallbackVote(resilience.VotingHighestConfidence, outputs)
		if err != nil {
			t.Fatalf("strategy failed: %v", err)
		}
		if r.Winner != "claude" {
			t.Errorf("expected claude, got %q", r.Winner)
		}
	})

	t.Run("simple_majority", func(t *testing.T) {
		r, err := v.fallbackVote(resilience.VotingSimpleMajority, outputs)
		if err != nil {
			t.Fatalf("strategy failed: %v", err)
		}
		if r.Consensus != "simple_majority" {
			t.Errorf("expected simple_majority label, got %q", r.Consensus)
		}
		sum := 0.0
		for _, w := range r.Weights {
			sum += w
		}
		if math.Abs(sum-1.0) > 1e-6 {
			t.Errorf("uniform weights must sum to 1, got %f", sum)
		}
	})

	t.Run("weighted_random_deterministic", func(t *testing.T) {
		first, err := v.fallbackVote(resilience.VotingWeightedRandom, outputs)
		if err != nil {
			t.Fatalf("strategy failed: %v", err)
		}
		for i := 0; i < 5; i++ {
			again, _ := v.fallbackVote(resilience.VotingWeightedRandom, outputs)
			if again.Winner != first.Winner {
				t.Fatal("weighted_random must be stable over identical outputs")
			}
		}
	})

	t.Run("first_available", func(t *testing.T) {
		r, err := v.fallbackVote(resilience.VotingFirstAvailable, outputs)
		if err != nil {
			t.Fatalf("strategy failed: %v", err)
		}
		if r.Winner != "claude" {
			t.Errorf("expected first by role name, got %q", r.Winner)
		}
	})
}

func TestScoreOutputPrefersLengthBand(t *testing.T) {
	short := scoreOutput(fulfilledOutput("a", "ok", 0.5))
	inBand := scoreOutput(goodAnswer("a"))
	if inBand <= short {
		t.Errorf("in-band content should outscore trivially short content: %f vs %f", inBand, short)
	}

	structured := scoreOutput(fulfilledOutput("a",
		"Intro paragraph.\n\n- first point\n- second point\n\nClosing thoughts on the matter here.", 0.5))
	flat := scoreOutput(fulfilledOutput("a",
		strings.Repeat("flat prose without breaks ", 4), 0.5))
	if structured <= flat {
		t.Errorf("structured content should outscore flat content: %f vs %f", structured, flat)
	}
}

func TestConfidenceLevelLabels(t *testing.T) {
	tests := []struct {
		confidence float64
		want       string
	}{
		{0.95, "very_high"},
		{0.7, "high"},
		{0.5, "medium"},
		{0.3, "low"},
		{0.05, "very_low"},
	}
	for _, tt := range tests {
		if got := ConfidenceLevelLabel(tt.confidence); got != tt.want {
			t.Errorf("confidence %f: expected %q, got %q", tt.confidence, tt.want, got)
		}
	}
}

func TestRequestValidate(t *testing.T) {
	valid := &Request{Prompt: "p", UserID: "u", SessionID: "s", Tier: TierFree}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid request, got %v", err)
	}

	single := &Request{Prompt: "x", UserID: "u", SessionID: "s", Tier: TierFree}
	if err := single.Validate(); err != nil {
		t.Errorf("length-1 prompt must be accepted, got %v", err)
	}

	atLimit := &Request{Prompt: strings.Repeat("x", MaxPromptLength), UserID: "u", SessionID: "s", Tier: TierPremium}
	if err := atLimit.Validate(); err != nil {
		t.Errorf("prompt at the limit must be accepted, got %v", err)
	}

	overLimit := &Request{Prompt: strings.Repeat("x", MaxPromptLength+1), UserID: "u", SessionID: "s", Tier: TierFree}
	if err := overLimit.Validate(); err == nil {
		t.Error("prompt over the limit must be rejected")
	}

	bad := []*Request{
		{Prompt: "", UserID: "u", SessionID: "s", Tier: TierFree},
		{Prompt: "p", UserID: " ", SessionID: "s", Tier: TierFree},
		{Prompt: "p", UserID: "u", SessionID: "", Tier: TierFree},
		{Prompt: "p", UserID: "u", SessionID: "s", Tier: "platinum"},
	}
	for i, req := range bad {
		if err := req.Validate(); err == nil {
			t.Errorf("case %d: expected validation failure", i)
		}
	}
}

func TestDefaultRolesPerTier(t *testing.T) {
	free := DefaultRoles(TierFree)
	if len(free) != 3 {
		t.Errorf("expected 3 free roles, got %d", len(free))
	}

	premium := DefaultRoles(TierPremium)
	if len(premium) != 4 {
		t.Errorf("expected 4 premium roles, got %d", len(premium))
	}
	if premium[3].Name != "xai" {
		t.Errorf("premium should add the xai role, got %q", premium[3].Name)
	}
}
