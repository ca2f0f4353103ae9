package ensemble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/cache"
	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/resilience"
	"github.com/conclave-ai/conclave/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// EmergencyContent is the fixed payload returned when every synthesis path
// is exhausted
const EmergencyContent = "We're sorry - the service is experiencing difficulties " +
	"and could not produce a full answer right now. Please try again in a moment."

// enhancedQualityCap bounds the confidence of the LLM synthesis path
const enhancedQualityCap = 0.9

// RestrictionChecker reports whether a named feature is currently
// restricted by the degradation manager
type RestrictionChecker func(feature string) bool

// Synthesizer produces the final answer from the role outputs. The enhanced
// path asks a synthesizer model to merge the responses; when it fails or is
// restricted the ranked synthesis fallback chain runs instead.
type Synthesizer struct {
	client     core.AIClient
	fallbacks  *resilience.FallbackManager
	cache      *cache.MultiTierCache
	restricted RestrictionChecker
	logger     core.Logger
}

// SynthesizerOptions configures a Synthesizer
type SynthesizerOptions struct {
	// Client runs the enhanced LLM synthesis path; nil disables it
	Client core.AIClient

	// Fallbacks supplies the ranked synthesis chain
	Fallbacks *resilience.FallbackManager

	// Cache backs the cached_response fallback strategy
	Cache *cache.MultiTierCache

	// Restricted consults degradation state; nil means nothing restricted
	Restricted RestrictionChecker

	Logger core.Logger
}

// NewSynthesizer creates a synthesizer
func NewSynthesizer(opts SynthesizerOptions) *Synthesizer {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("conclave/ensemble")
	}

	restricted := opts.Restricted
	if restricted == nil {
		restricted = func(string) bool { return false }
	}

	return &Synthesizer{
		client:     opts.Client,
		fallbacks:  opts.Fallbacks,
		cache:      opts.Cache,
		restricted: restricted,
		logger:     logger,
	}
}

// Synthesize produces the final answer. Status is "ok" only when the
// enhanced path succeeded, "fallback" when a named fallback ran, and
// "emergency_fallback" when everything else failed.
func (s *Synthesizer) Synthesize(ctx context.Context, req *Request, outputs []RoleOutput, voting VotingResult) SynthesisResult {
	ctx, span := telemetry.StartSpan(ctx, "ensemble.synthesize")
	defer span.End()

	fulfilled := fulfilledOutputs(outputs)
	if len(fulfilled) == 0 {
		span.SetAttributes(attribute.String("synthesis.status", string(SynthesisEmergency)))
		return s.emergency()
	}

	if s.client != nil && !s.restricted("enhanced_synthesis") {
		result, err := s.enhanced(ctx, req, fulfilled)
		if err == nil {
			s.storeLastGood(req, result)
			span.SetAttributes(attribute.String("synthesis.status", string(SynthesisOK)))
			telemetry.Counter("synthesis.results", "status", string(SynthesisOK))
			return result
		}

		s.logger.Warn("Enhanced synthesis failed, walking fallback chain", map[string]interface{}{
			"operation": "synthesis_fallback",
			"error":     err.Error(),
		})
	}

	var result SynthesisResult
	alt, err := s.fallbacks.Execute(ctx, resilience.DomainSynthesis, "", func(ctx context.Context, alt resilience.Alternative) error {
		r, err := s.fallbackSynthesis(alt.Name, req, fulfilled, voting)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		span.SetAttributes(attribute.String("synthesis.status", string(SynthesisEmergency)))
		telemetry.Counter("synthesis.results", "status", string(SynthesisEmergency))
		return s.emergency()
	}

	result.Status = SynthesisFallback
	result.FallbackUsed = alt.Name
	if result.Confidence > alt.BaselineQuality {
		result.Confidence = alt.BaselineQuality
	}

	s.storeLastGood(req, result)
	span.SetAttributes(attribute.String("synthesis.status", string(SynthesisFallback)))
	telemetry.Counter("synthesis.results", "status", string(SynthesisFallback), "fallback", alt.Name)
	return result
}

// enhanced asks the synthesizer model to merge the role outputs
func (s *Synthesizer) enhanced(ctx context.Context, req *Request, fulfilled []RoleOutput) (SynthesisResult, error) {
	prompt := buildSynthesisPrompt(req.Prompt, fulfilled)

	resp, err := s.client.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature:  0.5,
		MaxTokens:    1500,
		SystemPrompt: "You are an AI that synthesizes multiple model responses into one coherent, helpful answer.",
	})
	if err != nil {
		return SynthesisResult{}, core.NewSynthesisError("synthesis.enhanced", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return SynthesisResult{}, core.NewSynthesisError("synthesis.enhanced",
			fmt.Errorf("synthesizer returned empty content"))
	}

	confidence := 0.6 + 0.05*float64(len(fulfilled))
	if confidence > enhancedQualityCap {
		confidence = enhancedQualityCap
	}

	return SynthesisResult{
		Content:     resp.Content,
		Model:       resp.Model,
		Provider:    resp.Provider,
		Status:      SynthesisOK,
		Confidence:  confidence,
		SourceCount: len(fulfilled),
	}, nil
}

// buildSynthesisPrompt lays out the role outputs for the synthesizer model
func buildSynthesisPrompt(request string, fulfilled []RoleOutput) string {
	var builder strings.Builder

	builder.WriteString(fmt.Sprintf("User Request: %s\n\n", request))
	builder.WriteString("Model Responses:\n\n")

	for _, o := range fulfilled {
		builder.WriteString(fmt.Sprintf("Model: %s (%s/%s)\n", o.Role, o.Provider, o.Model))
		builder.WriteString(fmt.Sprintf("Response: %s\n\n", o.Content))
	}

	builder.WriteString("\nInstructions:\n")
	builder.WriteString("1. Synthesize the above responses into one comprehensive answer\n")
	builder.WriteString("2. Address the user's original request directly\n")
	builder.WriteString("3. Combine information from multiple responses where relevant\n")
	builder.WriteString("4. Be concise but thorough\n\n")
	builder.WriteString("Synthesized Response:")

	return builder.String()
}

// fallbackSynthesis runs one named fallback strategy
func (s *Synthesizer) fallbackSynthesis(strategy string, req *Request, fulfilled []RoleOutput, voting VotingResult) (SynthesisResult, error) {
	switch strategy {
	case resilience.SynthesisBestResponse:
		return s.bestResponse(fulfilled, voting)
	case resilience.SynthesisConcatenation:
		return s.concatenation(fulfilled)
	case resilience.SynthesisTemplate:
		return s.template(req, fulfilled)
	case resilience.SynthesisCached:
		return s.cachedResponse(req)
	default:
		return SynthesisResult{}, core.NewSynthesisError("synthesis.fallback",
			fmt.Errorf("unknown strategy %q", strategy))
	}
}

// bestResponse returns the voting winner's content verbatim
func (s *Synthesizer) bestResponse(fulfilled []RoleOutput, voting VotingResult) (SynthesisResult, error) {
	var winner *RoleOutput
	for i := range fulfilled {
		if fulfilled[i].Role == voting.Winner {
			winner = &fulfilled[i]
			break
		}
	}
	if winner == nil {
		// Voting may have fallen back itself; take the highest confidence
		sorted := make([]RoleOutput, len(fulfilled))
		copy(sorted, fulfilled)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].Confidence != sorted[j].Confidence {
				return sorted[i].Confidence > sorted[j].Confidence
			}
			return sorted[i].Role < sorted[j].Role
		})
		winner = &sorted[0]
	}

	return SynthesisResult{
		Content:     winner.Content,
		Model:       winner.Model,
		Provider:    winner.Provider,
		Confidence:  winner.Confidence,
		SourceCount: 1,
	}, nil
}

// concatenation joins the fulfilled responses
func (s *Synthesizer) concatenation(fulfilled []RoleOutput) (SynthesisResult, error) {
	parts := make([]string, 0, len(fulfilled))
	for _, o := range fulfilled {
		parts = append(parts, fmt.Sprintf("%s: %s", o.Role, o.Content))
	}

	return SynthesisResult{
		Content:     strings.Join(parts, "\n\n"),
		Confidence:  0.5,
		SourceCount: len(fulfilled),
	}, nil
}

// template renders a fixed report layout over the responses
func (s *Synthesizer) template(req *Request, fulfilled []RoleOutput) (SynthesisResult, error) {
	var builder strings.Builder

	builder.WriteString(fmt.Sprintf("Response to: %s\n\n", req.Prompt))
	for _, o := range fulfilled {
		builder.WriteString(fmt.Sprintf("%s responded:\n%s\n\n", o.Role, o.Content))
	}
	builder.WriteString(fmt.Sprintf("Combined from %d model responses.\n", len(fulfilled)))

	return SynthesisResult{
		Content:     builder.String(),
		Confidence:  0.4,
		SourceCount: len(fulfilled),
	}, nil
}

// cachedResponse replays the last good synthesis for this user and tier
func (s *Synthesizer) cachedResponse(req *Request) (SynthesisResult, error) {
	if s.cache == nil {
		return SynthesisResult{}, core.NewSynthesisError("synthesis.cachedResponse",
			fmt.Errorf("no cache configured"))
	}

	key, err := cache.Key(cache.PrefixMemory, map[string]string{
		"kind":   "last_synthesis",
		"userId": req.UserID,
		"tier":   string(req.Tier),
	})
	if err != nil {
		return SynthesisResult{}, core.NewSynthesisError("synthesis.cachedResponse", err)
	}

	var cached SynthesisResult
	found, err := s.cache.Get(key, &cached)
	if err != nil || !found {
		return SynthesisResult{}, core.NewSynthesisError("synthesis.cachedResponse",
			fmt.Errorf("no cached synthesis available"))
	}

	cached.SourceCount = 0
	return cached, nil
}

// storeLastGood remembers the latest good synthesis so the cached_response
// fallback has material to replay
func (s *Synthesizer) storeLastGood(req *Request, result SynthesisResult) {
	if s.cache == nil || result.Content == "" {
		return
	}

	key, err := cache.Key(cache.PrefixMemory, map[string]string{
		"kind":   "last_synthesis",
		"userId": req.UserID,
		"tier":   string(req.Tier),
	})
	if err != nil {
		return
	}
	_ = s.cache.Set(key, result, time.Hour)
}

// emergency is the terminal payload when no synthesis path is viable
func (s *Synthesizer) emergency() SynthesisResult {
	return SynthesisResult{
		Content:     EmergencyContent,
		Status:      SynthesisEmergency,
		Confidence:  0.1,
		SourceCount: 0,
	}
}
