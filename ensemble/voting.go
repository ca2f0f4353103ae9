package ensemble

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/resilience"
	"github.com/conclave-ai/conclave/telemetry"
)

// Content length band preferred by the scoring heuristic
const (
	preferredMinLength = 50
	preferredMaxLength = 2000
)

// VotingEngine ranks fulfilled role outputs by a weighted score and picks a
// winner. When the primary scoring path fails it walks the voting fallback
// chain instead.
type VotingEngine struct {
	fallbacks *resilience.FallbackManager
	logger    core.Logger
}

// NewVotingEngine creates a voting engine
func NewVotingEngine(fallbacks *resilience.FallbackManager, logger core.Logger) *VotingEngine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("conclave/ensemble")
	}
	return &VotingEngine{
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// Vote aggregates role outputs into weights and a winner. With no fulfilled
// outputs it returns a deterministic low-confidence result so the caller
// still receives a well-formed voting block.
func (v *VotingEngine) Vote(ctx context.Context, outputs []RoleOutput) VotingResult {
	fulfilled := fulfilledOutputs(outputs)
	if len(fulfilled) == 0 {
		return VotingResult{
			Winner:       "",
			Confidence:   0,
			Consensus:    ConsensusNone,
			Weights:      map[string]float64{},
			FallbackUsed: resilience.VotingFirstAvailable,
		}
	}

	result, err := v.weightedVote(fulfilled)
	if err == nil {
		telemetry.Counter("voting.results", "consensus", result.Consensus)
		return result
	}

	v.logger.Warn("Weighted voting failed, using fallback chain", map[string]interface{}{
		"operation": "voting_fallback",
		"error":     err.Error(),
	})

	var fallbackResult VotingResult
	alt, fbErr := v.fallbacks.Execute(ctx, resilience.DomainVoting, "", func(ctx context.Context, alt resilience.Alternative) error {
		r, err := v.fallbackVote(alt.Name, fulfilled)
		if err != nil {
			return err
		}
		fallbackResult = r
		return nil
	})
	if fbErr != nil {
		// Every strategy below highest_confidence is total, so this only
		// happens when the catalog itself is emptied by health filtering
		return v.firstAvailable(fulfilled)
	}

	fallbackResult.FallbackUsed = alt.Name
	telemetry.Counter("voting.results", "consensus", fallbackResult.Consensus, "fallback", alt.Name)
	return fallbackResult
}

// weightedVote is the primary scoring path
func (v *VotingEngine) weightedVote(fulfilled []RoleOutput) (VotingResult, error) {
	scores := make(map[string]float64, len(fulfilled))
	total := 0.0

	for _, o := range fulfilled {
		score := scoreOutput(o)
		scores[o.Role] = score
		total += score
	}

	if total <= 0 {
		return VotingResult{}, core.NewVotingError("voting.weightedVote",
			fmt.Errorf("no positive scores across %d outputs", len(fulfilled)))
	}

	weights := make(map[string]float64, len(scores))
	for role, score := range scores {
		weights[role] = score / total
	}

	winner := argmaxWeight(weights)
	confidence := weights[winner]

	return VotingResult{
		Winner:     winner,
		Confidence: confidence,
		Consensus:  consensusLabel(confidence),
		Weights:    weights,
	}, nil
}

// scoreOutput combines confidence, content length band, structural cues,
// and a completeness heuristic into one score
func scoreOutput(o RoleOutput) float64 {
	score := o.Confidence

	length := len(o.Content)
	switch {
	case length >= preferredMinLength && length <= preferredMaxLength:
		score += 0.2
	case length > preferredMaxLength:
		score += 0.1
	default:
		// Very short answers carry little signal
		score += 0.02
	}

	if hasStructure(o.Content) {
		score += 0.1
	}
	if looksComplete(o.Content) {
		score += 0.1
	}

	if score < 0.01 {
		score = 0.01
	}
	return score
}

// hasStructure detects lists and multi-paragraph answers
func hasStructure(content string) bool {
	if strings.Contains(content, "\n- ") || strings.Contains(content, "\n* ") {
		return true
	}
	if strings.Contains(content, "\n1.") || strings.Contains(content, "\n2.") {
		return true
	}
	return strings.Contains(content, "\n\n")
}

// looksComplete checks that the answer ends on a sentence boundary
func looksComplete(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < preferredMinLength {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?', ')', '`':
		return true
	}
	return false
}

// argmaxWeight returns the highest-weighted role, ties broken by role name
func argmaxWeight(weights map[string]float64) string {
	roles := make([]string, 0, len(weights))
	for role := range weights {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	winner := ""
	best := math.Inf(-1)
	for _, role := range roles {
		if weights[role] > best {
			best = weights[role]
			winner = role
		}
	}
	return winner
}

func consensusLabel(winnerWeight float64) string {
	switch {
	case winnerWeight >= 0.6:
		return ConsensusHigh
	case winnerWeight >= 0.4:
		return ConsensusModerate
	default:
		return ConsensusLow
	}
}

// fallbackVote runs one named fallback strategy
func (v *VotingEngine) fallbackVote(strategy string, fulfilled []RoleOutput) (VotingResult, error) {
	switch strategy {
	case resilience.VotingHighestConfidence:
		return v.highestConfidence(fulfilled), nil
	case resilience.VotingSimpleMajority:
		return v.simpleMajority(fulfilled), nil
	case resilience.VotingWeightedRandom:
		return v.weightedRandom(fulfilled), nil
	case resilience.VotingFirstAvailable:
		return v.firstAvailable(fulfilled), nil
	default:
		return VotingResult{}, core.NewVotingError("voting.fallbackVote",
			fmt.Errorf("unknown strategy %q", strategy))
	}
}

// highestConfidence picks the output with the best self-reported confidence
func (v *VotingEngine) highestConfidence(fulfilled []RoleOutput) VotingResult {
	sorted := make([]RoleOutput, len(fulfilled))
	copy(sorted, fulfilled)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Role < sorted[j].Role
	})

	winner := sorted[0]
	weights := uniformWeights(fulfilled)
	return VotingResult{
		Winner:     winner.Role,
		Confidence: winner.Confidence,
		Consensus:  resilience.VotingHighestConfidence,
		Weights:    weights,
	}
}

// simpleMajority treats every fulfilled output as one vote for itself,
// which reduces to uniform weights with a name tie-break
func (v *VotingEngine) simpleMajority(fulfilled []RoleOutput) VotingResult {
	weights := uniformWeights(fulfilled)
	winner := argmaxWeight(weights)
	return VotingResult{
		Winner:     winner,
		Confidence: weights[winner],
		Consensus:  "simple_majority",
		Weights:    weights,
	}
}

// weightedRandom picks pseudo-randomly by confidence mass, seeded from the
// role set so repeated runs over identical outputs stay deterministic
func (v *VotingEngine) weightedRandom(fulfilled []RoleOutput) VotingResult {
	total := 0.0
	h := fnv.New64a()
	for _, o := range fulfilled {
		total += o.Confidence + 0.01
		_, _ = h.Write([]byte(o.Role))
	}

	target := (float64(h.Sum64()%1000) / 1000.0) * total
	sorted := make([]RoleOutput, len(fulfilled))
	copy(sorted, fulfilled)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Role < sorted[j].Role })

	winner := sorted[len(sorted)-1]
	acc := 0.0
	for _, o := range sorted {
		acc += o.Confidence + 0.01
		if acc >= target {
			winner = o
			break
		}
	}

	weights := uniformWeights(fulfilled)
	return VotingResult{
		Winner:     winner.Role,
		Confidence: weights[winner.Role],
		Consensus:  "weighted_random",
		Weights:    weights,
	}
}

// firstAvailable picks the first fulfilled output by role name
func (v *VotingEngine) firstAvailable(fulfilled []RoleOutput) VotingResult {
	if len(fulfilled) == 0 {
		return VotingResult{
			Consensus:    ConsensusNone,
			Weights:      map[string]float64{},
			FallbackUsed: resilience.VotingFirstAvailable,
		}
	}

	sorted := make([]RoleOutput, len(fulfilled))
	copy(sorted, fulfilled)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Role < sorted[j].Role })

	weights := uniformWeights(fulfilled)
	return VotingResult{
		Winner:     sorted[0].Role,
		Confidence: weights[sorted[0].Role],
		Consensus:  resilience.VotingFirstAvailable,
		Weights:    weights,
	}
}

func uniformWeights(fulfilled []RoleOutput) map[string]float64 {
	weights := make(map[string]float64, len(fulfilled))
	if len(fulfilled) == 0 {
		return weights
	}
	w := 1.0 / float64(len(fulfilled))
	for _, o := range fulfilled {
		weights[o.Role] = w
	}
	return weights
}
