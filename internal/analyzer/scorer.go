package analyzer

import (
	"fmt"

	"github.com/fairyhunter13/claudette/internal/domain"
)

// Weights is the immutable five-factor weighting used by the scorer.
// Construct via DefaultWeights or NewWeights; the router swaps it
// atomically on update.
type Weights struct {
	TaskCapability  float64
	LanguageSupport float64
	Performance     float64
	CostEfficiency  float64
	QualityPriority float64
}

// DefaultWeights returns the standard weighting.
func DefaultWeights() Weights {
	return Weights{
		TaskCapability:  0.40,
		LanguageSupport: 0.20,
		Performance:     0.20,
		CostEfficiency:  0.10,
		QualityPriority: 0.10,
	}
}

// NewWeights validates that the weights are non-negative and sum to 1.
func NewWeights(task, lang, perf, cost, quality float64) (Weights, error) {
	w := Weights{task, lang, perf, cost, quality}
	sum := task + lang + perf + cost + quality
	if task < 0 || lang < 0 || perf < 0 || cost < 0 || quality < 0 {
		return Weights{}, fmt.Errorf("op=analyzer.NewWeights: %w: negative weight", domain.ErrInvalidInput)
	}
	if sum < 0.999 || sum > 1.001 {
		return Weights{}, fmt.Errorf("op=analyzer.NewWeights: %w: weights sum to %.3f, want 1.0", domain.ErrInvalidInput, sum)
	}
	return w, nil
}

// Candidate pairs a backend descriptor with its live metrics for scoring.
type Candidate struct {
	Descriptor domain.BackendDescriptor
	Metrics    domain.BackendMetrics
	// EstimatedCostEUR is Backend.EstimateCost(analysis.EstimatedTokens).
	EstimatedCostEUR float64
}

// Score computes the weighted suitability of a backend for the analysed
// task. The result lies in [0,1]; higher is better.
func Score(w Weights, c Candidate, a domain.TaskAnalysis) float64 {
	p := c.Descriptor.Profile

	capability := p.TaskScore(a.Type)

	langScore := 0.6
	listed, specialized := p.SupportsLanguage(a.Language)
	switch {
	case specialized:
		langScore = 1.0
	case listed:
		langScore = 0.9
	default:
		if enListed, _ := p.SupportsLanguage("en"); enListed {
			langScore = 0.8
		}
	}

	perf := performanceScore(expectedLatencyS(c), a.Urgency)

	// Strictly decreasing in cost so that raising cost_per_1k always lowers
	// the score. Zero-cost backends (local models) score 1.0.
	costScore := 1.0 / (1.0 + 50.0*c.EstimatedCostEUR)

	quality := p.Quality * a.QualityPriority

	score := w.TaskCapability*capability +
		w.LanguageSupport*langScore +
		w.Performance*perf +
		w.CostEfficiency*costScore +
		w.QualityPriority*quality
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// expectedLatencyS prefers the rolling average, falling back to the static
// baseline before any traffic has been observed.
func expectedLatencyS(c Candidate) float64 {
	if c.Metrics.Requests > 0 && c.Metrics.AvgLatencyMS > 0 {
		return c.Metrics.AvgLatencyMS / 1000.0
	}
	return c.Descriptor.Profile.BaselineLatencyS
}

func performanceScore(latencyS float64, u domain.Urgency) float64 {
	switch u {
	case domain.UrgencyHigh:
		switch {
		case latencyS < 1:
			return 1.0
		case latencyS < 3:
			return 0.8
		case latencyS < 8:
			return 0.5
		default:
			return 0.2
		}
	case domain.UrgencyMedium:
		switch {
		case latencyS < 2:
			return 1.0
		case latencyS < 5:
			return 0.8
		case latencyS < 10:
			return 0.6
		default:
			return 0.3
		}
	default:
		switch {
		case latencyS < 5:
			return 1.0
		case latencyS < 15:
			return 0.8
		default:
			return 0.6
		}
	}
}

// Less is the deterministic ordering for equal scores: higher reliability
// first, then lower cost, then name ascending.
func Less(a, b Candidate) bool {
	pa, pb := a.Descriptor.Profile, b.Descriptor.Profile
	if pa.Reliability != pb.Reliability {
		return pa.Reliability > pb.Reliability
	}
	if a.Descriptor.CostPer1KTokens != b.Descriptor.CostPer1KTokens {
		return a.Descriptor.CostPer1KTokens < b.Descriptor.CostPer1KTokens
	}
	return a.Descriptor.Name < b.Descriptor.Name
}
