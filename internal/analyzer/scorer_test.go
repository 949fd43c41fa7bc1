package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/claudette/internal/domain"
)

func profile(code float64, langs, specs []string) domain.CapabilityProfile {
	return domain.CapabilityProfile{
		TaskScores: map[domain.TaskType]float64{
			domain.TaskCode:    code,
			domain.TaskGeneral: 0.8,
		},
		Languages:        langs,
		Specializations:  specs,
		Quality:          0.85,
		Reliability:      0.9,
		BaselineLatencyS: 1.5,
	}
}

func TestNewWeights(t *testing.T) {
	_, err := NewWeights(0.4, 0.2, 0.2, 0.1, 0.1)
	require.NoError(t, err)

	_, err = NewWeights(0.5, 0.5, 0.5, 0.1, 0.1)
	require.Error(t, err)

	_, err = NewWeights(-0.1, 0.5, 0.3, 0.2, 0.1)
	require.Error(t, err)
}

func TestScore_StrictlyDecreasingInCost(t *testing.T) {
	a := domain.TaskAnalysis{Type: domain.TaskCode, Language: "en", Urgency: domain.UrgencyLow, QualityPriority: 0.6}
	w := DefaultWeights()

	cheap := Candidate{
		Descriptor:       domain.BackendDescriptor{Name: "b", CostPer1KTokens: 0.0001, Profile: profile(0.9, []string{"en"}, nil)},
		EstimatedCostEUR: 0.0001,
	}
	expensive := cheap
	expensive.Descriptor.CostPer1KTokens = 0.01
	expensive.EstimatedCostEUR = 0.01

	assert.Greater(t, Score(w, cheap, a), Score(w, expensive, a))
}

func TestScore_LanguageSpecializationWins(t *testing.T) {
	// S5: Chinese code prompt routes to the zh-specialized backend even
	// though its raw code capability barely differs.
	a := domain.TaskAnalysis{Type: domain.TaskCode, Language: "zh", Urgency: domain.UrgencyLow, QualityPriority: 0.6}
	w := DefaultWeights()

	openaiLike := Candidate{
		Descriptor:       domain.BackendDescriptor{Name: "openai-like", CostPer1KTokens: 0.0006, Profile: profile(0.90, []string{"en", "de"}, nil)},
		EstimatedCostEUR: 0.0006,
	}
	qwenLike := Candidate{
		Descriptor:       domain.BackendDescriptor{Name: "qwen-like", CostPer1KTokens: 0.0004, Profile: profile(0.92, []string{"en", "zh"}, []string{"zh"})},
		EstimatedCostEUR: 0.0004,
	}

	assert.Greater(t, Score(w, qwenLike, a), Score(w, openaiLike, a))
}

func TestScore_Bounds(t *testing.T) {
	a := domain.TaskAnalysis{Type: domain.TaskCode, Language: "en", Urgency: domain.UrgencyHigh, QualityPriority: 1.0}
	c := Candidate{
		Descriptor: domain.BackendDescriptor{Name: "b", Profile: profile(1.0, []string{"en"}, []string{"en"})},
	}
	s := Score(DefaultWeights(), c, a)
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
}

func TestLess_Deterministic(t *testing.T) {
	a := Candidate{Descriptor: domain.BackendDescriptor{Name: "a", CostPer1KTokens: 0.002, Profile: domain.CapabilityProfile{Reliability: 0.9}}}
	b := Candidate{Descriptor: domain.BackendDescriptor{Name: "b", CostPer1KTokens: 0.001, Profile: domain.CapabilityProfile{Reliability: 0.9}}}
	c := Candidate{Descriptor: domain.BackendDescriptor{Name: "c", CostPer1KTokens: 0.001, Profile: domain.CapabilityProfile{Reliability: 0.95}}}

	assert.True(t, Less(c, a))  // higher reliability wins
	assert.True(t, Less(b, a))  // equal reliability: lower cost wins
	assert.False(t, Less(a, b))

	d := b
	d.Descriptor.Name = "d"
	assert.True(t, Less(b, d)) // equal reliability and cost: name ascending
}

func TestPerformanceScore_UrgencyTiers(t *testing.T) {
	assert.Equal(t, 1.0, performanceScore(0.5, domain.UrgencyHigh))
	assert.Equal(t, 0.2, performanceScore(9, domain.UrgencyHigh))
	assert.Equal(t, 0.8, performanceScore(3, domain.UrgencyMedium))
	assert.Equal(t, 1.0, performanceScore(3, domain.UrgencyLow))
}

func TestExpectedLatency_PrefersRollingAverage(t *testing.T) {
	c := Candidate{
		Descriptor: domain.BackendDescriptor{Profile: domain.CapabilityProfile{BaselineLatencyS: 2.0}},
	}
	assert.Equal(t, 2.0, expectedLatencyS(c))
	c.Metrics = domain.BackendMetrics{Requests: 5, AvgLatencyMS: 500}
	assert.Equal(t, 0.5, expectedLatencyS(c))
}
