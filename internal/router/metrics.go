package router

import (
	"sync"
	"time"

	"github.com/fairyhunter13/claudette/internal/domain"
)

// emaAlpha is the smoothing factor for all rolling backend statistics.
const emaAlpha = 0.1

// rolling holds the exponentially smoothed per-backend statistics the
// scorer reads. Guarded by its own mutex; the breaker tracks admission
// separately but both are fed from the same outcome record.
type rolling struct {
	mu sync.Mutex

	avgLatencyMS float64
	successRate  float64
	qualityScore float64
	requests     int64
	updatedAt    time.Time
}

// newRolling seeds the statistics from the static profile so a cold
// backend is scored by its advertised baselines.
func newRolling(p domain.CapabilityProfile) *rolling {
	return &rolling{
		avgLatencyMS: p.BaselineLatencyS * 1000,
		successRate:  clamp01(p.Reliability),
		qualityScore: clamp01(p.Quality),
	}
}

// observe folds one outcome into the EMAs.
func (r *rolling) observe(latencyMS int64, success bool, quality float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests++
	r.updatedAt = time.Now().UTC()
	if r.requests == 1 {
		r.avgLatencyMS = float64(latencyMS)
	} else {
		r.avgLatencyMS = (1-emaAlpha)*r.avgLatencyMS + emaAlpha*float64(latencyMS)
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	r.successRate = clamp01((1-emaAlpha)*r.successRate + emaAlpha*outcome)

	if success {
		r.qualityScore = clamp01((1-emaAlpha)*r.qualityScore + emaAlpha*clamp01(quality))
	}
}

// snapshot returns a copy for scoring and status output.
func (r *rolling) snapshot(backend string) domain.BackendMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.BackendMetrics{
		Backend:      backend,
		AvgLatencyMS: r.avgLatencyMS,
		SuccessRate:  r.successRate,
		QualityScore: r.qualityScore,
		Requests:     r.requests,
		UpdatedAt:    r.updatedAt,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// estimateQuality derives a response-quality signal from the shape of a
// successful response: length, token ratio, latency, and cost.
// The result is clamped to [0.1, 1.0].
func estimateQuality(resp domain.Response) float64 {
	q := 0.7

	if n := len(resp.Content); n >= 50 && n < 2000 {
		q += 0.1
	} else {
		q += 0.05
	}

	if resp.TokensIn > 0 {
		ratio := float64(resp.TokensOut) / float64(resp.TokensIn)
		if ratio >= 0.5 && ratio < 3.0 {
			q += 0.1
		}
	}

	switch {
	case resp.LatencyMS < 1000:
		q += 0.05
	case resp.LatencyMS > 5000:
		q -= 0.05
	}

	if resp.CostEUR < 0.01 {
		q += 0.05
	}

	if q < 0.1 {
		return 0.1
	}
	if q > 1.0 {
		return 1.0
	}
	return q
}
