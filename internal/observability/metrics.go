package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts optimize requests by outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudette_requests_total",
			Help: "Total number of optimize requests",
		},
		[]string{"outcome"},
	)
	// RequestDuration tracks end-to-end optimize latency.
	RequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claudette_request_duration_seconds",
			Help:    "End-to-end optimize duration in seconds",
			Buckets: []float64{0.005, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	// BackendRequestsTotal counts upstream attempts by backend and result.
	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudette_backend_requests_total",
			Help: "Total number of backend send attempts",
		},
		[]string{"backend", "result"},
	)
	// BackendRequestDuration tracks per-backend send latency.
	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claudette_backend_request_duration_seconds",
			Help:    "Backend send duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"backend"},
	)
	// CacheHitsTotal and CacheMissesTotal track response-cache effectiveness.
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "claudette_cache_hits_total", Help: "Response cache hits"},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "claudette_cache_misses_total", Help: "Response cache misses"},
	)
	// BreakerState exposes per-backend circuit state (0 closed, 1 open, 2 half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claudette_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0=closed,1=open,2=half-open)",
		},
		[]string{"backend"},
	)
	// SelectionsTotal counts routing decisions per backend and task type.
	SelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudette_backend_selections_total",
			Help: "Routing selections by backend and task type",
		},
		[]string{"backend", "task"},
	)
	// CostEURTotal accumulates spend per backend.
	CostEURTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudette_cost_eur_total",
			Help: "Accumulated cost in EUR per backend",
		},
		[]string{"backend"},
	)
)

var metricsOnce sync.Once

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			RequestDuration,
			BackendRequestsTotal,
			BackendRequestDuration,
			CacheHitsTotal,
			CacheMissesTotal,
			BreakerState,
			SelectionsTotal,
			CostEURTotal,
		)
	})
}
