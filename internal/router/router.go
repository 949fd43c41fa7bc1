// Package router orchestrates backend selection and execution: candidate
// filtering, task-aware scoring, circuit-breaker gated dispatch with
// strictly sequential fallback, and rolling-metric updates.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/claudette/internal/analyzer"
	"github.com/fairyhunter13/claudette/internal/breaker"
	"github.com/fairyhunter13/claudette/internal/domain"
	"github.com/fairyhunter13/claudette/internal/observability"
)

// Config bounds routing behaviour.
type Config struct {
	// MaxAttempts caps the number of distinct backends tried per request.
	MaxAttempts int
	// SimpleRequestBase caps the per-attempt deadline.
	SimpleRequestBase time.Duration
	// DefaultTimeout applies when the request carries none.
	DefaultTimeout  time.Duration
	FallbackEnabled bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SimpleRequestBase <= 0 {
		c.SimpleRequestBase = 30 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 45 * time.Second
	}
	return c
}

// Router owns the registry, breakers, rolling metrics, and availability
// cache. It is safe for concurrent use; each request's fallback pass is
// strictly sequential.
type Router struct {
	registry  *Registry
	avail     *availabilityCache
	weights   atomic.Pointer[analyzer.Weights]
	cfg       Config
	healthCfg HealthPollerConfig
	ledger    domain.LedgerStore
	sink      domain.EventSink
}

// New constructs a Router around a sealed registry. ledger may be nil-safe
// via the memory store; sink may be nil.
func New(reg *Registry, cfg Config, healthCfg HealthPollerConfig, ledger domain.LedgerStore, sink domain.EventSink) *Router {
	rt := &Router{
		registry:  reg,
		avail:     newAvailabilityCache(),
		cfg:       cfg.withDefaults(),
		healthCfg: healthCfg.withDefaults(),
		ledger:    ledger,
		sink:      sink,
	}
	w := analyzer.DefaultWeights()
	rt.weights.Store(&w)
	return rt
}

// SetWeights atomically replaces the scoring weights.
func (rt *Router) SetWeights(w analyzer.Weights) { rt.weights.Store(&w) }

// Weights returns the current scoring weights.
func (rt *Router) Weights() analyzer.Weights { return *rt.weights.Load() }

// Route selects and executes a backend for the request. Fallback across
// backends is sequential; at most one send is in flight per request.
func (rt *Router) Route(ctx context.Context, req domain.Request, a domain.TaskAnalysis) (domain.Response, error) {
	tracer := otel.Tracer("router")
	ctx, span := tracer.Start(ctx, "router.Route")
	defer span.End()

	if req.Options.BypassOptimization {
		return rt.routeRaw(ctx, req)
	}

	candidates, err := rt.candidates(req)
	if err != nil {
		return domain.Response{}, err
	}

	scored := rt.score(candidates, a)
	rt.emitSelection(scored, a)

	maxAttempts := rt.cfg.MaxAttempts
	if !rt.cfg.FallbackEnabled || req.Options.ForcedBackend != "" {
		maxAttempts = 1
	}

	var causes []*domain.BackendError
	attempts := 0
	for _, sc := range scored {
		if attempts >= maxAttempts {
			break
		}
		name := sc.Candidate.Descriptor.Name
		e, _ := rt.registry.get(name)

		if err := e.breaker.Allow(); err != nil {
			var be *domain.BackendError
			if errors.As(err, &be) {
				causes = append(causes, be)
			}
			continue
		}

		attempts++
		resp, be := rt.execute(ctx, e, req)
		if be == nil {
			observability.SelectionsTotal.WithLabelValues(name, string(a.Type)).Inc()
			return resp, nil
		}
		causes = append(causes, be)
		if !be.Retryable() {
			return domain.Response{}, be
		}
	}

	if len(causes) == 0 {
		return domain.Response{}, fmt.Errorf("op=router.Route: %w", domain.ErrNoBackendsAvailable)
	}
	return domain.Response{}, &domain.AllFailedError{Causes: causes}
}

// routeRaw performs a single breaker-gated attempt against the forced
// backend or the highest-priority one, without scoring or fallback.
func (rt *Router) routeRaw(ctx context.Context, req domain.Request) (domain.Response, error) {
	name := req.Options.ForcedBackend
	if name == "" {
		names := rt.registry.Names()
		if len(names) == 0 {
			return domain.Response{}, fmt.Errorf("op=router.routeRaw: %w", domain.ErrNoBackendsAvailable)
		}
		name = names[0]
	}
	e, ok := rt.registry.get(name)
	if !ok {
		return domain.Response{}, fmt.Errorf("op=router.routeRaw: %w: unknown backend %q", domain.ErrInvalidInput, name)
	}
	if err := e.breaker.Allow(); err != nil {
		var be *domain.BackendError
		if errors.As(err, &be) {
			return domain.Response{}, &domain.AllFailedError{Causes: []*domain.BackendError{be}}
		}
		return domain.Response{}, err
	}
	resp, be := rt.execute(ctx, e, req)
	if be != nil {
		return domain.Response{}, be
	}
	return resp, nil
}

// candidates builds the eligible backend set: registered, breaker not
// Open, not cached-unhealthy. A forced backend short-circuits the set.
func (rt *Router) candidates(req domain.Request) ([]string, error) {
	if forced := req.Options.ForcedBackend; forced != "" {
		e, ok := rt.registry.get(forced)
		if !ok {
			return nil, fmt.Errorf("op=router.candidates: %w: unknown backend %q", domain.ErrInvalidInput, forced)
		}
		if healthy, known := rt.avail.Get(forced); known && !healthy {
			return nil, fmt.Errorf("op=router.candidates: %w: backend %q is not available", domain.ErrInvalidInput, forced)
		}
		if e.breaker.State() == breaker.StateOpen {
			return nil, &domain.AllFailedError{Causes: []*domain.BackendError{
				domain.NewBackendError(forced, domain.KindCircuitOpen, "circuit open"),
			}}
		}
		return []string{forced}, nil
	}

	var out []string
	for _, name := range rt.registry.Names() {
		e, _ := rt.registry.get(name)
		if e.breaker.State() == breaker.StateOpen {
			continue
		}
		if healthy, known := rt.avail.Get(name); known && !healthy {
			continue
		}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("op=router.candidates: %w", domain.ErrNoBackendsAvailable)
	}
	return out, nil
}

// scoredCandidate pairs a candidate with its computed score.
type scoredCandidate struct {
	Candidate analyzer.Candidate
	Score     float64
}

func (rt *Router) score(names []string, a domain.TaskAnalysis) []scoredCandidate {
	w := rt.Weights()
	out := make([]scoredCandidate, 0, len(names))
	for _, name := range names {
		e, _ := rt.registry.get(name)
		c := analyzer.Candidate{
			Descriptor:       e.backend.Descriptor(),
			Metrics:          e.metrics.snapshot(name),
			EstimatedCostEUR: e.backend.EstimateCost(a.EstimatedTokens),
		}
		out = append(out, scoredCandidate{Candidate: c, Score: analyzer.Score(w, c, a)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return analyzer.Less(out[i].Candidate, out[j].Candidate)
	})
	return out
}

// execute performs exactly one gated send and records the outcome in both
// the breaker window and the rolling metrics.
func (rt *Router) execute(ctx context.Context, e *entry, req domain.Request) (domain.Response, *domain.BackendError) {
	name := e.backend.Name()

	timeout := req.Options.Timeout
	if timeout <= 0 {
		timeout = rt.cfg.DefaultTimeout
	}
	if timeout > rt.cfg.SimpleRequestBase {
		timeout = rt.cfg.SimpleRequestBase
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.backend.Send(sendCtx, req)
	elapsed := time.Since(start)

	observability.BackendRequestDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		be := asBackendError(name, sendCtx, err)
		observability.BackendRequestsTotal.WithLabelValues(name, string(be.Kind)).Inc()
		e.breaker.Record(false, elapsed)
		rt.publishBreakerState(name, e.breaker.State())
		e.metrics.observe(elapsed.Milliseconds(), false, 0)
		rt.persistMetrics(name, elapsed.Milliseconds(), false, 0)
		slog.Warn("backend send failed",
			slog.String("backend", name),
			slog.String("kind", string(be.Kind)),
			slog.Duration("elapsed", elapsed))
		return domain.Response{}, be
	}

	resp.BackendUsed = name
	resp.LatencyMS = elapsed.Milliseconds()
	resp.CostEUR = roundEUR(e.backend.EstimateCost(resp.TokensIn + resp.TokensOut))

	quality := estimateQuality(resp)
	observability.BackendRequestsTotal.WithLabelValues(name, "success").Inc()
	observability.CostEURTotal.WithLabelValues(name).Add(resp.CostEUR)
	e.breaker.Record(true, elapsed)
	rt.publishBreakerState(name, e.breaker.State())
	e.metrics.observe(elapsed.Milliseconds(), true, quality)
	rt.persistMetrics(name, elapsed.Milliseconds(), true, quality)
	return resp, nil
}

// persistMetrics mirrors the in-memory EMA into the ledger store,
// best-effort.
func (rt *Router) persistMetrics(name string, latencyMS int64, success bool, quality float64) {
	if rt.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.ledger.UpdateBackendMetrics(ctx, name, latencyMS, success, quality); err != nil {
		slog.Debug("backend metrics persistence failed", slog.String("backend", name), slog.Any("error", err))
	}
}

func (rt *Router) publishBreakerState(name string, s breaker.State) {
	observability.BreakerState.WithLabelValues(name).Set(float64(s))
}

func (rt *Router) emitSelection(scored []scoredCandidate, a domain.TaskAnalysis) {
	if rt.sink == nil || len(scored) == 0 {
		return
	}
	ranking := make([]string, 0, len(scored))
	for _, sc := range scored {
		ranking = append(ranking, fmt.Sprintf("%s=%.3f", sc.Candidate.Descriptor.Name, sc.Score))
	}
	rt.sink.Emit(domain.Event{Kind: "selection", Fields: map[string]any{
		"task":     string(a.Type),
		"lang":     a.Language,
		"urgency":  string(a.Urgency),
		"selected": scored[0].Candidate.Descriptor.Name,
		"ranking":  ranking,
	}})
}

// asBackendError normalises adapter errors to the typed taxonomy. A
// context deadline observed here is attributed to the backend as Timeout.
func asBackendError(name string, ctx context.Context, err error) *domain.BackendError {
	var be *domain.BackendError
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewBackendError(name, domain.KindTimeout, err.Error())
	}
	return domain.NewBackendError(name, domain.KindTransient, err.Error())
}

// Statuses reports per-backend health for CLI and HTTP status output.
// Unknown availability defaults to healthy; callers wanting live data run
// ProbeAll first.
func (rt *Router) Statuses() []domain.BackendStatus {
	out := make([]domain.BackendStatus, 0, rt.registry.Len())
	for _, name := range rt.registry.Names() {
		e, _ := rt.registry.get(name)
		healthy := true
		if h, known := rt.avail.Get(name); known {
			healthy = h
		}
		out = append(out, domain.BackendStatus{
			Name:         name,
			Model:        e.backend.Descriptor().Model,
			Healthy:      healthy,
			CircuitState: e.breaker.State().String(),
			Metrics:      e.metrics.snapshot(name),
		})
	}
	return out
}

func roundEUR(v float64) float64 {
	if v < 0 {
		return 0
	}
	return math.Round(v*1e6) / 1e6
}
