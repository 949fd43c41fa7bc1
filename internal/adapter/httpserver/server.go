// Package httpserver exposes the optimize pipeline over REST for the
// serve command: request submission, status, backend listing, health, and
// Prometheus metrics.
package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/claudette/internal/config"
	"github.com/fairyhunter13/claudette/internal/domain"
	"github.com/fairyhunter13/claudette/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Optimizer *usecase.Optimizer
}

// NewServer constructs the HTTP server wiring.
func NewServer(cfg config.Config, opt *usecase.Optimizer) *Server {
	return &Server{Cfg: cfg, Optimizer: opt}
}

// Router builds the chi mux with rate limiting, CORS, and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.Cfg.CORSAllowOrigins, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.HealthHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.Cfg.RateLimitPerMin, time.Minute))
		r.Post("/optimize", s.OptimizeHandler())
		r.Get("/status", s.StatusHandler())
		r.Get("/backends", s.BackendsHandler())
	})
	return otelhttp.NewHandler(r, "httpserver",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}))
}

type optimizeRequest struct {
	Prompt      string   `json:"prompt"`
	Files       []string `json:"files,omitempty"`
	Backend     string   `json:"backend,omitempty"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	NoCache     bool     `json:"no_cache,omitempty"`
	Raw         bool     `json:"raw,omitempty"`
	TimeoutS    int      `json:"timeout_seconds,omitempty"`
}

// OptimizeHandler runs the full pipeline for one request body.
func (s *Server) OptimizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
			writeError(w, fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidInput), nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, domain.MaxPromptBytes+1<<16)

		var body optimizeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, fmt.Errorf("%w: decode body: %v", domain.ErrInvalidInput, err), nil)
			return
		}

		opts := domain.Options{
			ForcedBackend:      body.Backend,
			Model:              body.Model,
			MaxTokens:          body.MaxTokens,
			Temperature:        body.Temperature,
			BypassCache:        body.NoCache,
			BypassOptimization: body.Raw,
		}
		if body.TimeoutS > 0 {
			opts.Timeout = time.Duration(body.TimeoutS) * time.Second
		}

		resp, err := s.Optimizer.Optimize(r.Context(), body.Prompt, body.Files, opts)
		if err != nil {
			writeError(w, err, errorDetails(err))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// StatusHandler reports the aggregate health view.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.Optimizer.Status(r.Context())
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statusPayload(report))
	}
}

// BackendsHandler lists the configured backends.
func (s *Server) BackendsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		backends := s.Optimizer.Backends()
		out := make([]map[string]any, 0, len(backends))
		for _, b := range backends {
			out = append(out, backendPayload(b))
		}
		writeJSON(w, http.StatusOK, map[string]any{"backends": out})
	}
}

// HealthHandler is the liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func statusPayload(r domain.StatusReport) map[string]any {
	backends := make([]map[string]any, 0, len(r.Backends))
	for _, b := range r.Backends {
		backends = append(backends, backendPayload(b))
	}
	return map[string]any{
		"healthy":        r.Healthy,
		"uptime_seconds": int64(r.Uptime.Seconds()),
		"backends":       backends,
		"cache": map[string]any{
			"entries":    r.Cache.Entries,
			"size_bytes": r.Cache.SizeBytes,
			"hit_rate":   r.Cache.HitRate,
		},
		"ledger_rows": r.LedgerRows,
	}
}

func backendPayload(b domain.BackendStatus) map[string]any {
	return map[string]any{
		"name":           b.Name,
		"model":          b.Model,
		"healthy":        b.Healthy,
		"circuit_state":  b.CircuitState,
		"avg_latency_ms": b.Metrics.AvgLatencyMS,
		"success_rate":   b.Metrics.SuccessRate,
		"quality_score":  b.Metrics.QualityScore,
		"requests":       b.Metrics.Requests,
	}
}
