// Package usecase wires validation, context-file loading, fingerprinting,
// caching, routing, and ledger accounting into the optimize pipeline.
package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/claudette/internal/analyzer"
	"github.com/fairyhunter13/claudette/internal/domain"
	"github.com/fairyhunter13/claudette/internal/observability"
	"github.com/fairyhunter13/claudette/internal/router"
)

// Optimizer is the application service behind every CLI command and HTTP
// endpoint that touches a request.
type Optimizer struct {
	router  *router.Router
	cache   domain.ResponseCache
	ledger  domain.LedgerStore
	sink    domain.EventSink
	started time.Time

	cacheTTL       time.Duration
	defaultTimeout time.Duration
	cachingEnabled bool
}

// Options configures an Optimizer.
type Options struct {
	CacheTTL       time.Duration
	DefaultTimeout time.Duration
	CachingEnabled bool
}

func (o Options) withDefaults() Options {
	if o.CacheTTL <= 0 {
		o.CacheTTL = time.Hour
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 45 * time.Second
	}
	return o
}

// New constructs the optimizer service.
func New(rt *router.Router, cache domain.ResponseCache, ledger domain.LedgerStore, sink domain.EventSink, opts Options) *Optimizer {
	opts = opts.withDefaults()
	return &Optimizer{
		router:         rt,
		cache:          cache,
		ledger:         ledger,
		sink:           sink,
		started:        time.Now(),
		cacheTTL:       opts.CacheTTL,
		defaultTimeout: opts.DefaultTimeout,
		cachingEnabled: opts.CachingEnabled,
	}
}

// Optimize runs the full pipeline for one prompt: validate, load context
// files, fingerprint, consult the cache, route, then record the outcome.
// Cache and ledger failures degrade to logging; they never fail a request
// that produced a response.
func (o *Optimizer) Optimize(ctx context.Context, prompt string, filePaths []string, opts domain.Options) (domain.Response, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "usecase.Optimize")
	defer span.End()

	start := time.Now()
	requestID := uuid.NewString()
	log := slog.With(slog.String("request_id", requestID))

	if err := validate(prompt, filePaths, opts); err != nil {
		observability.RequestsTotal.WithLabelValues("invalid").Inc()
		return domain.Response{}, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = o.defaultTimeout
	}

	files, err := loadFiles(filePaths)
	if err != nil {
		observability.RequestsTotal.WithLabelValues("invalid").Inc()
		return domain.Response{}, err
	}

	req := domain.Request{Prompt: prompt, Files: files, Options: opts}
	key := Fingerprint(req)
	promptHash := hashPrompt(prompt)

	useCache := o.cachingEnabled && !opts.BypassCache && !opts.BypassOptimization
	if useCache {
		if entry, ok, cerr := o.cache.Get(ctx, key); cerr != nil {
			log.Warn("cache lookup failed, continuing without cache", slog.Any("error", cerr))
		} else if ok {
			observability.CacheHitsTotal.Inc()
			observability.RequestsTotal.WithLabelValues("cache_hit").Inc()
			resp := entry.Response
			resp.CacheHit = true
			// Latency reflects serving from the cache, not the stored
			// upstream round trip.
			resp.LatencyMS = time.Since(start).Milliseconds()
			resp.Metadata = withRequestID(resp.Metadata, requestID)
			o.appendLedger(ctx, resp, promptHash, true)
			observability.RequestDuration.Observe(time.Since(start).Seconds())
			return resp, nil
		} else {
			observability.CacheMissesTotal.Inc()
		}
	}

	a := analyzer.Analyze(req)
	resp, err := o.router.Route(ctx, req, a)
	if err != nil {
		observability.RequestsTotal.WithLabelValues("error").Inc()
		observability.RequestDuration.Observe(time.Since(start).Seconds())
		return domain.Response{}, err
	}

	if useCache {
		entry := domain.CacheEntry{Key: key, PromptHash: promptHash, Response: resp}
		if cerr := o.cache.Put(ctx, entry, o.cacheTTL); cerr != nil {
			log.Warn("cache write failed", slog.Any("error", cerr))
		}
	}
	resp.Metadata = withRequestID(resp.Metadata, requestID)
	o.appendLedger(ctx, resp, promptHash, false)

	observability.RequestsTotal.WithLabelValues("success").Inc()
	observability.RequestDuration.Observe(time.Since(start).Seconds())
	return resp, nil
}

// appendLedger records one quota row, best-effort.
func (o *Optimizer) appendLedger(ctx context.Context, resp domain.Response, promptHash string, cacheHit bool) {
	if o.ledger == nil {
		return
	}
	e := domain.QuotaEntry{
		Backend:    resp.BackendUsed,
		PromptHash: promptHash,
		TokensIn:   resp.TokensIn,
		TokensOut:  resp.TokensOut,
		CostEUR:    resp.CostEUR,
		CacheHit:   cacheHit,
		LatencyMS:  resp.LatencyMS,
	}
	if cacheHit {
		// A served cache hit costs nothing upstream.
		e.CostEUR = 0
	}
	if err := o.ledger.AppendQuota(ctx, e); err != nil {
		slog.Warn("ledger append failed", slog.Any("error", err))
	}
}

// Status assembles the health report used by the status command and the
// /v1/status endpoint.
func (o *Optimizer) Status(ctx context.Context) (domain.StatusReport, error) {
	backends := o.router.Statuses()
	healthy := false
	for _, b := range backends {
		if b.Healthy && b.CircuitState != "open" {
			healthy = true
			break
		}
	}

	report := domain.StatusReport{
		Healthy:  healthy,
		Backends: backends,
		Uptime:   time.Since(o.started),
	}
	if o.cache != nil {
		if st, err := o.cache.Stats(ctx); err == nil {
			report.Cache = st
		} else {
			slog.Warn("cache stats unavailable", slog.Any("error", err))
		}
	}
	if counter, ok := o.ledger.(interface {
		LedgerRows(context.Context) (int64, error)
	}); ok {
		if n, err := counter.LedgerRows(ctx); err == nil {
			report.LedgerRows = n
		}
	}
	return report, nil
}

// Backends lists the configured backends with health and metrics.
func (o *Optimizer) Backends() []domain.BackendStatus { return o.router.Statuses() }

// ProbeBackends refreshes availability via live probes.
func (o *Optimizer) ProbeBackends(ctx context.Context) { o.router.ProbeAll(ctx) }

// Usage returns daily ledger aggregates for reporting.
func (o *Optimizer) Usage(ctx context.Context, days int) ([]domain.UsageAggregate, error) {
	return o.ledger.DailyAggregates(ctx, days)
}

// RecentEntries exposes the raw ledger window.
func (o *Optimizer) RecentEntries(ctx context.Context, window time.Duration) ([]domain.QuotaEntry, error) {
	return o.ledger.RecentEntries(ctx, window)
}

// CacheStats summarises the response cache.
func (o *Optimizer) CacheStats(ctx context.Context) (domain.CacheStats, error) {
	return o.cache.Stats(ctx)
}

// ClearCache drops every cached response.
func (o *Optimizer) ClearCache(ctx context.Context) error {
	return o.cache.Clear(ctx)
}

// Close releases the ledger store.
func (o *Optimizer) Close() error {
	if o.ledger == nil {
		return nil
	}
	return o.ledger.Close()
}

// validate enforces the request limits before any I/O happens.
func validate(prompt string, filePaths []string, opts domain.Options) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("op=usecase.validate: %w: empty prompt", domain.ErrInvalidInput)
	}
	if len(prompt) > domain.MaxPromptBytes {
		return fmt.Errorf("op=usecase.validate: %w: prompt exceeds %d bytes", domain.ErrInvalidInput, domain.MaxPromptBytes)
	}
	if len(filePaths) > domain.MaxContextFiles {
		return fmt.Errorf("op=usecase.validate: %w: more than %d context files", domain.ErrInvalidInput, domain.MaxContextFiles)
	}
	for _, p := range filePaths {
		if strings.Contains(p, "..") || strings.HasPrefix(p, "~") {
			return fmt.Errorf("op=usecase.validate: %w: suspicious file path %q", domain.ErrInvalidInput, p)
		}
	}
	if t := opts.Temperature; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("op=usecase.validate: %w: temperature %v out of [0,1]", domain.ErrInvalidInput, *t)
	}
	return nil
}

// loadFiles reads context files into prompt blocks. Unreadable and binary
// files are skipped with a warning; the request fails only when every
// requested file is unreadable.
func loadFiles(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(paths))
	unreadable := 0
	for _, p := range paths {
		raw, err := os.ReadFile(filepath.Clean(p))
		if err != nil {
			unreadable++
			slog.Warn("skipping unreadable context file",
				slog.String("path", p), slog.Any("error", err))
			continue
		}
		mt := mimetype.Detect(raw)
		if !isTextual(mt) {
			slog.Warn("skipping binary context file",
				slog.String("path", p), slog.String("mime", mt.String()))
			continue
		}
		out = append(out, "File: "+p+"\n"+string(raw))
	}
	if unreadable == len(paths) {
		return nil, fmt.Errorf("op=usecase.loadFiles: %w: no context file could be read", domain.ErrInvalidInput)
	}
	return out, nil
}

func isTextual(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	// Structured text formats that do not descend from text/plain.
	return strings.HasSuffix(mt.String(), "json") ||
		strings.HasSuffix(mt.String(), "xml") ||
		strings.HasPrefix(mt.String(), "text/")
}

// Fingerprint derives the deterministic cache key for a request: the
// prompt, the sorted file blocks, and every response-shaping option.
func Fingerprint(req domain.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Prompt))
	h.Write([]byte{0})

	files := make([]string, len(req.Files))
	copy(files, req.Files)
	sort.Strings(files)
	for _, f := range files {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}

	h.Write([]byte(req.Options.Model))
	h.Write([]byte{0})
	h.Write([]byte(req.Options.ForcedBackend))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(req.Options.MaxTokens)))
	h.Write([]byte{0})
	if req.Options.Temperature != nil {
		h.Write([]byte(strconv.FormatFloat(*req.Options.Temperature, 'f', -1, 64)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// withRequestID stamps the correlation id on the outgoing metadata without
// mutating the cached copy.
func withRequestID(meta map[string]string, id string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["request_id"] = id
	return out
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
