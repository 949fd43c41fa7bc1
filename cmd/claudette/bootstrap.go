package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/claudette/internal/adapter/backend/anthropic"
	"github.com/fairyhunter13/claudette/internal/adapter/backend/openaicompat"
	"github.com/fairyhunter13/claudette/internal/adapter/cache/rediscache"
	"github.com/fairyhunter13/claudette/internal/breaker"
	"github.com/fairyhunter13/claudette/internal/config"
	"github.com/fairyhunter13/claudette/internal/domain"
	"github.com/fairyhunter13/claudette/internal/observability"
	"github.com/fairyhunter13/claudette/internal/router"
	"github.com/fairyhunter13/claudette/internal/store"
	"github.com/fairyhunter13/claudette/internal/usecase"
)

// App bundles everything a command needs after bootstrap.
type App struct {
	Cfg       config.Config
	Optimizer *usecase.Optimizer
	Router    *router.Router
	Store     *store.Store // nil in memory-store mode

	closers []func() error
}

// Close releases resources in reverse acquisition order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("shutdown cleanup failed", slog.Any("error", err))
		}
	}
}

// bootstrap loads configuration and wires the full pipeline: stores,
// backend clients, breakers, router, and the optimizer service.
func bootstrap(flags *rootFlags) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg, flags)
	observability.InitMetrics()

	app := &App{Cfg: cfg}

	var ledger domain.LedgerStore
	var cache domain.ResponseCache
	if cfg.UseMemoryStore() {
		ledger = store.NewNoopLedger()
		cache = store.NewMemoryCache(cfg.Thresholds.MaxCacheSize)
		slog.Debug("using in-memory store fallback")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, serr := store.Open(ctx, cfg.DataDir, cfg.Thresholds.MaxCacheSize)
		if serr != nil {
			return nil, serr
		}
		app.Store = st
		ledger = st
		cache = st
		app.closers = append(app.closers, st.Close)
	}

	// A shared Redis replaces the local cache when configured; the ledger
	// stays in SQLite either way.
	if cfg.RedisAddr != "" {
		rc := rediscache.New(cfg.RedisAddr)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if perr := rc.Ping(ctx); perr != nil {
			slog.Warn("redis unreachable, keeping local cache", slog.Any("error", perr))
			_ = rc.Close()
		} else {
			cache = rc
			app.closers = append(app.closers, rc.Close)
		}
	}

	pool, err := cfg.LoadBackends()
	if err != nil {
		return nil, err
	}
	descriptors := config.Descriptors(pool)
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("op=bootstrap: %w: no backends configured (set an API key or a backends file)",
			domain.ErrNoBackendsAvailable)
	}

	sink := observability.NewLogSink(slog.Default())
	breakerCfg := breaker.Config{
		FailureThreshold:      cfg.CircuitBreaker.FailureThreshold,
		FailureRateThreshold:  cfg.CircuitBreaker.FailureRateThreshold,
		SlowCallThreshold:     cfg.CircuitBreaker.SlowCallThreshold,
		SlowCallRateThreshold: cfg.CircuitBreaker.SlowCallRateThreshold,
		WindowSize:            cfg.CircuitBreaker.WindowSize,
		BaseReset:             cfg.CircuitBreaker.BaseReset,
		HalfOpenMaxCalls:      cfg.CircuitBreaker.HalfOpenMaxCalls,
	}

	reg := router.NewRegistry()
	for _, desc := range descriptors {
		b, berr := buildBackend(desc, pool[desc.Name].Kind)
		if berr != nil {
			return nil, berr
		}
		if rerr := reg.Register(b, breakerCfg, sink); rerr != nil {
			return nil, rerr
		}
	}
	reg.Seal()

	rt := router.New(reg,
		router.Config{
			MaxAttempts:       cfg.Router.MaxAttempts,
			SimpleRequestBase: cfg.Thresholds.SimpleRequestBase,
			DefaultTimeout:    cfg.Thresholds.RequestTimeout,
			FallbackEnabled:   cfg.Router.FallbackEnabled,
		},
		router.HealthPollerConfig{
			Interval:     cfg.Health.Interval,
			ProbeTimeout: cfg.Health.ProbeTimeout,
			CacheTTL:     cfg.Health.CacheTTL,
		},
		ledger, sink)

	app.Router = rt
	app.Optimizer = usecase.New(rt, cache, ledger, sink, usecase.Options{
		CacheTTL:       cfg.Thresholds.CacheTTL,
		DefaultTimeout: cfg.Thresholds.RequestTimeout,
		CachingEnabled: cfg.Features.Caching,
	})
	return app, nil
}

// buildBackend constructs the right adapter for a pool entry.
func buildBackend(desc domain.BackendDescriptor, kind string) (domain.Backend, error) {
	switch kind {
	case "anthropic":
		return anthropic.New(desc), nil
	case "openai", "":
		return openaicompat.New(desc), nil
	default:
		return nil, fmt.Errorf("op=bootstrap: %w: unknown backend kind %q for %s",
			domain.ErrInvalidInput, kind, desc.Name)
	}
}
