package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/claudette/internal/domain"
)

// availEntry is one cached availability verdict.
type availEntry struct {
	healthy   bool
	expiresAt time.Time
}

// availabilityCache holds per-backend health verdicts with a TTL. Stale
// reads are tolerable; the router only uses it to prune candidates cheaply.
type availabilityCache struct {
	mu      sync.Mutex
	entries map[string]availEntry
	now     func() time.Time
}

func newAvailabilityCache() *availabilityCache {
	return &availabilityCache{entries: map[string]availEntry{}, now: time.Now}
}

// Get returns (healthy, known). Expired entries are unknown.
func (c *availabilityCache) Get(name string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok || c.now().After(e.expiresAt) {
		return false, false
	}
	return e.healthy, true
}

// Set records a verdict with the given TTL.
func (c *availabilityCache) Set(name string, healthy bool, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = availEntry{healthy: healthy, expiresAt: c.now().Add(ttl)}
}

// HealthPollerConfig bounds the background poller.
type HealthPollerConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	CacheTTL     time.Duration
}

func (c HealthPollerConfig) withDefaults() HealthPollerConfig {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 12 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
	return c
}

// RunHealthPoller probes every registered backend in parallel on a fixed
// interval and warms the availability cache. Best-effort: probe failures
// mark the backend unhealthy but never raise. Blocks until ctx is done.
func (rt *Router) RunHealthPoller(ctx context.Context) {
	cfg := rt.healthCfg
	rt.ProbeAll(ctx)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.ProbeAll(ctx)
		}
	}
}

// ProbeAll refreshes the availability cache once. A transient probe
// failure is retried once within the probe deadline before the backend is
// declared unhealthy.
func (rt *Router) ProbeAll(ctx context.Context) {
	cfg := rt.healthCfg
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range rt.registry.Names() {
		e, _ := rt.registry.get(name)
		name := name
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
			defer cancel()

			healthy := false
			op := func() error {
				if e.backend.IsAvailable(probeCtx) {
					healthy = true
					return nil
				}
				return domain.ErrTransient
			}
			bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 1), probeCtx)
			_ = backoff.Retry(op, bo)

			rt.avail.Set(name, healthy, cfg.CacheTTL)
			slog.Debug("health probe", slog.String("backend", name), slog.Bool("healthy", healthy))
			if rt.sink != nil {
				rt.sink.Emit(domain.Event{Kind: "health_probe", Fields: map[string]any{
					"backend": name,
					"healthy": healthy,
				}})
			}
			return nil
		})
	}
	_ = g.Wait()
}

// MarkUnavailable lets callers force a backend unhealthy (used by the
// forced-backend path and by api-keys test).
func (rt *Router) MarkUnavailable(name string) {
	rt.avail.Set(name, false, rt.healthCfg.CacheTTL)
}

// MarkAvailable records an explicit healthy verdict.
func (rt *Router) MarkAvailable(name string) {
	rt.avail.Set(name, true, rt.healthCfg.CacheTTL)
}
