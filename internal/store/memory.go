package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fairyhunter13/claudette/internal/domain"
)

// NoopLedger is the ledger fallback for processes with no backing
// storage: writes are no-ops and reads return empty or zero values.
type NoopLedger struct{}

// NewNoopLedger returns the in-memory ledger fallback.
func NewNoopLedger() *NoopLedger { return &NoopLedger{} }

// AppendQuota discards the entry.
func (*NoopLedger) AppendQuota(context.Context, domain.QuotaEntry) error { return nil }

// RecentEntries returns no rows.
func (*NoopLedger) RecentEntries(context.Context, time.Duration) ([]domain.QuotaEntry, error) {
	return nil, nil
}

// DailyAggregates returns no rows.
func (*NoopLedger) DailyAggregates(context.Context, int) ([]domain.UsageAggregate, error) {
	return nil, nil
}

// UpdateBackendMetrics discards the update.
func (*NoopLedger) UpdateBackendMetrics(context.Context, string, int64, bool, float64) error {
	return nil
}

// BackendMetrics returns zero metrics.
func (*NoopLedger) BackendMetrics(_ context.Context, backend string) (domain.BackendMetrics, error) {
	return domain.BackendMetrics{Backend: backend}, nil
}

// Cleanup does nothing.
func (*NoopLedger) Cleanup(context.Context) error { return nil }

// Close does nothing.
func (*NoopLedger) Close() error { return nil }

// MemoryCache is a map-backed response cache for memory-store mode. It
// honours TTLs and capacity like the SQLite cache but loses its contents
// at process exit.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]domain.CacheEntry
	maxEntries int
	hits       int64
	misses     int64
	now        func() time.Time
}

// NewMemoryCache builds a MemoryCache with the given capacity.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryCache{
		entries:    make(map[string]domain.CacheEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a fresh entry, deleting and missing on expiry.
func (c *MemoryCache) Get(_ context.Context, key string) (domain.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return domain.CacheEntry{}, false, nil
	}
	now := c.now().UTC()
	if e.Expired(now) {
		delete(c.entries, key)
		c.misses++
		return domain.CacheEntry{}, false, nil
	}
	e.AccessCount++
	e.LastAccessed = now
	c.entries[key] = e
	c.hits++
	return e, true, nil
}

// Put upserts an entry, evicting the entry closest to expiry at capacity.
func (c *MemoryCache) Put(_ context.Context, e domain.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return domain.ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.ExpiresAt = e.CreatedAt.Add(ttl)
	if blob, err := json.Marshal(e.Response); err == nil {
		e.SizeBytes = int64(len(blob))
	}
	e.AccessCount = 0
	if _, exists := c.entries[e.Key]; !exists && len(c.entries) >= c.maxEntries {
		var victim string
		var earliest time.Time
		for k, v := range c.entries {
			if victim == "" || v.ExpiresAt.Before(earliest) {
				victim, earliest = k, v.ExpiresAt
			}
		}
		delete(c.entries, victim)
	}
	c.entries[e.Key] = e
	return nil
}

// SweepExpired removes expired and day-old unused entries.
func (c *MemoryCache) SweepExpired(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	var n int64
	for k, e := range c.entries {
		if e.Expired(now) || (e.AccessCount == 0 && now.Sub(e.CreatedAt) > UnusedCacheRetention) {
			delete(c.entries, k)
			n++
		}
	}
	return n, nil
}

// Clear removes everything.
func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]domain.CacheEntry)
	return nil
}

// Stats summarises the cache.
func (c *MemoryCache) Stats(context.Context) (domain.CacheStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := domain.CacheStats{Entries: int64(len(c.entries)), Hits: c.hits, Misses: c.misses}
	for _, e := range c.entries {
		st.SizeBytes += e.SizeBytes
		if st.OldestEntry.IsZero() || e.CreatedAt.Before(st.OldestEntry) {
			st.OldestEntry = e.CreatedAt
		}
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st, nil
}
