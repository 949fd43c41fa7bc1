package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/claudette/internal/domain"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	entry := domain.CacheEntry{
		Key:        "k1",
		PromptHash: "h1",
		Response:   domain.Response{Content: "cached answer", TokensIn: 5, TokensOut: 9, CostEUR: 0.000012},
	}
	require.NoError(t, c.Put(ctx, entry, time.Hour))

	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cached answer", got.Response.Content)
	assert.Equal(t, int64(1), got.AccessCount)
}

func TestMiss(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, domain.CacheEntry{Key: "k", Response: domain.Response{Content: "v"}}, time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearAndStats(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, domain.CacheEntry{Key: "a", Response: domain.Response{Content: "1"}}, time.Hour))
	require.NoError(t, c.Put(ctx, domain.CacheEntry{Key: "b", Response: domain.Response{Content: "2"}}, time.Hour))
	_, _, _ = c.Get(ctx, "a")
	_, _, _ = c.Get(ctx, "missing")

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Entries)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 0.001)
	assert.Greater(t, st.SizeBytes, int64(0))

	require.NoError(t, c.Clear(ctx))
	st, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Entries)
}

func TestPutRejectsNonPositiveTTL(t *testing.T) {
	c, _ := newTestCache(t)
	err := c.Put(context.Background(), domain.CacheEntry{Key: "k"}, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
