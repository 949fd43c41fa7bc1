package usecase_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/claudette/internal/breaker"
	"github.com/fairyhunter13/claudette/internal/domain"
	"github.com/fairyhunter13/claudette/internal/router"
	"github.com/fairyhunter13/claudette/internal/store"
	"github.com/fairyhunter13/claudette/internal/usecase"
)

// fakeBackend is a scriptable domain.Backend for pipeline tests.
type fakeBackend struct {
	desc  domain.BackendDescriptor
	send  func(ctx context.Context, req domain.Request) (domain.Response, error)
	seen  []domain.Request
	avail bool
}

func (f *fakeBackend) Name() string                          { return f.desc.Name }
func (f *fakeBackend) Descriptor() domain.BackendDescriptor  { return f.desc }
func (f *fakeBackend) IsAvailable(context.Context) bool      { return f.avail }
func (f *fakeBackend) LatencyScore() float64                 { return f.desc.Profile.BaselineLatencyS }
func (f *fakeBackend) EstimateCost(tokens int) float64 {
	return f.desc.CostPer1KTokens * float64(tokens) / 1000.0
}
func (f *fakeBackend) Send(ctx context.Context, req domain.Request) (domain.Response, error) {
	f.seen = append(f.seen, req)
	return f.send(ctx, req)
}

func okSend(content string) func(context.Context, domain.Request) (domain.Response, error) {
	return func(context.Context, domain.Request) (domain.Response, error) {
		return domain.Response{Content: content, TokensIn: 10, TokensOut: 20}, nil
	}
}

func newFake(name string, priority int, profile domain.CapabilityProfile, cost float64) *fakeBackend {
	return &fakeBackend{
		desc: domain.BackendDescriptor{
			Name:            name,
			Model:           name + "-model",
			CostPer1KTokens: cost,
			Priority:        priority,
			Profile:         profile,
		},
		send:  okSend("answer from " + name),
		avail: true,
	}
}

func genericProfile() domain.CapabilityProfile {
	return domain.CapabilityProfile{
		TaskScores: map[domain.TaskType]float64{
			domain.TaskGeneral: 0.85, domain.TaskCode: 0.85,
		},
		Languages:        []string{"en"},
		Quality:          0.85,
		Reliability:      0.9,
		BaselineLatencyS: 1.0,
	}
}

type harness struct {
	opt    *usecase.Optimizer
	router *router.Router
	store  *store.Store
}

func newHarness(t *testing.T, breakerCfg breaker.Config, backends ...*fakeBackend) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir(), 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := router.NewRegistry()
	for _, b := range backends {
		require.NoError(t, reg.Register(b, breakerCfg, nil))
	}
	reg.Seal()

	rt := router.New(reg, router.Config{FallbackEnabled: true}, router.HealthPollerConfig{}, st, nil)
	opt := usecase.New(rt, st, st, nil, usecase.Options{
		CacheTTL:       time.Hour,
		DefaultTimeout: 5 * time.Second,
		CachingEnabled: true,
	})
	return &harness{opt: opt, router: rt, store: st}
}

func TestOptimize_CacheHitOnRepeat(t *testing.T) {
	b := newFake("b1", 1, genericProfile(), 0.001)
	h := newHarness(t, breaker.Config{}, b)
	ctx := context.Background()

	first, err := h.opt.Optimize(ctx, "what is the capital of France?", nil, domain.Options{})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, "b1", first.BackendUsed)

	second, err := h.opt.Optimize(ctx, "what is the capital of France?", nil, domain.Options{})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Content, second.Content)
	assert.Len(t, b.seen, 1, "second request must not reach the backend")

	entries, err := h.store.RecentEntries(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, entries[0].CacheHit)
	assert.True(t, entries[1].CacheHit)
	assert.Equal(t, 0.0, entries[1].CostEUR, "cache hits cost nothing")

	sum := sha256.Sum256([]byte("what is the capital of France?"))
	assert.Equal(t, hex.EncodeToString(sum[:]), entries[0].PromptHash,
		"ledger rows carry the prompt hash, not the request fingerprint")
	assert.Equal(t, entries[0].PromptHash, entries[1].PromptHash)
}

func TestOptimize_CacheHitLatencyMeasured(t *testing.T) {
	b := newFake("b1", 1, genericProfile(), 0.001)
	b.send = func(context.Context, domain.Request) (domain.Response, error) {
		time.Sleep(60 * time.Millisecond)
		return domain.Response{Content: "slow answer", TokensIn: 10, TokensOut: 20}, nil
	}
	h := newHarness(t, breaker.Config{}, b)
	ctx := context.Background()

	first, err := h.opt.Optimize(ctx, "expensive question", nil, domain.Options{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first.LatencyMS, int64(60))

	second, err := h.opt.Optimize(ctx, "expensive question", nil, domain.Options{})
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	assert.Less(t, second.LatencyMS, int64(50),
		"cache hit latency is measured from request start, not copied from the stored response")

	entries, err := h.store.RecentEntries(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Less(t, entries[1].LatencyMS, int64(50))
}

func TestOptimize_BypassCacheSkipsLookup(t *testing.T) {
	b := newFake("b1", 1, genericProfile(), 0.001)
	h := newHarness(t, breaker.Config{}, b)
	ctx := context.Background()

	_, err := h.opt.Optimize(ctx, "same prompt", nil, domain.Options{})
	require.NoError(t, err)
	resp, err := h.opt.Optimize(ctx, "same prompt", nil, domain.Options{BypassCache: true})
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Len(t, b.seen, 2)
}

func TestOptimize_ForcedUnavailableBackend(t *testing.T) {
	b1 := newFake("b1", 1, genericProfile(), 0.001)
	b2 := newFake("b2", 2, genericProfile(), 0.001)
	h := newHarness(t, breaker.Config{}, b1, b2)
	ctx := context.Background()

	h.router.MarkUnavailable("b1")

	_, err := h.opt.Optimize(ctx, "hello", nil, domain.Options{ForcedBackend: "b1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "not available")
	assert.Empty(t, b2.seen, "no silent fallback from a forced backend")

	entries, lerr := h.store.RecentEntries(ctx, time.Hour)
	require.NoError(t, lerr)
	assert.Empty(t, entries, "failed requests must not reach the ledger")
}

func TestOptimize_ForcedUnknownBackend(t *testing.T) {
	h := newHarness(t, breaker.Config{}, newFake("b1", 1, genericProfile(), 0.001))
	_, err := h.opt.Optimize(context.Background(), "hello", nil, domain.Options{ForcedBackend: "ghost"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOptimize_SequentialFallbackOnRateLimit(t *testing.T) {
	b1 := newFake("b1", 1, genericProfile(), 0.001)
	b1.send = func(context.Context, domain.Request) (domain.Response, error) {
		return domain.Response{}, domain.NewBackendError("b1", domain.KindRateLimit, "slow down")
	}
	// b1 wins scoring via a better profile; b2 is the fallback.
	b1.desc.Profile.Quality = 0.95
	b1.desc.Profile.TaskScores[domain.TaskGeneral] = 0.95
	b2 := newFake("b2", 2, genericProfile(), 0.002)

	h := newHarness(t, breaker.Config{}, b1, b2)
	resp, err := h.opt.Optimize(context.Background(), "hello there", nil, domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, "b2", resp.BackendUsed)
	assert.Len(t, b1.seen, 1)
	assert.Len(t, b2.seen, 1)
}

func TestOptimize_NonRetryableStopsFallback(t *testing.T) {
	b1 := newFake("b1", 1, genericProfile(), 0.001)
	b1.send = func(context.Context, domain.Request) (domain.Response, error) {
		return domain.Response{}, domain.NewBackendError("b1", domain.KindAuth, "bad key")
	}
	b1.desc.Profile.Quality = 0.99
	b1.desc.Profile.TaskScores[domain.TaskGeneral] = 0.99
	b2 := newFake("b2", 2, genericProfile(), 0.002)

	h := newHarness(t, breaker.Config{}, b1, b2)
	_, err := h.opt.Optimize(context.Background(), "hello", nil, domain.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.Empty(t, b2.seen, "auth failures must not trigger fallback")
}

func TestOptimize_BreakerTripAndRecover(t *testing.T) {
	b := newFake("b1", 1, genericProfile(), 0.001)
	failing := true
	b.send = func(context.Context, domain.Request) (domain.Response, error) {
		if failing {
			return domain.Response{}, domain.NewBackendError("b1", domain.KindTransient, "boom")
		}
		return domain.Response{Content: "recovered", TokensIn: 5, TokensOut: 5}, nil
	}
	cfg := breaker.Config{FailureThreshold: 5, BaseReset: 50 * time.Millisecond}
	h := newHarness(t, cfg, b)
	ctx := context.Background()
	forced := domain.Options{ForcedBackend: "b1", BypassCache: true}

	for i := 0; i < 5; i++ {
		_, err := h.opt.Optimize(ctx, "poke", nil, forced)
		require.Error(t, err)
	}

	// The breaker is now open: the next request is rejected without a send.
	sends := len(b.seen)
	_, err := h.opt.Optimize(ctx, "poke", nil, forced)
	require.Error(t, err)
	var all *domain.AllFailedError
	require.ErrorAs(t, err, &all)
	assert.True(t, all.Has(domain.KindCircuitOpen))
	assert.Len(t, b.seen, sends, "open breaker must short-circuit before the backend")

	// After the reset window a probe is admitted and success closes the circuit.
	failing = false
	time.Sleep(80 * time.Millisecond)
	resp, err := h.opt.Optimize(ctx, "poke", nil, forced)
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)

	resp, err = h.opt.Optimize(ctx, "poke again", nil, forced)
	require.NoError(t, err)
	assert.Equal(t, "b1", resp.BackendUsed)
}

func TestOptimize_TaskAwareLanguageRouting(t *testing.T) {
	general := newFake("openai-like", 1, domain.CapabilityProfile{
		TaskScores: map[domain.TaskType]float64{
			domain.TaskCode: 0.90, domain.TaskGeneral: 0.88,
		},
		Languages:        []string{"en", "de", "fr"},
		Quality:          0.88,
		Reliability:      0.95,
		BaselineLatencyS: 1.2,
	}, 0.0006)
	zh := newFake("qwen-like", 3, domain.CapabilityProfile{
		TaskScores: map[domain.TaskType]float64{
			domain.TaskCode: 0.92, domain.TaskGeneral: 0.84,
		},
		Languages:        []string{"en", "zh"},
		Specializations:  []string{"zh"},
		Quality:          0.85,
		Reliability:      0.90,
		BaselineLatencyS: 1.5,
	}, 0.0004)

	h := newHarness(t, breaker.Config{}, general, zh)
	resp, err := h.opt.Optimize(context.Background(), "写一个 Python 函数反转字符串", nil, domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, "qwen-like", resp.BackendUsed,
		"Chinese code prompt should route to the zh-specialized backend")
}

func TestOptimize_TimeoutBounded(t *testing.T) {
	b := newFake("b1", 1, genericProfile(), 0.001)
	b.send = func(ctx context.Context, _ domain.Request) (domain.Response, error) {
		select {
		case <-ctx.Done():
			return domain.Response{}, ctx.Err()
		case <-time.After(2 * time.Second):
			return domain.Response{Content: "too late"}, nil
		}
	}
	h := newHarness(t, breaker.Config{}, b)

	start := time.Now()
	_, err := h.opt.Optimize(context.Background(), "slow request", nil,
		domain.Options{Timeout: 100 * time.Millisecond})
	elapsed := time.Since(start)

	require.Error(t, err)
	var all *domain.AllFailedError
	require.ErrorAs(t, err, &all)
	assert.True(t, all.Has(domain.KindTimeout))
	assert.Less(t, elapsed, time.Second, "timeout must be enforced promptly")
}

func TestOptimize_Validation(t *testing.T) {
	h := newHarness(t, breaker.Config{}, newFake("b1", 1, genericProfile(), 0.001))
	ctx := context.Background()

	_, err := h.opt.Optimize(ctx, "   ", nil, domain.Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.opt.Optimize(ctx, "ok", []string{"../etc/passwd"}, domain.Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.opt.Optimize(ctx, "ok", []string{"~/secrets"}, domain.Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	bad := 1.5
	_, err = h.opt.Optimize(ctx, "ok", nil, domain.Options{Temperature: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	many := make([]string, domain.MaxContextFiles+1)
	for i := range many {
		many[i] = "f.txt"
	}
	_, err = h.opt.Optimize(ctx, "ok", many, domain.Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOptimize_ContextFilesReachBackend(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(textPath, []byte("meeting notes"), 0o600))
	binPath := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(binPath, []byte{0x7f, 'E', 'L', 'F', 0, 1, 2, 3}, 0o600))

	b := newFake("b1", 1, genericProfile(), 0.001)
	h := newHarness(t, breaker.Config{}, b)

	_, err := h.opt.Optimize(context.Background(), "summarize", []string{textPath, binPath}, domain.Options{})
	require.NoError(t, err)
	require.Len(t, b.seen, 1)
	require.Len(t, b.seen[0].Files, 1, "binary file should be skipped")
	assert.Contains(t, b.seen[0].Files[0], "File: "+textPath)
	assert.Contains(t, b.seen[0].Files[0], "meeting notes")
}

func TestOptimize_UnreadableFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(textPath, []byte("meeting notes"), 0o600))

	b := newFake("b1", 1, genericProfile(), 0.001)
	h := newHarness(t, breaker.Config{}, b)

	_, err := h.opt.Optimize(context.Background(), "summarize",
		[]string{textPath, filepath.Join(dir, "absent.txt")}, domain.Options{})
	require.NoError(t, err, "one unreadable file must not fail the request")
	require.Len(t, b.seen, 1)
	require.Len(t, b.seen[0].Files, 1)
	assert.Contains(t, b.seen[0].Files[0], "meeting notes")
}

func TestOptimize_AllFilesUnreadableIsInvalid(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, breaker.Config{}, newFake("b1", 1, genericProfile(), 0.001))
	_, err := h.opt.Optimize(context.Background(), "ok",
		[]string{filepath.Join(dir, "absent.txt"), filepath.Join(dir, "gone.txt")}, domain.Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestFingerprint_Deterministic(t *testing.T) {
	temp := 0.5
	req := domain.Request{
		Prompt:  "hello",
		Files:   []string{"File: a\nx", "File: b\ny"},
		Options: domain.Options{Model: "m", MaxTokens: 100, Temperature: &temp},
	}
	assert.Equal(t, usecase.Fingerprint(req), usecase.Fingerprint(req))

	// File order must not matter.
	swapped := req
	swapped.Files = []string{"File: b\ny", "File: a\nx"}
	assert.Equal(t, usecase.Fingerprint(req), usecase.Fingerprint(swapped))

	// Any response-shaping option changes the key.
	other := req
	other.Options.Model = "m2"
	assert.NotEqual(t, usecase.Fingerprint(req), usecase.Fingerprint(other))

	other = req
	other.Options.MaxTokens = 200
	assert.NotEqual(t, usecase.Fingerprint(req), usecase.Fingerprint(other))

	other = req
	t2 := 0.9
	other.Options.Temperature = &t2
	assert.NotEqual(t, usecase.Fingerprint(req), usecase.Fingerprint(other))

	other = req
	other.Prompt = "hello!"
	assert.NotEqual(t, usecase.Fingerprint(req), usecase.Fingerprint(other))
}

func TestStatus_ReportsBackendsAndCache(t *testing.T) {
	b := newFake("b1", 1, genericProfile(), 0.001)
	h := newHarness(t, breaker.Config{}, b)
	ctx := context.Background()

	_, err := h.opt.Optimize(ctx, "warm up", nil, domain.Options{})
	require.NoError(t, err)

	report, err := h.opt.Status(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	require.Len(t, report.Backends, 1)
	assert.Equal(t, "b1", report.Backends[0].Name)
	assert.Equal(t, "closed", report.Backends[0].CircuitState)
	assert.Equal(t, int64(1), report.Cache.Entries)
	assert.Equal(t, int64(1), report.LedgerRows)
}

func TestClearCache(t *testing.T) {
	h := newHarness(t, breaker.Config{}, newFake("b1", 1, genericProfile(), 0.001))
	ctx := context.Background()

	_, err := h.opt.Optimize(ctx, "cache me", nil, domain.Options{})
	require.NoError(t, err)
	require.NoError(t, h.opt.ClearCache(ctx))

	st, err := h.opt.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Entries)
}

func TestOptimize_RawBypassesScoringAndCache(t *testing.T) {
	b1 := newFake("b1", 1, genericProfile(), 0.001)
	b2 := newFake("b2", 2, genericProfile(), 0.0001)
	h := newHarness(t, breaker.Config{}, b1, b2)
	ctx := context.Background()

	resp, err := h.opt.Optimize(ctx, "raw please", nil, domain.Options{BypassOptimization: true})
	require.NoError(t, err)
	assert.Equal(t, "b1", resp.BackendUsed, "raw mode goes to the highest-priority backend")

	// Same prompt again still reaches the backend: raw mode never caches.
	_, err = h.opt.Optimize(ctx, "raw please", nil, domain.Options{BypassOptimization: true})
	require.NoError(t, err)
	assert.Len(t, b1.seen, 2)
}

func TestOptimize_AllBackendsFailed(t *testing.T) {
	mk := func(name string, prio int) *fakeBackend {
		b := newFake(name, prio, genericProfile(), 0.001)
		b.send = func(context.Context, domain.Request) (domain.Response, error) {
			return domain.Response{}, domain.NewBackendError(name, domain.KindTransient, "down")
		}
		return b
	}
	h := newHarness(t, breaker.Config{}, mk("b1", 1), mk("b2", 2), mk("b3", 3), mk("b4", 4))

	_, err := h.opt.Optimize(context.Background(), "anyone?", nil, domain.Options{})
	require.Error(t, err)
	var all *domain.AllFailedError
	require.ErrorAs(t, err, &all)
	assert.Len(t, all.Causes, 3, "fallback tries at most three distinct backends")
	assert.True(t, errors.Is(err, domain.ErrTransient) || all.Retryable())
}
