package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/claudette/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 10000, cfg.Thresholds.MaxCacheSize)
	assert.Equal(t, 3, cfg.Router.MaxAttempts)
	assert.True(t, cfg.Router.FallbackEnabled)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 20, cfg.CircuitBreaker.WindowSize)
	assert.True(t, cfg.Features.Caching)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("CLAUDETTE_DATA_DIR", "/tmp/claudette-test")
	t.Setenv("MAX_CACHE_SIZE", "42")
	t.Setenv("ROUTER_FALLBACK_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsTest())
	assert.True(t, cfg.UseMemoryStore(), "test env implies the memory store")
	assert.Equal(t, "/tmp/claudette-test", cfg.DataDir)
	assert.Equal(t, 42, cfg.Thresholds.MaxCacheSize)
	assert.False(t, cfg.Router.FallbackEnabled)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("MAX_CACHE_SIZE", "-5")
	_, err := Load()
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLoadBackends_FromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backends:
  custom:
    enabled: true
    kind: openai
    priority: 1
    model: my-model
    base_url: http://localhost:9999/v1
    api_key_ref: CUSTOM_KEY
    cost_per_1k_tokens: 0.0005
    profile:
      task_scores: {code: 0.9, general: 0.8}
      languages: [en, nl]
      specializations: [nl]
      quality: 0.8
      reliability: 0.9
      baseline_latency_s: 1.1
  disabled:
    enabled: false
    kind: openai
    model: ignored
`), 0o600))
	t.Setenv("CLAUDETTE_BACKENDS_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	pool, err := cfg.LoadBackends()
	require.NoError(t, err)
	require.Contains(t, pool, "custom")

	bc := pool["custom"]
	assert.Equal(t, "my-model", bc.Model)
	assert.Equal(t, 0.0005, bc.CostPer1KTokens)
	assert.Equal(t, 0.9, bc.Profile.TaskScores[domain.TaskCode])

	listed, specialized := bc.Profile.SupportsLanguage("nl")
	assert.True(t, listed)
	assert.True(t, specialized)

	descs := Descriptors(pool)
	require.Len(t, descs, 1, "disabled entries must be dropped")
	assert.Equal(t, "custom", descs[0].Name)
}

func TestLoadBackends_EmptyYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backends: {}\n"), 0o600))
	t.Setenv("CLAUDETTE_BACKENDS_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	_, err = cfg.LoadBackends()
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDefaultBackends_KeyedByEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-x")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("DASHSCOPE_API_KEY", "ds-x")

	cfg, err := Load()
	require.NoError(t, err)
	pool, err := cfg.LoadBackends()
	require.NoError(t, err)

	assert.Contains(t, pool, "openai")
	assert.Contains(t, pool, "qwen")
	assert.NotContains(t, pool, "claude")
	assert.Contains(t, pool, "ollama", "ollama needs no credential")

	descs := Descriptors(pool)
	require.NotEmpty(t, descs)
	assert.Equal(t, "openai", descs[0].Name, "descriptors sort by priority")
	assert.Equal(t, "ollama", descs[len(descs)-1].Name)
}

func TestDescriptors_TieBreakByName(t *testing.T) {
	pool := map[string]BackendConfig{
		"beta":  {Enabled: true, Priority: 1},
		"alpha": {Enabled: true, Priority: 1},
	}
	descs := Descriptors(pool)
	require.Len(t, descs, 2)
	assert.Equal(t, "alpha", descs[0].Name)
}
