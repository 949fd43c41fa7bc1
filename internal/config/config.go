// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/claudette/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"dev"`
	DataDir string `env:"CLAUDETTE_DATA_DIR"`
	// BackendsFile points to the YAML backend pool definition. When empty,
	// built-in defaults for the well-known providers are used.
	BackendsFile string `env:"CLAUDETTE_BACKENDS_FILE"`
	// MemoryStore forces the in-memory ledger/cache fallback (test environments).
	MemoryStore bool   `env:"CLAUDETTE_MEMORY_STORE" envDefault:"false"`
	RedisAddr   string `env:"CLAUDETTE_REDIS_ADDR"`

	OpenAIAPIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	AnthropicAPIKey  string `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com"`
	QwenAPIKey       string `env:"DASHSCOPE_API_KEY"`
	QwenBaseURL      string `env:"QWEN_BASE_URL" envDefault:"https://dashscope.aliyuncs.com/compatible-mode/v1"`
	OllamaBaseURL    string `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434/v1"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"claudette"`

	ServePort        int           `env:"CLAUDETTE_PORT" envDefault:"8080"`
	RateLimitPerMin  int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	CORSAllowOrigins string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ShutdownTimeout  time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	Thresholds     Thresholds    `envPrefix:""`
	Router         RouterConfig  `envPrefix:""`
	CircuitBreaker BreakerConfig `envPrefix:""`
	Features       Features      `envPrefix:""`
	Health         HealthConfig  `envPrefix:""`
}

// Thresholds groups cache and request bounds.
type Thresholds struct {
	CacheTTL          time.Duration `env:"CACHE_TTL" envDefault:"3600s"`
	MaxCacheSize      int           `env:"MAX_CACHE_SIZE" envDefault:"10000" validate:"gt=0"`
	CostWarningEUR    float64       `env:"COST_WARNING_EUR" envDefault:"0.10"`
	MaxContextTokens  int           `env:"MAX_CONTEXT_TOKENS" envDefault:"128000"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"45s"`
	SimpleRequestBase time.Duration `env:"SIMPLE_REQUEST_BASE" envDefault:"30s"`
}

// RouterConfig holds the scoring weights and fallback switch.
type RouterConfig struct {
	CostWeight         float64 `env:"ROUTER_COST_WEIGHT" envDefault:"0.4" validate:"gte=0,lte=1"`
	LatencyWeight      float64 `env:"ROUTER_LATENCY_WEIGHT" envDefault:"0.4" validate:"gte=0,lte=1"`
	AvailabilityWeight float64 `env:"ROUTER_AVAILABILITY_WEIGHT" envDefault:"0.2" validate:"gte=0,lte=1"`
	FallbackEnabled    bool    `env:"ROUTER_FALLBACK_ENABLED" envDefault:"true"`
	MaxAttempts        int     `env:"ROUTER_MAX_ATTEMPTS" envDefault:"3" validate:"gt=0"`
}

// BreakerConfig mirrors the per-backend circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold      int           `env:"CB_FAILURE_THRESHOLD" envDefault:"5" validate:"gt=0"`
	BaseReset             time.Duration `env:"CB_BASE_RESET" envDefault:"30s"`
	HalfOpenMaxCalls      int           `env:"CB_HALF_OPEN_MAX_CALLS" envDefault:"3" validate:"gt=0"`
	FailureRateThreshold  float64       `env:"CB_FAILURE_RATE_THRESHOLD" envDefault:"50" validate:"gt=0,lte=100"`
	SlowCallThreshold     time.Duration `env:"CB_SLOW_CALL_THRESHOLD" envDefault:"15s"`
	SlowCallRateThreshold float64       `env:"CB_SLOW_CALL_RATE_THRESHOLD" envDefault:"80" validate:"gt=0,lte=100"`
	WindowSize            int           `env:"CB_WINDOW_SIZE" envDefault:"20" validate:"gt=1"`
}

// Features toggles optional subsystems.
type Features struct {
	Caching               bool `env:"FEATURE_CACHING" envDefault:"true"`
	CostOptimization      bool `env:"FEATURE_COST_OPTIMIZATION" envDefault:"true"`
	PerformanceMonitoring bool `env:"FEATURE_PERFORMANCE_MONITORING" envDefault:"true"`
	SmartRouting          bool `env:"FEATURE_SMART_ROUTING" envDefault:"true"`
}

// HealthConfig bounds the background availability poller.
type HealthConfig struct {
	Interval     time.Duration `env:"HEALTH_INTERVAL" envDefault:"60s"`
	ProbeTimeout time.Duration `env:"HEALTH_PROBE_TIMEOUT" envDefault:"12s"`
	CacheTTL     time.Duration `env:"HEALTH_CACHE_TTL" envDefault:"60s"`
}

// BackendConfig is one entry of the YAML backend pool.
type BackendConfig struct {
	Enabled         bool                     `yaml:"enabled"`
	Kind            string                   `yaml:"kind"` // openai | anthropic
	Priority        int                      `yaml:"priority"`
	Model           string                   `yaml:"model"`
	BaseURL         string                   `yaml:"base_url"`
	APIKeyRef       string                   `yaml:"api_key_ref"` // env var name
	CostPer1KTokens float64                  `yaml:"cost_per_1k_tokens"`
	Profile         domain.CapabilityProfile `yaml:"profile"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.DataDir = filepath.Join(home, ".claudette")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w: %v", domain.ErrInvalidInput, err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// UseMemoryStore reports whether the in-memory store fallback applies.
func (c Config) UseMemoryStore() bool { return c.MemoryStore || c.IsTest() }

// LoadBackends reads the backend pool, from YAML when configured, otherwise
// the built-in defaults for providers whose API keys are present in the
// environment. Ollama is always offered in the default pool since it needs
// no credential.
func (c Config) LoadBackends() (map[string]BackendConfig, error) {
	if c.BackendsFile != "" {
		raw, err := os.ReadFile(c.BackendsFile)
		if err != nil {
			return nil, fmt.Errorf("op=config.LoadBackends: %w", err)
		}
		var doc struct {
			Backends map[string]BackendConfig `yaml:"backends"`
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("op=config.LoadBackends: parse %s: %w", c.BackendsFile, err)
		}
		if len(doc.Backends) == 0 {
			return nil, fmt.Errorf("op=config.LoadBackends: %w: no backends defined", domain.ErrInvalidInput)
		}
		return doc.Backends, nil
	}
	return c.defaultBackends(), nil
}

func (c Config) defaultBackends() map[string]BackendConfig {
	out := map[string]BackendConfig{}
	if c.OpenAIAPIKey != "" {
		out["openai"] = BackendConfig{
			Enabled: true, Kind: "openai", Priority: 1,
			Model: "gpt-4o-mini", BaseURL: c.OpenAIBaseURL, APIKeyRef: "OPENAI_API_KEY",
			CostPer1KTokens: 0.0006,
			Profile: domain.CapabilityProfile{
				TaskScores: map[domain.TaskType]float64{
					domain.TaskReasoning: 0.90, domain.TaskCode: 0.90, domain.TaskMath: 0.85,
					domain.TaskCreative: 0.88, domain.TaskAnalytical: 0.88, domain.TaskMultilingual: 0.80,
					domain.TaskGeneral: 0.88,
				},
				Languages: []string{"en", "de", "fr", "es", "ja"},
				Quality:   0.88, Reliability: 0.95, BaselineLatencyS: 1.2,
			},
		}
	}
	if c.AnthropicAPIKey != "" {
		out["claude"] = BackendConfig{
			Enabled: true, Kind: "anthropic", Priority: 2,
			Model: "claude-3-5-sonnet-latest", BaseURL: c.AnthropicBaseURL, APIKeyRef: "ANTHROPIC_API_KEY",
			CostPer1KTokens: 0.003,
			Profile: domain.CapabilityProfile{
				TaskScores: map[domain.TaskType]float64{
					domain.TaskReasoning: 0.95, domain.TaskCode: 0.93, domain.TaskMath: 0.88,
					domain.TaskCreative: 0.92, domain.TaskAnalytical: 0.94, domain.TaskMultilingual: 0.82,
					domain.TaskGeneral: 0.90,
				},
				Languages: []string{"en", "de", "fr", "es"},
				Quality:   0.93, Reliability: 0.94, BaselineLatencyS: 1.8,
			},
		}
	}
	if c.QwenAPIKey != "" {
		out["qwen"] = BackendConfig{
			Enabled: true, Kind: "openai", Priority: 3,
			Model: "qwen-plus", BaseURL: c.QwenBaseURL, APIKeyRef: "DASHSCOPE_API_KEY",
			CostPer1KTokens: 0.0004,
			Profile: domain.CapabilityProfile{
				TaskScores: map[domain.TaskType]float64{
					domain.TaskReasoning: 0.85, domain.TaskCode: 0.92, domain.TaskMath: 0.86,
					domain.TaskCreative: 0.82, domain.TaskAnalytical: 0.84, domain.TaskMultilingual: 0.95,
					domain.TaskGeneral: 0.84,
				},
				Languages:       []string{"en", "zh", "ja", "ko"},
				Specializations: []string{"zh"},
				Quality:         0.85, Reliability: 0.90, BaselineLatencyS: 1.5,
			},
		}
	}
	out["ollama"] = BackendConfig{
		Enabled: true, Kind: "openai", Priority: 9,
		Model: "llama3.2", BaseURL: c.OllamaBaseURL,
		CostPer1KTokens: 0,
		Profile: domain.CapabilityProfile{
			TaskScores: map[domain.TaskType]float64{
				domain.TaskReasoning: 0.65, domain.TaskCode: 0.70, domain.TaskMath: 0.60,
				domain.TaskCreative: 0.72, domain.TaskAnalytical: 0.65, domain.TaskMultilingual: 0.60,
				domain.TaskGeneral: 0.70,
			},
			Languages: []string{"en"},
			Quality:   0.68, Reliability: 0.85, BaselineLatencyS: 3.0,
		},
	}
	return out
}

// Descriptors converts a backend pool into sorted router descriptors,
// skipping disabled entries.
func Descriptors(pool map[string]BackendConfig) []domain.BackendDescriptor {
	out := make([]domain.BackendDescriptor, 0, len(pool))
	for name, bc := range pool {
		if !bc.Enabled {
			continue
		}
		out = append(out, domain.BackendDescriptor{
			Name:            name,
			Model:           bc.Model,
			CostPer1KTokens: bc.CostPer1KTokens,
			BaseURL:         bc.BaseURL,
			APIKeyRef:       bc.APIKeyRef,
			Priority:        bc.Priority,
			Profile:         bc.Profile,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}
