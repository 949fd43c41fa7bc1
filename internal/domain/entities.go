// Package domain holds the core entities, ports, and error taxonomy for
// Claudette. It has no dependencies on adapters or infrastructure.
package domain

import (
	"context"
	"time"
)

// Limits enforced on incoming requests.
const (
	MaxPromptBytes  = 1 << 20 // 1 MiB
	MaxContextFiles = 100
)

// TaskType classifies a prompt for backend scoring.
type TaskType string

// Task types recognised by the analyzer.
const (
	TaskReasoning    TaskType = "reasoning"
	TaskCode         TaskType = "code"
	TaskMath         TaskType = "math"
	TaskCreative     TaskType = "creative"
	TaskAnalytical   TaskType = "analysis"
	TaskMultilingual TaskType = "multilingual"
	TaskGeneral      TaskType = "general"
)

// Urgency buckets derived from the request timeout.
type Urgency string

// Urgency tiers.
const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Options carries per-request routing preferences. The zero value means
// "no preference"; a zero Timeout falls back to the configured default.
type Options struct {
	ForcedBackend      string
	Model              string
	MaxTokens          int
	Temperature        *float64 // nil means provider default; must be in [0,1]
	BypassCache        bool
	BypassOptimization bool
	Timeout            time.Duration
}

// Request is a canonical, validated user request.
// Files hold already-read context blobs, each prefixed with a "File: <path>"
// header by the orchestrator.
type Request struct {
	Prompt  string
	Files   []string
	Options Options
}

// Response is the uniform answer returned for every request regardless of
// which backend produced it.
type Response struct {
	Content     string            `json:"content"`
	BackendUsed string            `json:"backend_used"`
	CostEUR     float64           `json:"cost_eur"` // 6-decimal precision
	LatencyMS   int64             `json:"latency_ms"`
	TokensIn    int               `json:"tokens_input"`
	TokensOut   int               `json:"tokens_output"`
	CacheHit    bool              `json:"cache_hit"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CapabilityProfile is the static routing profile a backend ships with.
// Runtime behaviour only ever updates the rolling metrics, never the profile.
type CapabilityProfile struct {
	TaskScores       map[TaskType]float64 `yaml:"task_scores"`
	Languages        []string             `yaml:"languages"`
	Specializations  []string             `yaml:"specializations"` // language codes the backend is tuned for
	Quality          float64              `yaml:"quality"`
	Reliability      float64              `yaml:"reliability"`
	BaselineLatencyS float64              `yaml:"baseline_latency_s"`
}

// TaskScore returns the profile score for a task type, defaulting to the
// general score when the type is not listed.
func (p CapabilityProfile) TaskScore(t TaskType) float64 {
	if s, ok := p.TaskScores[t]; ok {
		return s
	}
	if s, ok := p.TaskScores[TaskGeneral]; ok {
		return s
	}
	return 0.5
}

// SupportsLanguage reports listed-language support and specialization.
func (p CapabilityProfile) SupportsLanguage(code string) (listed, specialized bool) {
	for _, l := range p.Specializations {
		if l == code {
			return true, true
		}
	}
	for _, l := range p.Languages {
		if l == code {
			return true, false
		}
	}
	return false, false
}

// BackendDescriptor describes one configured provider. Descriptors are
// created at init from configuration and owned by the router registry.
type BackendDescriptor struct {
	Name            string
	Model           string
	CostPer1KTokens float64
	BaseURL         string
	APIKeyRef       string // env var name holding the credential; never the credential itself
	Priority        int
	Profile         CapabilityProfile
}

// TaskAnalysis is the analyzer's classification of one request.
type TaskAnalysis struct {
	Type            TaskType
	Complexity      float64 // [0,1]
	Language        string  // ISO 639-1 guess
	EstimatedTokens int
	Urgency         Urgency
	QualityPriority float64 // [0,1]
}

// CacheEntry is a persisted prior response keyed by request fingerprint.
type CacheEntry struct {
	Key          string
	PromptHash   string
	Response     Response
	CreatedAt    time.Time
	ExpiresAt    time.Time
	SizeBytes    int64
	AccessCount  int64
	LastAccessed time.Time
}

// Expired reports whether the entry must be treated as a miss.
func (e CacheEntry) Expired(now time.Time) bool { return !e.ExpiresAt.After(now) }

// QuotaEntry is one append-only ledger row. IDs are ULIDs so they sort
// monotonically within a session.
type QuotaEntry struct {
	ID         string
	Timestamp  time.Time
	Backend    string
	PromptHash string
	TokensIn   int
	TokensOut  int
	CostEUR    float64
	CacheHit   bool
	LatencyMS  int64
}

// BackendMetrics are exponentially smoothed per-backend statistics driving
// the scorer. SuccessRate and QualityScore stay within [0,1].
type BackendMetrics struct {
	Backend      string
	AvgLatencyMS float64
	SuccessRate  float64
	QualityScore float64
	Requests     int64
	UpdatedAt    time.Time
}

// UsageAggregate is a rolled-up ledger view (daily or hourly).
type UsageAggregate struct {
	Bucket    time.Time
	Backend   string
	Requests  int64
	CacheHits int64
	TokensIn  int64
	TokensOut int64
	CostEUR   float64
}

// CacheStats summarises the response cache for status reporting.
type CacheStats struct {
	Entries     int64
	SizeBytes   int64
	Hits        int64
	Misses      int64
	HitRate     float64
	OldestEntry time.Time
}

// BackendStatus is the per-backend view exposed by status/backends commands.
type BackendStatus struct {
	Name         string
	Model        string
	Healthy      bool
	CircuitState string
	Metrics      BackendMetrics
}

// StatusReport is the top-level health summary.
type StatusReport struct {
	Healthy    bool
	Backends   []BackendStatus
	Cache      CacheStats
	LedgerRows int64
	Uptime     time.Duration
}

// Backend is the abstract provider capability the router dispatches to.
// Send performs exactly one upstream attempt and honours ctx deadlines;
// retries across backends belong to the router, not the adapter.
type Backend interface {
	Name() string
	Descriptor() BackendDescriptor
	IsAvailable(ctx context.Context) bool
	// EstimateCost is a pure function of configuration; no I/O.
	EstimateCost(tokens int) float64
	// LatencyScore returns the expected latency in seconds.
	LatencyScore() float64
	Send(ctx context.Context, req Request) (Response, error)
}

// ResponseCache is the persistent fingerprint -> response cache.
// Implementations must never return an expired entry.
type ResponseCache interface {
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	Put(ctx context.Context, entry CacheEntry, ttl time.Duration) error
	SweepExpired(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (CacheStats, error)
}

// LedgerStore persists quota entries and rolling backend metrics.
type LedgerStore interface {
	AppendQuota(ctx context.Context, e QuotaEntry) error
	RecentEntries(ctx context.Context, window time.Duration) ([]QuotaEntry, error)
	DailyAggregates(ctx context.Context, days int) ([]UsageAggregate, error)
	UpdateBackendMetrics(ctx context.Context, backend string, latencyMS int64, success bool, quality float64) error
	BackendMetrics(ctx context.Context, backend string) (BackendMetrics, error)
	Cleanup(ctx context.Context) error
	Close() error
}

// Event is a structured observability record (breaker transition, selection
// rationale, health probe result). Fields are masked by the sink before
// they reach any log output.
type Event struct {
	Kind   string
	Fields map[string]any
}

// EventSink receives router and breaker events.
type EventSink interface {
	Emit(Event)
}
