// Package openaicompat implements domain.Backend against OpenAI-compatible
// chat-completions APIs (OpenAI, Qwen/DashScope, Ollama, vLLM, and friends).
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/claudette/internal/analyzer"
	"github.com/fairyhunter13/claudette/internal/domain"
)

// sharedTransport caps connection reuse across all backend clients in the
// process. Provider endpoints are few, so per-host limits stay small.
var sharedTransport = &http.Transport{
	MaxIdleConns:        32,
	MaxIdleConnsPerHost: 8,
	IdleConnTimeout:     90 * time.Second,
}

// Client is one configured OpenAI-compatible provider. Send performs a
// single upstream attempt; fallback and retries live in the router.
type Client struct {
	desc   domain.BackendDescriptor
	apiKey string
	hc     *http.Client

	// healthPath is probed by IsAvailable, relative to BaseURL.
	healthPath string
}

// Option tweaks client construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithHealthPath overrides the availability probe path (Ollama uses
// /api/tags instead of /models).
func WithHealthPath(p string) Option {
	return func(c *Client) { c.healthPath = p }
}

// New builds a client from a descriptor. The API key is resolved from the
// environment variable the descriptor references; an empty key is allowed
// for keyless local endpoints.
func New(desc domain.BackendDescriptor, opts ...Option) *Client {
	c := &Client{
		desc:       desc,
		apiKey:     os.Getenv(desc.APIKeyRef),
		hc:         &http.Client{Transport: otelhttp.NewTransport(sharedTransport)},
		healthPath: "/models",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the backend name.
func (c *Client) Name() string { return c.desc.Name }

// Descriptor returns the configured descriptor.
func (c *Client) Descriptor() domain.BackendDescriptor { return c.desc }

// EstimateCost prices a token count from static configuration.
func (c *Client) EstimateCost(tokens int) float64 {
	return c.desc.CostPer1KTokens * float64(tokens) / 1000.0
}

// LatencyScore returns the profile's baseline latency in seconds.
func (c *Client) LatencyScore() float64 { return c.desc.Profile.BaselineLatencyS }

// IsAvailable probes the provider's model listing endpoint.
func (c *Client) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(c.desc.BaseURL, "/")+c.healthPath, nil)
	if err != nil {
		return false
	}
	c.authorize(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Send performs exactly one chat-completions call and maps the outcome onto
// the error taxonomy.
func (c *Client) Send(ctx context.Context, req domain.Request) (domain.Response, error) {
	model := req.Options.Model
	if model == "" {
		model = c.desc.Model
	}

	body := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: joinPrompt(req)}},
		MaxTokens:   req.Options.MaxTokens,
		Temperature: req.Options.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.Response{}, fmt.Errorf("op=openaicompat.Send: encode: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.desc.BaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return domain.Response{}, fmt.Errorf("op=openaicompat.Send: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	start := time.Now()
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return domain.Response{}, c.transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return domain.Response{}, domain.NewBackendError(c.desc.Name, domain.KindTransient,
			"read response body: "+err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		return domain.Response{}, c.statusError(resp, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Response{}, domain.NewBackendError(c.desc.Name, domain.KindTransient,
			"decode response: "+err.Error())
	}
	if len(parsed.Choices) == 0 {
		return domain.Response{}, domain.NewBackendError(c.desc.Name, domain.KindTransient,
			"empty choices in response")
	}

	content := parsed.Choices[0].Message.Content
	tokensIn := parsed.Usage.PromptTokens
	tokensOut := parsed.Usage.CompletionTokens
	if tokensIn == 0 {
		tokensIn = analyzer.EstimateTokens(joinPrompt(req))
	}
	if tokensOut == 0 {
		tokensOut = analyzer.EstimateTokens(content)
	}

	out := domain.Response{
		Content:     content,
		BackendUsed: c.desc.Name,
		LatencyMS:   time.Since(start).Milliseconds(),
		TokensIn:    tokensIn,
		TokensOut:   tokensOut,
		Metadata:    map[string]string{"model": model},
	}
	if fr := parsed.Choices[0].FinishReason; fr != "" {
		out.Metadata["finish_reason"] = fr
	}
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// transportError maps network failures. A deadline hit is a timeout, the
// rest are transient.
func (c *Client) transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewBackendError(c.desc.Name, domain.KindTimeout, "request deadline exceeded")
	}
	return domain.NewBackendError(c.desc.Name, domain.KindTransient, err.Error())
}

// statusError maps HTTP error statuses onto the taxonomy.
func (c *Client) statusError(resp *http.Response, raw []byte) error {
	msg := upstreamMessage(raw)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewBackendError(c.desc.Name, domain.KindAuth, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		be := domain.NewBackendError(c.desc.Name, domain.KindRateLimit, msg)
		be.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return be
	case resp.StatusCode == http.StatusRequestEntityTooLarge || isContextLength(msg):
		return domain.NewBackendError(c.desc.Name, domain.KindContextLength, msg)
	case resp.StatusCode >= 500:
		return domain.NewBackendError(c.desc.Name, domain.KindTransient,
			fmt.Sprintf("upstream status %d: %s", resp.StatusCode, msg))
	default:
		return domain.NewBackendError(c.desc.Name, domain.KindFatal,
			fmt.Sprintf("upstream status %d: %s", resp.StatusCode, msg))
	}
}

func upstreamMessage(raw []byte) string {
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	s := string(raw)
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

func isContextLength(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "context length") ||
		strings.Contains(m, "context_length_exceeded") ||
		strings.Contains(m, "maximum context")
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	slog.Debug("unparseable Retry-After header", slog.String("value", v))
	return 0
}

// joinPrompt flattens the prompt and pre-read context files into one user
// message.
func joinPrompt(req domain.Request) string {
	if len(req.Files) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	b.WriteString(req.Prompt)
	for _, f := range req.Files {
		b.WriteString("\n\n")
		b.WriteString(f)
	}
	return b.String()
}
