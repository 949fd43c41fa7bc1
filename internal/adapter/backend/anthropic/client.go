// Package anthropic implements domain.Backend against the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/claudette/internal/analyzer"
	"github.com/fairyhunter13/claudette/internal/domain"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

var sharedTransport = &http.Transport{
	MaxIdleConns:        16,
	MaxIdleConnsPerHost: 8,
	IdleConnTimeout:     90 * time.Second,
}

// Client is one configured Anthropic provider.
type Client struct {
	desc   domain.BackendDescriptor
	apiKey string
	hc     *http.Client
}

// Option tweaks client construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// New builds a client from a descriptor, resolving the API key from the
// environment variable the descriptor references.
func New(desc domain.BackendDescriptor, opts ...Option) *Client {
	c := &Client{
		desc:   desc,
		apiKey: os.Getenv(desc.APIKeyRef),
		hc:     &http.Client{Transport: otelhttp.NewTransport(sharedTransport)},
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

// IsAvailable probes the models listing. A 401 still proves the endpoint is
// reachable but means the credential is bad, so it reports unavailable.
func (c *Client) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(c.desc.BaseURL, "/")+"/v1/models", nil)
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

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send performs exactly one Messages API call.
func (c *Client) Send(ctx context.Context, req domain.Request) (domain.Response, error) {
	model := req.Options.Model
	if model == "" {
		model = c.desc.Model
	}
	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    []message{{Role: "user", Content: joinPrompt(req)}},
		Temperature: req.Options.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.Response{}, fmt.Errorf("op=anthropic.Send: encode: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.desc.BaseURL, "/")+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return domain.Response{}, fmt.Errorf("op=anthropic.Send: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	start := time.Now()
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Response{}, domain.NewBackendError(c.desc.Name, domain.KindTimeout,
				"request deadline exceeded")
		}
		return domain.Response{}, domain.NewBackendError(c.desc.Name, domain.KindTransient, err.Error())
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

	var parsed messagesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Response{}, domain.NewBackendError(c.desc.Name, domain.KindTransient,
			"decode response: "+err.Error())
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return domain.Response{}, domain.NewBackendError(c.desc.Name, domain.KindTransient,
			"no text content in response")
	}

	tokensIn := parsed.Usage.InputTokens
	tokensOut := parsed.Usage.OutputTokens
	if tokensIn == 0 {
		tokensIn = analyzer.EstimateTokens(joinPrompt(req))
	}
	if tokensOut == 0 {
		tokensOut = analyzer.EstimateTokens(text.String())
	}

	out := domain.Response{
		Content:     text.String(),
		BackendUsed: c.desc.Name,
		LatencyMS:   time.Since(start).Milliseconds(),
		TokensIn:    tokensIn,
		TokensOut:   tokensOut,
		Metadata:    map[string]string{"model": model},
	}
	if parsed.StopReason != "" {
		out.Metadata["stop_reason"] = parsed.StopReason
	}
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
}

func (c *Client) statusError(resp *http.Response, raw []byte) error {
	var parsed messagesResponse
	msg := ""
	if err := json.Unmarshal(raw, &parsed); err == nil {
		msg = parsed.Error.Message
	}
	if msg == "" {
		msg = string(raw)
		if len(msg) > 256 {
			msg = msg[:256]
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewBackendError(c.desc.Name, domain.KindAuth, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		be := domain.NewBackendError(c.desc.Name, domain.KindRateLimit, msg)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			be.RetryAfter = time.Duration(secs) * time.Second
		}
		return be
	case resp.StatusCode == http.StatusRequestEntityTooLarge ||
		parsed.Error.Type == "invalid_request_error" && strings.Contains(strings.ToLower(msg), "too long"):
		return domain.NewBackendError(c.desc.Name, domain.KindContextLength, msg)
	case resp.StatusCode == 529 || resp.StatusCode >= 500: // 529 is Anthropic's overloaded status
		return domain.NewBackendError(c.desc.Name, domain.KindTransient,
			fmt.Sprintf("upstream status %d: %s", resp.StatusCode, msg))
	default:
		return domain.NewBackendError(c.desc.Name, domain.KindFatal,
			fmt.Sprintf("upstream status %d: %s", resp.StatusCode, msg))
	}
}

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
