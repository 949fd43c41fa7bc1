package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/claudette/internal/domain"
)

func testDescriptor(baseURL string) domain.BackendDescriptor {
	return domain.BackendDescriptor{
		Name:            "test-backend",
		Model:           "test-model",
		CostPer1KTokens: 0.002,
		BaseURL:         baseURL,
		Profile:         domain.CapabilityProfile{BaselineLatencyS: 2.0},
	}
}

func TestSend_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content, "hello")

		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5}
		}`))
	}))
	defer srv.Close()

	c := New(testDescriptor(srv.URL))
	resp, err := c.Send(context.Background(), domain.Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "test-backend", resp.BackendUsed)
	assert.Equal(t, 12, resp.TokensIn)
	assert.Equal(t, 5, resp.TokensOut)
	assert.Equal(t, "stop", resp.Metadata["finish_reason"])
}

func TestSend_FilesJoinedIntoUserMessage(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		got = req.Messages[0].Content
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := New(testDescriptor(srv.URL))
	_, err := c.Send(context.Background(), domain.Request{
		Prompt: "summarize",
		Files:  []string{"File: a.txt\ncontents-a", "File: b.txt\ncontents-b"},
	})
	require.NoError(t, err)
	assert.Contains(t, got, "File: a.txt")
	assert.Contains(t, got, "contents-b")
}

func TestSend_TokenFallbackWhenUsageMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"four word reply here"}}]}`))
	}))
	defer srv.Close()

	c := New(testDescriptor(srv.URL))
	resp, err := c.Send(context.Background(), domain.Request{Prompt: "count my tokens please"})
	require.NoError(t, err)
	assert.Greater(t, resp.TokensIn, 0)
	assert.Greater(t, resp.TokensOut, 0)
}

func TestSend_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   domain.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, domain.KindAuth},
		{"forbidden", http.StatusForbidden, `{}`, domain.KindAuth},
		{"rate limited", http.StatusTooManyRequests, `{}`, domain.KindRateLimit},
		{"server error", http.StatusInternalServerError, `{}`, domain.KindTransient},
		{"bad gateway", http.StatusBadGateway, `{}`, domain.KindTransient},
		{"payload too large", http.StatusRequestEntityTooLarge, `{}`, domain.KindContextLength},
		{"context length in message", http.StatusBadRequest,
			`{"error":{"message":"This model's maximum context length is 8192 tokens"}}`,
			domain.KindContextLength},
		{"other 4xx", http.StatusBadRequest, `{"error":{"message":"unknown model"}}`, domain.KindFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := New(testDescriptor(srv.URL))
			_, err := c.Send(context.Background(), domain.Request{Prompt: "x"})
			require.Error(t, err)
			var be *domain.BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tc.kind, be.Kind)
			assert.Equal(t, "test-backend", be.Backend)
		})
	}
}

func TestSend_RetryAfterHeaderParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(testDescriptor(srv.URL))
	_, err := c.Send(context.Background(), domain.Request{Prompt: "x"})
	var be *domain.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, domain.KindRateLimit, be.Kind)
	assert.Equal(t, 7*time.Second, be.RetryAfter)
}

func TestSend_DeadlineMapsToTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"late"}}]}`))
	}))
	defer srv.Close()

	c := New(testDescriptor(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, domain.Request{Prompt: "x"})
	var be *domain.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, domain.KindTimeout, be.Kind)
}

func TestSend_ModelOverrideAndAuthHeader(t *testing.T) {
	var gotModel, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	desc := testDescriptor(srv.URL)
	desc.APIKeyRef = "CLAUDETTE_TEST_OPENAI_KEY"
	t.Setenv("CLAUDETTE_TEST_OPENAI_KEY", "sk-test-123")

	c := New(desc)
	_, err := c.Send(context.Background(), domain.Request{
		Prompt:  "x",
		Options: domain.Options{Model: "override-model"},
	})
	require.NoError(t, err)
	assert.Equal(t, "override-model", gotModel)
	assert.Equal(t, "Bearer sk-test-123", gotAuth)
}

func TestIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testDescriptor(srv.URL))
	assert.True(t, c.IsAvailable(context.Background()))

	down := New(testDescriptor("http://127.0.0.1:1"))
	assert.False(t, down.IsAvailable(context.Background()))
}

func TestIsAvailable_CustomHealthPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_, _ = w.Write([]byte(`{"models":[]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testDescriptor(srv.URL), WithHealthPath("/api/tags"))
	assert.True(t, c.IsAvailable(context.Background()))
}

func TestEstimateCost(t *testing.T) {
	c := New(testDescriptor("http://unused"))
	assert.InDelta(t, 0.002, c.EstimateCost(1000), 1e-9)
	assert.InDelta(t, 0.001, c.EstimateCost(500), 1e-9)
	assert.Equal(t, 0.0, c.EstimateCost(0))
}
