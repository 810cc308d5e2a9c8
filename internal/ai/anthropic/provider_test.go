package anthropic_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/ai/anthropic"
	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvider(url string) *anthropic.Provider {
	return anthropic.NewProvider(
		config.AnthropicConfig{APIKey: "sk-ant-test", BaseURL: url, MaxTokens: 1024},
		ai.Options{Retry: ai.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}},
	)
}

func TestComplete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-3-5-sonnet-20241022", body["model"])
		assert.Equal(t, float64(1024), body["max_tokens"])
		assert.Equal(t, "Be terse.", body["system"])

		w.Write([]byte(`{"content":[{"type":"text","text":"Part A"},{"type":"text","text":" Part B"}],
			"stop_reason":"end_turn","usage":{"input_tokens":20,"output_tokens":6}}`))
	}))
	defer srv.Close()

	out, err := newProvider(srv.URL).Complete(context.Background(), models.CompletionRequest{
		Model: "claude-3-5-sonnet-20241022", SystemPrompt: "Be terse.", UserText: "code",
	})
	require.NoError(t, err)
	assert.Equal(t, "Part A Part B", out.Text)
	assert.Equal(t, models.Usage{PromptTokens: 20, CompletionTokens: 6, TotalTokens: 26}, out.Usage)
}

func TestComplete_OverloadedIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(529)
			w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
			return
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	out, err := newProvider(srv.URL).Complete(context.Background(), models.CompletionRequest{Model: "claude", UserText: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestComplete_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newProvider(srv.URL).Complete(context.Background(), models.CompletionRequest{Model: "claude", UserText: "x"})
	var pe *ai.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusInternalServerError, pe.Status)
	assert.Equal(t, int32(4), calls.Load())
}

func TestComplete_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	_, err := newProvider(srv.URL).Complete(context.Background(), models.CompletionRequest{Model: "claude", UserText: "x"})
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

func TestProviderBasics(t *testing.T) {
	p := newProvider("http://unused")
	assert.Equal(t, "sonnet", p.Name())
	assert.Equal(t, 200000, p.ContextLimit("claude-3-opus"))
}
