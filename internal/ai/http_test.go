package ai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoJSON_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "token", r.Header.Get("X-Test"))
		w.Write([]byte(`{"value":"ok"}`))
	}))
	defer srv.Close()

	req, err := NewRequest(context.Background(), srv.URL, map[string]string{"a": "b"}, map[string]string{"X-Test": "token"})
	require.NoError(t, err)

	var out struct {
		Value string `json:"value"`
	}
	require.NoError(t, DoJSON(srv.Client(), "chatgpt", req, &out))
	assert.Equal(t, "ok", out.Value)
}

func TestDoJSON_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`))
	}))
	defer srv.Close()

	req, err := NewRequest(context.Background(), srv.URL, struct{}{}, nil)
	require.NoError(t, err)

	err = DoJSON(srv.Client(), "chatgpt", req, &struct{}{})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusTooManyRequests, pe.Status)
	assert.Equal(t, "Rate limit reached", pe.Message)
	assert.Equal(t, 2*time.Second, pe.RetryAfter)
	assert.True(t, pe.Retryable())
}

func TestDoJSON_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	req, err := NewRequest(context.Background(), srv.URL, struct{}{}, nil)
	require.NoError(t, err)

	err = DoJSON(srv.Client(), "sonnet", req, &struct{}{})
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.False(t, IsRetryable(err))
}

func TestSend_TransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	req, err := NewRequest(context.Background(), url, struct{}{}, nil)
	require.NoError(t, err)

	_, err = Send(http.DefaultClient, "deepseek", req)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, pe.Status)
	assert.True(t, pe.Retryable())
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "m", errorMessage([]byte(`{"error":{"message":"m"}}`), "500"))
	assert.Equal(t, "s", errorMessage([]byte(`{"error":"s"}`), "500"))
	assert.Equal(t, "plain text", errorMessage([]byte("plain text"), "500"))
	assert.Equal(t, "502 Bad Gateway", errorMessage(nil, "502 Bad Gateway"))
	assert.Len(t, errorMessage([]byte(strings.Repeat("x", 2000)), ""), 512)
}
