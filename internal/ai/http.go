package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MaxResponseBytes caps how much of a provider response body is read.
const MaxResponseBytes = 8 << 20

// NewRequest builds a JSON POST request.
func NewRequest(ctx context.Context, url string, body any, headers map[string]string) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Send executes req and returns the response when its status is 2xx.
// Any other outcome is returned as a *ProviderError; the caller owns the
// body of a successful response.
func Send(client *http.Client, provider string, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", provider, ctxErr)
		}
		return nil, &ProviderError{Provider: provider, Message: err.Error(), Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return nil, &ProviderError{
		Provider:   provider,
		Status:     resp.StatusCode,
		Message:    errorMessage(raw, resp.Status),
		RetryAfter: parseRetryAfter(resp.Header, time.Now()),
	}
}

// DoJSON sends req and decodes a successful response body into out.
func DoJSON(client *http.Client, provider string, req *http.Request, out any) error {
	resp, err := Send(client, provider, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return &ProviderError{Provider: provider, Status: resp.StatusCode, Message: "reading body: " + err.Error(), Err: err}
	}
	if len(raw) > MaxResponseBytes {
		return fmt.Errorf("%s: %w: response exceeds %d bytes", provider, ErrInvalidResponse, MaxResponseBytes)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w: %v", provider, ErrInvalidResponse, err)
	}
	return nil
}

// errorMessage extracts {"error":{"message":...}} or {"error":"..."} from an
// error body, falling back to the raw text or HTTP status line.
func errorMessage(raw []byte, status string) string {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && len(env.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(env.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if json.Unmarshal(env.Error, &s) == nil && s != "" {
			return s
		}
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return msg
	}
	return status
}

// IsContextError reports whether err came from a cancelled or expired context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
