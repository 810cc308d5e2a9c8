package ai

import (
	"net/http"
	"time"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// DefaultRequestTimeout bounds a single provider HTTP call.
const DefaultRequestTimeout = 120 * time.Second

// Options configures behavior shared by every adapter.
type Options struct {
	HTTPClient *http.Client
	Retry      RetryPolicy
}

// Client returns the configured HTTP client or one with DefaultRequestTimeout.
func (o Options) Client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: DefaultRequestTimeout}
}

// EstimateUsage computes usage locally for providers that report none.
func EstimateUsage(tok models.Tokenizer, req models.CompletionRequest, text string) models.Usage {
	prompt := tok.Count(req.SystemPrompt) + tok.Count(req.UserText)
	completion := tok.Count(text)
	return models.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Estimated:        true,
	}
}
