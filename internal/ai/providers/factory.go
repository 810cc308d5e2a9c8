// Package providers builds the provider registry from configuration.
package providers

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/ai/anthropic"
	"github.com/kiranshivaraju/promptbatch/internal/ai/deepseek"
	"github.com/kiranshivaraju/promptbatch/internal/ai/openai"
	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// NewRegistry constructs every provider that has an API key configured.
// Called once at process startup.
func NewRegistry(cfg config.AIConfig) (*ai.Registry, error) {
	opts := ai.Options{
		HTTPClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Retry: ai.RetryPolicy{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
		},
	}

	var ps []models.AIProvider
	if cfg.OpenAI.APIKey != "" {
		ps = append(ps, openai.NewProvider(cfg.OpenAI, opts))
	}
	if cfg.DeepSeek.APIKey != "" {
		ps = append(ps, deepseek.NewProvider(cfg.DeepSeek, opts))
	}
	if cfg.Anthropic.APIKey != "" {
		ps = append(ps, anthropic.NewProvider(cfg.Anthropic, opts))
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("no provider API key configured: %w", ai.ErrProviderUnavailable)
	}
	return ai.NewRegistry(ps...)
}
