package providers_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/ai/providers"
	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() config.AIConfig {
	return config.AIConfig{
		RequestTimeout:       30 * time.Second,
		MaxRetries:           3,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     30 * time.Second,
		OpenAI:               config.ProviderConfig{BaseURL: "https://api.openai.com/v1"},
		DeepSeek:             config.ProviderConfig{BaseURL: "https://api.deepseek.com/v1"},
		Anthropic:            config.AnthropicConfig{BaseURL: "https://api.anthropic.com", MaxTokens: 4096},
	}
}

func TestNewRegistry_AllProviders(t *testing.T) {
	cfg := baseConfig()
	cfg.OpenAI.APIKey = "sk-test"
	cfg.DeepSeek.APIKey = "ds-test"
	cfg.Anthropic.APIKey = "sk-ant-test"

	r, err := providers.NewRegistry(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"chatgpt", "deepseek", "sonnet"}, r.Names())

	p, err := r.Get("sonnet")
	require.NoError(t, err)
	assert.Equal(t, 200000, p.ContextLimit("claude-3-5-sonnet-20241022"))
}

func TestNewRegistry_OnlyConfigured(t *testing.T) {
	cfg := baseConfig()
	cfg.DeepSeek.APIKey = "ds-test"

	r, err := providers.NewRegistry(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"deepseek"}, r.Names())

	_, err = r.Get("chatgpt")
	assert.ErrorIs(t, err, ai.ErrProviderUnavailable)
}

func TestNewRegistry_NoneConfigured(t *testing.T) {
	_, err := providers.NewRegistry(baseConfig())
	assert.ErrorIs(t, err, ai.ErrProviderUnavailable)
}
