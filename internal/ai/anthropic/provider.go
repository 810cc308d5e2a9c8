// Package anthropic implements the sonnet provider against the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/budget"
	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

const (
	apiVersion       = "2023-06-01"
	contextLimit     = 200000
	defaultMaxTokens = 4096
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Provider implements models.AIProvider using Anthropic.
type Provider struct {
	apiKey    string
	baseURL   string
	maxTokens int
	client    *http.Client
	retry     ai.RetryPolicy
	tok       models.Tokenizer
}

func NewProvider(cfg config.AnthropicConfig, opts ai.Options) *Provider {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Provider{
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens: maxTokens,
		client:    opts.Client(),
		retry:     opts.Retry,
		tok:       budget.NewApprox(),
	}
}

func (p *Provider) Name() string { return ai.Sonnet }

func (p *Provider) Tokenizer() models.Tokenizer { return p.tok }

// ContextLimit is the same for every Claude model.
func (p *Provider) ContextLimit(string) int { return contextLimit }

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	ctx, span := ai.StartSpan(ctx, p.Name(), req.Model)
	var out models.Completion
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		c, err := p.completeOnce(ctx, req)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	ai.EndSpan(span, out.Usage, err)
	return out, err
}

func (p *Provider) completeOnce(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	httpReq, err := ai.NewRequest(ctx, p.baseURL+"/v1/messages", messagesRequest{
		Model:     req.Model,
		MaxTokens: p.maxTokens,
		System:    req.SystemPrompt,
		Messages:  []message{{Role: "user", Content: req.UserText}},
	}, map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": apiVersion,
	})
	if err != nil {
		return models.Completion{}, err
	}

	var resp messagesResponse
	if err := ai.DoJSON(p.client, p.Name(), httpReq, &resp); err != nil {
		return models.Completion{}, err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 && len(resp.Content) == 0 {
		return models.Completion{}, fmt.Errorf("%s: %w: empty content", p.Name(), ai.ErrInvalidResponse)
	}

	text := sb.String()
	if resp.Usage == nil {
		return models.Completion{Text: text, Usage: ai.EstimateUsage(p.tok, req, text)}, nil
	}
	return models.Completion{Text: text, Usage: models.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}}, nil
}

var _ models.AIProvider = (*Provider)(nil)
