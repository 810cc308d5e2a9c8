// Package openai implements the chatgpt provider against the OpenAI chat
// completions API. Token counting is exact (cl100k_base).
package openai

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

const defaultContextLimit = 4096

var contextLimits = map[string]int{
	"gpt-3.5-turbo":     16385,
	"gpt-3.5-turbo-16k": 16384,
	"gpt-4":             8192,
	"gpt-4-32k":         32768,
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
}

// ChatMessage is one message of a chat completions request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamOptions asks a streaming endpoint to append a usage chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatRequest is the body of POST /chat/completions.
type ChatRequest struct {
	Model         string         `json:"model"`
	Messages      []ChatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// Usage is the token accounting block of a chat completions response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToModel converts wire usage to models.Usage.
func (u Usage) ToModel() models.Usage {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      total,
	}
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Messages builds the system + user message list; an empty system prompt is omitted.
func Messages(req models.CompletionRequest) []ChatMessage {
	msgs := make([]ChatMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	return append(msgs, ChatMessage{Role: "user", Content: req.UserText})
}

// Provider implements models.AIProvider using OpenAI.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	retry   ai.RetryPolicy
	tok     models.Tokenizer
}

func NewProvider(cfg config.ProviderConfig, opts ai.Options) *Provider {
	return &Provider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  opts.Client(),
		retry:   opts.Retry,
		tok:     budget.NewTiktoken("cl100k_base"),
	}
}

func (p *Provider) Name() string { return ai.ChatGPT }

func (p *Provider) Tokenizer() models.Tokenizer { return p.tok }

func (p *Provider) ContextLimit(model string) int {
	if n, ok := contextLimits[model]; ok {
		return n
	}
	return defaultContextLimit
}

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
	httpReq, err := ai.NewRequest(ctx, p.baseURL+"/chat/completions", ChatRequest{
		Model:    req.Model,
		Messages: Messages(req),
	}, map[string]string{"Authorization": "Bearer " + p.apiKey})
	if err != nil {
		return models.Completion{}, err
	}

	var resp chatResponse
	if err := ai.DoJSON(p.client, p.Name(), httpReq, &resp); err != nil {
		return models.Completion{}, err
	}
	if len(resp.Choices) == 0 {
		return models.Completion{}, fmt.Errorf("%s: %w: no choices", p.Name(), ai.ErrInvalidResponse)
	}

	text := resp.Choices[0].Message.Content
	if resp.Usage == nil {
		return models.Completion{Text: text, Usage: ai.EstimateUsage(p.tok, req, text)}, nil
	}
	return models.Completion{Text: text, Usage: resp.Usage.ToModel()}, nil
}

var _ models.AIProvider = (*Provider)(nil)
