// Package deepseek implements the deepseek provider. The wire format is
// OpenAI-compatible; responses are streamed as server-sent events.
package deepseek

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/ai/openai"
	"github.com/kiranshivaraju/promptbatch/internal/budget"
	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

const defaultContextLimit = 32768

var contextLimits = map[string]int{
	"deepseek-chat":     65536,
	"deepseek-reasoner": 65536,
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openai.Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Provider implements models.AIProvider using DeepSeek.
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
		tok:     budget.NewApprox(),
	}
}

func (p *Provider) Name() string { return ai.DeepSeek }

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
	httpReq, err := ai.NewRequest(ctx, p.baseURL+"/chat/completions", openai.ChatRequest{
		Model:         req.Model,
		Messages:      openai.Messages(req),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
		"Accept":        "text/event-stream",
	})
	if err != nil {
		return models.Completion{}, err
	}

	resp, err := ai.Send(p.client, p.Name(), httpReq)
	if err != nil {
		return models.Completion{}, err
	}
	defer resp.Body.Close()

	var (
		sb       strings.Builder
		usage    *openai.Usage
		complete bool
	)
	err = streamSSE(resp.Body, func(_ string, data string) error {
		if data == "[DONE]" {
			complete = true
			return errStreamDone
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("%s: %w: decoding stream chunk: %v", p.Name(), ai.ErrInvalidResponse, err)
		}
		if chunk.Error != nil {
			return &ai.ProviderError{Provider: p.Name(), Status: resp.StatusCode, Message: chunk.Error.Message}
		}
		for _, c := range chunk.Choices {
			sb.WriteString(c.Delta.Content)
			if c.FinishReason != "" {
				complete = true
			}
		}
		if sb.Len() > ai.MaxResponseBytes {
			return fmt.Errorf("%s: %w: response exceeds %d bytes", p.Name(), ai.ErrInvalidResponse, ai.MaxResponseBytes)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.Completion{}, fmt.Errorf("%s: %w", p.Name(), ctx.Err())
		}
		return models.Completion{}, err
	}
	// A stream cut before [DONE] or a finish_reason carries a truncated answer.
	if !complete {
		return models.Completion{}, &ai.ProviderError{Provider: p.Name(), Message: "stream ended early"}
	}

	text := sb.String()
	if usage == nil {
		return models.Completion{Text: text, Usage: ai.EstimateUsage(p.tok, req, text)}, nil
	}
	return models.Completion{Text: text, Usage: usage.ToModel()}, nil
}

var _ models.AIProvider = (*Provider)(nil)
