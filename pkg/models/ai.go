// Package models contains shared data models used across the promptbatch codebase.
package models

import "context"

// AIProvider is the capability every LLM backend adapter implements.
// Never call a specific backend directly; resolve it through the ai.Registry.
type AIProvider interface {
	// Name returns the provider selector (e.g., "chatgpt", "sonnet").
	Name() string
	// Complete performs one chat-completion call: system prompt + one user message.
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	// ContextLimit returns the hard context-window size of the given model.
	ContextLimit(model string) int
	// Tokenizer returns the token counter used for local budgeting decisions.
	Tokenizer() Tokenizer
}

// Tokenizer counts and slices text in a provider's token units.
type Tokenizer interface {
	Count(text string) int
	// Slice cuts text into consecutive pieces of at most maxTokens tokens each.
	Slice(text string, maxTokens int) []string
}

// CompletionRequest is the input to a single provider call.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	UserText     string
}

// Completion is the output of a single provider call.
type Completion struct {
	Text  string
	Usage Usage
}

// Usage holds token accounting for one or more provider calls.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"` // true when computed locally, not reported by the provider
}

// Add accumulates another call's usage into u.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
		Estimated:        u.Estimated || o.Estimated,
	}
}
