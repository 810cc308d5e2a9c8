package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/budget"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// MockProvider satisfies models.AIProvider for testing. Every Complete call
// is recorded in order.
type MockProvider struct {
	Name_        string
	Limit        int
	Tok          models.Tokenizer
	CompleteFunc func(ctx context.Context, req models.CompletionRequest) (models.Completion, error)

	mu    sync.Mutex
	calls []models.CompletionRequest
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) ContextLimit(string) int { return m.Limit }

func (m *MockProvider) Tokenizer() models.Tokenizer {
	if m.Tok == nil {
		return budget.NewApprox()
	}
	return m.Tok
}

func (m *MockProvider) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return models.Completion{}, nil
}

// Calls returns a copy of every request received so far.
func (m *MockProvider) Calls() []models.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// NewMockProvider returns a chatgpt-named MockProvider with a 128k context
// window that answers "echo: <user text>" with fixed usage.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: ai.ChatGPT,
		Limit: 128000,
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (models.Completion, error) {
			return models.Completion{
				Text:  fmt.Sprintf("echo: %s", req.UserText),
				Usage: models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: ai.ChatGPT,
		Limit: 128000,
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (models.Completion, error) {
			return models.Completion{}, err
		},
	}
}

// NewBlockingProvider returns a MockProvider that blocks until ctx is cancelled.
func NewBlockingProvider() *MockProvider {
	return &MockProvider{
		Name_: ai.ChatGPT,
		Limit: 128000,
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (models.Completion, error) {
			<-ctx.Done()
			return models.Completion{}, ctx.Err()
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
