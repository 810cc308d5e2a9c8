package ai_test

import (
	"testing"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/ai/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Get(t *testing.T) {
	gpt := mock.NewMockProvider()
	r, err := ai.NewRegistry(gpt)
	require.NoError(t, err)

	p, err := r.Get("chatgpt")
	require.NoError(t, err)
	assert.Same(t, gpt, p)
}

func TestRegistry_UnknownSelector(t *testing.T) {
	r, err := ai.NewRegistry(mock.NewMockProvider())
	require.NoError(t, err)

	_, err = r.Get("llama")
	assert.ErrorIs(t, err, ai.ErrUnknownModel)
}

func TestRegistry_KnownButUnconfigured(t *testing.T) {
	r, err := ai.NewRegistry(mock.NewMockProvider())
	require.NoError(t, err)

	_, err = r.Get("sonnet")
	assert.ErrorIs(t, err, ai.ErrProviderUnavailable)
	assert.NotErrorIs(t, err, ai.ErrUnknownModel)
}

func TestNewRegistry_RejectsUnknownProviderName(t *testing.T) {
	p := mock.NewMockProvider()
	p.Name_ = "ollama"

	_, err := ai.NewRegistry(p)
	assert.ErrorIs(t, err, ai.ErrUnknownModel)
}

func TestRegistry_Names(t *testing.T) {
	a := mock.NewMockProvider()
	b := mock.NewMockProvider()
	b.Name_ = "deepseek"

	r, err := ai.NewRegistry(b, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"chatgpt", "deepseek"}, r.Names())
}
