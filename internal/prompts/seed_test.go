package prompts_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/promptbatch/internal/prompts"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/internal/store/memstore"
)

const doc = `
prompts:
  - name: API_DOCS
    description: Public API reference
    content: |
      Document every exported function.
  - name: SECURITY_REVIEW
    content: Review the code for security issues.
    is_active: false
`

func TestParse(t *testing.T) {
	ts, err := prompts.Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, ts, 2)

	assert.Equal(t, "API_DOCS", ts[0].Name)
	assert.True(t, ts[0].IsActive)
	require.NotNil(t, ts[0].Description)
	assert.Equal(t, "Public API reference", *ts[0].Description)
	assert.Equal(t, "Document every exported function.\n", ts[0].Content)

	assert.False(t, ts[1].IsActive)
	assert.Nil(t, ts[1].Description)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"missing name", "prompts:\n  - content: x\n"},
		{"duplicate", "prompts:\n  - name: A\n  - name: A\n"},
		{"unknown field", "prompts:\n  - name: A\n    weight: 3\n"},
		{"reserved name", "prompts:\n  - name: MERGED_DOCUMENTATION\n    content: x\n"},
		{"not yaml", "prompts: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := prompts.Parse(strings.NewReader(tt.in))
			assert.ErrorIs(t, err, prompts.ErrInvalidFile)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	ts, err := prompts.Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, ts)
}

func TestSeed_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	ts, err := prompts.LoadFile(path)
	require.NoError(t, err)

	st := memstore.New()
	ctx := context.Background()
	n, err := prompts.Seed(ctx, st, ts, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ts, err = prompts.LoadFile(path)
	require.NoError(t, err)
	_, err = prompts.Seed(ctx, st, ts, nil)
	require.NoError(t, err)

	all, err := st.ListPromptTemplates(ctx, store.TemplateFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := prompts.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
