// Package prompts loads prompt templates from a YAML file and upserts them
// into the store at startup.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

var ErrInvalidFile = errors.New("invalid prompts file")

type fileSpec struct {
	Prompts []promptSpec `yaml:"prompts"`
}

type promptSpec struct {
	Name        string `yaml:"name"`
	Content     string `yaml:"content"`
	Description string `yaml:"description"`
	IsActive    *bool  `yaml:"is_active"`
}

// Upserter is the store capability seeding needs.
type Upserter interface {
	UpsertPromptTemplate(ctx context.Context, t *models.PromptTemplate) error
}

// Parse decodes a prompts document. Templates default to active.
func Parse(r io.Reader) ([]*models.PromptTemplate, error) {
	var doc fileSpec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	seen := make(map[string]bool, len(doc.Prompts))
	out := make([]*models.PromptTemplate, 0, len(doc.Prompts))
	for i, p := range doc.Prompts {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: prompt %d has no name", ErrInvalidFile, i)
		}
		if models.IsReservedPromptName(name) {
			return nil, fmt.Errorf("%w: prompt name %q is reserved", ErrInvalidFile, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate prompt %q", ErrInvalidFile, name)
		}
		seen[name] = true

		t := &models.PromptTemplate{Name: name, Content: p.Content, IsActive: true}
		if p.IsActive != nil {
			t.IsActive = *p.IsActive
		}
		if d := strings.TrimSpace(p.Description); d != "" {
			t.Description = &d
		}
		out = append(out, t)
	}
	return out, nil
}

// LoadFile parses the prompts file at path.
func LoadFile(path string) ([]*models.PromptTemplate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompts file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Seed upserts every template and returns how many were written.
func Seed(ctx context.Context, st Upserter, templates []*models.PromptTemplate, logger *slog.Logger) (int, error) {
	for i, t := range templates {
		if err := st.UpsertPromptTemplate(ctx, t); err != nil {
			return i, fmt.Errorf("seed prompt %q: %w", t.Name, err)
		}
	}
	if logger != nil {
		logger.Info("prompt templates seeded", "count", len(templates))
	}
	return len(templates), nil
}
