package ai

import (
	"fmt"
	"sort"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// Provider selectors. The set is closed.
const (
	ChatGPT  = "chatgpt"
	DeepSeek = "deepseek"
	Sonnet   = "sonnet"
)

var knownProviders = map[string]bool{
	ChatGPT:  true,
	DeepSeek: true,
	Sonnet:   true,
}

// IsKnown reports whether name is one of the supported provider selectors.
func IsKnown(name string) bool {
	return knownProviders[name]
}

// Registry maps provider selectors to their configured adapters.
type Registry struct {
	providers map[string]models.AIProvider
}

// NewRegistry registers each provider under its Name. Providers whose name
// is not a known selector are rejected.
func NewRegistry(providers ...models.AIProvider) (*Registry, error) {
	r := &Registry{providers: make(map[string]models.AIProvider, len(providers))}
	for _, p := range providers {
		if !IsKnown(p.Name()) {
			return nil, fmt.Errorf("registering provider %q: %w", p.Name(), ErrUnknownModel)
		}
		r.providers[p.Name()] = p
	}
	return r, nil
}

// Get resolves a selector. Unknown selectors return ErrUnknownModel; known
// but unconfigured ones return ErrProviderUnavailable.
func (r *Registry) Get(name string) (models.AIProvider, error) {
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	if !IsKnown(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownModel)
	}
	return nil, fmt.Errorf("%q: %w", name, ErrProviderUnavailable)
}

// Names returns the configured selectors in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
