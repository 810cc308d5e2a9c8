// Package budget decides whether a request fits a model's context window and,
// when it does not, splits it into ordered chunks that do.
package budget

import (
	"errors"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// ErrChunkTooLarge is returned when input cannot be cut into pieces that fit
// the model's hard context limit.
var ErrChunkTooLarge = errors.New("chunk exceeds model context limit")

// DefaultMarginPercent is the share of the context window reserved for the response.
const DefaultMarginPercent = 10

// Budgeter computes usable token budgets from hard context limits.
type Budgeter struct {
	marginPercent int
}

// New creates a Budgeter that reserves marginPercent of every context window.
// Values outside 0..90 fall back to DefaultMarginPercent.
func New(marginPercent int) *Budgeter {
	if marginPercent < 0 || marginPercent > 90 {
		marginPercent = DefaultMarginPercent
	}
	return &Budgeter{marginPercent: marginPercent}
}

// MarginPercent returns the configured safety reserve.
func (b *Budgeter) MarginPercent() int {
	return b.marginPercent
}

// Usable returns limit minus the safety margin, floored.
func (b *Budgeter) Usable(limit int) int {
	if limit <= 0 {
		return 0
	}
	return limit - limit*b.marginPercent/100
}

// ChunkBudget returns the per-chunk allowance for the request text: 80% of the
// usable budget minus the system prompt's tokens. May be zero or negative when
// the system prompt alone consumes the allowance.
func ChunkBudget(usable, systemTokens int) int {
	return usable*4/5 - systemTokens
}

// Plan is the budgeting decision for one Job.
type Plan struct {
	Limit         int
	Usable        int
	SystemTokens  int
	RequestTokens int
	Fits          bool
	ChunkBudget   int
}

// Plan counts both inputs with tok and decides single-call vs chunked execution.
func (b *Budgeter) Plan(tok models.Tokenizer, limit int, systemPrompt, request string) Plan {
	usable := b.Usable(limit)
	sys := tok.Count(systemPrompt)
	req := tok.Count(request)
	return Plan{
		Limit:         limit,
		Usable:        usable,
		SystemTokens:  sys,
		RequestTokens: req,
		Fits:          sys+req <= usable,
		ChunkBudget:   ChunkBudget(usable, sys),
	}
}
