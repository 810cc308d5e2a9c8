package budget

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// ChunkSeparator joins chunk responses in the assembled answer.
const ChunkSeparator = "\n\n"

// Split cuts text into ordered chunks of at most chunkBudget tokens each.
// Whole lines are kept together where possible; a line that alone exceeds the
// budget is sliced on token boundaries. Concatenating the result yields text.
func Split(tok models.Tokenizer, text string, chunkBudget int) ([]string, error) {
	if chunkBudget <= 0 {
		return nil, fmt.Errorf("%w: chunk budget %d leaves no room for input", ErrChunkTooLarge, chunkBudget)
	}
	if text == "" {
		return nil, nil
	}

	var (
		chunks    []string
		cur       strings.Builder
		curTokens int
	)
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		chunks = append(chunks, cur.String())
		cur.Reset()
		curTokens = 0
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		n := tok.Count(line)
		if n > chunkBudget {
			flush()
			chunks = append(chunks, tok.Slice(line, chunkBudget)...)
			continue
		}
		if curTokens+n > chunkBudget {
			flush()
		}
		cur.WriteString(line)
		curTokens += n
	}
	flush()

	// Per-line sums are an estimate; re-check every chunk as a whole.
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if tok.Count(c) <= chunkBudget {
			out = append(out, c)
			continue
		}
		out = append(out, tok.Slice(c, chunkBudget)...)
	}
	return out, nil
}

// Marker returns the positional prefix sent ahead of chunk i (1-based) of n.
func Marker(i, n int) string {
	return fmt.Sprintf("[Part %d of %d]", i, n)
}

// Frame prefixes every chunk with its marker and verifies each framed message,
// plus the system prompt, still fits the hard context limit.
func Frame(tok models.Tokenizer, chunks []string, systemTokens, limit int) ([]string, error) {
	n := len(chunks)
	out := make([]string, 0, n)
	for i, c := range chunks {
		msg := Marker(i+1, n) + "\n\n" + c
		if need := systemTokens + tok.Count(msg); need > limit {
			return nil, fmt.Errorf("%w: part %d of %d needs %d tokens, limit is %d",
				ErrChunkTooLarge, i+1, n, need, limit)
		}
		out = append(out, msg)
	}
	return out, nil
}

// Assemble concatenates chunk responses in order, separated by a blank line.
func Assemble(parts []string) string {
	return strings.Join(parts, ChunkSeparator)
}
