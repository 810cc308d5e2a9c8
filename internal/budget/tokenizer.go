package budget

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// Approx estimates tokens as ceil(utf8_bytes / BytesPerToken).
// Used for providers that publish no local tokenizer.
type Approx struct {
	BytesPerToken int
}

// NewApprox returns the default 4-bytes-per-token estimator.
func NewApprox() Approx {
	return Approx{BytesPerToken: 4}
}

func (a Approx) bpt() int {
	if a.BytesPerToken <= 0 {
		return 4
	}
	return a.BytesPerToken
}

func (a Approx) Count(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	d := a.bpt()
	return (n + d - 1) / d
}

// Slice cuts text into pieces of at most maxTokens*BytesPerToken bytes,
// never splitting a UTF-8 sequence.
func (a Approx) Slice(text string, maxTokens int) []string {
	if text == "" {
		return nil
	}
	if maxTokens <= 0 {
		return []string{text}
	}
	size := maxTokens * a.bpt()
	var out []string
	for len(text) > 0 {
		if len(text) <= size {
			out = append(out, text)
			break
		}
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			_, w := utf8.DecodeRuneInString(text)
			cut = w
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}

// Tiktoken counts tokens exactly with a BPE encoding. The encoding is loaded
// on first use; if it cannot be loaded the approximation is used instead.
type Tiktoken struct {
	encoding string
	load     func(string) (*tiktoken.Tiktoken, error)

	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback Approx
}

// offlineBPE installs the embedded BPE ranks so loading never needs the network.
var offlineBPE sync.Once

// NewTiktoken creates a tokenizer for the named encoding (e.g. "cl100k_base").
func NewTiktoken(encoding string) *Tiktoken {
	offlineBPE.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	return &Tiktoken{
		encoding: encoding,
		load:     tiktoken.GetEncoding,
		fallback: NewApprox(),
	}
}

func (t *Tiktoken) encoder() *tiktoken.Tiktoken {
	t.once.Do(func() {
		enc, err := t.load(t.encoding)
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, using approximate counting",
				"encoding", t.encoding, "error", err)
			return
		}
		t.enc = enc
	})
	return t.enc
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	enc := t.encoder()
	if enc == nil {
		return t.fallback.Count(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// Slice cuts text on token boundaries into pieces of at most maxTokens tokens.
// A cut never falls inside a multi-byte rune; a rune whose tokens alone exceed
// maxTokens is kept whole.
func (t *Tiktoken) Slice(text string, maxTokens int) []string {
	if text == "" {
		return nil
	}
	enc := t.encoder()
	if enc == nil {
		return t.fallback.Slice(text, maxTokens)
	}
	if maxTokens <= 0 {
		return []string{text}
	}
	ids := enc.Encode(text, nil, nil)
	whole := utf8.ValidString(text)
	var out []string
	for start := 0; start < len(ids); {
		end := min(start+maxTokens, len(ids))
		if whole {
			end = runeBoundary(enc, ids, start, end)
		}
		out = append(out, enc.Decode(ids[start:end]))
		start = end
	}
	return out
}

// runeBoundary returns the largest e <= end for which ids[start:e] decodes to
// valid UTF-8, or the smallest e > end when no such e exists.
func runeBoundary(enc *tiktoken.Tiktoken, ids []int, start, end int) int {
	for e := end; e > start; e-- {
		if e == len(ids) || utf8.ValidString(enc.Decode(ids[start:e])) {
			return e
		}
	}
	for e := end + 1; e < len(ids); e++ {
		if utf8.ValidString(enc.Decode(ids[start:e])) {
			return e
		}
	}
	return len(ids)
}

var (
	_ models.Tokenizer = Approx{}
	_ models.Tokenizer = (*Tiktoken)(nil)
)
