// Package tokenizer counts tokens for usage accounting.
package tokenizer

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultModel is the model whose encoding is used when none is configured.
const DefaultModel = "gpt-3.5-turbo"

// Counter converts text to a token count. Implementations are safe for
// concurrent use.
type Counter interface {
	Count(text string) int
}

// Tiktoken counts with a BPE encoding.
type Tiktoken struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewTiktoken loads the encoding for model, falling back to cl100k_base for
// unknown models.
func NewTiktoken(model string) (*Tiktoken, error) {
	if model == "" {
		model = DefaultModel
	}
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("tokenizer: get encoding for %q: %w", model, err)
		}
	}
	return &Tiktoken{encoding: encoding, model: model}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// Heuristic estimates roughly four characters per token.
type Heuristic struct{}

func (Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// New returns a tiktoken counter for model, or the heuristic when the
// encoding cannot be loaded (for example without network access to fetch
// the BPE ranks).
func New(model string, logger *slog.Logger) Counter {
	if logger == nil {
		logger = slog.Default()
	}
	tk, err := NewTiktoken(model)
	if err != nil {
		logger.Warn("tiktoken unavailable; using heuristic token counts", "model", model, "err", err)
		return Heuristic{}
	}
	return tk
}
