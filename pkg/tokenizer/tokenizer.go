// Package tokenizer provides model-aware token counting and truncation over
// BPE encodings. Token budgets on the retrieval path are contractual, so
// counts must match the provider's tokenizer, not a byte heuristic.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// Tokenizer wraps one BPE encoding.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

var (
	mu    sync.Mutex
	cache = map[string]*Tokenizer{}
)

// ForModel returns a tokenizer for the given model name, falling back to the
// cl100k_base encoding for unknown models. Instances are cached; loading an
// encoding is expensive.
func ForModel(model string) (*Tokenizer, error) {
	mu.Lock()
	defer mu.Unlock()

	if t, ok := cache[model]; ok {
		return t, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer encoding: %w", err)
		}
	}

	t := &Tokenizer{enc: enc}
	cache[model] = t
	return t, nil
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate returns text cut to at most n tokens, preserving token
// boundaries.
func (t *Tokenizer) Truncate(text string, n int) string {
	if n <= 0 {
		return ""
	}
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= n {
		return text
	}
	return t.enc.Decode(tokens[:n])
}
