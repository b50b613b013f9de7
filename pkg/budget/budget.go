// Package budget fits a sequence of context pieces into a hard token limit.
// Pieces are joined with a separator; when the total exceeds the limit the
// tail pieces are dropped, except the last included piece which may be
// truncated to use the remaining budget.
package budget

import (
	"strings"
	"time"
)

// DefaultSeparator joins context pieces on the answer path.
const DefaultSeparator = "\n\n---\n\n"

// Tokenizer is the counting capability the trimmer needs. Satisfied by
// *tokenizer.Tokenizer.
type Tokenizer interface {
	Count(text string) int
	Truncate(text string, n int) string
}

// Config holds trimmer settings.
type Config struct {
	// MaxTotalTokens is the hard budget (default: 100000)
	MaxTotalTokens int

	// Separator joins the pieces (default: DefaultSeparator)
	Separator string
}

// DefaultConfig returns the production budget.
func DefaultConfig() Config {
	return Config{
		MaxTotalTokens: 100000,
		Separator:      DefaultSeparator,
	}
}

// Stats describes one fitting pass.
type Stats struct {
	// PiecesIn is the number of candidate pieces
	PiecesIn int

	// PiecesKept is the number of pieces in the output (the last may be
	// truncated)
	PiecesKept int

	// Truncated reports whether the last kept piece was cut
	Truncated bool

	// Tokens is the token count of the returned context
	Tokens int

	Latency time.Duration
}

// Trimmer fits pieces into the token budget.
type Trimmer struct {
	cfg Config
	tok Tokenizer
}

// New creates a Trimmer. The tokenizer is required.
func New(cfg Config, tok Tokenizer) *Trimmer {
	if cfg.MaxTotalTokens <= 0 {
		cfg.MaxTotalTokens = DefaultConfig().MaxTotalTokens
	}
	if cfg.Separator == "" {
		cfg.Separator = DefaultSeparator
	}
	return &Trimmer{cfg: cfg, tok: tok}
}

// Fit joins pieces with the separator, dropping from the end to stay within
// the budget. The last included piece may be truncated. At least one piece
// is always emitted when the input is non-empty.
func (t *Trimmer) Fit(pieces []string) (string, Stats) {
	start := time.Now()
	stats := Stats{PiecesIn: len(pieces)}

	if len(pieces) == 0 {
		stats.Latency = time.Since(start)
		return "", stats
	}

	sepTokens := t.tok.Count(t.cfg.Separator)
	var kept []string
	running := 0

	for i, piece := range pieces {
		cost := t.tok.Count(piece)
		if i > 0 {
			cost += sepTokens
		}

		if running+cost <= t.cfg.MaxTotalTokens {
			kept = append(kept, piece)
			running += cost
			continue
		}

		// The piece does not fit whole; truncate it into the remaining
		// budget when enough room is left to be useful.
		remaining := t.cfg.MaxTotalTokens - running
		if i > 0 {
			remaining -= sepTokens
		}
		if remaining > 0 {
			cut := t.tok.Truncate(piece, remaining)
			if cut != "" {
				kept = append(kept, cut)
				running += t.tok.Count(cut)
				if i > 0 {
					running += sepTokens
				}
				stats.Truncated = true
			}
		}
		// First piece alone over budget with no room: force a truncated
		// version so the context is never empty.
		if len(kept) == 0 {
			cut := t.tok.Truncate(piece, t.cfg.MaxTotalTokens)
			kept = append(kept, cut)
			running = t.tok.Count(cut)
			stats.Truncated = true
		}
		break
	}

	stats.PiecesKept = len(kept)
	stats.Tokens = running
	stats.Latency = time.Since(start)
	return strings.Join(kept, t.cfg.Separator), stats
}
