package budget

import (
	"strings"
	"testing"
)

// wordTokenizer counts whitespace-separated words. Deterministic stand-in
// for the BPE tokenizer.
type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(strings.Fields(text))
}

func (wordTokenizer) Truncate(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	if n <= 0 {
		return ""
	}
	return strings.Join(words[:n], " ")
}

func TestFit_AllWithinBudget(t *testing.T) {
	tr := New(Config{MaxTotalTokens: 100, Separator: " | "}, wordTokenizer{})

	out, stats := tr.Fit([]string{"uno dos tres", "cuatro cinco"})
	if out != "uno dos tres | cuatro cinco" {
		t.Errorf("unexpected output %q", out)
	}
	if stats.PiecesKept != 2 || stats.Truncated {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFit_DropsFromEnd(t *testing.T) {
	// Separator costs 1 token ("|"); each piece 3 tokens
	tr := New(Config{MaxTotalTokens: 7, Separator: " | "}, wordTokenizer{})

	out, stats := tr.Fit([]string{"a b c", "d e f", "g h i"})
	if stats.PiecesKept != 2 {
		t.Fatalf("expected 2 pieces kept, got %d (%q)", stats.PiecesKept, out)
	}
	if !strings.HasPrefix(out, "a b c") {
		t.Errorf("first piece must survive, got %q", out)
	}
	if stats.Tokens > 7 {
		t.Errorf("budget exceeded: %d tokens", stats.Tokens)
	}
}

func TestFit_TruncatesLastPiece(t *testing.T) {
	tr := New(Config{MaxTotalTokens: 6, Separator: " | "}, wordTokenizer{})

	out, stats := tr.Fit([]string{"a b c", "d e f g h"})
	if !stats.Truncated {
		t.Fatal("expected truncation")
	}
	if stats.PiecesKept != 2 {
		t.Errorf("expected 2 pieces, got %d", stats.PiecesKept)
	}
	if stats.Tokens > 6 {
		t.Errorf("budget exceeded: %d tokens (%q)", stats.Tokens, out)
	}
	if !strings.Contains(out, "d e") {
		t.Errorf("truncated tail missing: %q", out)
	}
}

func TestFit_SingleOversizedPiece(t *testing.T) {
	tr := New(Config{MaxTotalTokens: 3, Separator: " | "}, wordTokenizer{})

	out, stats := tr.Fit([]string{"a b c d e f"})
	if out == "" {
		t.Fatal("context must never be empty for non-empty input")
	}
	if stats.PiecesKept != 1 || !stats.Truncated {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Tokens > 3 {
		t.Errorf("budget exceeded: %d", stats.Tokens)
	}
}

func TestFit_Empty(t *testing.T) {
	tr := New(DefaultConfig(), wordTokenizer{})
	out, stats := tr.Fit(nil)
	if out != "" || stats.PiecesKept != 0 {
		t.Errorf("expected empty result, got %q %+v", out, stats)
	}
}

func TestFit_BudgetInvariant(t *testing.T) {
	tr := New(Config{MaxTotalTokens: 10, Separator: " | "}, wordTokenizer{})

	pieces := []string{
		"uno dos tres cuatro",
		"cinco seis",
		"siete ocho nueve diez once doce",
		"trece",
	}
	out, stats := tr.Fit(pieces)
	if got := (wordTokenizer{}).Count(out); got > 10 {
		t.Errorf("joined context has %d tokens, budget 10", got)
	}
	if stats.Tokens > 10 {
		t.Errorf("reported %d tokens, budget 10", stats.Tokens)
	}
}
