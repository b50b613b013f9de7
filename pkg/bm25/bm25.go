// Package bm25 implements the Okapi BM25 lexical ranking function over an
// in-memory inverted index. The index is built per batch: the retriever
// rebuilds it over the vigente-filtered corpus scan, the reranker over the
// candidate set of a single request.
package bm25

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Default free parameters. k1 controls term-frequency saturation, b the
// document-length penalty.
const (
	DefaultK1 = 1.6
	DefaultB  = 0.75
)

// tokenPattern matches letter runs (with combining marks, so accented
// Spanish text tokenizes correctly) or digit runs.
var tokenPattern = regexp.MustCompile(`\p{L}[\p{L}\p{M}]*|\p{N}+`)

// Tokenize lowercases s and splits it into letter and digit runs.
func Tokenize(s string) []string {
	return tokenPattern.FindAllString(strings.ToLower(s), -1)
}

// Result is a scored document id.
type Result struct {
	ID    string
	Score float64
}

// Index is an inverted index with BM25 scoring. Safe for concurrent use.
type Index struct {
	mu          sync.RWMutex
	docFreq     map[string]int
	postings    map[string]map[string]int
	docLength   map[string]int
	totalLength int
	docCount    int
	k1          float64
	b           float64
}

// New creates an empty index with the default parameters.
func New() *Index {
	return NewWithParams(DefaultK1, DefaultB)
}

// NewWithParams creates an empty index with explicit k1 and b.
func NewWithParams(k1, b float64) *Index {
	return &Index{
		docFreq:   make(map[string]int),
		postings:  make(map[string]map[string]int),
		docLength: make(map[string]int),
		k1:        k1,
		b:         b,
	}
}

// Add indexes text under id. Empty or token-free text is skipped. Adding
// the same id twice double-counts it; callers index each document once.
func (ix *Index) Add(id, text string) {
	terms := Tokenize(text)
	if len(terms) == 0 {
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.docCount++
	ix.docLength[id] = len(terms)
	ix.totalLength += len(terms)

	seen := make(map[string]struct{})
	for _, term := range terms {
		if _, ok := ix.postings[term]; !ok {
			ix.postings[term] = make(map[string]int)
		}
		ix.postings[term][id]++
		if _, ok := seen[term]; !ok {
			ix.docFreq[term]++
			seen[term] = struct{}{}
		}
	}
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.docCount
}

// Scores returns the BM25 score of every indexed document that shares at
// least one term with the query. Documents with no overlap are absent from
// the map.
func (ix *Index) Scores(query string) map[string]float64 {
	return ix.scoreTerms(unique(Tokenize(query)))
}

// ScoreTerms scores an explicit term list instead of a tokenized query.
// Used when high-importance keywords replace the raw query tokens.
func (ix *Index) ScoreTerms(terms []string) map[string]float64 {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		lowered = append(lowered, Tokenize(t)...)
	}
	return ix.scoreTerms(unique(lowered))
}

// Search returns up to limit documents ranked by descending BM25 score.
func (ix *Index) Search(query string, limit int) []Result {
	scores := ix.Scores(query)
	return rank(scores, limit)
}

// SearchTerms is Search over an explicit term list.
func (ix *Index) SearchTerms(terms []string, limit int) []Result {
	scores := ix.ScoreTerms(terms)
	return rank(scores, limit)
}

func (ix *Index) scoreTerms(terms []string) map[string]float64 {
	if len(terms) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.docCount == 0 {
		return nil
	}

	avgLen := float64(ix.totalLength) / float64(ix.docCount)
	scores := make(map[string]float64)

	for _, term := range terms {
		postings := ix.postings[term]
		if len(postings) == 0 {
			continue
		}
		df := float64(ix.docFreq[term])
		idf := math.Log((float64(ix.docCount)-df+0.5)/(df+0.5) + 1)
		for id, tf := range postings {
			docLen := float64(ix.docLength[id])
			numerator := float64(tf) * (ix.k1 + 1)
			denominator := float64(tf) + ix.k1*(1-ix.b+ix.b*(docLen/avgLen))
			scores[id] += idf * (numerator / denominator)
		}
	}
	return scores
}

func rank(scores map[string]float64, limit int) []Result {
	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, Result{ID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func unique(tokens []string) []string {
	if len(tokens) == 0 {
		return tokens
	}
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
