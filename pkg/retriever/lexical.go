package retriever

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lexatlas/lexrag/pkg/bm25"
	"github.com/lexatlas/lexrag/pkg/types"
)

type bm25Result = bm25.Result

// bm25Index builds a per-batch index over the scanned corpus. Indexed text
// is title + summary + content + stringified metadata, matching what the
// embedding enrichment exposes.
func bm25Index(chunks []types.Chunk) *bm25.Index {
	ix := bm25.New()
	for i := range chunks {
		ix.Add(chunks[i].ID, indexText(&chunks[i]))
	}
	return ix
}

func indexText(c *types.Chunk) string {
	var b strings.Builder
	b.WriteString(c.Title)
	b.WriteString(" ")
	b.WriteString(c.Summary)
	b.WriteString(" ")
	b.WriteString(c.Content)

	if len(c.Metadata) > 0 {
		// Deterministic key order keeps index contents stable across scans.
		keys := make([]string, 0, len(c.Metadata))
		for k := range c.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(fmt.Sprintf("%v", c.Metadata[k]))
		}
	}
	return b.String()
}

func lexicalSearch(ix *bm25.Index, query string) []bm25Result {
	return ix.Search(query, ix.Len())
}

func lexicalSearchTerms(ix *bm25.Index, keywords []string) []bm25Result {
	var terms []string
	for _, kw := range keywords {
		terms = append(terms, bm25.Tokenize(kw)...)
	}
	return ix.SearchTerms(terms, ix.Len())
}
