package splitter

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lexatlas/lexrag/pkg/extract"
	"github.com/lexatlas/lexrag/pkg/types"
)

// Article patterns tried in order of specificity. Peruvian regulations use
// "Artículo N.-" headings; older and foreign corpora drop the dash.
var (
	articlePrimary    = regexp.MustCompile(`(?i)(?:^|\n+)(Artículo\s+(\d+)\.-)\s*(.*)`)
	articleAlternate  = regexp.MustCompile(`(?i)(?:^|\n)(Artículo\s+(\d+))\s*\n+([^\n]+)`)
	articlePermissive = regexp.MustCompile(`(?i)(?:^|\n+)(Artículo\s+(\d+)?\.?-?)\s*(.*)`)

	structurePattern = regexp.MustCompile(`(?i)(?:^|\n+)(CAPÍTULO|TÍTULO|SECCIÓN)\s+([IVX]+|[0-9]+)\.?\s*[-–—]?\s*(.*)`)
)

// article is one detected article before chunk formatting.
type article struct {
	number    string
	title     string
	titlePart string
	content   string
	start     int
	hierarchy []types.StructureMarker
}

// splitRegulatory splits at article boundaries and attaches the enclosing
// hierarchy to each chunk.
func (s *Splitter) splitRegulatory(text string, doc *types.Document) []types.SplitChunk {
	articles := s.extractArticles(text)
	if len(articles) == 0 {
		s.log.Warn().Msg("no articles found, emitting whole document as one chunk")
		return []types.SplitChunk{{
			Text:             strings.TrimSpace(text),
			ClusterID:        0,
			ClusterSize:      1,
			ClusteringMethod: MethodArticle,
		}}
	}

	structures := extractStructure(text)
	for i := range articles {
		articles[i].hierarchy = hierarchyAt(articles[i].start, structures)
	}

	title := documentTitle(articles, doc)

	var chunks []types.SplitChunk
	for i, art := range articles {
		if s.cfg.AllowSubdivision && len(art.content) > s.cfg.MaxArticleSize {
			chunks = append(chunks, s.subdivideArticle(art, i)...)
			continue
		}
		cleaned := strings.TrimSpace(extract.CleanHeadersFooters(art.content, title))
		chunks = append(chunks, formatArticleChunk(art, cleaned, art.number, art.title, i))
	}

	for i := range chunks {
		chunks[i].ClusterSize = len(articles)
	}
	return chunks
}

// extractArticles finds article headings, trying progressively looser
// patterns, and slices the text between consecutive starts.
func (s *Splitter) extractArticles(text string) []article {
	var starts []article
	for _, pattern := range []*regexp.Regexp{articlePrimary, articleAlternate, articlePermissive} {
		for _, m := range pattern.FindAllStringSubmatchIndex(text, -1) {
			a := article{start: m[0]}
			if m[4] >= 0 {
				a.number = text[m[4]:m[5]]
			}
			if len(m) > 6 && m[6] >= 0 {
				a.titlePart = strings.TrimSpace(firstLine(text[m[6]:m[7]]))
			}
			starts = append(starts, a)
		}
		if len(starts) > 0 {
			break
		}
	}
	if len(starts) == 0 {
		return nil
	}

	sort.SliceStable(starts, func(a, b int) bool { return starts[a].start < starts[b].start })

	for i := range starts {
		end := len(text)
		if i < len(starts)-1 {
			end = starts[i+1].start
		}
		starts[i].content = strings.TrimSpace(text[starts[i].start:end])
		if starts[i].titlePart != "" {
			starts[i].title = "Artículo " + starts[i].number + ".- " + starts[i].titlePart
		} else {
			starts[i].title = "Artículo " + starts[i].number + ".-"
		}
	}
	return starts
}

// firstLine truncates a regex capture that may have run past the heading.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// extractStructure collects CAPITULO/TITULO/SECCION markers in document
// order.
func extractStructure(text string) []structureAt {
	var out []structureAt
	for _, m := range structurePattern.FindAllStringSubmatchIndex(text, -1) {
		marker := types.StructureMarker{
			Type:   strings.ToUpper(text[m[2]:m[3]]),
			Number: text[m[4]:m[5]],
		}
		if m[6] >= 0 {
			marker.Title = strings.TrimSpace(firstLine(text[m[6]:m[7]]))
		}
		out = append(out, structureAt{marker: marker, start: m[0]})
	}
	return out
}

type structureAt struct {
	marker types.StructureMarker
	start  int
}

// hierarchyAt returns the structure markers in force at a position, with the
// latest marker of each type winning.
func hierarchyAt(pos int, structures []structureAt) []types.StructureMarker {
	var hierarchy []types.StructureMarker
	for _, st := range structures {
		if st.start >= pos {
			break
		}
		replaced := false
		for i := range hierarchy {
			if hierarchy[i].Type == st.marker.Type {
				hierarchy[i] = st.marker
				replaced = true
				break
			}
		}
		if !replaced {
			hierarchy = append(hierarchy, st.marker)
		}
	}
	return hierarchy
}

// documentTitle resolves the title from metadata, falling back to a
// LEY/CÓDIGO/REGLAMENTO/DECRETO marker in any article's hierarchy.
func documentTitle(articles []article, doc *types.Document) string {
	if doc != nil && doc.Title != "" {
		return doc.Title
	}
	for _, art := range articles {
		for _, h := range art.hierarchy {
			switch h.Type {
			case "LEY", "CÓDIGO", "REGLAMENTO", "DECRETO":
				return h.Type + " " + h.Title
			}
		}
	}
	return ""
}

var paragraphSplit = regexp.MustCompile(`\n{2,}`)

// subdivideArticle splits an oversized article at paragraph boundaries,
// naming parts N.1, N.2, ...
func (s *Splitter) subdivideArticle(art article, index int) []types.SplitChunk {
	paragraphs := nonEmpty(paragraphSplit.Split(art.content, -1))
	if len(paragraphs) < 2 {
		paragraphs = nonEmpty(splitSentences(art.content))
	}

	var chunks []types.SplitChunk
	current := ""
	part := 1
	emit := func() {
		chunks = append(chunks, formatArticleChunk(
			art,
			strings.TrimSpace(current),
			art.number+"."+strconv.Itoa(part),
			art.title+" (Parte "+strconv.Itoa(part)+")",
			index,
		))
		chunks[len(chunks)-1].IsSubdivision = true
	}

	for _, para := range paragraphs {
		if len(current)+len(para) > s.cfg.ChunkSize && len(current) >= s.cfg.MinChunkSize {
			emit()
			part++
			current = para
			continue
		}
		if current == "" {
			current = para
		} else {
			current = current + "\n\n" + para
		}
	}
	if current != "" && len(current) >= s.cfg.MinChunkSize {
		emit()
	}
	return chunks
}

func formatArticleChunk(art article, text, number, title string, clusterID int) types.SplitChunk {
	return types.SplitChunk{
		Text:             text,
		ClusterID:        clusterID,
		ClusterSize:      1,
		ArticleNumber:    number,
		ArticleTitle:     title,
		Hierarchy:        art.hierarchy,
		ClusteringMethod: MethodArticle,
	}
}

func nonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences breaks text after sentence-ending periods. RE2 has no
// lookbehind, so the period is re-attached manually.
func splitSentences(text string) []string {
	parts := strings.SplitAfter(text, ". ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
