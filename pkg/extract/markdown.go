package extract

import (
	"regexp"
	"strings"
)

// ToMarkdown converts extracted text to Markdown: ALLCAPS lines become
// second-level headings, list markers are preserved, pipe-delimited runs are
// normalized into tables, and pagination noise is stripped.
func ToMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	var out []string

	var tableRows []string
	flushTable := func() {
		if len(tableRows) > 0 {
			out = append(out, formatTable(tableRows)...)
			tableRows = nil
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")

		if strings.Count(trimmed, "|") >= 2 {
			tableRows = append(tableRows, trimmed)
			continue
		}
		flushTable()

		stripped := strings.TrimSpace(trimmed)
		if isHeadingLine(stripped) {
			out = append(out, "", "## "+stripped, "")
			continue
		}
		out = append(out, trimmed)
	}
	flushTable()

	return postProcess(strings.Join(out, "\n"))
}

// isHeadingLine reports whether a line should be promoted to a heading:
// short, non-empty, fully uppercase with at least one letter.
func isHeadingLine(s string) bool {
	if s == "" || len(s) >= 60 {
		return false
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "•") {
		return false
	}
	hasLetter := false
	for _, r := range s {
		if r >= 'a' && r <= 'z' || strings.ContainsRune("áéíóúñü", r) {
			return false
		}
		if r >= 'A' && r <= 'Z' || strings.ContainsRune("ÁÉÍÓÚÑÜ", r) {
			hasLetter = true
		}
	}
	return hasLetter
}

// formatTable normalizes a run of pipe-delimited rows into a Markdown table,
// inserting a header separator when the run has a single row.
func formatTable(rows []string) []string {
	cleaned := make([]string, 0, len(rows))
	for _, row := range rows {
		r := strings.TrimSpace(pipeSpacing.ReplaceAllString(strings.TrimSpace(row), " | "))
		if !strings.HasPrefix(r, "| ") {
			r = "| " + r
		}
		if !strings.HasSuffix(r, " |") {
			r = r + " |"
		}
		cleaned = append(cleaned, r)
	}

	if len(cleaned) < 2 {
		header := cleaned[0]
		cells := strings.Count(header, "|") - 1
		sep := make([]string, cells)
		for i := range sep {
			sep[i] = "---"
		}
		return []string{header, "| " + strings.Join(sep, " | ") + " |"}
	}
	return cleaned
}

var pipeSpacing = regexp.MustCompile(`\s*\|\s*`)

// Pagination markers removed unconditionally.
var pagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*---\s*[Pp]ágina\s+\d+\s*---\s*$`),
	regexp.MustCompile(`^\s*\d+\s+de\s+\d+\s*$`),
	regexp.MustCompile(`^\s*[Pp]ágina\s+\d+\s*$`),
	regexp.MustCompile(`^\s*-\s*\d+\s*-\s*$`),
}

// Gazette boilerplate removed when repeated nearby. Prefix patterns match
// lines that start with the marker; the rest must fill the whole line.
var headerFooterPattern = regexp.MustCompile(`(?i)^(?:` + strings.Join([]string{
	`DIARIO\s+OFICIAL`,
	`EL\s+PERUANO`,
	`BOLETÍN\s+OFICIAL`,
	`GACETA\s+OFICIAL`,
	`NORMAS\s+LEGALES`,
	`LEY\s+GENERAL`,
	`LEY\s+FEDERAL`,
	`DECRETO\s+SUPREMO`,
	`DECRETO\s+LEGISLATIVO`,
	`RESOLUCIÓN\s+SBS`,
	`REGLAMENTO`,
	`CÓDIGO`,
	`DECRETO`,
	`Página\s+\d+`,
	`www\.`,
	`(?:CAPÍTULO|TÍTULO|LIBRO|PARTE|SECCIÓN)\s+[IVXLCDM0-9]+\s*$`,
	`\d+\s+de\s+\d+\s*$`,
	`-+\s*$`,
}, `|`) + `)`)

// repeatWindow is how far postProcess looks for a duplicate of a suspected
// header or footer line before dropping it.
const repeatWindow = 5

// postProcess strips pagination markers and repeated header/footer lines,
// collapses consecutive blanks and trims the edges.
func postProcess(content string) string {
	lines := strings.Split(content, "\n")
	var out []string

	atBeginning := true
	for i, line := range lines {
		stripped := strings.TrimSpace(line)

		if matchesAny(pagePatterns, stripped) {
			continue
		}

		isBoiler := stripped != "" && headerFooterPattern.MatchString(stripped)

		// Leading boilerplate goes regardless of repetition.
		if atBeginning {
			if stripped == "" || isBoiler {
				continue
			}
			atBeginning = false
		}

		if isBoiler && repeatsNearby(lines, i, stripped) {
			continue
		}

		if stripped == "" && len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
			continue
		}
		out = append(out, line)
	}

	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func repeatsNearby(lines []string, i int, stripped string) bool {
	lo := i - repeatWindow
	if lo < 0 {
		lo = 0
	}
	hi := i + repeatWindow
	if hi > len(lines)-1 {
		hi = len(lines) - 1
	}
	for j := lo; j <= hi; j++ {
		if j != i && strings.TrimSpace(lines[j]) == stripped {
			return true
		}
	}
	return false
}

// CleanHeadersFooters removes recurring header and footer noise from already
// split text, additionally treating the document title (and its leading
// words) as boilerplate. Used by the splitter on per-article content.
func CleanHeadersFooters(content, documentTitle string) string {
	patterns := []*regexp.Regexp{headerFooterPattern}
	if documentTitle != "" {
		patterns = append(patterns,
			regexp.MustCompile(`(?i)^\s*`+regexp.QuoteMeta(documentTitle)+`\s*$`))
		words := strings.Fields(documentTitle)
		if len(words) > 3 {
			short := strings.Join(words[:3], " ")
			if len(short) > 15 {
				patterns = append(patterns,
					regexp.MustCompile(`(?i)^.*`+regexp.QuoteMeta(short)+`.*$`))
			}
		}
	}

	lines := strings.Split(content, "\n")
	var out []string
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if matchesAny(pagePatterns, stripped) {
			continue
		}
		if stripped != "" && matchesAny(patterns, stripped) && repeatsNearby(lines, i, stripped) {
			continue
		}
		if stripped == "" && len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
			continue
		}
		out = append(out, line)
	}

	for len(out) > 0 && strings.TrimSpace(out[0]) == "" {
		out = out[1:]
	}
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
