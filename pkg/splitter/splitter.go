// Package splitter turns extracted document text into ordered chunk records.
// Regulatory documents are split at article boundaries with their
// CAPITULO/TITULO/SECCION hierarchy attached; general prose goes through
// embedding-based agglomerative clustering.
package splitter

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/types"
)

// Clustering method labels recorded on each chunk.
const (
	MethodArticle  = "article"
	MethodSemantic = "semantic"
	MethodSimple   = "simple"
)

// Config holds splitter settings.
type Config struct {
	// ChunkSize is the target chunk size in characters (default: 8000)
	ChunkSize int

	// MinChunkSize is the smallest chunk worth emitting (default: 200)
	MinChunkSize int

	// MaxChunks bounds semantic-mode output (default: 100)
	MaxChunks int

	// OverlapSize is the inter-chunk overlap budget in characters
	// (default: 75)
	OverlapSize int

	// EmbedBatchSize is the embedding batch size for semantic mode
	// (default: 20)
	EmbedBatchSize int

	// AllowSubdivision enables splitting oversized articles into parts.
	// Off by default: an oversized article ships as one chunk.
	AllowSubdivision bool

	// MaxArticleSize is the size above which an article is subdivided
	// when AllowSubdivision is on (default: ChunkSize)
	MaxArticleSize int
}

// DefaultConfig returns production splitter settings.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      8000,
		MinChunkSize:   200,
		MaxChunks:      100,
		OverlapSize:    75,
		EmbedBatchSize: 20,
	}
}

// Splitter divides document text into chunk records.
type Splitter struct {
	embed llm.Embedder
	cfg   Config
	log   zerolog.Logger
}

// New creates a Splitter. The embedder is only used in semantic mode and may
// be nil when every input is regulatory.
func New(embed llm.Embedder, cfg Config, log zerolog.Logger) *Splitter {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = def.MinChunkSize
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = def.MaxChunks
	}
	if cfg.OverlapSize <= 0 {
		cfg.OverlapSize = def.OverlapSize
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = def.EmbedBatchSize
	}
	if cfg.MaxArticleSize <= 0 {
		cfg.MaxArticleSize = cfg.ChunkSize
	}
	return &Splitter{embed: embed, cfg: cfg, log: log}
}

var regulatoryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)art(?:ículo|iculo|\.)\s+\d+`),
	regexp.MustCompile(`(?i)(?:CAPÍTULO|TÍTULO|SECCIÓN)\s+[IVXLCDM]+`),
	regexp.MustCompile(`(?i)(?:LEY|REGLAMENTO|DECRETO|CÓDIGO)\s+(?:FEDERAL|GENERAL|DE)`),
	regexp.MustCompile(`(?i)Norma\s+\d+`),
}

var regulatoryTypes = []string{
	"ley", "reglamento", "decreto", "circular", "directiva",
	"norma", "código", "resolución", "acuerdo",
}

// regulatoryProbe is how much of the document opening the pattern check
// inspects.
const regulatoryProbe = 10000

// IsRegulatory reports whether a document should be split at article
// boundaries: either its declared type is a regulatory kind, or its opening
// shows at least two distinct regulatory markers.
func IsRegulatory(text string, doc *types.Document) bool {
	if doc != nil && doc.Type != "" {
		docType := strings.ToLower(doc.Type)
		for _, t := range regulatoryTypes {
			if strings.Contains(docType, t) {
				return true
			}
		}
	}

	probe := text
	if len(probe) > regulatoryProbe {
		probe = probe[:regulatoryProbe]
	}
	matches := 0
	for _, p := range regulatoryPatterns {
		if p.MatchString(probe) {
			matches++
		}
	}
	return matches >= 2
}

// Split divides the document text into chunk records. Regulatory documents
// always take the article path; the semantic path needs an embedder.
func (s *Splitter) Split(ctx context.Context, text string, doc *types.Document) ([]types.SplitChunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty document text")
	}

	var (
		chunks []types.SplitChunk
		err    error
	)
	if IsRegulatory(text, doc) {
		chunks = s.splitRegulatory(text, doc)
	} else {
		chunks, err = s.splitSemantic(ctx, text)
	}
	if err != nil {
		return nil, err
	}

	for _, warning := range s.Validate(chunks) {
		s.log.Warn().Str("issue", warning).Msg("chunk validation")
	}
	return chunks, nil
}

// Validate inspects emitted chunks and returns warnings for empty,
// undersized or oversized ones. Chunks are never dropped.
func (s *Splitter) Validate(chunks []types.SplitChunk) []string {
	var warnings []string
	for i, c := range chunks {
		size := len(c.Text)
		switch {
		case strings.TrimSpace(c.Text) == "":
			warnings = append(warnings, fmt.Sprintf("chunk %d is empty", i))
		case size < s.cfg.MinChunkSize:
			warnings = append(warnings, fmt.Sprintf("chunk %d is undersized (%d chars)", i, size))
		case size > s.cfg.ChunkSize*3:
			warnings = append(warnings, fmt.Sprintf("chunk %d is oversized (%d chars)", i, size))
		}
	}
	return warnings
}
