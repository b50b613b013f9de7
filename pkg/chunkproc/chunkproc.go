// Package chunkproc enriches split chunks with LLM-derived titles,
// summaries, categories and keywords, and computes the stored embedding from
// a context-prefixed input rather than the bare chunk text.
package chunkproc

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/types"
)

const (
	// snippetChars caps the chunk text sent to classification prompts.
	snippetChars = 1000

	// Fallback values when an LLM call fails.
	fallbackCategory = "Otros"
	fallbackKeywords = "Otros"
)

// Config holds chunk processing settings.
type Config struct {
	// Model is the chat model for enrichment calls (empty = client default)
	Model string

	// BatchSize is how many chunks are enriched in parallel (default: 5)
	BatchSize int

	// BatchCooldown is the pause between batches (default: 2s)
	BatchCooldown time.Duration
}

// DefaultConfig returns production chunk processing settings.
func DefaultConfig() Config {
	return Config{BatchSize: 5, BatchCooldown: 2 * time.Second}
}

// Processor enriches chunks in rate-friendly batches.
type Processor struct {
	chat  llm.ChatModel
	embed llm.Embedder
	cfg   Config
	log   zerolog.Logger
}

// New creates a Processor.
func New(chat llm.ChatModel, embed llm.Embedder, cfg Config, log zerolog.Logger) *Processor {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchCooldown <= 0 {
		cfg.BatchCooldown = def.BatchCooldown
	}
	return &Processor{chat: chat, embed: embed, cfg: cfg, log: log}
}

// Process enriches every chunk and returns insert-ready records. The chunk
// order is preserved. A failing enrichment call degrades to its fallback
// value; only embedding transport errors abort the run.
func (p *Processor) Process(ctx context.Context, chunks []types.SplitChunk, identifier string, documentID int64, doc *types.Document) ([]types.Chunk, error) {
	out := make([]types.Chunk, len(chunks))

	for start := 0; start < len(chunks); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		p.log.Info().
			Int("batch_start", start).
			Int("batch_end", end).
			Int("total", len(chunks)).
			Msg("processing chunk batch")

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			idx := i
			g.Go(func() error {
				processed, err := p.processOne(gctx, chunks[idx], idx, identifier, documentID, doc)
				if err != nil {
					return fmt.Errorf("chunk %d: %w", idx, err)
				}
				out[idx] = *processed
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		if end < len(chunks) {
			if err := sleepCtx(ctx, p.cfg.BatchCooldown); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (p *Processor) processOne(ctx context.Context, chunk types.SplitChunk, number int, identifier string, documentID int64, doc *types.Document) (*types.Chunk, error) {
	title, summary := p.titleAndSummary(ctx, chunk.Text, identifier)

	input := enrichedInput(chunk, summary, doc)
	embedding, err := p.embed.Embed(ctx, input)
	if err != nil {
		p.log.Warn().Err(err).Int("chunk", number).Msg("embedding failed, storing zero vector")
		embedding = make([]float32, p.embed.Dimension())
	}

	category := p.category(ctx, chunk.Text)
	keywords := p.keywords(ctx, chunk.Text)

	metadata := map[string]interface{}{
		"chunk_size":                 len(chunk.Text),
		"source_identifier":          identifier,
		"date":                       dateFromIdentifier(identifier),
		"category":                   category,
		"keywords":                   keywords,
		"source":                     sourceFromIdentifier(identifier),
		"cluster_id":                 chunk.ClusterID,
		"cluster_size":               chunk.ClusterSize,
		"has_overlap":                chunk.HasOverlap,
		"is_subdivision":             chunk.IsSubdivision,
		"embedding_components_count": strings.Count(input, "\n\n") + 1,
	}
	if chunk.ArticleNumber != "" {
		metadata["article_number"] = chunk.ArticleNumber
	}
	if chunk.ArticleTitle != "" {
		metadata["article_title"] = chunk.ArticleTitle
	}
	if chunk.ClusteringMethod != "" {
		metadata["clustering_method"] = chunk.ClusteringMethod
	}
	if doc != nil {
		setIf(metadata, "document_type", doc.Type)
		setIf(metadata, "document_title", doc.Title)
		setIf(metadata, "issuing_authority", doc.IssuingAuthority)
		setIf(metadata, "publication_date", doc.PublicationDate)
		setIf(metadata, "jurisdiction", doc.Jurisdiction)
		setIf(metadata, "status", doc.Status)
		setIf(metadata, "document_number", doc.Number)
		setIf(metadata, "official_source", doc.OfficialSource)
	}

	return &types.Chunk{
		URL:         identifier,
		ChunkNumber: number,
		Title:       title,
		Summary:     summary,
		Content:     chunk.Text,
		Embedding:   embedding,
		Metadata:    metadata,
		DocumentID:  documentID,
	}, nil
}

func setIf(m map[string]interface{}, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// enrichedInput builds the embedding input: article and document context
// lines, then the chunk body under a "Contenido del fragmento:" header.
func enrichedInput(chunk types.SplitChunk, summary string, doc *types.Document) string {
	var components []string
	add := func(label, value string) {
		if value != "" {
			components = append(components, label+": "+value)
		}
	}

	add("Artículo", chunk.ArticleNumber)
	add("Título del artículo", chunk.ArticleTitle)
	add("Contexto del fragmento", summary)
	if doc != nil {
		add("Tipo de documento", doc.Type)
		add("Autoridad emisora", doc.IssuingAuthority)
		add("Documento", doc.Title)
		add("Jurisdicción", doc.Jurisdiction)
	}

	return strings.Join(components, "\n") + "\n\nContenido del fragmento:\n" + chunk.Text
}

const titleSummaryPrompt = `You are an AI that extracts titles and summaries from documentation chunks in the same language as the chunk.
Return a JSON object with 'title' and 'summary' keys.
For the title: Extract its title.
For the summary: Give a short succinct context to situate this chunk within the overall document for the purposes of improving search retrieval of the chunk and include any important cross-references to other provisions of the document. Answer only with the succinct context and nothing else.
Keep both title and summary concise but informative.`

// titleAndSummary asks the model for a chunk title and a situating-context
// summary. Failures degrade to error placeholders rather than aborting.
func (p *Processor) titleAndSummary(ctx context.Context, text, identifier string) (string, string) {
	resp, err := p.chat.Chat(ctx, llm.ChatRequest{
		Model:    p.cfg.Model,
		JSONMode: true,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: titleSummaryPrompt},
			{Role: llm.RoleUser, Content: "Identifier: " + identifier + "\n\nContent:\n" + snippet(text)},
		},
	})
	if err != nil {
		p.log.Error().Err(err).Msg("title/summary call failed")
		return "Error procesando el título", "Error procesando el resumen"
	}

	var parsed struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	if err := llm.DecodeJSON(resp.Content, &parsed); err != nil {
		p.log.Error().Err(err).Msg("title/summary response undecodable")
		return "Error procesando el título", "Error procesando el resumen"
	}
	return parsed.Title, parsed.Summary
}

const categoryPrompt = `Eres un modelo de IA que clasifica fragmentos de texto en categorías y subcategorías predefinidas.
La clasificación se organiza así:

Categoría: Sostenibilidad
Subcategoría: ESG
Subcategoría: SFDR
Subcategoría: Green MIFID
Subcategoría: Métricas e informes de sostenibilidad
Subcategoría: Estrategias de inversión responsable

Categoría: Riesgos Financieros
Subcategoría: Riesgo de crédito
Subcategoría: Riesgo de mercado
Subcategoría: Riesgo de contraparte
Subcategoría: Riesgo operacional
Subcategoría: Gestión de riesgo de terceros

Categoría: Regulación y Supervisión
Subcategoría: PBC/FT (Prevención de Blanqueo de Capitales / Financiación del Terrorismo)
Subcategoría: MiCA (Markets in Crypto-Assets)
Subcategoría: Regulación IA
Subcategoría: Supervisión bancaria
Subcategoría: Protección del consumidor

Categoría: Seguridad Financiera
Subcategoría: Fraude
Subcategoría: Know Your Customer (KYC)
Subcategoría: Protección de datos
Subcategoría: Ciberseguridad
Subcategoría: Medios de pago

Categoría: Reporting Regulatorio
Subcategoría: FINREP/COREP
Subcategoría: Reportes de liquidez
Subcategoría: IFRS
Subcategoría: Reporting de capital y solvencia
Subcategoría: Reporting ESG

Categoría: Tesorería
Subcategoría: Gestión de liquidez
Subcategoría: Instrumentos de financiación
Subcategoría: Control de pagos y cobros
Subcategoría: Cobertura de riesgos de tipo de interés y tipo de cambio
Subcategoría: Gestión de activos y pasivos a corto plazo

A partir de esta lista, clasifica cada fragmento de texto en exactamente una categoría y una subcategoría (la que consideres más relevante).`

func (p *Processor) category(ctx context.Context, text string) string {
	resp, err := p.chat.Chat(ctx, llm.ChatRequest{
		Model: p.cfg.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: categoryPrompt},
			{Role: llm.RoleUser, Content: "Content:\n" + snippet(text)},
		},
	})
	if err != nil {
		p.log.Error().Err(err).Msg("category call failed")
		return fallbackCategory
	}
	return strings.TrimSpace(resp.Content)
}

const keywordsPrompt = `Eres un modelo de IA que extrae palabras clave de fragmentos de texto.
Para cada fragmento identifica el tipo de documento regulatorio y devuelve dos palabras clave que representan los temas principales del contenido.`

func (p *Processor) keywords(ctx context.Context, text string) string {
	resp, err := p.chat.Chat(ctx, llm.ChatRequest{
		Model: p.cfg.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: keywordsPrompt},
			{Role: llm.RoleUser, Content: "Content:\n" + snippet(text)},
		},
	})
	if err != nil {
		p.log.Error().Err(err).Msg("keywords call failed")
		return fallbackKeywords
	}
	return strings.TrimSpace(resp.Content)
}

func snippet(text string) string {
	if len(text) <= snippetChars {
		return text
	}
	return text[:snippetChars] + "..."
}

// dateLayouts accepted inside identifier path segments.
var dateLayouts = []string{"2006-01-02", "2006/01/02", "20060102", "2006-01", "2006"}

// dateFromIdentifier parses a date from URL path segments, defaulting to now.
func dateFromIdentifier(identifier string) string {
	if u, err := url.Parse(identifier); err == nil {
		for _, segment := range strings.Split(u.Path, "/") {
			if segment == "" {
				continue
			}
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, segment); err == nil {
					return t.UTC().Format(time.RFC3339)
				}
			}
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// sourceFromIdentifier returns the host (minus "www.") for URLs and the file
// basename otherwise.
func sourceFromIdentifier(identifier string) string {
	if strings.HasPrefix(identifier, "http") {
		if u, err := url.Parse(identifier); err == nil && u.Hostname() != "" {
			return strings.TrimPrefix(u.Hostname(), "www.")
		}
		return "fuente_desconocida"
	}
	return filepath.Base(identifier)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
