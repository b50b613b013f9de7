// Package extract turns source documents (PDF, scanned images, plain text)
// into Markdown text plus a metadata record. PDF pages that yield too little
// text are rasterized and run through OCR after image preprocessing.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/types"
)

const (
	// metadataPages is how many leading PDF pages feed metadata extraction.
	metadataPages = 3

	// metadataMaxChars caps non-PDF input sent to the metadata model.
	metadataMaxChars = 200000

	// ocrThreshold is the per-page character count below which a PDF page is
	// considered scanned and sent to OCR.
	ocrThreshold = 50
)

// Extraction methods recorded on ExtractedText.
const (
	MethodPDF   = "pdf"
	MethodOCR   = "ocr"
	MethodMixed = "mixed"
	MethodText  = "text"
)

var pageMarkerPattern = regexp.MustCompile(`--- Página \d+ ---`)

// Config holds extractor settings.
type Config struct {
	// Model is the chat model for metadata extraction (empty = client default)
	Model string

	// Languages is the tesseract language set (default: "spa")
	Languages string

	// OCRDPI is the rasterization resolution for scanned pages (default: 300)
	OCRDPI int
}

// DefaultConfig returns production extractor settings.
func DefaultConfig() Config {
	return Config{Languages: "spa", OCRDPI: 300}
}

// Extractor extracts text and metadata from regulatory documents.
type Extractor struct {
	chat llm.ChatModel
	cfg  Config
	log  zerolog.Logger
}

// New creates an Extractor.
func New(chat llm.ChatModel, cfg Config, log zerolog.Logger) *Extractor {
	if cfg.Languages == "" {
		cfg.Languages = "spa"
	}
	if cfg.OCRDPI <= 0 {
		cfg.OCRDPI = 300
	}
	return &Extractor{chat: chat, cfg: cfg, log: log}
}

const metadataPrompt = `Eres un asistente especializado en análisis de documentos jurídicos y normativos.
Tu tarea es extraer la siguiente información clave de un documento normativo:

1. Tipo de documento (Ley, Reglamento, Circular, Directiva, Decreto, etc.)
2. Título completo del documento
3. Autoridad emisora (quién emitió el documento)
4. Fecha de publicación (en formato YYYY-MM-DD)
5. Fecha de entrada en vigor (en formato YYYY-MM-DD)
6. Jurisdicción (País, estado o región al que hace referencia el documento)
7. Estado del documento (vigente, derogado, modificado, etc.)
8. Número o identificador del documento (si no lo conoces, usa el nombre del documento)
9. Fuente oficial (Diario Oficial, Boletín, etc.)

Responde SOLO en formato JSON válido con las claves exactas:
{
  "document_type": string,
  "document_title": string,
  "issuing_authority": string,
  "publication_date": string,
  "effective_date": string,
  "jurisdiction": string,
  "status": string,
  "document_number": string,
  "official_source": string
}

Si no puedes determinar algún valor, usa null. La información debe ser precisa.`

// ExtractMetadata analyzes the document opening and returns its metadata
// record. Failures never propagate: the result then carries
// Type="Desconocido" and the error message in ExtractionError.
func (e *Extractor) ExtractMetadata(ctx context.Context, path string) *types.Document {
	doc, err := e.extractMetadata(ctx, path)
	if err != nil {
		e.log.Error().Err(err).Str("path", path).Msg("metadata extraction failed")
		return &types.Document{
			Type:            "Desconocido",
			Title:           filepath.Base(path),
			OriginalURL:     path,
			FileName:        filepath.Base(path),
			ExtractionError: err.Error(),
		}
	}
	return doc
}

func (e *Extractor) extractMetadata(ctx context.Context, path string) (*types.Document, error) {
	opening, err := e.documentOpening(ctx, path)
	if err != nil {
		return nil, err
	}

	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Model:    e.cfg.Model,
		JSONMode: true,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: metadataPrompt},
			{Role: llm.RoleUser, Content: "Analiza el documento normativo y extrae la información solicitada:\n\n" + opening},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("metadata model call: %w", err)
	}

	var doc types.Document
	if err := llm.DecodeJSON(resp.Content, &doc); err != nil {
		return nil, fmt.Errorf("decoding metadata response: %w", err)
	}

	doc.PublicationDate = normalizeDate(doc.PublicationDate)
	doc.EffectiveDate = normalizeDate(doc.EffectiveDate)
	doc.OriginalURL = path
	doc.FileName = filepath.Base(path)
	doc.ExtractionDate = time.Now().UTC().Format(time.RFC3339)
	return &doc, nil
}

// documentOpening returns the text the metadata model analyzes: the first
// pages of a PDF, otherwise a capped prefix of the full extraction.
func (e *Extractor) documentOpening(ctx context.Context, path string) (string, error) {
	if isPDF(path) {
		return e.pdfOpening(ctx, path, metadataPages)
	}
	extracted, err := e.ExtractText(ctx, path)
	if err != nil {
		return "", err
	}
	content := extracted.Content
	if len(content) > metadataMaxChars {
		content = content[:metadataMaxChars]
	}
	return content, nil
}

// ExtractText extracts the full document text and converts it to Markdown.
func (e *Extractor) ExtractText(ctx context.Context, path string) (*types.ExtractedText, error) {
	start := time.Now()

	var (
		content string
		method  string
		err     error
	)
	switch {
	case isPDF(path):
		content, method, err = e.extractPDF(ctx, path)
	case isImage(path):
		content, err = e.ocrFile(ctx, path)
		method = MethodOCR
	default:
		var raw []byte
		raw, err = os.ReadFile(path)
		content = string(raw)
		method = MethodText
	}
	if err != nil {
		return nil, err
	}

	pages := len(pageMarkerPattern.FindAllString(content, -1))
	if pages == 0 {
		pages = 1
	}

	return &types.ExtractedText{
		Content:   ToMarkdown(content),
		PageCount: pages,
		Method:    method,
		Seconds:   time.Since(start).Seconds(),
	}, nil
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

func isImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".tiff", ".tif":
		return true
	}
	return false
}

// dateLayouts are accepted in the order official sources use them.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"2 de January de 2006",
	time.RFC3339,
}

var spanishMonths = map[string]string{
	"enero": "January", "febrero": "February", "marzo": "March",
	"abril": "April", "mayo": "May", "junio": "June",
	"julio": "July", "agosto": "August", "septiembre": "September",
	"setiembre": "September", "octubre": "October",
	"noviembre": "November", "diciembre": "December",
}

// normalizeDate parses a best-effort date into ISO form, preserving the
// original string when no layout matches.
func normalizeDate(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		return ""
	}
	candidate := strings.ToLower(trimmed)
	for es, en := range spanishMonths {
		candidate = strings.ReplaceAll(candidate, es, en)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, candidate); err == nil {
			return t.Format("2006-01-02")
		}
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return trimmed
}
