// Package report fills a Word template with LLM-generated sections to
// produce a formal regulatory report. Each template placeholder maps to one
// section, generated from the compliance analysis text with a dedicated
// prompt.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog"

	"github.com/lexatlas/lexrag/pkg/llm"
)

// Config holds report generation settings.
type Config struct {
	// TemplateDir is where templates live (default: "templates")
	TemplateDir string

	// TemplateName is the Word template to fill
	// (default: "Template_Regulatory_Report_AgentIA.docx")
	TemplateName string

	// OutputDir receives generated reports (default: "output/reports")
	OutputDir string

	// Model is the chat model for section generation (empty = client default)
	Model string
}

// DefaultConfig returns production report settings.
func DefaultConfig() Config {
	return Config{
		TemplateDir:  "templates",
		TemplateName: "Template_Regulatory_Report_AgentIA.docx",
		OutputDir:    "output/reports",
	}
}

// placeholderSections maps template placeholders to section keys.
var placeholderSections = map[string]string{
	"{{EXECUTIVE_SUMMARY}}":            "executive_summary",
	"{{ALCANCE}}":                      "scope",
	"{{FINDINGS}}":                     "findings",
	"{{CONCLUSIONES_RECOMENDACIONES}}": "conclusions_recommendations",
}

var placeholderPattern = regexp.MustCompile(`\{\{[^}]+\}\}`)

// Builder generates reports from the fixed template.
type Builder struct {
	chat llm.ChatModel
	cfg  Config
	log  zerolog.Logger
}

// New creates a report Builder.
func New(chat llm.ChatModel, cfg Config, log zerolog.Logger) *Builder {
	def := DefaultConfig()
	if cfg.TemplateDir == "" {
		cfg.TemplateDir = def.TemplateDir
	}
	if cfg.TemplateName == "" {
		cfg.TemplateName = def.TemplateName
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = def.OutputDir
	}
	return &Builder{chat: chat, cfg: cfg, log: log}
}

// Build fills the template with sections generated from the analysis text
// and writes the report. It returns the output path.
func (b *Builder) Build(ctx context.Context, query, analysis, regulation string) (string, error) {
	if regulation == "" {
		regulation = "Normativa Analizada"
	}

	templatePath := filepath.Join(b.cfg.TemplateDir, b.cfg.TemplateName)
	r, err := docx.ReadDocxFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("reading template %s: %w", templatePath, err)
	}
	defer r.Close()
	doc := r.Editable()

	now := time.Now()
	if err := doc.Replace("[Fecha]", now.Format("02/01/2006"), -1); err != nil {
		return "", fmt.Errorf("replacing date: %w", err)
	}
	if err := doc.Replace("[Ley analizada]", regulation, -1); err != nil {
		return "", fmt.Errorf("replacing regulation name: %w", err)
	}

	filled := 0
	for _, placeholder := range placeholderPattern.FindAllString(doc.GetContent(), -1) {
		key, ok := placeholderSections[placeholder]
		if !ok {
			b.log.Warn().Str("placeholder", placeholder).Msg("unknown template placeholder, leaving as is")
			continue
		}
		content, err := b.sectionContent(ctx, key, analysis, regulation)
		if err != nil {
			return "", fmt.Errorf("generating section %s: %w", key, err)
		}
		if err := doc.Replace(placeholder, content, -1); err != nil {
			return "", fmt.Errorf("filling section %s: %w", key, err)
		}
		filled++
	}

	if err := os.MkdirAll(b.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	outPath := filepath.Join(b.cfg.OutputDir, OutputFilename(regulation, now))
	if err := doc.WriteToFile(outPath); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}

	b.log.Info().
		Str("path", outPath).
		Str("regulation", regulation).
		Int("sections", filled).
		Msg("report generated")
	return outPath, nil
}

// OutputFilename builds the report file name from the regulation name and
// timestamp.
func OutputFilename(regulation string, now time.Time) string {
	return fmt.Sprintf("Reporte_Normativo_%s_%s.docx",
		safeName(regulation), now.Format("20060102_150405"))
}

var separatorRuns = regexp.MustCompile(`[\s-]+`)

// safeName reduces a regulation name to a filesystem-safe token.
func safeName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || unicode.IsSpace(r) {
			sb.WriteRune(r)
		}
	}
	cleaned := strings.TrimSpace(sb.String())
	if cleaned == "" {
		return "Normativa"
	}
	return separatorRuns.ReplaceAllString(cleaned, "_")
}

const sectionSystem = `Eres un experto en análisis regulatorio que trabaja EXCLUSIVAMENTE con información específica de bases de conocimiento.

INSTRUCCIONES CRÍTICAS:
1. USA SOLO la información proporcionada en el contexto
2. NO agregues conocimiento general o información externa
3. Cita específicamente artículos, secciones y disposiciones encontradas
4. Si la información es limitada, sé transparente sobre las limitaciones
5. Genera SOLO texto plano sin formato Markdown
6. Mantén fidelidad absoluta a la documentación proporcionada

PROHIBIDO:
- Inventar artículos o disposiciones no mencionadas
- Agregar información de conocimiento general
- Usar formato Markdown (**, #, -, etc.)
- Hacer suposiciones no respaldadas por la documentación`

// sectionContent generates one report section from the analysis text.
func (b *Builder) sectionContent(ctx context.Context, key, analysis, regulation string) (string, error) {
	resp, err := b.chat.Chat(ctx, llm.ChatRequest{
		Model:       b.cfg.Model,
		Temperature: 0,
		MaxTokens:   5000,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: sectionSystem},
			{Role: llm.RoleUser, Content: sectionPrompt(key, analysis, regulation)},
		},
	})
	if err != nil {
		return "", err
	}
	return stripMarkdown(resp.Content), nil
}

// sectionPrompt builds the task prompt for a section. Unknown keys get a
// generic fill prompt.
func sectionPrompt(key, analysis, regulation string) string {
	header := "INFORMACIÓN DE LA BASE DE CONOCIMIENTO:\n" + analysis + "\n\n"
	switch key {
	case "executive_summary":
		return header + fmt.Sprintf(`TAREA: Genera un EXECUTIVE SUMMARY de MÁXIMO 150 palabras para %s.

ESTRUCTURA OBLIGATORIA:
- Párrafo 1 (40 palabras): propósito principal de la regulación
- Párrafo 2 (60 palabras): los 3 hallazgos más críticos
- Párrafo 3 (50 palabras): impacto operacional clave y conclusión ejecutiva

REGLAS:
- Usar SOLO los artículos y obligaciones más críticos identificados
- Lenguaje directo y cuantificable cuando sea posible
- NO duplicar información que aparecerá en los hallazgos detallados`, regulation)
	case "scope":
		return header + fmt.Sprintf(`TAREA: Define el ALCANCE específico del análisis para %s.

ESTRUCTURA:
1. Normativas y artículos específicos analizados
2. Áreas organizacionales afectadas según la documentación
3. Período temporal cubierto por el análisis
4. Limitaciones del análisis (qué NO se incluye)
5. Metodología de revisión utilizada

REGLAS:
- Ser específico sobre qué se analizó y qué no
- Mencionar fechas y versiones de documentos si están disponibles
- No adelantar conclusiones`, regulation)
	case "findings":
		return header + fmt.Sprintf(`TAREA: Desarrolla FINDINGS categorizados por criticidad para %s.

ESTRUCTURA OBLIGATORIA:

CRÍTICOS (impacto alto e inmediato):
[Artículo X]: obligación específica, impacto concreto y plazo si aplica

IMPORTANTES (impacto medio, requiere seguimiento):
[Artículo Y]: requisito específico y qué implica para la organización

INFORMATIVOS (conocimiento general):
[Artículo Z]: definición o criterio y por qué es relevante conocerlo

BRECHAS IDENTIFICADAS:
Información faltante en la documentación y aspectos que requieren clarificación

REGLAS:
- Máximo 2 hallazgos por categoría
- Cada hallazgo incluye artículo, obligación e impacto concreto
- Usar términos cuantificables ("15 días", "dos veces al año")`, regulation)
	case "conclusions_recommendations":
		return header + fmt.Sprintf(`TAREA: Genera RECOMENDACIONES ACCIONABLES para %s.

ESTRUCTURA OBLIGATORIA:

ACCIONES INMEDIATAS (0-30 días):
Acción específica, responsable sugerido y entregable concreto

IMPLEMENTACIÓN MEDIANO PLAZO (1-6 meses):
Proyecto o mejora de proceso, recursos estimados y resultado esperado

MONITOREO CONTINUO:
KPI o control a implementar, frecuencia y responsable

REGLAS:
- Cada recomendación vinculada a un artículo o hallazgo específico
- Estimaciones realistas de recursos y tiempo
- Entregables concretos, no conceptos vagos
- Priorizar por impacto regulatorio frente a esfuerzo de implementación`, regulation)
	}
	return header + fmt.Sprintf("TAREA: Genera el contenido de la sección %s para %s basado EXCLUSIVAMENTE en la información anterior.", key, regulation)
}

var listBullets = regexp.MustCompile(`\n\s*[-*]\s+`)

// stripMarkdown removes the formatting the model tends to emit despite the
// plain-text instruction. Word templates render it literally otherwise.
func stripMarkdown(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "*", "")
	s = strings.ReplaceAll(s, "###", "")
	s = strings.ReplaceAll(s, "##", "")
	s = strings.ReplaceAll(s, "#", "")
	s = listBullets.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
