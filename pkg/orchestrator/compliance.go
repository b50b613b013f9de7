package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/retriever"
	"github.com/lexatlas/lexrag/pkg/types"
)

const compliancePrompt = `Eres "AgentIA", un agente especializado en normativas y regulaciones con acceso EXCLUSIVO a la documentación legal recuperada que se te proporciona.

OBJETIVO
Proporcionas análisis jurídicos precisos basados ÚNICAMENTE en la documentación disponible, manteniendo un tono profesional y citando las fuentes específicas encontradas.

ESTRUCTURA DE RESPUESTA
- Introducción breve conectando la consulta con el marco normativo encontrado
- Citas directas de la documentación usando formato de bloque:
  > Artículo X (Jurisdicción, fecha si disponible)
  > «Texto relevante»
- Análisis jurídico con puntos numerados o viñetas basado en el contenido recuperado
- Conclusiones respaldadas por las fuentes citadas

NORMAS ESTRICTAS
- SOLO citar artículos y documentos que aparezcan en la documentación recuperada
- NUNCA usar conocimiento general sobre leyes que no esté en la documentación
- Reproducir las citas EXACTAMENTE como aparecen, sin cambiar numeración ni parafrasear
- Si algún aspecto no está cubierto, indicarlo: "Esta información no se encuentra disponible en la documentación consultada"

Siempre concluir con: "Esta respuesta se basa exclusivamente en la documentación consultada y no constituye asesoramiento legal definitivo."`

const gapPrompt = `Eres un experto en cumplimiento normativo. Realiza un análisis GAP profesional y detallado comparando la política interna descrita en la consulta con la normativa aplicable de la documentación recuperada.

Para cada brecha identificada usa el formato:

### GAP-NNN: [Nombre descriptivo]
- Situación actual según la política interna
- Requisito normativo (cita el artículo exacto de la documentación)
- Brecha identificada
- Riesgo (Alto/Medio/Bajo)
- Recomendación concreta con plazo

Cierra con una tabla resumen de brechas priorizadas. Basa cada requisito EXCLUSIVAMENTE en la documentación recuperada; nunca inventes artículos.

Concluye con: "Este análisis GAP se basa exclusivamente en la documentación normativa consultada y no constituye asesoramiento legal definitivo."`

const synthesisPrompt = `Eres un experto en normativas y regulaciones encargado de sintetizar múltiples respuestas en una única respuesta coherente y completa. Conserva toda la información relevante, elimina redundancias y organiza el contenido de manera lógica.`

// unavailableMessage is the fixed degraded answer when retrieval fails.
const unavailableMessage = "No fue posible acceder a la documentación necesaria para responder esta consulta. Por favor, intente nuevamente."

// gapMarkers trigger the gap-analysis framing when present in the query.
var gapMarkers = []string{
	"análisis gap", "gap analysis", "análisis de brechas",
	"evaluación de políticas", "política interna",
}

func isGapQuery(query string, plan *types.OrchestratorPlan) bool {
	if plan != nil && plan.AdditionalInfo["mode"] == "gap_analysis" {
		return true
	}
	lower := strings.ToLower(query)
	for _, marker := range gapMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// answerCompliance runs the retrieval core and composes the answer. A
// retrieval failure degrades to the fixed unavailable message instead of
// failing the turn.
func (o *Orchestrator) answerCompliance(ctx context.Context, query string, info *types.QueryInfo, history []llm.Message, plan *types.OrchestratorPlan) (string, error) {
	result, err := o.retriever.Retrieve(ctx, query, info, retriever.NewState())
	if err != nil {
		o.log.Error().Err(err).Msg("retrieval failed, answering with unavailable message")
		return unavailableMessage, nil
	}

	system := compliancePrompt
	if isGapQuery(query, plan) {
		system = gapPrompt
	}

	docs := result.Context
	if docs == "" {
		docs = "(sin resultados en la documentación)"
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{
		Role: llm.RoleUser,
		Content: "Documentación recuperada:\n\n" + docs +
			"\n\nConsulta: " + query,
	})

	resp, err := o.chat.Chat(ctx, llm.ChatRequest{
		Model:       o.cfg.Model,
		Temperature: 0.2,
		Messages:    messages,
	})
	if err != nil {
		return "", fmt.Errorf("composing answer: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// answerDecomposed answers each sub-query sequentially through the
// compliance path, then merges the partial answers with one synthesis call.
func (o *Orchestrator) answerDecomposed(ctx context.Context, query string, info *types.QueryInfo, history []llm.Message, plan *types.OrchestratorPlan) (string, error) {
	subAnswers := make([]string, 0, len(info.DecomposedQueries))
	for i, sub := range info.DecomposedQueries {
		o.log.Info().Int("index", i+1).Str("sub_query", sub).Msg("answering sub-query")
		answer, err := o.answerCompliance(ctx, sub, nil, history, plan)
		if err != nil {
			return "", fmt.Errorf("sub-query %d: %w", i+1, err)
		}
		subAnswers = append(subAnswers, answer)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Sintetiza de manera coherente las siguientes respuestas a sub-consultas sobre: %s\n\n", query)
	for i, answer := range subAnswers {
		fmt.Fprintf(&sb, "Respuesta %d (a la sub-consulta: %s):\n%s\n\n", i+1, info.DecomposedQueries[i], answer)
	}

	resp, err := o.chat.Chat(ctx, llm.ChatRequest{
		Model:       o.cfg.Model,
		Temperature: 0.2,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: synthesisPrompt},
			{Role: llm.RoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("synthesizing sub-answers: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// answerReport runs the compliance path for the analysis text, then fills
// the report template with it.
func (o *Orchestrator) answerReport(ctx context.Context, query string, info *types.QueryInfo, history []llm.Message, plan *types.OrchestratorPlan) (string, string, error) {
	analysis, err := o.answerCompliance(ctx, query, info, history, plan)
	if err != nil {
		return "", "", err
	}

	regulation := "Normativa Analizada"
	if info != nil {
		for _, e := range info.Entities {
			if e.Type == types.EntityRegulation && e.Value != "" {
				regulation = e.Value
				break
			}
		}
	}

	path, err := o.reports.Build(ctx, query, analysis, regulation)
	if err != nil {
		return "", "", fmt.Errorf("building report: %w", err)
	}

	message := fmt.Sprintf(`He generado un informe normativo basado en tu consulta.

Título: %s
Ubicación: %s

El informe incluye un análisis detallado de las normativas y regulaciones relevantes, conclusiones y recomendaciones.`,
		reportTitle(path), path)
	return message, path, nil
}

func reportTitle(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, ".docx")
	return strings.ReplaceAll(base, "_", " ")
}
