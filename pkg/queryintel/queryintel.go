// Package queryintel turns a raw user query into a structured
// types.QueryInfo: complexity triage, one LLM analysis call (a minimal or a
// full schema depending on complexity), and a repair chain that always
// produces a usable result.
package queryintel

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/types"
)

// Triage thresholds. Queries outside the simple and complex bands go to the
// LLM for the call.
const (
	complexWordCount = 20
	simpleWordCount  = 10
	emptySearchQuery = "consulta vacía"
	fallbackIntent   = "consulta_general"
)

const fullPrompt = `Eres un agente especializado en analizar consultas sobre normativas y regulaciones de cualquier sector e industria.

Tu tarea es procesar la consulta del usuario y devolver un análisis completo en formato JSON estructurado.

ANALIZA CADA CONSULTA PARA:

1. IDENTIFICAR entidades relevantes (regulaciones, artículos, jurisdicciones, autoridades, plazos, sectores)
2. CLASIFICAR el tipo de consulta (informativa, comparativa, procedimental, interpretativa, actualización)
3. EXTRAER palabras clave esenciales para búsqueda
4. DETERMINAR complejidad (simple, medium, complex)
5. REFORMULAR la consulta para mejorar claridad

DIRECTRICES:
- NO inventes entidades que no estén mencionadas
- Si hay ambigüedad, reconócela
- Mantén el significado original al reformular
- Usa solo información explícita en la consulta

RESPONDE SIEMPRE con este formato JSON exacto:
{
  "language": "es",
  "entities": [
    {"type": "regulation", "value": "nombre_regulacion"},
    {"type": "region", "value": "jurisdiccion"}
  ],
  "keywords": [
    {"word": "palabra_clave", "importance": 0.9}
  ],
  "intents": [
    {"name": "tipo_consulta", "confidence": 0.9}
  ],
  "complexity": "simple|medium|complex",
  "expanded_query": "consulta reformulada y expandida",
  "search_query": "consulta optimizada para búsqueda",
  "domain_terms": {
    "término_técnico": "definición"
  },
  "estimated_search_quality": 0.8
}`

const simplePrompt = `Analiza esta consulta sobre normativas y regulaciones y devuelve información básica en JSON:

{
  "language": "es",
  "entities": [{"type": "tipo", "value": "valor"}],
  "keywords": [{"word": "palabra", "importance": 0.8}],
  "intents": [{"name": "tipo_consulta", "confidence": 0.9}],
  "complexity": "simple",
  "search_query": "consulta optimizada"
}`

const triagePrompt = `Evalúa si esta consulta sobre normativas es compleja.
Compleja = múltiples preguntas, varios temas, requiere análisis profundo.
Simple = una pregunta directa, un tema claro.
Responde: {"is_complex": true/false, "reason": "explicación"}`

// analysisResponse is the LLM's JSON schema, shared between the simple and
// full paths (the simple path leaves the extra fields zero).
type analysisResponse struct {
	Language               string            `json:"language"`
	Entities               []types.Entity    `json:"entities"`
	Keywords               []types.Keyword   `json:"keywords"`
	Intents                []types.Intent    `json:"intents"`
	Complexity             string            `json:"complexity"`
	ExpandedQuery          string            `json:"expanded_query"`
	SearchQuery            string            `json:"search_query"`
	DomainTerms            map[string]string `json:"domain_terms"`
	EstimatedSearchQuality float64           `json:"estimated_search_quality"`
	DecomposedQueries      []string          `json:"decomposed_queries"`
}

type triageResponse struct {
	IsComplex bool   `json:"is_complex"`
	Reason    string `json:"reason"`
}

// Understander runs query analysis.
type Understander struct {
	chat  llm.ChatModel
	model string
	log   zerolog.Logger
}

// New creates an Understander using the given chat model.
func New(chat llm.ChatModel, model string, log zerolog.Logger) *Understander {
	return &Understander{chat: chat, model: model, log: log}
}

// Understand analyzes a query. It never returns an error: every failure
// degrades to a synthesized minimal QueryInfo.
func (u *Understander) Understand(ctx context.Context, query string) *types.QueryInfo {
	query = strings.TrimSpace(query)
	if query == "" {
		return &types.QueryInfo{
			OriginalQuery: query,
			SearchQuery:   emptySearchQuery,
			ExpandedQuery: emptySearchQuery,
			Complexity:    types.ComplexitySimple,
			Language:      "es",
		}
	}

	isComplex := u.triage(ctx, query)

	var resp *analysisResponse
	var err error
	if isComplex {
		resp, err = u.analyze(ctx, fullPrompt, "Analiza completamente esta consulta: "+query)
		if err != nil {
			u.log.Warn().Err(err).Msg("full analysis failed, falling back to simple path")
			resp, err = u.analyze(ctx, simplePrompt, query)
		}
	} else {
		resp, err = u.analyze(ctx, simplePrompt, query)
	}
	if err != nil {
		u.log.Warn().Err(err).Msg("query analysis failed, synthesizing fallback")
		return u.fallback(query)
	}

	info := mapResponse(resp, query)
	fill(info)
	return info
}

// triage decides whether the query needs the full analysis path. Cheap
// heuristics first; the LLM breaks ties.
func (u *Understander) triage(ctx context.Context, query string) bool {
	words := len(strings.Fields(query))
	questions := strings.Count(query, "?")

	if words > complexWordCount || questions > 1 {
		return true
	}
	if words <= simpleWordCount && questions <= 1 {
		return false
	}

	resp, err := u.chat.Chat(ctx, llm.ChatRequest{
		Model:       u.model,
		Temperature: 0,
		JSONMode:    true,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: triagePrompt},
			{Role: llm.RoleUser, Content: query},
		},
	})
	if err != nil {
		u.log.Debug().Err(err).Msg("complexity triage call failed, assuming simple")
		return false
	}

	var t triageResponse
	if err := llm.DecodeJSON(resp.Content, &t); err != nil {
		return false
	}
	return t.IsComplex
}

func (u *Understander) analyze(ctx context.Context, system, user string) (*analysisResponse, error) {
	resp, err := u.chat.Chat(ctx, llm.ChatRequest{
		Model:       u.model,
		Temperature: 0,
		JSONMode:    true,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
	})
	if err != nil {
		return nil, err
	}

	var out analysisResponse
	if err := llm.DecodeJSON(resp.Content, &out); err != nil {
		return nil, fmt.Errorf("analysis response parse failed: %w", err)
	}
	return &out, nil
}

// fallback synthesizes the minimal QueryInfo used when every LLM path fails.
func (u *Understander) fallback(query string) *types.QueryInfo {
	info := &types.QueryInfo{
		OriginalQuery:          query,
		ExpandedQuery:          query,
		SearchQuery:            query,
		Complexity:             types.ComplexitySimple,
		Language:               "es",
		EstimatedSearchQuality: 0.3,
		Intents:                []types.Intent{{Name: fallbackIntent, Confidence: 0.5}},
	}
	if fields := strings.Fields(query); len(fields) > 0 {
		info.Keywords = []types.Keyword{{Word: fields[0], Importance: 0.5}}
	}
	return info
}

func mapResponse(resp *analysisResponse, query string) *types.QueryInfo {
	info := &types.QueryInfo{
		OriginalQuery:          query,
		ExpandedQuery:          resp.ExpandedQuery,
		SearchQuery:            resp.SearchQuery,
		DecomposedQueries:      resp.DecomposedQueries,
		Intents:                resp.Intents,
		Entities:               resp.Entities,
		Keywords:               resp.Keywords,
		DomainTerms:            resp.DomainTerms,
		Language:               resp.Language,
		EstimatedSearchQuality: resp.EstimatedSearchQuality,
	}

	switch types.Complexity(resp.Complexity) {
	case types.ComplexitySimple, types.ComplexityMedium, types.ComplexityComplex:
		info.Complexity = types.Complexity(resp.Complexity)
	default:
		info.Complexity = types.ComplexitySimple
	}
	if info.Language == "" {
		info.Language = "es"
	}
	return info
}

// fill enforces the post-conditions: non-empty search and expanded queries,
// at least one keyword and intent, and a quality estimate.
func fill(info *types.QueryInfo) {
	if info.SearchQuery == "" {
		info.SearchQuery = info.ExpandedQuery
	}
	if info.SearchQuery == "" {
		info.SearchQuery = info.OriginalQuery
	}
	if info.ExpandedQuery == "" {
		info.ExpandedQuery = info.OriginalQuery
	}

	if len(info.Keywords) == 0 {
		if fields := strings.Fields(info.OriginalQuery); len(fields) > 0 {
			info.Keywords = []types.Keyword{{Word: fields[0], Importance: 0.7}}
		}
	}
	if len(info.Intents) == 0 {
		info.Intents = []types.Intent{{Name: fallbackIntent, Confidence: 0.6}}
	}

	if info.EstimatedSearchQuality <= 0 {
		quality := 0.5
		if len(info.Entities) > 0 {
			quality += 0.2
		}
		if len(info.Keywords) > 2 {
			quality += 0.2
		}
		if info.Complexity != types.ComplexitySimple {
			quality += 0.1
		}
		if quality > 1 {
			quality = 1
		}
		info.EstimatedSearchQuality = quality
	}
}
