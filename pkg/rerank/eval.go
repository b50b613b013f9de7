package rerank

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/types"
)

// Global score weights over the five evaluation criteria.
const (
	weightPertinence    = 0.35
	weightApplicability = 0.25
	weightCompleteness  = 0.15
	weightHierarchy     = 0.15
	weightReferences    = 0.10
)

const evalPromptFormat = `Eres un experto en análisis de documentos normativos. Evalúa la relevancia del siguiente fragmento respecto a la consulta, considerando que se trata de texto regulatorio.

CRITERIOS DE EVALUACIÓN:
1. Pertinencia temática (0-10): ¿El fragmento trata específicamente el tema consultado?
2. Aplicabilidad directa (0-10): ¿Las disposiciones son directamente aplicables al caso planteado?
3. Completitud normativa (0-10): ¿El fragmento contiene disposiciones completas y no cortadas?
4. Jerarquía normativa (0-10): ¿Cuál es el rango jerárquico de la fuente? (Constitución=10, Ley=8-9, Reglamento=6-7, Resolución=4-5, Circular=1-3)
5. Referencias cruzadas (0-10): ¿El fragmento incluye remisiones útiles a otros artículos o normas relevantes para completar la respuesta?

ESCALA DE PUNTUACIÓN:
- 0: Completamente irrelevante/ausente
- 1-3: Mínimamente presente/útil
- 4-6: Moderadamente presente/útil
- 7-8: Altamente presente/útil
- 9-10: Óptimo/Perfecto para el criterio

Consulta: %q

Fragmento a evaluar:
---
%s
---

INSTRUCCIONES ESPECIALES:
- Para jerarquía normativa: Considera que normas de mayor rango tienen precedencia interpretativa
- Para referencias cruzadas: Valora positivamente fragmentos que incluyan "véase también", "en concordancia con", remisiones a otros artículos, etc.
- Evalúa si el fragmento está completo o cortado artificialmente
- Penaliza fragmentos que requieran contexto adicional para ser útiles

Puntaje global: 0.35*(Pertinencia) + 0.25*(Aplicabilidad) + 0.15*(Completitud) + 0.15*(Jerarquía) + 0.10*(Referencias)

Responde ÚNICAMENTE en formato JSON:
{
  "pertenencia": valor,
  "aplicabilidad": valor,
  "completitud": valor,
  "jerarquia": valor,
  "referencias": valor,
  "global": valor,
  "justificacion_breve": "explicación en 1-2 líneas sobre los criterios más determinantes"
}`

const simplePromptFormat = `Evalúa la relevancia del siguiente fragmento respecto a la consulta:

Consulta: %q

Fragmento:
---
%s
---

Asigna un puntaje de 0 a 10, donde 10 es extremadamente relevante.
Responde solo con el número.`

var numberPattern = regexp.MustCompile(`\b\d+(\.\d+)?\b`)

// evalScores is the LLM's criteria response.
type evalScores struct {
	Pertenencia   float64 `json:"pertenencia"`
	Aplicabilidad float64 `json:"aplicabilidad"`
	Completitud   float64 `json:"completitud"`
	Jerarquia     float64 `json:"jerarquia"`
	Referencias   float64 `json:"referencias"`
	Global        float64 `json:"global"`
}

// evaluate scores one chunk in [0,10]. Parse failures fall back to a regex
// number extraction; any remaining failure scores 0.
func (r *Reranker) evaluate(ctx context.Context, query, text string) float64 {
	prompt := fmt.Sprintf(evalPromptFormat, query, r.evalSegment(text))

	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Model:       r.cfg.Model,
		Temperature: 0,
		JSONMode:    true,
		MaxTokens:   150,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("relevance evaluation call failed")
		return 0
	}

	var scores evalScores
	if err := llm.DecodeJSON(resp.Content, &scores); err != nil {
		return extractScore(resp.Content)
	}

	scores.Pertenencia = clip10(scores.Pertenencia)
	scores.Aplicabilidad = clip10(scores.Aplicabilidad)
	scores.Completitud = clip10(scores.Completitud)
	scores.Jerarquia = clip10(scores.Jerarquia)
	scores.Referencias = clip10(scores.Referencias)

	if scores.Global < 0 || scores.Global > 10 {
		scores.Global = weightPertinence*scores.Pertenencia +
			weightApplicability*scores.Aplicabilidad +
			weightCompleteness*scores.Completitud +
			weightHierarchy*scores.Jerarquia +
			weightReferences*scores.Referencias
	}
	return clip10(scores.Global)
}

// evalSegment caps evaluation token cost: a long chunk is replaced by its
// title plus the first, middle and last thirds of the budget.
func (r *Reranker) evalSegment(text string) string {
	max := r.cfg.EvalMaxChars
	if len(text) <= max {
		return text
	}

	title := chunkTitle(text)
	third := max / 3

	intro := text[:third]
	midStart := len(text)/2 - third/2
	middle := text[midStart : midStart+third]
	ending := text[len(text)-third:]

	segment := intro + "...\n\n" + middle + "...\n\n" + ending
	if title != "" {
		return "# " + title + "\n\n" + segment
	}
	return segment
}

var titlePattern = regexp.MustCompile(`#\s+(.+?)(?:\n|\[|$)`)

// chunkTitle extracts the first Markdown heading, "" when absent.
func chunkTitle(text string) string {
	if m := titlePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// simple is the fallback rerank: a plain 0-10 LLM score over the first
// MaxToRerank chunks, remaining chunks appended in input order.
func (r *Reranker) simple(ctx context.Context, query string, chunks []*types.Chunk, texts []string) ([]*types.Chunk, error) {
	n := len(chunks)
	if n > r.cfg.MaxToRerank {
		n = r.cfg.MaxToRerank
	}

	scores := make([]float64, n)
	failures := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prompt := fmt.Sprintf(simplePromptFormat, query, r.evalSegment(texts[i]))
		resp, err := r.chat.Chat(ctx, llm.ChatRequest{
			Model:       r.cfg.Model,
			Temperature: 0,
			MaxTokens:   5,
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			r.log.Warn().Err(err).Int("chunk", i).Msg("simple rerank evaluation failed")
			failures++
			continue
		}
		scores[i] = extractScore(resp.Content)
	}
	if failures == n {
		return nil, fmt.Errorf("all %d simple rerank evaluations failed", n)
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	ranked := make([]*types.Chunk, 0, len(chunks))
	for _, i := range order {
		ranked = append(ranked, chunks[i])
	}
	ranked = append(ranked, chunks[n:]...)
	return ranked, nil
}

// extractScore pulls the first number out of a free-form response, clipped
// to [0,10]. No number scores 0.
func extractScore(text string) float64 {
	m := numberPattern.FindString(text)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return clip10(v)
}

func clip10(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
