// Package orchestrator routes user queries through the agent paths: a
// planning LLM call picks the primary agent, query understanding optionally
// rewrites the query, and the compliance or report path produces the answer.
// Conversation state lives in memory; first-turn answers feed the response
// cache.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/memory"
	"github.com/lexatlas/lexrag/pkg/queryintel"
	"github.com/lexatlas/lexrag/pkg/retriever"
	"github.com/lexatlas/lexrag/pkg/types"
)

// ReportBuilder produces a formatted report document from analysis text.
// Implemented by pkg/report.
type ReportBuilder interface {
	Build(ctx context.Context, query, analysis, regulation string) (path string, err error)
}

// Config holds orchestrator settings.
type Config struct {
	// Model is the chat model for planning and answer composition
	// (empty = client default)
	Model string

	// MaxHistoryTokens caps the conversation history loaded per turn
	// (default: 100000)
	MaxHistoryTokens int
}

// DefaultConfig returns production orchestrator settings.
func DefaultConfig() Config {
	return Config{MaxHistoryTokens: 100000}
}

// Request is one user turn.
type Request struct {
	Query     string
	UserID    string
	SessionID string

	// Progress, when set, receives stage names ("plan", "understanding",
	// "retrieve", "report") as the turn advances. Called on the request
	// goroutine.
	Progress func(stage string)
}

func (r Request) notify(stage string) {
	if r.Progress != nil {
		r.Progress(stage)
	}
}

// Answer is the orchestration outcome for one turn.
type Answer struct {
	Response  string
	AgentUsed types.AgentKind
	SessionID string

	// QueryInfo is set when query understanding ran
	QueryInfo *types.QueryInfo

	// Cached reports a response-cache hit (no agents ran)
	Cached bool

	// ReportPath is set on the report path
	ReportPath string

	// SubQueries is how many decomposed sub-queries were answered
	SubQueries int
}

// Orchestrator coordinates the specialized agents for one query at a time.
type Orchestrator struct {
	chat      llm.ChatModel
	intel     *queryintel.Understander
	retriever *retriever.Retriever
	memory    *memory.Manager
	responses *memory.ResponseCache
	reports   ReportBuilder
	cfg       Config
	log       zerolog.Logger
}

// New creates an Orchestrator. The report builder and response cache may be
// nil; the report path then degrades to the compliance answer.
func New(
	chat llm.ChatModel,
	intel *queryintel.Understander,
	retr *retriever.Retriever,
	mem *memory.Manager,
	responses *memory.ResponseCache,
	reports ReportBuilder,
	cfg Config,
	log zerolog.Logger,
) *Orchestrator {
	if cfg.MaxHistoryTokens <= 0 {
		cfg.MaxHistoryTokens = 100000
	}
	return &Orchestrator{
		chat:      chat,
		intel:     intel,
		retriever: retr,
		memory:    mem,
		responses: responses,
		reports:   reports,
		cfg:       cfg,
		log:       log,
	}
}

const plannerPrompt = `Eres un agente orquestador encargado de coordinar agentes especializados en normativas y regulaciones. No respondas la consulta del usuario: tu única función es planificar qué agente debe responderla.

Agentes disponibles:

1. query_understanding: analiza y expande consultas, descompone consultas complejas en sub-consultas, identifica entidades e intenciones.
2. compliance: experto en normativas y regulaciones. Ideal para consultas sobre regulaciones, obligaciones y procesos normativos. Incluye capacidad de análisis GAP entre políticas internas y la normativa aplicable; si la consulta menciona análisis de brechas, GAP analysis o evaluación de políticas internas, usa compliance.
3. report: genera reportes normativos formales en formato Word. Úsalo solo cuando el usuario solicita explícitamente un informe o documento.

Para cada consulta determina:
1. Si se requiere un análisis previo con query_understanding.
2. Si la consulta es compleja y se beneficiaría de la descomposición.
3. Si el usuario solicita un reporte formal (report) o solo información (compliance).

Responde SOLO en formato JSON válido:
{
  "primary_agent": "compliance" | "report" | "query_understanding",
  "requires_query_understanding": boolean,
  "requires_complex_handling": boolean,
  "additional_info": {string: string}
}`

// Plan runs the planning call. Failures and unknown agents fall back to the
// compliance path with query understanding enabled.
func (o *Orchestrator) Plan(ctx context.Context, query string) *types.OrchestratorPlan {
	fallback := &types.OrchestratorPlan{
		PrimaryAgent:               types.AgentCompliance,
		RequiresQueryUnderstanding: true,
	}

	resp, err := o.chat.Chat(ctx, llm.ChatRequest{
		Model:       o.cfg.Model,
		JSONMode:    true,
		Temperature: 0.1,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: plannerPrompt},
			{Role: llm.RoleUser, Content: query},
		},
	})
	if err != nil {
		o.log.Warn().Err(err).Msg("planning call failed, using compliance fallback")
		return fallback
	}

	var plan types.OrchestratorPlan
	if err := llm.DecodeJSON(resp.Content, &plan); err != nil {
		o.log.Warn().Err(err).Msg("unparseable plan, using compliance fallback")
		return fallback
	}
	if !plan.Valid() {
		o.log.Warn().Str("agent", string(plan.PrimaryAgent)).Msg("unknown primary agent, using compliance fallback")
		return fallback
	}
	return &plan
}

// Ask runs one user turn end to end.
func (o *Orchestrator) Ask(ctx context.Context, req Request) (*Answer, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}

	sessionID, err := o.memory.GetOrCreateSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}

	history, err := o.memory.LoadMessages(ctx, sessionID, o.cfg.MaxHistoryTokens)
	if err != nil {
		o.log.Warn().Err(err).Str("session", sessionID).Msg("loading history failed, continuing without it")
		history = nil
	}
	firstTurn := len(history) == 0

	// Context-free turns can be served straight from the response cache.
	if firstTurn && o.responses != nil {
		if cached, ok := o.responses.Get(query); ok {
			o.log.Info().Str("session", sessionID).Msg("response cache hit")
			return &Answer{
				Response:  cached,
				AgentUsed: types.AgentCompliance,
				SessionID: sessionID,
				Cached:    true,
			}, nil
		}
	}

	req.notify("plan")
	plan := o.Plan(ctx, query)
	o.log.Info().
		Str("agent", string(plan.PrimaryAgent)).
		Bool("query_understanding", plan.RequiresQueryUnderstanding).
		Bool("complex", plan.RequiresComplexHandling).
		Msg("plan generated")

	answer := &Answer{AgentUsed: plan.PrimaryAgent, SessionID: sessionID}

	effective := query
	var info *types.QueryInfo
	if plan.RequiresQueryUnderstanding {
		req.notify("understanding")
		info = o.intel.Understand(ctx, query)
		answer.QueryInfo = info
		if info.ExpandedQuery != "" {
			effective = info.ExpandedQuery
		}
	}

	req.notify("retrieve")
	switch {
	case plan.RequiresComplexHandling && info != nil && len(info.DecomposedQueries) > 0:
		answer.Response, err = o.answerDecomposed(ctx, query, info, history, plan)
		answer.SubQueries = len(info.DecomposedQueries)
		answer.AgentUsed = types.AgentCompliance
	case plan.PrimaryAgent == types.AgentReport && o.reports != nil:
		req.notify("report")
		answer.Response, answer.ReportPath, err = o.answerReport(ctx, effective, info, history, plan)
	default:
		// Unknown or analysis-only plans fall through to compliance.
		answer.Response, err = o.answerCompliance(ctx, effective, info, history, plan)
		answer.AgentUsed = types.AgentCompliance
	}
	if err != nil {
		return nil, err
	}

	o.persistTurn(ctx, sessionID, query, answer.Response, info)

	if firstTurn && o.responses != nil && answer.ReportPath == "" {
		o.responses.Set(query, answer.Response)
	}
	return answer, nil
}

// persistTurn saves the exchange and merges the context-metadata bag.
// Persistence failures never fail the turn.
func (o *Orchestrator) persistTurn(ctx context.Context, sessionID, query, response string, info *types.QueryInfo) {
	err := o.memory.SaveTurn(ctx, sessionID, []llm.Message{
		{Role: llm.RoleUser, Content: query},
		{Role: llm.RoleAssistant, Content: response},
	})
	if err != nil {
		o.log.Warn().Err(err).Str("session", sessionID).Msg("saving turn failed")
		return
	}

	update := types.ContextMetadata{KeyPoints: []string{query}}
	if info != nil {
		update.Topics = info.ImportantKeywords(0.7)
		for _, e := range info.Entities {
			if e.Type == types.EntityRegulation {
				update.Regulations = append(update.Regulations, e.Value)
			} else {
				update.Entities = append(update.Entities, e.Value)
			}
		}
	}
	if err := o.memory.UpdateContext(ctx, sessionID, update); err != nil {
		o.log.Warn().Err(err).Str("session", sessionID).Msg("updating context metadata failed")
	}
}
