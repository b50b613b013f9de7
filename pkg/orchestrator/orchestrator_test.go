package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lexatlas/lexrag/pkg/budget"
	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/logging"
	"github.com/lexatlas/lexrag/pkg/memory"
	"github.com/lexatlas/lexrag/pkg/queryintel"
	"github.com/lexatlas/lexrag/pkg/rerank"
	"github.com/lexatlas/lexrag/pkg/retriever"
	"github.com/lexatlas/lexrag/pkg/store"
	"github.com/lexatlas/lexrag/pkg/types"
)

// agentChat serves every LLM role by routing on the system prompt. The plan
// and analysis payloads are configurable per test.
type agentChat struct {
	mu       sync.Mutex
	planJSON string
	infoJSON string

	planCalls      int
	answerCalls    int
	synthesisCalls int
}

func (c *agentChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	system := req.Messages[0].Content
	switch {
	case strings.Contains(system, "agente orquestador"):
		c.planCalls++
		return &llm.ChatResponse{Content: c.planJSON}, nil
	case strings.Contains(system, "analizar consultas"), strings.Contains(system, "información básica"):
		return &llm.ChatResponse{Content: c.infoJSON}, nil
	case strings.Contains(system, "Evalúa si esta consulta"):
		return &llm.ChatResponse{Content: `{"is_complex": false}`}, nil
	case strings.Contains(system, "AgentIA"):
		c.answerCalls++
		last := req.Messages[len(req.Messages)-1].Content
		return &llm.ChatResponse{Content: "Respuesta normativa a: " + lastLine(last)}, nil
	case strings.Contains(system, "análisis GAP"):
		c.answerCalls++
		return &llm.ChatResponse{Content: "### GAP-001: Brecha identificada"}, nil
	case strings.Contains(system, "sintetizar múltiples respuestas"):
		c.synthesisCalls++
		return &llm.ChatResponse{Content: "Síntesis de las respuestas parciales."}, nil
	}
	return &llm.ChatResponse{Content: "?"}, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (f fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = f.Embed(ctx, texts[i])
	}
	return out, nil
}

func (fixedEmbedder) Dimension() int { return 2 }

func (fixedEmbedder) ModelName() string { return "fixed" }

// corpusStore returns one canned chunk from vector search only.
type corpusStore struct{}

func (corpusStore) VectorMatch(ctx context.Context, corpus string, embedding []float32, matchCount int) ([]types.Chunk, error) {
	return []types.Chunk{{
		ID:        "c1",
		Title:     "Artículo 5",
		Content:   "El tratamiento de datos requiere consentimiento.",
		Embedding: []float32{1, 0},
		Metadata:  map[string]interface{}{"cluster_id": -1},
	}}, nil
}

func (corpusStore) ClusterMatch(ctx context.Context, corpus string, clusterID, matchCount int) ([]types.Chunk, error) {
	return nil, nil
}

func (corpusStore) ScanVigente(ctx context.Context, corpus string) ([]types.Chunk, error) {
	return nil, nil
}

func (corpusStore) FilterSubstring(ctx context.Context, corpus, needle string) ([]types.Chunk, error) {
	return nil, nil
}

func (corpusStore) InsertChunk(ctx context.Context, corpus string, chunk *types.Chunk) error {
	return nil
}

func (corpusStore) UpdateChunk(ctx context.Context, corpus string, chunk *types.Chunk) error {
	return nil
}

func (corpusStore) DeleteChunk(ctx context.Context, corpus, id string) error { return nil }

// sessionStore is an in-memory SessionStore.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*types.ConversationSession
	batches  map[string][]types.MessageBatch
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*types.ConversationSession),
		batches:  make(map[string][]types.MessageBatch),
	}
}

func (s *sessionStore) CreateSession(ctx context.Context, session *types.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *sessionStore) GetSession(ctx context.Context, id string) (*types.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *sessionStore) UpdateSessionMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.Metadata = metadata
		session.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *sessionStore) SaveMessageBatch(ctx context.Context, batch *types.MessageBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.SessionID] = append(s.batches[batch.SessionID], *batch)
	return nil
}

func (s *sessionStore) LoadMessageBatches(ctx context.Context, sessionID string, limit int) ([]types.MessageBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batches := append([]types.MessageBatch(nil), s.batches[sessionID]...)
	sort.SliceStable(batches, func(a, b int) bool {
		return batches[a].CreatedAt.After(batches[b].CreatedAt)
	})
	if limit > 0 && len(batches) > limit {
		batches = batches[:limit]
	}
	return batches, nil
}

type fakeReports struct {
	calls int
	query string
}

func (f *fakeReports) Build(ctx context.Context, query, analysis, regulation string) (string, error) {
	f.calls++
	f.query = query
	return "output/reports/Reporte_Normativo_Ley_29733.docx", nil
}

type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

func (wordTokenizer) Truncate(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	if n <= 0 {
		return ""
	}
	return strings.Join(words[:n], " ")
}

type env struct {
	orch     *Orchestrator
	chat     *agentChat
	reports  *fakeReports
	sessions *sessionStore
	cache    *memory.ResponseCache
}

func newEnv(t *testing.T, planJSON string) *env {
	t.Helper()

	chat := &agentChat{
		planJSON: planJSON,
		infoJSON: `{"expanded_query": "consulta expandida sobre protección de datos", "search_query": "protección datos", "complexity": "simple"}`,
	}
	embed := fixedEmbedder{}

	rr := rerank.New(chat, embed, rerank.DefaultConfig(), logging.Nop())
	tr := budget.New(budget.DefaultConfig(), wordTokenizer{})
	retr := retriever.New(corpusStore{}, embed, rr, tr, retriever.DefaultConfig(), logging.Nop())

	sessions := newSessionStore()
	mem := memory.NewManager(sessions, chat, memory.DefaultConfig(), logging.Nop())
	respCache := memory.NewResponseCache(100, time.Minute)
	reports := &fakeReports{}

	orch := New(chat, queryintel.New(chat, "", logging.Nop()), retr, mem, respCache, reports, DefaultConfig(), logging.Nop())
	return &env{orch: orch, chat: chat, reports: reports, sessions: sessions, cache: respCache}
}

const compliancePlan = `{"primary_agent": "compliance", "requires_query_understanding": false, "requires_complex_handling": false}`

func TestAsk_CompliancePath(t *testing.T) {
	e := newEnv(t, compliancePlan)

	answer, err := e.orch.Ask(context.Background(), Request{Query: "¿Qué exige la ley de datos?", UserID: "u1"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.AgentUsed != types.AgentCompliance {
		t.Errorf("agent = %q", answer.AgentUsed)
	}
	if !strings.Contains(answer.Response, "Respuesta normativa") {
		t.Errorf("response = %q", answer.Response)
	}
	if answer.SessionID == "" {
		t.Error("session id not assigned")
	}
	if answer.Cached {
		t.Error("first computed answer flagged as cached")
	}
	if len(e.sessions.batches[answer.SessionID]) != 1 {
		t.Errorf("saved batches = %d", len(e.sessions.batches[answer.SessionID]))
	}
}

func TestAsk_ProgressStages(t *testing.T) {
	plan := `{"primary_agent": "compliance", "requires_query_understanding": true, "requires_complex_handling": false}`
	e := newEnv(t, plan)

	var stages []string
	_, err := e.orch.Ask(context.Background(), Request{
		Query:    "¿datos?",
		UserID:   "u1",
		Progress: func(stage string) { stages = append(stages, stage) },
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	want := []string{"plan", "understanding", "retrieve"}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage %d = %q, want %q", i, stages[i], want[i])
		}
	}
}

func TestAsk_QueryUnderstandingRewritesQuery(t *testing.T) {
	plan := `{"primary_agent": "compliance", "requires_query_understanding": true, "requires_complex_handling": false}`
	e := newEnv(t, plan)

	answer, err := e.orch.Ask(context.Background(), Request{Query: "¿datos?", UserID: "u1"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.QueryInfo == nil {
		t.Fatal("query info missing")
	}
	// The compliance prompt closes with "Consulta: <effective query>".
	if !strings.Contains(answer.Response, "consulta expandida") {
		t.Errorf("expanded query not used: %q", answer.Response)
	}
}

func TestAsk_DecomposedQueriesAreSynthesized(t *testing.T) {
	plan := `{"primary_agent": "compliance", "requires_query_understanding": true, "requires_complex_handling": true}`
	e := newEnv(t, plan)
	e.chat.infoJSON = `{
		"expanded_query": "consulta expandida",
		"search_query": "consulta",
		"complexity": "complex",
		"decomposed_queries": ["¿Qué es el consentimiento?", "¿Qué sanciones aplican?"]
	}`

	query := "¿Qué es el consentimiento y qué sanciones aplican si falta? " +
		"Además, ¿cómo se acredita ante la autoridad y qué plazos rigen para subsanar?"
	answer, err := e.orch.Ask(context.Background(), Request{Query: query, UserID: "u1"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.SubQueries != 2 {
		t.Errorf("sub queries = %d", answer.SubQueries)
	}
	if answer.Response != "Síntesis de las respuestas parciales." {
		t.Errorf("response = %q", answer.Response)
	}
	if e.chat.answerCalls != 2 {
		t.Errorf("compliance calls = %d, want one per sub-query", e.chat.answerCalls)
	}
	if e.chat.synthesisCalls != 1 {
		t.Errorf("synthesis calls = %d", e.chat.synthesisCalls)
	}
}

func TestAsk_ReportPath(t *testing.T) {
	plan := `{"primary_agent": "report", "requires_query_understanding": false, "requires_complex_handling": false}`
	e := newEnv(t, plan)

	answer, err := e.orch.Ask(context.Background(), Request{Query: "Genera un informe sobre la ley de datos", UserID: "u1"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.AgentUsed != types.AgentReport {
		t.Errorf("agent = %q", answer.AgentUsed)
	}
	if e.reports.calls != 1 {
		t.Fatalf("report builds = %d", e.reports.calls)
	}
	if answer.ReportPath == "" || !strings.Contains(answer.Response, answer.ReportPath) {
		t.Errorf("report path missing from response: %q", answer.Response)
	}
	// Report answers are context-specific artifacts, never cached.
	if _, ok := e.cache.Get("Genera un informe sobre la ley de datos"); ok {
		t.Error("report response entered the response cache")
	}
}

func TestAsk_FirstTurnPopulatesResponseCache(t *testing.T) {
	e := newEnv(t, compliancePlan)
	ctx := context.Background()

	first, err := e.orch.Ask(ctx, Request{Query: "¿Qué exige la ley?", UserID: "u1"})
	if err != nil {
		t.Fatalf("first Ask: %v", err)
	}

	// Same query in a fresh session: served from the cache, no planning.
	plansBefore := e.chat.planCalls
	second, err := e.orch.Ask(ctx, Request{Query: "¿Qué exige la ley?", UserID: "u2"})
	if err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	if !second.Cached {
		t.Error("second identical first-turn query not served from cache")
	}
	if second.Response != first.Response {
		t.Errorf("cached response differs: %q vs %q", second.Response, first.Response)
	}
	if e.chat.planCalls != plansBefore {
		t.Error("cache hit still ran the planner")
	}
}

func TestAsk_LaterTurnsBypassResponseCache(t *testing.T) {
	e := newEnv(t, compliancePlan)
	ctx := context.Background()

	first, err := e.orch.Ask(ctx, Request{Query: "¿Qué exige la ley?", UserID: "u1"})
	if err != nil {
		t.Fatalf("first Ask: %v", err)
	}

	// Second turn of the same session has history: not cached, not served
	// from cache.
	e.cache.Set("¿y las sanciones?", "respuesta enlatada")
	second, err := e.orch.Ask(ctx, Request{Query: "¿y las sanciones?", UserID: "u1", SessionID: first.SessionID})
	if err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	if second.Cached {
		t.Error("follow-up turn served from the response cache")
	}
	if second.Response == "respuesta enlatada" {
		t.Error("context-dependent turn answered with cached text")
	}
}

func TestPlan_FallbackOnGarbage(t *testing.T) {
	e := newEnv(t, `not json at all`)

	plan := e.orch.Plan(context.Background(), "¿Qué exige la ley?")
	if plan.PrimaryAgent != types.AgentCompliance || !plan.RequiresQueryUnderstanding {
		t.Errorf("fallback plan = %+v", plan)
	}
}

func TestPlan_RejectsUnknownAgent(t *testing.T) {
	e := newEnv(t, `{"primary_agent": "web_scraping"}`)

	plan := e.orch.Plan(context.Background(), "novedades normativas")
	if plan.PrimaryAgent != types.AgentCompliance {
		t.Errorf("unknown agent accepted: %+v", plan)
	}
}

func TestIsGapQuery(t *testing.T) {
	tests := []struct {
		query string
		plan  *types.OrchestratorPlan
		want  bool
	}{
		{"Haz un análisis GAP de nuestra política de datos", nil, true},
		{"Evaluación de políticas frente al reglamento", nil, true},
		{"¿Qué exige la ley de datos?", nil, false},
		{"¿Qué exige la ley?", &types.OrchestratorPlan{AdditionalInfo: map[string]string{"mode": "gap_analysis"}}, true},
	}
	for _, tt := range tests {
		if got := isGapQuery(tt.query, tt.plan); got != tt.want {
			t.Errorf("isGapQuery(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestReportTitle(t *testing.T) {
	got := reportTitle("output/reports/Reporte_Normativo_Ley_29733.docx")
	if got != "Reporte Normativo Ley 29733" {
		t.Errorf("title = %q", got)
	}
}
