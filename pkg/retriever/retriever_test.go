package retriever

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/lexatlas/lexrag/pkg/budget"
	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/logging"
	"github.com/lexatlas/lexrag/pkg/rerank"
	"github.com/lexatlas/lexrag/pkg/types"
)

// fakeStore serves canned results per search routine and records call
// counts. Safe for the parallel fan-out.
type fakeStore struct {
	mu sync.Mutex

	vector      []types.Chunk
	byCluster   map[int][]types.Chunk
	corpus      []types.Chunk
	bySubstring map[string][]types.Chunk

	vectorErr  error
	scanErr    error
	clusterErr error
	filterErr  error

	vectorCalls  int
	clusterCalls int
	scanCalls    int
	filterCalls  int
}

func (f *fakeStore) VectorMatch(ctx context.Context, corpus string, embedding []float32, matchCount int) ([]types.Chunk, error) {
	f.mu.Lock()
	f.vectorCalls++
	f.mu.Unlock()
	if f.vectorErr != nil {
		return nil, f.vectorErr
	}
	return f.vector, nil
}

func (f *fakeStore) ClusterMatch(ctx context.Context, corpus string, clusterID, matchCount int) ([]types.Chunk, error) {
	f.mu.Lock()
	f.clusterCalls++
	f.mu.Unlock()
	if f.clusterErr != nil {
		return nil, f.clusterErr
	}
	return f.byCluster[clusterID], nil
}

func (f *fakeStore) ScanVigente(ctx context.Context, corpus string) ([]types.Chunk, error) {
	f.mu.Lock()
	f.scanCalls++
	f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return f.corpus, nil
}

func (f *fakeStore) FilterSubstring(ctx context.Context, corpus, needle string) ([]types.Chunk, error) {
	f.mu.Lock()
	f.filterCalls++
	f.mu.Unlock()
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	return f.bySubstring[strings.ToLower(needle)], nil
}

func (f *fakeStore) InsertChunk(ctx context.Context, corpus string, chunk *types.Chunk) error {
	return nil
}

func (f *fakeStore) UpdateChunk(ctx context.Context, corpus string, chunk *types.Chunk) error {
	return nil
}

func (f *fakeStore) DeleteChunk(ctx context.Context, corpus, id string) error { return nil }

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fixedEmbedder) Dimension() int { return len(f.vec) }

func (f *fixedEmbedder) ModelName() string { return "fixed" }

// neutralChat answers every evaluation with the same mid score.
type neutralChat struct{}

func (neutralChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: `{"pertenencia": 5, "aplicabilidad": 5, "completitud": 5, "jerarquia": 5, "referencias": 5, "global": 5}`}, nil
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

func corpusChunk(id, content string, clusterID int) types.Chunk {
	return types.Chunk{
		ID:        id,
		Title:     "Fragmento " + id,
		Content:   content,
		Embedding: []float32{1, 0, 0},
		Metadata:  map[string]interface{}{"cluster_id": clusterID},
	}
}

func newTestRetriever(st *fakeStore, embed llm.Embedder) *Retriever {
	rr := rerank.New(neutralChat{}, embed, rerank.DefaultConfig(), logging.Nop())
	tr := budget.New(budget.Config{MaxTotalTokens: 100000, Separator: budget.DefaultSeparator}, wordTokenizer{})
	return New(st, embed, rr, tr, DefaultConfig(), logging.Nop())
}

func TestRetrieve_MergeOrderWithoutRerank(t *testing.T) {
	// Three merged chunks: below the rerank threshold, so the contractual
	// vector, cluster, bm25 order is directly observable.
	st := &fakeStore{
		vector: []types.Chunk{corpusChunk("v1", "contenido vectorial sobre licencias", 2)},
		byCluster: map[int][]types.Chunk{
			2: {
				corpusChunk("v1", "contenido vectorial sobre licencias", 2),
				corpusChunk("c1", "otro fragmento del mismo grupo", 2),
			},
		},
		corpus: []types.Chunk{
			corpusChunk("v1", "contenido vectorial sobre licencias", 2),
			corpusChunk("b1", "requisitos para licencias municipales", -1),
		},
	}
	r := newTestRetriever(st, &fixedEmbedder{vec: []float32{1, 0, 0}})

	res, err := r.Retrieve(context.Background(), "requisitos licencias", nil, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	ids := make([]string, len(res.Chunks))
	for i, c := range res.Chunks {
		ids[i] = c.ID
	}
	want := []string{"v1", "c1", "b1"}
	if len(ids) != 3 || ids[0] != want[0] || ids[1] != want[1] || ids[2] != want[2] {
		t.Errorf("merge order = %v, want %v", ids, want)
	}
	if res.Stats.Reranked {
		t.Error("fewer than 4 merged chunks must skip reranking")
	}
	if res.Context == "" {
		t.Error("context must not be empty")
	}
}

func TestRetrieve_ZeroEmbeddingReturnsNoResults(t *testing.T) {
	st := &fakeStore{vector: []types.Chunk{corpusChunk("v1", "x", -1)}}
	r := newTestRetriever(st, &fixedEmbedder{vec: []float32{0, 0, 0}})

	res, err := r.Retrieve(context.Background(), "consulta", nil, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.Context != "" || len(res.Chunks) != 0 {
		t.Errorf("expected empty result, got %d chunks", len(res.Chunks))
	}
	if st.vectorCalls != 0 {
		t.Error("zero embedding must not reach the store")
	}
}

func TestRetrieve_EmbeddingErrorShortCircuits(t *testing.T) {
	st := &fakeStore{}
	r := newTestRetriever(st, &fixedEmbedder{err: errors.New("provider down")})

	if _, err := r.Retrieve(context.Background(), "consulta", nil, nil); err == nil {
		t.Fatal("expected error from embedding failure")
	}
	if st.vectorCalls != 0 {
		t.Error("failed embedding must not reach the store")
	}
}

func TestRetrieve_MemoizesPerRequest(t *testing.T) {
	st := &fakeStore{
		vector: []types.Chunk{corpusChunk("v1", "contenido", -1)},
	}
	r := newTestRetriever(st, &fixedEmbedder{vec: []float32{1, 0, 0}})
	state := NewState()

	first, err := r.Retrieve(context.Background(), "misma consulta", nil, state)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	callsAfterFirst := st.vectorCalls

	second, err := r.Retrieve(context.Background(), "misma consulta", nil, state)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if st.vectorCalls != callsAfterFirst {
		t.Error("memoized retrieve must not hit the store again")
	}
	if first != second {
		t.Error("memoized retrieve must return the identical result")
	}
}

func TestRetrieve_SearchFailuresDegrade(t *testing.T) {
	st := &fakeStore{
		vector: []types.Chunk{
			corpusChunk("v1", "contenido uno", 1),
			corpusChunk("v2", "contenido dos", 1),
		},
		clusterErr: errors.New("cluster backend down"),
		scanErr:    errors.New("scan backend down"),
		filterErr:  errors.New("filter backend down"),
	}
	r := newTestRetriever(st, &fixedEmbedder{vec: []float32{1, 0, 0}})

	info := &types.QueryInfo{
		SearchQuery: "consulta",
		Entities:    []types.Entity{{Type: types.EntityRegulation, Value: "Ley 29733"}},
	}
	res, err := r.Retrieve(context.Background(), "consulta", info, nil)
	if err != nil {
		t.Fatalf("search failures must degrade, not error: %v", err)
	}
	if len(res.Chunks) != 2 {
		t.Errorf("expected the 2 vector hits to survive, got %d", len(res.Chunks))
	}
}

func TestRetrieve_EntitySearchSkipsMatched(t *testing.T) {
	st := &fakeStore{
		vector: []types.Chunk{corpusChunk("v1", "texto sobre la Ley 29733", -1)},
		bySubstring: map[string][]types.Chunk{
			"ley 29733": {
				corpusChunk("v1", "texto sobre la Ley 29733", -1),
				corpusChunk("e1", "más texto sobre la Ley 29733", -1),
			},
		},
	}
	r := newTestRetriever(st, &fixedEmbedder{vec: []float32{1, 0, 0}})

	info := &types.QueryInfo{
		SearchQuery: "ley de protección de datos",
		Entities: []types.Entity{
			{Type: types.EntityRegulation, Value: "Ley 29733"},
			{Type: types.EntityRegion, Value: "Lima"},
		},
	}
	res, err := r.Retrieve(context.Background(), "ley de protección de datos", info, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	// Region entities do not participate; v1 appears once.
	if st.filterCalls != 1 {
		t.Errorf("expected 1 entity filter call, got %d", st.filterCalls)
	}
	ids := make(map[string]int)
	for _, c := range res.Chunks {
		ids[c.ID]++
	}
	if ids["v1"] != 1 {
		t.Errorf("v1 duplicated or missing: %v", ids)
	}
	if ids["e1"] != 1 {
		t.Errorf("entity hit e1 missing: %v", ids)
	}
}

func TestRetrieve_RerankRunsAtFourChunks(t *testing.T) {
	st := &fakeStore{
		vector: []types.Chunk{
			corpusChunk("v1", "uno", -1),
			corpusChunk("v2", "dos", -1),
			corpusChunk("v3", "tres", -1),
			corpusChunk("v4", "cuatro", -1),
		},
	}
	r := newTestRetriever(st, &fixedEmbedder{vec: []float32{1, 0, 0}})

	res, err := r.Retrieve(context.Background(), "consulta cualquiera", nil, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !res.Stats.Reranked {
		t.Error("4 merged chunks must go through reranking")
	}
	if len(res.Chunks) > DefaultConfig().KeepNormal {
		t.Errorf("rerank target exceeded: %d chunks", len(res.Chunks))
	}
}

func TestRetrieve_ImportantKeywordsDriveLexicalSearch(t *testing.T) {
	// The corpus chunk shares no tokens with the query; only the
	// high-importance keyword can find it.
	st := &fakeStore{
		corpus: []types.Chunk{corpusChunk("b1", "fiscalización ambiental minera", -1)},
	}
	r := newTestRetriever(st, &fixedEmbedder{vec: []float32{1, 0, 0}})

	info := &types.QueryInfo{
		SearchQuery: "consulta sin coincidencias",
		Keywords: []types.Keyword{
			{Word: "fiscalización", Importance: 0.9},
			{Word: "irrelevante", Importance: 0.2},
		},
	}
	res, err := r.Retrieve(context.Background(), "consulta sin coincidencias", info, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	found := false
	for _, c := range res.Chunks {
		if c.ID == "b1" {
			found = true
		}
	}
	if !found {
		t.Error("high-importance keyword did not reach the lexical search")
	}
}

func TestKeepTarget(t *testing.T) {
	r := newTestRetriever(&fakeStore{}, &fixedEmbedder{vec: []float32{1}})
	cfg := DefaultConfig()

	tests := []struct {
		name  string
		query string
		info  *types.QueryInfo
		want  int
	}{
		{"plain query", "requisitos de licencia", nil, cfg.KeepNormal},
		{"report keyword", "genera un informe sobre sanciones", nil, cfg.KeepReports},
		{"complex analysis", "consulta", &types.QueryInfo{Complexity: types.ComplexityComplex}, cfg.KeepReports},
		{"medium complexity", "consulta", &types.QueryInfo{Complexity: types.ComplexityMedium}, cfg.KeepNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.keepTarget(tt.query, tt.info); got != tt.want {
				t.Errorf("keepTarget = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSelectSearchQuery(t *testing.T) {
	tests := []struct {
		name string
		info *types.QueryInfo
		want string
	}{
		{"nil info", nil, "cruda"},
		{"search query wins", &types.QueryInfo{SearchQuery: "optimizada", ExpandedQuery: "expandida"}, "optimizada"},
		{"expanded fallback", &types.QueryInfo{ExpandedQuery: "expandida"}, "expandida"},
		{"raw fallback", &types.QueryInfo{}, "cruda"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectSearchQuery("cruda", tt.info); got != tt.want {
				t.Errorf("selectSearchQuery = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQueryHeader(t *testing.T) {
	info := &types.QueryInfo{
		SearchQuery: "plazos de reporte",
		Entities:    []types.Entity{{Type: types.EntityRegulation, Value: "Ley 29733"}},
	}
	header := queryHeader(info)
	if !strings.Contains(header, "plazos de reporte") || !strings.Contains(header, "Ley 29733") {
		t.Errorf("header = %q", header)
	}
	if queryHeader(nil) != "" {
		t.Error("nil info must produce no header")
	}
}
