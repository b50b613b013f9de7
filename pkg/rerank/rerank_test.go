package rerank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/logging"
	"github.com/lexatlas/lexrag/pkg/types"
)

// fakeChat scores evaluation prompts by looking for marker substrings in the
// chunk text embedded in the prompt. Safe for concurrent use.
type fakeChat struct {
	mu     sync.Mutex
	scores map[string]float64
	err    error
	calls  int
}

func (f *fakeChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	prompt := req.Messages[len(req.Messages)-1].Content
	score := 1.0
	for marker, s := range f.scores {
		if strings.Contains(prompt, marker) {
			score = s
			break
		}
	}
	content := fmt.Sprintf(`{"pertenencia": %[1]f, "aplicabilidad": %[1]f, "completitud": %[1]f, "jerarquia": %[1]f, "referencias": %[1]f, "global": %[1]f}`, score)
	return &llm.ChatResponse{Content: content}, nil
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeEmbedder returns a fixed query vector and records batch sizes.
type fakeEmbedder struct {
	mu         sync.Mutex
	queryVec   []float32
	batchSizes []int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.queryVec != nil {
		return f.queryVec, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batchSizes = append(f.batchSizes, len(texts))
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0, 1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }

func (f *fakeEmbedder) ModelName() string { return "fake-embedding" }

func newTestReranker(chat llm.ChatModel, embed llm.Embedder) *Reranker {
	return New(chat, embed, DefaultConfig(), logging.Nop())
}

func chunkWith(id, content string, emb []float32) *types.Chunk {
	c := types.NewChunk(id, content)
	c.Embedding = emb
	return c
}

func TestAdaptWeights(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Weights
	}{
		{
			name:  "specific article",
			query: "qué establece el artículo 3 sobre plazos",
			want:  Weights{BM25: 0.50, Cosine: 0.25, LLM: 0.25},
		},
		{
			name:  "interpretive",
			query: "qué significa la debida reserva en este contexto",
			want:  Weights{BM25: 0.20, Cosine: 0.30, LLM: 0.50},
		},
		{
			name:  "short query",
			query: "plazos reporte",
			want:  Weights{BM25: 0.25, Cosine: 0.30, LLM: 0.45},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := adaptWeights(tt.query)
			if math.Abs(got.BM25-tt.want.BM25) > 0.01 ||
				math.Abs(got.Cosine-tt.want.Cosine) > 0.01 ||
				math.Abs(got.LLM-tt.want.LLM) > 0.01 {
				t.Errorf("weights = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAdaptWeights_SumToOne(t *testing.T) {
	queries := []string{
		"qué dice el artículo 12 vigente en 2025",
		"interpretación del reglamento nacional de datos personales",
		"impuesto",
		strings.Repeat("palabra ", 25),
		"consulta genérica sobre cualquier cosa sin términos especiales aquí",
	}
	for _, q := range queries {
		w := adaptWeights(q)
		sum := w.BM25 + w.Cosine + w.LLM
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("query %q: weights sum to %f", q, sum)
		}
	}
}

func TestSmartNormalize(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		if out := smartNormalize(nil); out != nil {
			t.Errorf("expected nil, got %v", out)
		}
	})

	t.Run("all zeros", func(t *testing.T) {
		out := smartNormalize([]float64{0, 0, 0})
		for _, v := range out {
			if v != 0 {
				t.Errorf("expected zeros, got %v", out)
			}
		}
	})

	t.Run("constant nonzero", func(t *testing.T) {
		out := smartNormalize([]float64{0.7, 0.7})
		for _, v := range out {
			if v != 1 {
				t.Errorf("expected ones, got %v", out)
			}
		}
	})

	t.Run("preserves order and range", func(t *testing.T) {
		out := smartNormalize([]float64{3, 1, 2})
		if !(out[0] > out[2] && out[2] > out[1]) {
			t.Errorf("order not preserved: %v", out)
		}
		if out[0] != 1 || out[1] != 0 {
			t.Errorf("endpoints not normalized: %v", out)
		}
	})
}

func TestRerank_SingleCandidate(t *testing.T) {
	chat := &fakeChat{}
	r := newTestReranker(chat, &fakeEmbedder{})

	chunks := []*types.Chunk{chunkWith("1", "único", []float32{1, 0, 0})}
	out := r.Rerank(context.Background(), "consulta", chunks, Options{})
	if len(out) != 1 || out[0].ID != "1" {
		t.Fatalf("unexpected result: %+v", out)
	}
	if chat.callCount() != 0 {
		t.Errorf("single candidate must not trigger LLM calls, got %d", chat.callCount())
	}
}

func TestRerank_OrdersByRelevance(t *testing.T) {
	// The target chunk wins on all three signals: it shares query terms, its
	// embedding matches the query vector, and the LLM scores it highest.
	chat := &fakeChat{scores: map[string]float64{
		"y su tratamiento": 9,
	}}
	embed := &fakeEmbedder{queryVec: []float32{1, 0, 0}}
	r := newTestReranker(chat, embed)

	chunks := []*types.Chunk{
		chunkWith("a", "normas de tránsito vehicular", []float32{0, 1, 0}),
		chunkWith("b", "protección de datos personales y su tratamiento", []float32{1, 0, 0}),
		chunkWith("c", "regulación pesquera artesanal", []float32{0, 0, 1}),
		chunkWith("d", "aranceles de importación", []float32{0, 0.5, 0.5}),
	}

	out := r.Rerank(context.Background(), "protección de datos personales", chunks, Options{})
	if len(out) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(out))
	}
	if out[0].ID != "b" {
		t.Errorf("expected chunk b first, got %s", out[0].ID)
	}
}

func TestRerank_MaxToReturn(t *testing.T) {
	r := newTestReranker(&fakeChat{}, &fakeEmbedder{})

	chunks := []*types.Chunk{
		chunkWith("1", "uno", []float32{1, 0, 0}),
		chunkWith("2", "dos", []float32{0, 1, 0}),
		chunkWith("3", "tres", []float32{0, 0, 1}),
	}
	out := r.Rerank(context.Background(), "consulta", chunks, Options{MaxToReturn: 2})
	if len(out) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(out))
	}
}

func TestRerank_CacheHit(t *testing.T) {
	chat := &fakeChat{}
	r := newTestReranker(chat, &fakeEmbedder{})
	defer r.Close()

	chunks := []*types.Chunk{
		chunkWith("1", "contenido uno", []float32{1, 0, 0}),
		chunkWith("2", "contenido dos", []float32{0, 1, 0}),
	}
	opts := Options{UseCache: true}

	first := r.Rerank(context.Background(), "consulta repetida", chunks, opts)
	callsAfterFirst := chat.callCount()

	second := r.Rerank(context.Background(), "consulta repetida", chunks, opts)
	if chat.callCount() != callsAfterFirst {
		t.Errorf("cache hit must not trigger LLM calls, %d -> %d", callsAfterFirst, chat.callCount())
	}
	if len(first) != len(second) {
		t.Fatalf("cached result differs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("cached order differs at %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestRerank_LLMFailureStillRanks(t *testing.T) {
	// Every evaluation fails; BM25 and cosine still produce an ordering.
	chat := &fakeChat{err: errors.New("provider down")}
	embed := &fakeEmbedder{queryVec: []float32{1, 0, 0}}
	r := newTestReranker(chat, embed)

	chunks := []*types.Chunk{
		chunkWith("a", "tema sin relación", []float32{0, 1, 0}),
		chunkWith("b", "sanciones por incumplimiento de reporte", []float32{1, 0, 0}),
	}
	out := r.Rerank(context.Background(), "sanciones por incumplimiento", chunks, Options{})
	if len(out) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(out))
	}
	if out[0].ID != "b" {
		t.Errorf("expected chunk b first on lexical and semantic signals, got %s", out[0].ID)
	}
}

func TestEmbedBatches_SplitsLargeInput(t *testing.T) {
	embed := &fakeEmbedder{}
	r := newTestReranker(&fakeChat{}, embed)

	texts := make([]string, 12)
	for i := range texts {
		texts[i] = fmt.Sprintf("texto %d", i)
	}
	out, err := r.embedBatches(context.Background(), texts)
	if err != nil {
		t.Fatalf("embedBatches: %v", err)
	}
	if len(out) != 12 {
		t.Fatalf("expected 12 vectors, got %d", len(out))
	}
	// 12 texts: batch size min(16, 12/2) = 6, so two batches
	if len(embed.batchSizes) != 2 || embed.batchSizes[0] != 6 {
		t.Errorf("batch sizes = %v, want [6 6]", embed.batchSizes)
	}
}

func TestDiversifyOrder(t *testing.T) {
	r := newTestReranker(&fakeChat{}, &fakeEmbedder{})

	// Chunks 0 and 1 are near-identical; 2 and 3 point elsewhere. Greedy
	// selection should interleave a diverse chunk between the duplicates.
	embeddings := [][]float32{
		{1, 0, 0},
		{0.99, 0.1, 0},
		{0, 1, 0},
		{0, 0, 1},
	}
	order := r.diversifyOrder([]int{0, 1, 2, 3}, embeddings)

	if order[0] != 0 {
		t.Fatalf("top result must stay first, got %v", order)
	}
	if order[1] == 1 {
		t.Errorf("near-duplicate promoted adjacent to its twin: %v", order)
	}
	if len(order) != 4 {
		t.Errorf("diversification must keep every chunk, got %v", order)
	}
}

func TestEvalSegment(t *testing.T) {
	r := newTestReranker(&fakeChat{}, &fakeEmbedder{})

	short := "# Título\n\ncontenido breve"
	if got := r.evalSegment(short); got != short {
		t.Errorf("short chunk must pass through unchanged")
	}

	long := "# Artículo 5\n\n" + strings.Repeat("disposición normativa ", 100)
	got := r.evalSegment(long)
	if len(got) >= len(long) {
		t.Errorf("long chunk not reduced: %d >= %d", len(got), len(long))
	}
	if !strings.Contains(got, "# Artículo 5") {
		t.Errorf("title lost in segment: %q", got[:50])
	}
	if !strings.Contains(got, "...") {
		t.Errorf("segment markers missing")
	}
}

func TestExtractScore(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"8.5", 8.5},
		{"La puntuación es 7", 7},
		{"15", 10},
		{"sin números", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := extractScore(tt.in); got != tt.want {
			t.Errorf("extractScore(%q) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func TestSimpleFallback(t *testing.T) {
	// The plain-score path parses bare numbers instead of JSON.
	chat := &scoreChat{scores: map[string]string{
		"fragmento relevante": "9",
		"fragmento marginal":  "2",
	}}
	r := newTestReranker(chat, &fakeEmbedder{})

	chunks := []*types.Chunk{
		chunkWith("low", "fragmento marginal", nil),
		chunkWith("high", "fragmento relevante", nil),
	}
	texts := []string{chunks[0].Content, chunks[1].Content}

	out, err := r.simple(context.Background(), "consulta", chunks, texts)
	if err != nil {
		t.Fatalf("simple: %v", err)
	}
	if out[0].ID != "high" {
		t.Errorf("expected high-scored chunk first, got %s", out[0].ID)
	}
}

// scoreChat answers with a bare number keyed by prompt substring.
type scoreChat struct {
	scores map[string]string
}

func (s *scoreChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	for marker, score := range s.scores {
		if strings.Contains(prompt, marker) {
			return &llm.ChatResponse{Content: score}, nil
		}
	}
	return &llm.ChatResponse{Content: "0"}, nil
}
