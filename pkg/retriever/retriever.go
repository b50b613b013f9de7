// Package retriever implements the hybrid retrieval pipeline: one embedding
// call, a vector search that seeds a cluster fan-out, parallel lexical and
// entity searches, a fixed-order merge, LLM reranking, and a token budget
// over the final context.
package retriever

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexatlas/lexrag/pkg/budget"
	"github.com/lexatlas/lexrag/pkg/cache"
	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/rerank"
	"github.com/lexatlas/lexrag/pkg/store"
	"github.com/lexatlas/lexrag/pkg/types"
	"github.com/lexatlas/lexrag/pkg/vecmath"
)

// reportKeywords route a query to the larger report chunk target.
var reportKeywords = []string{
	"reporte", "informe", "análisis detallado", "documento",
	"generar reporte", "crear informe", "análisis completo",
}

// Config holds retrieval settings.
type Config struct {
	// Corpus is the chunk table searched (default: "pd_peru")
	Corpus string

	// MaxChunksReturned is the vector-search fan-out width (default: 30)
	MaxChunksReturned int

	// ClusterMatchCount is fetched per distinct cluster (default: 5)
	ClusterMatchCount int

	// BM25Limit caps lexical results merged per query (default: 15)
	BM25Limit int

	// KeepNormal is the rerank target for routine queries (default: 8)
	KeepNormal int

	// KeepReports is the rerank target for report-bound queries (default: 12)
	KeepReports int

	// KeywordImportance is the threshold above which query keywords replace
	// raw query tokens in the lexical search (default: 0.7)
	KeywordImportance float64
}

// DefaultConfig returns production retrieval settings.
func DefaultConfig() Config {
	return Config{
		Corpus:            "pd_peru",
		MaxChunksReturned: 30,
		ClusterMatchCount: 5,
		BM25Limit:         15,
		KeepNormal:        8,
		KeepReports:       12,
		KeywordImportance: 0.7,
	}
}

// Stats describes one retrieve call.
type Stats struct {
	Fingerprint string

	VectorHits  int
	ClusterHits int
	BM25Hits    int
	EntityHits  int
	Merged      int
	Final       int

	Reranked bool
	Tokens   int
	Latency  time.Duration
}

// Result is the assembled retrieval context.
type Result struct {
	// Context is the joined chunk text, possibly prefixed with a query
	// header. Empty when nothing matched.
	Context string

	// Chunks are the surviving chunks in final order.
	Chunks []*types.Chunk

	Stats Stats
}

// State is the per-request retrieval memo. Identical queries within one
// request return the first call's result unchanged.
type State struct {
	mu      sync.Mutex
	results map[string]*Result
}

// NewState creates an empty per-request state.
func NewState() *State {
	return &State{results: make(map[string]*Result)}
}

func (s *State) get(fp string) (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[fp]
	return r, ok
}

func (s *State) put(fp string, r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[fp] = r
}

// Retriever runs the hybrid retrieval pipeline.
type Retriever struct {
	cfg      Config
	chunks   store.ChunkStore
	embed    llm.Embedder
	reranker *rerank.Reranker
	trimmer  *budget.Trimmer
	log      zerolog.Logger
}

// New creates a Retriever. Zero config fields take defaults.
func New(chunks store.ChunkStore, embed llm.Embedder, reranker *rerank.Reranker, trimmer *budget.Trimmer, cfg Config, log zerolog.Logger) *Retriever {
	def := DefaultConfig()
	if cfg.Corpus == "" {
		cfg.Corpus = def.Corpus
	}
	if cfg.MaxChunksReturned <= 0 {
		cfg.MaxChunksReturned = def.MaxChunksReturned
	}
	if cfg.ClusterMatchCount <= 0 {
		cfg.ClusterMatchCount = def.ClusterMatchCount
	}
	if cfg.BM25Limit <= 0 {
		cfg.BM25Limit = def.BM25Limit
	}
	if cfg.KeepNormal <= 0 {
		cfg.KeepNormal = def.KeepNormal
	}
	if cfg.KeepReports <= 0 {
		cfg.KeepReports = def.KeepReports
	}
	if cfg.KeywordImportance <= 0 {
		cfg.KeywordImportance = def.KeywordImportance
	}

	return &Retriever{
		cfg:      cfg,
		chunks:   chunks,
		embed:    embed,
		reranker: reranker,
		trimmer:  trimmer,
		log:      log,
	}
}

// Retrieve produces the ranked, token-budgeted context for a query. The
// optional state memoizes results per request; the optional info steers
// search-query selection, lexical keywords, entity search, and the rerank
// target. Only an embedding failure returns an error; every search failure
// degrades to an empty contribution.
func (r *Retriever) Retrieve(ctx context.Context, query string, info *types.QueryInfo, state *State) (*Result, error) {
	start := time.Now()

	fp := cache.Fingerprint(query)
	if state != nil {
		if cached, ok := state.get(fp); ok {
			r.log.Debug().Str("fingerprint", fp).Msg("retrieve memo hit")
			return cached, nil
		}
	}

	searchQuery := selectSearchQuery(query, info)

	embedding, err := r.embed.Embed(ctx, searchQuery)
	if err != nil {
		return nil, fmt.Errorf("embedding search query: %w", err)
	}
	if vecmath.IsZero(embedding) {
		r.log.Warn().Str("fingerprint", fp).Msg("zero query embedding, returning no results")
		result := &Result{Stats: Stats{Fingerprint: fp, Latency: time.Since(start)}}
		if state != nil {
			state.put(fp, result)
		}
		return result, nil
	}

	// Vector fan-out runs first: its hits seed the matched-id set and its
	// cluster ids drive the cluster search.
	vectorHits, err := r.chunks.VectorMatch(ctx, r.cfg.Corpus, embedding, r.cfg.MaxChunksReturned)
	if err != nil {
		r.log.Warn().Err(err).Msg("vector search failed, continuing without it")
		vectorHits = nil
	}

	matched := make(map[string]bool, len(vectorHits))
	clusterIDs := make(map[int]bool)
	for i := range vectorHits {
		matched[vectorHits[i].ID] = true
		if cid := vectorHits[i].ClusterID(); cid >= 0 {
			clusterIDs[cid] = true
		}
	}

	var (
		clusterHits []types.Chunk
		bm25Hits    []types.Chunk
		entityHits  []types.Chunk
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		clusterHits = r.searchClusters(gctx, clusterIDs, matched)
		return nil
	})
	g.Go(func() error {
		bm25Hits = r.searchLexical(gctx, searchQuery, info, matched)
		return nil
	})
	g.Go(func() error {
		entityHits = r.searchEntities(gctx, info, matched)
		return nil
	})
	// Workers degrade internally and never return errors.
	_ = g.Wait()

	// Merge order is contractual: vector, cluster, bm25, entity.
	merged := mergeUnique(vectorHits, clusterHits, bm25Hits, entityHits)

	stats := Stats{
		Fingerprint: fp,
		VectorHits:  len(vectorHits),
		ClusterHits: len(clusterHits),
		BM25Hits:    len(bm25Hits),
		EntityHits:  len(entityHits),
		Merged:      len(merged),
	}

	target := r.keepTarget(query, info)
	ranked := merged
	if len(merged) >= 4 {
		stats.Reranked = true
		ranked = r.reranker.Rerank(ctx, searchQuery, merged, rerank.Options{
			MaxToReturn: target,
			Diversify:   true,
			UseCache:    true,
		})
	} else if len(merged) > target {
		ranked = merged[:target]
	}

	pieces := make([]string, len(ranked))
	for i, c := range ranked {
		pieces[i] = renderChunk(c)
	}
	joined, fitStats := r.trimmer.Fit(pieces)
	ranked = ranked[:fitStats.PiecesKept]

	context := joined
	if joined != "" {
		if header := queryHeader(info); header != "" {
			context = header + "\n\n" + joined
		}
	}

	stats.Final = len(ranked)
	stats.Tokens = fitStats.Tokens
	stats.Latency = time.Since(start)

	result := &Result{Context: context, Chunks: ranked, Stats: stats}
	if state != nil {
		state.put(fp, result)
	}

	r.log.Info().
		Str("fingerprint", fp).
		Int("vector", stats.VectorHits).
		Int("cluster", stats.ClusterHits).
		Int("bm25", stats.BM25Hits).
		Int("entity", stats.EntityHits).
		Int("final", stats.Final).
		Int("tokens", stats.Tokens).
		Dur("latency", stats.Latency).
		Msg("retrieve completed")
	return result, nil
}

// searchClusters fetches chunks per distinct cluster id, inner calls in
// parallel, skipping already-matched ids. Any failing cluster contributes
// nothing.
func (r *Retriever) searchClusters(ctx context.Context, clusterIDs map[int]bool, matched map[string]bool) []types.Chunk {
	if len(clusterIDs) == 0 {
		return nil
	}

	ids := make([]int, 0, len(clusterIDs))
	for id := range clusterIDs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	perCluster := make([][]types.Chunk, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, cid := range ids {
		i, cid := i, cid
		g.Go(func() error {
			hits, err := r.chunks.ClusterMatch(gctx, r.cfg.Corpus, cid, r.cfg.ClusterMatchCount)
			if err != nil {
				r.log.Warn().Err(err).Int("cluster", cid).Msg("cluster search failed")
				return nil
			}
			perCluster[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	var out []types.Chunk
	seen := make(map[string]bool)
	for _, hits := range perCluster {
		for _, c := range hits {
			if matched[c.ID] || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}

// searchLexical scans the in-force corpus, indexes it with BM25, and scores
// the query. High-importance query keywords replace the raw query tokens
// when present.
func (r *Retriever) searchLexical(ctx context.Context, searchQuery string, info *types.QueryInfo, matched map[string]bool) []types.Chunk {
	corpus, err := r.chunks.ScanVigente(ctx, r.cfg.Corpus)
	if err != nil {
		r.log.Warn().Err(err).Msg("lexical corpus scan failed")
		return nil
	}
	if len(corpus) == 0 {
		return nil
	}

	ix := bm25Index(corpus)

	var results []bm25Result
	if info != nil {
		if kws := info.ImportantKeywords(r.cfg.KeywordImportance); len(kws) > 0 {
			results = lexicalSearchTerms(ix, kws)
		}
	}
	if results == nil {
		results = lexicalSearch(ix, searchQuery)
	}

	byID := make(map[string]*types.Chunk, len(corpus))
	for i := range corpus {
		byID[corpus[i].ID] = &corpus[i]
	}

	var out []types.Chunk
	for _, res := range results {
		if len(out) >= r.cfg.BM25Limit {
			break
		}
		if matched[res.ID] {
			continue
		}
		if c, ok := byID[res.ID]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// searchEntities unions case-insensitive substring matches for each
// searchable entity, skipping already-matched ids.
func (r *Retriever) searchEntities(ctx context.Context, info *types.QueryInfo, matched map[string]bool) []types.Chunk {
	if info == nil {
		return nil
	}
	entities := info.SearchableEntities()
	if len(entities) == 0 {
		return nil
	}

	var out []types.Chunk
	seen := make(map[string]bool)
	for _, e := range entities {
		hits, err := r.chunks.FilterSubstring(ctx, r.cfg.Corpus, e.Value)
		if err != nil {
			r.log.Warn().Err(err).Str("entity", e.Value).Msg("entity search failed")
			continue
		}
		for _, c := range hits {
			if matched[c.ID] || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}

// keepTarget picks the rerank target: reports get more chunks.
func (r *Retriever) keepTarget(query string, info *types.QueryInfo) int {
	if info != nil && info.Complexity == types.ComplexityComplex {
		return r.cfg.KeepReports
	}
	lower := strings.ToLower(query)
	for _, kw := range reportKeywords {
		if strings.Contains(lower, kw) {
			return r.cfg.KeepReports
		}
	}
	return r.cfg.KeepNormal
}

// selectSearchQuery prefers the retrieval-optimized form, then the expanded
// form, then the raw query.
func selectSearchQuery(query string, info *types.QueryInfo) string {
	if info != nil {
		if info.SearchQuery != "" {
			return info.SearchQuery
		}
		if info.ExpandedQuery != "" {
			return info.ExpandedQuery
		}
	}
	return query
}

// mergeUnique concatenates the search groups in order, dropping duplicate
// ids, and returns pointers for the rerank stage.
func mergeUnique(groups ...[]types.Chunk) []*types.Chunk {
	var out []*types.Chunk
	seen := make(map[string]bool)
	for _, group := range groups {
		for i := range group {
			c := &group[i]
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}

// renderChunk formats one chunk for the answer context.
func renderChunk(c *types.Chunk) string {
	var b strings.Builder
	if c.Title != "" {
		b.WriteString("# ")
		b.WriteString(c.Title)
		b.WriteString("\n\n")
	}
	if c.Summary != "" {
		b.WriteString(c.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString(c.Content)
	return b.String()
}

// queryHeader derives a short context header from the query analysis.
func queryHeader(info *types.QueryInfo) string {
	if info == nil {
		return ""
	}
	var lines []string
	if info.SearchQuery != "" {
		lines = append(lines, "Consulta de búsqueda: "+info.SearchQuery)
	}
	if entities := info.SearchableEntities(); len(entities) > 0 {
		values := make([]string, len(entities))
		for i, e := range entities {
			values[i] = e.Value
		}
		lines = append(lines, "Entidades detectadas: "+strings.Join(values, ", "))
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n")
}
