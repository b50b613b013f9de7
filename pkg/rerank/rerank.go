// Package rerank implements the second-stage ranking pass over retrieval
// candidates. Three signals (BM25, cosine similarity against the query
// embedding, and an LLM relevance evaluation) are normalized and combined
// with query-adaptive weights, then optionally diversified so near-duplicate
// chunks do not dominate the top of the result.
package rerank

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexatlas/lexrag/pkg/cache"
	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/types"
	"github.com/lexatlas/lexrag/pkg/vecmath"
)

const (
	// evalConcurrency caps in-flight LLM evaluation calls. The provider
	// client rate-limits globally; this only bounds goroutine fan-out.
	evalConcurrency = 5

	cacheKeyPrefix = "rerank"
)

// Config holds reranker settings.
type Config struct {
	// Model is the chat model used for relevance evaluations
	Model string

	// MaxToRerank caps the number of candidates sent to the LLM (default: 15)
	MaxToRerank int

	// CacheCapacity bounds the result cache (default: 100)
	CacheCapacity int

	// CacheTTL expires cached results (default: 1h)
	CacheTTL time.Duration

	// DiversityThreshold is the cosine similarity above which two chunks
	// count as near-duplicates during diversification (default: 0.8)
	DiversityThreshold float64

	// EvalMaxChars is the chunk length above which a representative segment
	// replaces the full text in evaluation prompts (default: 800)
	EvalMaxChars int
}

// DefaultConfig returns production reranker settings.
func DefaultConfig() Config {
	return Config{
		MaxToRerank:        15,
		CacheCapacity:      100,
		CacheTTL:           time.Hour,
		DiversityThreshold: 0.8,
		EvalMaxChars:       800,
	}
}

// Options control a single rerank call.
type Options struct {
	// MaxToReturn truncates the ranked result (0 = return everything)
	MaxToReturn int

	// Diversify enables the near-duplicate demotion pass
	Diversify bool

	// UseCache consults and populates the result cache
	UseCache bool
}

// Reranker scores and reorders retrieval candidates.
type Reranker struct {
	chat  llm.ChatModel
	embed llm.Embedder
	cfg   Config
	cache *cache.MemoryCache
	log   zerolog.Logger
}

// New creates a Reranker. Zero config fields take defaults.
func New(chat llm.ChatModel, embed llm.Embedder, cfg Config, log zerolog.Logger) *Reranker {
	def := DefaultConfig()
	if cfg.MaxToRerank <= 0 {
		cfg.MaxToRerank = def.MaxToRerank
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = def.CacheCapacity
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.DiversityThreshold <= 0 {
		cfg.DiversityThreshold = def.DiversityThreshold
	}
	if cfg.EvalMaxChars <= 0 {
		cfg.EvalMaxChars = def.EvalMaxChars
	}

	return &Reranker{
		chat:  chat,
		embed: embed,
		cfg:   cfg,
		log:   log,
		cache: cache.NewMemoryCache(cache.Config{
			MaxSize:    int64(cfg.CacheCapacity),
			DefaultTTL: cfg.CacheTTL,
		}),
	}
}

// Close releases the result cache.
func (r *Reranker) Close() error {
	return r.cache.Close()
}

// CacheStats exposes result-cache statistics.
func (r *Reranker) CacheStats() cache.Stats {
	return r.cache.Stats()
}

// Rerank reorders chunks by relevance to the query. It never returns an
// error: the adaptive pass falls back to a plain LLM rerank, which falls
// back to input order.
func (r *Reranker) Rerank(ctx context.Context, query string, chunks []*types.Chunk, opts Options) []*types.Chunk {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) == 1 {
		return chunks
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = chunkText(c)
	}

	key := cache.SampledKey(cacheKeyPrefix, query, texts)
	if opts.UseCache {
		if v, ok := r.cache.Get(key); ok {
			if ranked, ok := v.([]*types.Chunk); ok {
				r.log.Debug().Str("key", key).Msg("rerank cache hit")
				return ranked
			}
		}
	}

	start := time.Now()
	ranked, err := r.hybrid(ctx, query, chunks, texts, opts.Diversify)
	if err != nil {
		r.log.Warn().Err(err).Msg("adaptive rerank failed, falling back to simple LLM rerank")
		ranked, err = r.simple(ctx, query, chunks, texts)
		if err != nil {
			r.log.Error().Err(err).Msg("simple rerank also failed, returning input order")
			ranked = append([]*types.Chunk(nil), chunks...)
		}
	}

	if opts.MaxToReturn > 0 && len(ranked) > opts.MaxToReturn {
		ranked = ranked[:opts.MaxToReturn]
	}

	if opts.UseCache {
		r.cache.Set(key, ranked, 0)
	}

	r.log.Info().
		Int("candidates", len(chunks)).
		Int("returned", len(ranked)).
		Dur("latency", time.Since(start)).
		Msg("rerank completed")
	return ranked
}

// hybrid runs the three-signal adaptive rerank.
func (r *Reranker) hybrid(ctx context.Context, query string, chunks []*types.Chunk, texts []string, diversify bool) ([]*types.Chunk, error) {
	weights := adaptWeights(query)
	r.log.Debug().
		Float64("bm25", weights.BM25).
		Float64("cosine", weights.Cosine).
		Float64("llm", weights.LLM).
		Msg("adapted signal weights")

	embeddings, err := r.chunkEmbeddings(ctx, chunks, texts)
	if err != nil {
		return nil, err
	}

	bm25Scores := lexicalScores(query, texts)
	cosScores := r.cosineScores(ctx, query, embeddings)
	llmScores := r.llmScores(ctx, query, texts, bm25Scores, cosScores)

	bm25Norm := smartNormalize(bm25Scores)
	cosNorm := smartNormalize(cosScores)
	llmNorm := smartNormalize(llmScores)

	combined := make([]float64, len(chunks))
	for i := range combined {
		combined[i] = weights.BM25*bm25Norm[i] + weights.Cosine*cosNorm[i] + weights.LLM*llmNorm[i]
	}

	order := scoreOrder(combined)
	if diversify && len(chunks) > 3 {
		order = r.diversifyOrder(order, embeddings)
	}

	ranked := make([]*types.Chunk, 0, len(chunks))
	for _, i := range order {
		c := chunks[i]
		c.Score = float32(combined[i])
		ranked = append(ranked, c)
	}
	return ranked, nil
}

// cosineScores computes query-chunk cosine similarity. A zero-norm vector on
// either side scores 0; failure to embed the query degrades the whole signal
// to a neutral 0.5 so the other signals still decide.
func (r *Reranker) cosineScores(ctx context.Context, query string, embeddings [][]float32) []float64 {
	scores := make([]float64, len(embeddings))

	queryEmb, err := r.embed.Embed(ctx, query)
	if err != nil || vecmath.IsZero(queryEmb) {
		r.log.Warn().Err(err).Msg("query embedding failed, cosine signal is neutral")
		for i := range scores {
			scores[i] = 0.5
		}
		return scores
	}

	for i, emb := range embeddings {
		if vecmath.IsZero(emb) {
			scores[i] = 0
			continue
		}
		scores[i] = vecmath.CosineSimilarity(queryEmb, emb)
	}
	return scores
}

// llmScores evaluates the strongest candidates with the LLM. When there are
// more candidates than the LLM budget, a 50/50 blend of the normalized BM25
// and cosine signals pre-selects which ones get an evaluation; the rest
// score 0.
func (r *Reranker) llmScores(ctx context.Context, query string, texts []string, bm25Scores, cosScores []float64) []float64 {
	candidates := make([]int, 0, len(texts))
	if len(texts) > r.cfg.MaxToRerank {
		bm25Norm := smartNormalize(bm25Scores)
		cosNorm := smartNormalize(cosScores)
		pre := make([]float64, len(texts))
		for i := range pre {
			pre[i] = 0.5*bm25Norm[i] + 0.5*cosNorm[i]
		}
		candidates = scoreOrder(pre)[:r.cfg.MaxToRerank]
	} else {
		for i := range texts {
			candidates = append(candidates, i)
		}
	}

	scores := make([]float64, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(evalConcurrency)
	for _, i := range candidates {
		i := i
		g.Go(func() error {
			scores[i] = r.evaluate(gctx, query, texts[i])
			return nil
		})
	}
	// Workers never return errors; individual failures score 0.
	_ = g.Wait()

	return scores
}

// diversifyOrder reorders a score-sorted index list so consecutive results
// are not near-duplicates. The top result always stays first. For each
// subsequent pick, if the best remaining candidate is too similar to any of
// the last three selected chunks, the scan continues forward for a less
// similar one; when none exists the best candidate is taken anyway.
func (r *Reranker) diversifyOrder(order []int, embeddings [][]float32) []int {
	selected := make([]int, 0, len(order))
	available := make(map[int]bool, len(order))
	for _, i := range order {
		available[i] = true
	}

	selected = append(selected, order[0])
	delete(available, order[0])

	for len(available) > 0 {
		next := -1
		for _, i := range order {
			if available[i] {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}

		recent := selected
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}

		if r.maxSimilarity(next, recent, embeddings) > r.cfg.DiversityThreshold {
			for _, i := range order {
				if !available[i] || i == next {
					continue
				}
				if r.maxSimilarity(i, recent, embeddings) <= r.cfg.DiversityThreshold {
					next = i
					break
				}
			}
		}

		selected = append(selected, next)
		delete(available, next)
	}
	return selected
}

// maxSimilarity returns the highest cosine similarity between the candidate
// and the recent selections. Zero-norm embeddings contribute 0.
func (r *Reranker) maxSimilarity(candidate int, recent []int, embeddings [][]float32) float64 {
	max := 0.0
	if vecmath.IsZero(embeddings[candidate]) {
		return 0
	}
	for _, i := range recent {
		if vecmath.IsZero(embeddings[i]) {
			continue
		}
		if sim := vecmath.CosineSimilarity(embeddings[candidate], embeddings[i]); sim > max {
			max = sim
		}
	}
	return max
}

// scoreOrder returns indices sorted by descending score, index ascending on
// ties so the ordering is deterministic.
func scoreOrder(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return order[a] < order[b]
	})
	return order
}

// chunkText renders the chunk as the Markdown form used for scoring and
// evaluation prompts.
func chunkText(c *types.Chunk) string {
	if c.Title != "" {
		return "# " + c.Title + "\n\n" + c.Content
	}
	return c.Content
}
