package rerank

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/lexatlas/lexrag/pkg/bm25"
	"github.com/lexatlas/lexrag/pkg/types"
	"github.com/lexatlas/lexrag/pkg/vecmath"
)

const (
	embedMaxRetries = 3
	embedSmallBatch = 10
	embedBatchCap   = 16
)

// lexicalScores builds a throwaway BM25 index over the candidate texts and
// scores the query against it. Non-matching texts score 0.
func lexicalScores(query string, texts []string) []float64 {
	ix := bm25.New()
	for i, text := range texts {
		ix.Add(strconv.Itoa(i), text)
	}

	byID := ix.Scores(query)
	scores := make([]float64, len(texts))
	for i := range texts {
		scores[i] = byID[strconv.Itoa(i)]
	}
	return scores
}

// chunkEmbeddings returns one embedding per chunk, reusing vectors already
// attached by retrieval and batch-embedding the rest. Individual embedding
// failures yield a zero vector; only a total batch failure is an error.
func (r *Reranker) chunkEmbeddings(ctx context.Context, chunks []*types.Chunk, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(chunks))

	var missing []int
	for i, c := range chunks {
		if len(c.Embedding) > 0 && !vecmath.IsZero(c.Embedding) {
			embeddings[i] = c.Embedding
		} else {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return embeddings, nil
	}

	missingTexts := make([]string, len(missing))
	for j, i := range missing {
		missingTexts[j] = texts[i]
	}

	vectors, err := r.embedBatches(ctx, missingTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		embeddings[i] = vectors[j]
	}
	return embeddings, nil
}

// embedBatches embeds texts with adaptive batching: small inputs go in one
// call, larger ones in batches of min(16, N/2). A failing batch is retried
// with exponential backoff and a halved batch size; after the retry budget
// it degrades to one-by-one calls, substituting a zero vector for any text
// that still fails.
func (r *Reranker) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	batchSize := len(texts)
	if len(texts) > embedSmallBatch {
		batchSize = embedBatchCap
		if half := len(texts) / 2; half < batchSize {
			batchSize = half
		}
	}

	out := make([][]float32, 0, len(texts))
	retries := 0

	for start := 0; start < len(texts); {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, err := r.embed.EmbedBatch(ctx, batch)
		if err == nil {
			out = append(out, vectors...)
			start = end
			continue
		}

		retries++
		if retries >= embedMaxRetries {
			r.log.Warn().Err(err).Msg("embedding batches exhausted retries, degrading to single calls")
			singles, err := r.embedOneByOne(ctx, texts[start:])
			if err != nil {
				return nil, err
			}
			return append(out, singles...), nil
		}

		r.log.Warn().Err(err).Int("attempt", retries).Msg("embedding batch failed, retrying")
		if err := sleepCtx(ctx, time.Duration(1<<retries)*time.Second); err != nil {
			return nil, err
		}
		if batchSize > 1 {
			batchSize /= 2
		}
	}
	return out, nil
}

// embedOneByOne is the last-resort embedding path. A failed text gets a zero
// vector so downstream scoring treats it as unmatchable rather than aborting
// the whole rerank.
func (r *Reranker) embedOneByOne(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := r.embed.Embed(ctx, text)
		if err != nil {
			r.log.Error().Err(err).Msg("single embedding failed, substituting zero vector")
			vec = make([]float32, r.embed.Dimension())
		}
		out = append(out, vec)
	}
	return out, nil
}

// smartNormalize maps scores into [0,1] while accentuating meaningful
// differences: constant input maps to all zeros (when zero) or all ones;
// otherwise min-max normalize, apply log1p(x + 0.1), and min-max normalize
// again.
func smartNormalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}

	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}

	out := make([]float64, len(scores))
	if min == max {
		if min == 0 {
			return out
		}
		for i := range out {
			out[i] = 1
		}
		return out
	}

	for i, s := range scores {
		out[i] = (s - min) / (max - min)
	}

	logMin, logMax := math.Inf(1), math.Inf(-1)
	for i := range out {
		out[i] = math.Log1p(out[i] + 0.1)
		if out[i] < logMin {
			logMin = out[i]
		}
		if out[i] > logMax {
			logMax = out[i]
		}
	}
	if logMax == logMin {
		return out
	}
	for i := range out {
		out[i] = (out[i] - logMin) / (logMax - logMin)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
