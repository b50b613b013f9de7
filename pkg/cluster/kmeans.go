// Package cluster assigns corpus chunks to semantic clusters with K-Means
// over their embeddings. Cluster ids feed the retriever's cluster fan-out:
// a vector hit pulls in the rest of its cluster through ClusterMatch.
package cluster

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexatlas/lexrag/pkg/store"
	"github.com/lexatlas/lexrag/pkg/vecmath"
)

// Unassigned marks chunks excluded from clustering, such as chunks whose
// embedding failed and was stored as the zero vector.
const Unassigned = -1

// Config holds clustering parameters.
type Config struct {
	// K is the number of clusters. If 0, defaults to sqrt(N/2).
	K int

	// MaxIterations limits K-Means iterations. Default: 10
	MaxIterations int

	// Workers is the number of parallel workers. Default: NumCPU
	Workers int

	// Seed for reproducible clustering. If 0, uses current time.
	Seed int64

	// MinChunks skips reclustering for corpora smaller than this. Default: 4
	MinChunks int
}

// DefaultConfig returns sensible clustering defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 10,
		Workers:       runtime.NumCPU(),
		MinChunks:     4,
	}
}

// Engine clusters chunk embeddings.
type Engine struct {
	cfg Config
	rng *rand.Rand
	log zerolog.Logger
}

// New creates a clustering engine with the given config.
func New(cfg Config, log zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MinChunks <= 0 {
		cfg.MinChunks = def.MinChunks
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{cfg: cfg, rng: rand.New(rand.NewSource(seed)), log: log}
}

// Assign runs K-Means over the embeddings and returns one cluster id per
// input vector plus the cluster count. Zero vectors get Unassigned and do
// not influence the centroids.
func (e *Engine) Assign(ctx context.Context, embeddings [][]float32) ([]int, int, error) {
	ids := make([]int, len(embeddings))

	// Separate clusterable vectors from zero-vector sentinels.
	usable := make([]int, 0, len(embeddings))
	for i, emb := range embeddings {
		if len(emb) == 0 || vecmath.IsZero(emb) {
			ids[i] = Unassigned
			continue
		}
		usable = append(usable, i)
	}
	if len(usable) == 0 {
		return ids, 0, nil
	}

	vectors := make([][]float32, len(usable))
	for i, idx := range usable {
		vectors[i] = embeddings[idx]
	}

	k := e.cfg.K
	if k <= 0 {
		k = int(math.Sqrt(float64(len(vectors)) / 2))
		if k < 1 {
			k = 1
		}
	}
	if k > len(vectors) {
		k = len(vectors)
	}

	assignments, err := e.kMeans(ctx, vectors, k)
	if err != nil {
		return nil, 0, err
	}
	for i, idx := range usable {
		ids[idx] = assignments[i]
	}
	return ids, k, nil
}

// Result summarizes one corpus reclustering run.
type Result struct {
	Chunks   int
	Clusters int
	Updated  int
	Skipped  int
	Duration time.Duration
}

// Recluster scans the corpus's vigente chunks, clusters their embeddings,
// and writes each chunk's cluster_id back. Chunks whose id did not change
// are counted as skipped and not rewritten.
func (e *Engine) Recluster(ctx context.Context, chunks store.ChunkStore, corpus string) (*Result, error) {
	start := time.Now()

	all, err := chunks.ScanVigente(ctx, corpus)
	if err != nil {
		return nil, fmt.Errorf("scanning corpus %s: %w", corpus, err)
	}
	if len(all) < e.cfg.MinChunks {
		e.log.Info().Int("chunks", len(all)).Msg("corpus too small to recluster")
		return &Result{Chunks: len(all), Skipped: len(all), Duration: time.Since(start)}, nil
	}

	embeddings := make([][]float32, len(all))
	for i := range all {
		embeddings[i] = all[i].Embedding
	}

	ids, k, err := e.Assign(ctx, embeddings)
	if err != nil {
		return nil, err
	}

	res := &Result{Chunks: len(all), Clusters: k}
	for i := range all {
		if all[i].ClusterID() == ids[i] {
			res.Skipped++
			continue
		}
		if all[i].Metadata == nil {
			all[i].Metadata = make(map[string]interface{})
		}
		all[i].Metadata["cluster_id"] = ids[i]
		if err := chunks.UpdateChunk(ctx, corpus, &all[i]); err != nil {
			return res, fmt.Errorf("updating chunk %s: %w", all[i].ID, err)
		}
		res.Updated++
	}
	res.Duration = time.Since(start)

	e.log.Info().
		Str("corpus", corpus).
		Int("chunks", res.Chunks).
		Int("clusters", res.Clusters).
		Int("updated", res.Updated).
		Dur("elapsed", res.Duration).
		Msg("corpus reclustered")
	return res, nil
}

// kMeans clusters vectors and returns per-vector assignments.
func (e *Engine) kMeans(ctx context.Context, vectors [][]float32, k int) ([]int, error) {
	dim := len(vectors[0])
	centroids := e.initCentroids(vectors, k, dim)
	assignments := make([]int, len(vectors))

	for iter := 0; iter < e.cfg.MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		changed := e.assignConcurrent(vectors, centroids, assignments)
		if !changed && iter > 0 {
			break
		}
		updateCentroids(vectors, assignments, centroids, k, dim)
	}
	return assignments, nil
}

// initCentroids selects k random vectors as initial centroids.
func (e *Engine) initCentroids(vectors [][]float32, k, dim int) [][]float32 {
	centroids := make([][]float32, k)
	perm := e.rng.Perm(len(vectors))
	for i := 0; i < k; i++ {
		centroids[i] = make([]float32, dim)
		copy(centroids[i], vectors[perm[i]])
	}
	return centroids
}

// assignConcurrent assigns each vector to its nearest centroid in parallel.
// Returns true if any assignment changed.
func (e *Engine) assignConcurrent(vectors [][]float32, centroids [][]float32, assignments []int) bool {
	n := len(vectors)
	workers := e.cfg.Workers
	if workers > n {
		workers = n
	}

	chunkSize := (n + workers - 1) / workers
	var wg sync.WaitGroup
	changedFlags := make([]bool, workers)

	for w := 0; w < workers; w++ {
		start := w * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(workerID, start, end int) {
			defer wg.Done()
			changed := false
			for i := start; i < end; i++ {
				nearest := nearestCentroid(vectors[i], centroids)
				if assignments[i] != nearest {
					assignments[i] = nearest
					changed = true
				}
			}
			changedFlags[workerID] = changed
		}(w, start, end)
	}

	wg.Wait()

	for _, c := range changedFlags {
		if c {
			return true
		}
	}
	return false
}

// nearestCentroid returns the index of the closest centroid.
func nearestCentroid(vec []float32, centroids [][]float32) int {
	minDist := math.MaxFloat64
	minIdx := 0
	for i, c := range centroids {
		dist := vecmath.CosineDistance(vec, c)
		if dist < minDist {
			minDist = dist
			minIdx = i
		}
	}
	return minIdx
}

// updateCentroids recalculates centroids as the mean of assigned vectors.
func updateCentroids(vectors [][]float32, assignments []int, centroids [][]float32, k, dim int) {
	sums := make([][]float64, k)
	counts := make([]int, k)
	for i := range sums {
		sums[i] = make([]float64, dim)
	}

	for vecIdx, clusterIdx := range assignments {
		counts[clusterIdx]++
		for d := 0; d < dim; d++ {
			sums[clusterIdx][d] += float64(vectors[vecIdx][d])
		}
	}

	for i := 0; i < k; i++ {
		if counts[i] == 0 {
			continue
		}
		invCount := 1.0 / float64(counts[i])
		for d := 0; d < dim; d++ {
			centroids[i][d] = float32(sums[i][d] * invCount)
		}
	}
}
