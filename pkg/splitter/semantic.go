package splitter

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/lexatlas/lexrag/pkg/types"
	"github.com/lexatlas/lexrag/pkg/vecmath"
)

// Natural break cues for chunk boundaries inside a cluster.
var (
	conclusionCues = regexp.MustCompile(`(?i)(?:por\s+tanto|por\s+lo\s+tanto|en\s+conclusión|en\s+resumen|finalmente)[^.]*\.?\s*$`)
	transitionCues = regexp.MustCompile(`(?i)^\s*(?:sin\s+embargo|por\s+otro\s+lado|no\s+obstante|en\s+cambio|por\s+el\s+contrario|adicionalmente)`)
)

// splitSemantic clusters paragraphs by embedding similarity and builds
// chunks per cluster in document order. Short documents skip clustering.
func (s *Splitter) splitSemantic(ctx context.Context, text string) ([]types.SplitChunk, error) {
	paragraphs := nonEmpty(paragraphSplit.Split(text, -1))
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("no paragraphs in document text")
	}

	// Short documents: one chunk per paragraph, no clustering.
	if len(text) < 2*s.cfg.ChunkSize {
		chunks := make([]types.SplitChunk, 0, len(paragraphs))
		for i, p := range paragraphs {
			chunks = append(chunks, types.SplitChunk{
				Text:             strings.TrimSpace(p),
				ClusterID:        i,
				ClusterSize:      1,
				ClusteringMethod: MethodSimple,
			})
		}
		return chunks, nil
	}

	if s.embed == nil {
		return nil, fmt.Errorf("semantic splitting requires an embedder")
	}

	embeddings, err := s.embedParagraphs(ctx, paragraphs)
	if err != nil {
		return nil, err
	}

	labels := s.clusterParagraphs(paragraphs, embeddings, len(text))
	labels = s.consolidateSmall(paragraphs, labels)

	return s.buildClusterChunks(paragraphs, labels), nil
}

// embedParagraphs embeds all paragraphs in batches.
func (s *Splitter) embedParagraphs(ctx context.Context, paragraphs []string) ([][]float32, error) {
	out := make([][]float32, 0, len(paragraphs))
	for start := 0; start < len(paragraphs); start += s.cfg.EmbedBatchSize {
		end := start + s.cfg.EmbedBatchSize
		if end > len(paragraphs) {
			end = len(paragraphs)
		}
		vectors, err := s.embed.EmbedBatch(ctx, paragraphs[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding paragraphs %d-%d: %w", start, end, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// clusterParagraphs runs Ward-linkage agglomerative clustering, choosing k
// by silhouette score minus a cluster-size penalty.
func (s *Splitter) clusterParagraphs(paragraphs []string, embeddings [][]float32, totalLen int) []int {
	n := len(paragraphs)

	target := totalLen / s.cfg.ChunkSize
	if target < 2 {
		target = 2
	}
	maxK := target
	if n/3 < maxK {
		maxK = n / 3
	}
	if maxK < 2 {
		// Too few paragraphs to cluster meaningfully.
		return make([]int, n)
	}
	if maxK > s.cfg.MaxChunks {
		maxK = s.cfg.MaxChunks
	}

	dist := euclideanMatrix(embeddings)
	merges := wardMergeSequence(dist)

	// Replay the merge sequence once, snapshotting the labeling at every
	// candidate k and scoring it.
	bestK := 2
	bestScore := math.Inf(-1)
	var bestLabels []int

	labels := make([]int, n)
	for i := range labels {
		labels[i] = i
	}
	active := n
	for _, m := range merges {
		relabel(labels, m.from, m.to)
		active--
		if active < 2 || active > maxK {
			continue
		}
		k := active
		score := silhouette(dist, labels) - s.sizePenalty(paragraphs, labels)
		if score > bestScore {
			bestScore = score
			bestK = k
			bestLabels = append([]int(nil), labels...)
		}
	}

	if bestLabels == nil {
		return make([]int, n)
	}
	s.log.Debug().Int("k", bestK).Float64("score", bestScore).Msg("semantic cluster count chosen")
	return normalizeLabels(bestLabels)
}

// sizePenalty penalizes clusterings with severely undersized or oversized
// clusters relative to the target chunk size.
func (s *Splitter) sizePenalty(paragraphs []string, labels []int) float64 {
	sizes := make(map[int]int)
	for i, l := range labels {
		sizes[l] += len(paragraphs[i])
	}
	penalty := 0.0
	small, large := false, false
	for _, size := range sizes {
		if float64(size) < 0.3*float64(s.cfg.ChunkSize) {
			small = true
		}
		if float64(size) > 2.0*float64(s.cfg.ChunkSize) {
			large = true
		}
	}
	if small {
		penalty += 0.3
	}
	if large {
		penalty += 0.2
	}
	return penalty
}

// consolidateSmall merges clusters whose total text is under the minimum
// chunk size into their nearest neighbor by average paragraph position.
func (s *Splitter) consolidateSmall(paragraphs []string, labels []int) []int {
	for {
		sizes := make(map[int]int)
		positions := make(map[int][]int)
		for i, l := range labels {
			sizes[l] += len(paragraphs[i])
			positions[l] = append(positions[l], i)
		}
		if len(sizes) < 2 {
			return labels
		}

		smallest, smallestSize := -1, s.cfg.MinChunkSize
		for l, size := range sizes {
			if size < smallestSize {
				smallest, smallestSize = l, size
			}
		}
		if smallest < 0 {
			return labels
		}

		nearest, nearestDist := -1, math.Inf(1)
		for l := range sizes {
			if l == smallest {
				continue
			}
			d := math.Abs(avgIndex(positions[smallest]) - avgIndex(positions[l]))
			if d < nearestDist {
				nearest, nearestDist = l, d
			}
		}
		for i, l := range labels {
			if l == smallest {
				labels[i] = nearest
			}
		}
	}
}

func avgIndex(indices []int) float64 {
	sum := 0
	for _, i := range indices {
		sum += i
	}
	return float64(sum) / float64(len(indices))
}

// buildClusterChunks walks each cluster's paragraphs in document order,
// opening a new chunk on size or natural-break boundaries and carrying a
// sentence-bounded overlap between consecutive chunks.
func (s *Splitter) buildClusterChunks(paragraphs []string, labels []int) []types.SplitChunk {
	order := clusterOrder(labels)

	var chunks []types.SplitChunk
	for clusterIdx, label := range order {
		var members []string
		for i, l := range labels {
			if l == label {
				members = append(members, paragraphs[i])
			}
		}

		var current []string
		currentLen := 0
		overlap := ""
		flush := func() {
			if len(current) == 0 {
				return
			}
			body := strings.TrimSpace(strings.Join(current, "\n\n"))
			chunk := types.SplitChunk{
				Text:             body,
				ClusterID:        clusterIdx,
				ClusteringMethod: MethodSemantic,
			}
			if overlap != "" {
				chunk.Text = overlap + "\n\n" + body
				chunk.HasOverlap = true
			}
			chunks = append(chunks, chunk)
			overlap = s.tailOverlap(body)
			current = nil
			currentLen = 0
		}

		for i, para := range members {
			breakHere := false
			if currentLen > int(1.3*float64(s.cfg.ChunkSize)) && currentLen >= s.cfg.MinChunkSize {
				breakHere = true
			}
			if i > 0 && currentLen >= s.cfg.MinChunkSize {
				if conclusionCues.MatchString(members[i-1]) || transitionCues.MatchString(para) {
					breakHere = true
				}
			}
			if breakHere {
				flush()
			}
			current = append(current, para)
			currentLen += len(para)
		}
		flush()
	}

	// Cluster sizes count emitted chunks per cluster.
	counts := make(map[int]int)
	for _, c := range chunks {
		counts[c.ClusterID]++
	}
	for i := range chunks {
		chunks[i].ClusterSize = counts[chunks[i].ClusterID]
	}
	return chunks
}

// tailOverlap returns the trailing sentences of a chunk that fit the overlap
// budget, preserving sentence boundaries.
func (s *Splitter) tailOverlap(text string) string {
	sentences := splitSentences(text)
	var tail []string
	total := 0
	for i := len(sentences) - 1; i >= 0; i-- {
		if total+len(sentences[i]) > s.cfg.OverlapSize {
			break
		}
		tail = append([]string{sentences[i]}, tail...)
		total += len(sentences[i])
	}
	return strings.Join(tail, " ")
}

// clusterOrder returns cluster labels sorted by first paragraph appearance,
// so chunk output follows document order.
func clusterOrder(labels []int) []int {
	seen := make(map[int]bool)
	var order []int
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			order = append(order, l)
		}
	}
	return order
}

// normalizeLabels maps arbitrary label values onto 0..k-1 in first-seen
// order.
func normalizeLabels(labels []int) []int {
	mapping := make(map[int]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		id, ok := mapping[l]
		if !ok {
			id = len(mapping)
			mapping[l] = id
		}
		out[i] = id
	}
	return out
}

// euclideanMatrix computes the pairwise Euclidean distance matrix.
func euclideanMatrix(embeddings [][]float32) [][]float64 {
	n := len(embeddings)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := vecmath.EuclideanDistance(embeddings[i], embeddings[j])
			matrix[i][j] = d
			matrix[j][i] = d
		}
	}
	return matrix
}

// merge records one agglomerative step: cluster from absorbed into to.
type merge struct {
	from, to int
}

// wardMergeSequence computes the full agglomerative merge order under Ward
// linkage, using the Lance-Williams update over squared distances.
func wardMergeSequence(dist [][]float64) []merge {
	n := len(dist)
	if n < 2 {
		return nil
	}

	// Work on squared distances.
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
		for j := range d[i] {
			d[i][j] = dist[i][j] * dist[i][j]
		}
	}

	size := make([]int, n)
	active := make([]bool, n)
	for i := range size {
		size[i] = 1
		active[i] = true
	}

	var merges []merge
	for step := 0; step < n-1; step++ {
		minD := math.Inf(1)
		mi, mj := -1, -1
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !active[j] {
					continue
				}
				if d[i][j] < minD {
					minD = d[i][j]
					mi, mj = i, j
				}
			}
		}
		if mi < 0 {
			break
		}

		// Lance-Williams Ward update for the merged cluster (mi ∪ mj)
		// against every other active cluster.
		for k := 0; k < n; k++ {
			if !active[k] || k == mi || k == mj {
				continue
			}
			ni, nj, nk := float64(size[mi]), float64(size[mj]), float64(size[k])
			d[mi][k] = ((ni+nk)*d[mi][k] + (nj+nk)*d[mj][k] - nk*d[mi][mj]) / (ni + nj + nk)
			d[k][mi] = d[mi][k]
		}

		size[mi] += size[mj]
		active[mj] = false
		merges = append(merges, merge{from: mj, to: mi})
	}
	return merges
}

// relabel reassigns all members of cluster from to cluster to.
func relabel(labels []int, from, to int) {
	for i, l := range labels {
		if l == from {
			labels[i] = to
		}
	}
}

// silhouette computes the mean silhouette coefficient over all points given
// a precomputed distance matrix.
func silhouette(dist [][]float64, labels []int) float64 {
	n := len(labels)
	members := make(map[int][]int)
	for i, l := range labels {
		members[l] = append(members[l], i)
	}
	if len(members) < 2 {
		return 0
	}

	// Deterministic cluster iteration order.
	clusterIDs := make([]int, 0, len(members))
	for l := range members {
		clusterIDs = append(clusterIDs, l)
	}
	sort.Ints(clusterIDs)

	total := 0.0
	counted := 0
	for i := 0; i < n; i++ {
		own := members[labels[i]]
		if len(own) <= 1 {
			// Singleton clusters score zero by convention.
			continue
		}

		a := 0.0
		for _, j := range own {
			if j != i {
				a += dist[i][j]
			}
		}
		a /= float64(len(own) - 1)

		b := math.Inf(1)
		for _, l := range clusterIDs {
			if l == labels[i] {
				continue
			}
			sum := 0.0
			for _, j := range members[l] {
				sum += dist[i][j]
			}
			mean := sum / float64(len(members[l]))
			if mean < b {
				b = mean
			}
		}

		max := a
		if b > max {
			max = b
		}
		if max > 0 {
			total += (b - a) / max
			counted++
		}
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}
