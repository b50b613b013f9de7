package vecmath

import "math"

// CosineDistance computes cosine distance between two float32 vectors.
// Returns a value in [0, 2] where 0 = identical, 2 = opposite. Empty or
// zero-norm input yields the maximum distance.
func CosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 2.0
	}
	if len(a) != len(b) {
		// Use shorter length
		if len(a) > len(b) {
			a = a[:len(b)]
		} else {
			b = b[:len(a)]
		}
	}

	var dot, magA, magB float64
	n := len(a)

	// Process 4 elements at a time for better CPU pipelining
	i := 0
	for ; i <= n-4; i += 4 {
		dot += float64(a[i])*float64(b[i]) +
			float64(a[i+1])*float64(b[i+1]) +
			float64(a[i+2])*float64(b[i+2]) +
			float64(a[i+3])*float64(b[i+3])

		magA += float64(a[i])*float64(a[i]) +
			float64(a[i+1])*float64(a[i+1]) +
			float64(a[i+2])*float64(a[i+2]) +
			float64(a[i+3])*float64(a[i+3])

		magB += float64(b[i])*float64(b[i]) +
			float64(b[i+1])*float64(b[i+1]) +
			float64(b[i+2])*float64(b[i+2]) +
			float64(b[i+3])*float64(b[i+3])
	}

	for ; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}

	denom := math.Sqrt(magA * magB)
	if denom == 0 {
		return 2.0
	}

	similarity := dot / denom
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1.0 {
		similarity = 1.0
	} else if similarity < -1.0 {
		similarity = -1.0
	}

	return 1.0 - similarity
}

// CosineSimilarity computes cosine similarity (1 - distance).
// Returns a value in [-1, 1] where 1 = identical, -1 = opposite.
// Zero-norm input yields -1; callers that need the reranker's
// zero-substitution convention should check IsZero first.
func CosineSimilarity(a, b []float32) float64 {
	return 1.0 - CosineDistance(a, b)
}

// EuclideanDistance computes L2 squared distance between two float32 vectors.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.MaxFloat64
	}

	var sum float64
	n := len(a)

	i := 0
	for ; i <= n-4; i += 4 {
		d0 := float64(a[i]) - float64(b[i])
		d1 := float64(a[i+1]) - float64(b[i+1])
		d2 := float64(a[i+2]) - float64(b[i+2])
		d3 := float64(a[i+3]) - float64(b[i+3])
		sum += d0*d0 + d1*d1 + d2*d2 + d3*d3
	}

	for ; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}

	return sum
}

// DotProduct computes inner product between two float32 vectors.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var sum float64
	n := len(a)

	i := 0
	for ; i <= n-4; i += 4 {
		sum += float64(a[i])*float64(b[i]) +
			float64(a[i+1])*float64(b[i+1]) +
			float64(a[i+2])*float64(b[i+2]) +
			float64(a[i+3])*float64(b[i+3])
	}

	for ; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}

	return sum
}

// IsZero reports whether every component of v is zero. A zero vector is the
// embedding provider's failure sentinel.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// MeanVector computes the element-wise mean of multiple vectors.
// Result is stored in dst which must be pre-allocated.
func MeanVector(dst []float32, vectors [][]float32) {
	if len(vectors) == 0 || len(dst) == 0 {
		return
	}

	for i := range dst {
		dst[i] = 0
	}

	for _, v := range vectors {
		for i := 0; i < len(dst) && i < len(v); i++ {
			dst[i] += v[i]
		}
	}

	invN := float32(1.0 / float64(len(vectors)))
	for i := range dst {
		dst[i] *= invN
	}
}
