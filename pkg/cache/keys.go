package cache

import (
	"crypto/md5"
	"fmt"
	"hash/fnv"
	"strings"
)

// NormalizedQueryKey derives a stable cache key from a free-text query:
// lowercase, whitespace collapsed, MD5 hex. Two queries differing only in
// casing or spacing share an entry.
func NormalizedQueryKey(prefix, query string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(query), " "))
	sum := md5.Sum([]byte(norm))
	return fmt.Sprintf("%s:%x", prefix, sum)
}

// Fingerprint returns an 8-hex-digit FNV-1a fingerprint of s. Used for
// per-request deduplication keys where a short stable identifier is enough.
func Fingerprint(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}

// SampledKey derives a cache key from a query plus a set of texts without
// hashing the full content. It mixes the query, the item count, and up to
// 200 characters sampled from the first, middle, and last texts. Large
// candidate sets get a cheap key at the cost of a tiny collision window.
func SampledKey(prefix, query string, texts []string) string {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(query))))
	h.Write([]byte(fmt.Sprintf("|%d|", len(texts))))

	if n := len(texts); n > 0 {
		idx := []int{0, n / 2, n - 1}
		seen := map[int]bool{}
		for _, i := range idx {
			if seen[i] {
				continue
			}
			seen[i] = true
			h.Write([]byte(sample(texts[i], 200)))
		}
	}
	return fmt.Sprintf("%s:%016x", prefix, h.Sum64())
}

func sample(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
