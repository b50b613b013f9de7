package cache

import (
	"testing"
	"time"
)

func TestMemoryCache_GetSet(t *testing.T) {
	cache := NewMemoryCache(Config{
		MaxSize:    100,
		DefaultTTL: time.Hour,
	})
	defer func() { _ = cache.Close() }()

	cache.Set("key1", "value1", 0)

	value, ok := cache.Get("key1")
	if !ok {
		t.Fatal("expected key1 to be present")
	}
	if value.(string) != "value1" {
		t.Errorf("expected 'value1', got '%v'", value)
	}

	// Test miss
	if _, ok := cache.Get("nonexistent"); ok {
		t.Error("expected miss for nonexistent key")
	}
}

func TestMemoryCache_StructValues(t *testing.T) {
	cache := NewMemoryCache(DefaultConfig())
	defer func() { _ = cache.Close() }()

	type result struct {
		IDs []string
	}

	cache.Set("res", result{IDs: []string{"a", "b"}}, 0)

	value, ok := cache.Get("res")
	if !ok {
		t.Fatal("expected hit")
	}
	got := value.(result)
	if len(got.IDs) != 2 || got.IDs[0] != "a" {
		t.Errorf("unexpected value: %+v", got)
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	cache := NewMemoryCache(DefaultConfig())
	defer func() { _ = cache.Close() }()

	cache.Set("key1", "value1", 0)
	cache.Delete("key1")

	if _, ok := cache.Get("key1"); ok {
		t.Error("expected miss after delete")
	}

	// Delete nonexistent key is a no-op
	cache.Delete("nonexistent")
}

func TestMemoryCache_Has(t *testing.T) {
	cache := NewMemoryCache(DefaultConfig())
	defer func() { _ = cache.Close() }()

	if cache.Has("key1") {
		t.Error("expected Has to return false for nonexistent key")
	}

	cache.Set("key1", "value1", 0)

	if !cache.Has("key1") {
		t.Error("expected Has to return true for existing key")
	}
}

func TestMemoryCache_Clear(t *testing.T) {
	cache := NewMemoryCache(DefaultConfig())
	defer func() { _ = cache.Close() }()

	cache.Set("key1", "value1", 0)
	cache.Set("key2", "value2", 0)
	cache.Set("key3", "value3", 0)

	cache.Clear()

	stats := cache.Stats()
	if stats.Size != 0 {
		t.Errorf("expected size 0 after clear, got %d", stats.Size)
	}
}

func TestMemoryCache_TTL(t *testing.T) {
	cache := NewMemoryCache(Config{
		MaxSize:         100,
		CleanupInterval: 10 * time.Millisecond,
	})
	defer func() { _ = cache.Close() }()

	// Set with short TTL
	cache.Set("key1", "value1", 50*time.Millisecond)

	// Should exist immediately
	if !cache.Has("key1") {
		t.Error("expected key to exist immediately after set")
	}

	// Wait for expiration
	time.Sleep(100 * time.Millisecond)

	if _, ok := cache.Get("key1"); ok {
		t.Error("expected miss after TTL")
	}
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	cache := NewMemoryCache(Config{
		MaxSize:    3,
		DefaultTTL: time.Hour,
	})
	defer func() { _ = cache.Close() }()

	// Fill cache
	cache.Set("key1", "value1", 0)
	cache.Set("key2", "value2", 0)
	cache.Set("key3", "value3", 0)

	// Access key1 to make it recently used
	_, _ = cache.Get("key1")

	// Add new key, should evict key2 (least recently used)
	cache.Set("key4", "value4", 0)

	if cache.Has("key2") {
		t.Error("expected key2 to be evicted")
	}

	// key1 should still exist (was accessed)
	if !cache.Has("key1") {
		t.Error("expected key1 to still exist")
	}

	stats := cache.Stats()
	if stats.Evictions == 0 {
		t.Error("expected at least one eviction")
	}
	if stats.Size != 3 {
		t.Errorf("expected size 3, got %d", stats.Size)
	}
}

func TestMemoryCache_Stats(t *testing.T) {
	cache := NewMemoryCache(DefaultConfig())
	defer func() { _ = cache.Close() }()

	cache.Set("key1", "value1", 0)
	_, _ = cache.Get("key1")
	_, _ = cache.Get("nonexistent")

	stats := cache.Stats()

	if stats.Sets != 1 {
		t.Errorf("expected 1 set, got %d", stats.Sets)
	}
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.Size != 1 {
		t.Errorf("expected size 1, got %d", stats.Size)
	}
}

func TestStats_HitRate(t *testing.T) {
	tests := []struct {
		hits   int64
		misses int64
		want   float64
	}{
		{0, 0, 0},
		{10, 0, 100},
		{0, 10, 0},
		{50, 50, 50},
		{75, 25, 75},
	}

	for _, tt := range tests {
		stats := Stats{Hits: tt.hits, Misses: tt.misses}
		got := stats.HitRate()
		if got != tt.want {
			t.Errorf("HitRate(%d, %d) = %f, want %f", tt.hits, tt.misses, got, tt.want)
		}
	}
}

func TestNormalizedQueryKey(t *testing.T) {
	key1 := NormalizedQueryKey("response", "how to report liquidity risk")
	key2 := NormalizedQueryKey("response", "  How   TO report liquidity risk ")
	key3 := NormalizedQueryKey("response", "different query")
	key4 := NormalizedQueryKey("other", "how to report liquidity risk")

	if key1 != key2 {
		t.Error("case and whitespace variants should share a key")
	}
	if key1 == key3 {
		t.Error("different queries should produce different keys")
	}
	if key1 == key4 {
		t.Error("different prefixes should produce different keys")
	}
}

func TestFingerprint(t *testing.T) {
	fp1 := Fingerprint("chunk content")
	fp2 := Fingerprint("chunk content")
	fp3 := Fingerprint("other content")

	if fp1 != fp2 {
		t.Error("same content should produce same fingerprint")
	}
	if fp1 == fp3 {
		t.Error("different content should produce different fingerprints")
	}
	if len(fp1) != 8 {
		t.Errorf("expected 8 hex digits, got %d", len(fp1))
	}
}

func TestSampledKey(t *testing.T) {
	texts := []string{"first chunk", "second chunk", "third chunk", "fourth chunk", "fifth chunk"}

	key1 := SampledKey("rerank", "query", texts)
	key2 := SampledKey("rerank", "query", texts)
	if key1 != key2 {
		t.Error("same inputs should produce same key")
	}

	key3 := SampledKey("rerank", "another query", texts)
	if key1 == key3 {
		t.Error("different query should produce different key")
	}

	shorter := texts[:3]
	key4 := SampledKey("rerank", "query", shorter)
	if key1 == key4 {
		t.Error("different chunk count should produce different key")
	}

	// Sampled positions matter, unsampled ones may not
	changed := append([]string{}, texts...)
	changed[0] = "replaced first chunk"
	key5 := SampledKey("rerank", "query", changed)
	if key1 == key5 {
		t.Error("changing a sampled chunk should change the key")
	}

	if SampledKey("rerank", "query", nil) == "" {
		t.Error("empty set should still yield a key")
	}
}

func TestEntry_IsExpired(t *testing.T) {
	// Not expired (zero time)
	entry1 := Entry{ExpiresAt: time.Time{}}
	if entry1.IsExpired() {
		t.Error("entry with zero ExpiresAt should not be expired")
	}

	// Not expired (future)
	entry2 := Entry{ExpiresAt: time.Now().Add(time.Hour)}
	if entry2.IsExpired() {
		t.Error("entry with future ExpiresAt should not be expired")
	}

	// Expired (past)
	entry3 := Entry{ExpiresAt: time.Now().Add(-time.Hour)}
	if !entry3.IsExpired() {
		t.Error("entry with past ExpiresAt should be expired")
	}
}

func BenchmarkMemoryCache_Get(b *testing.B) {
	cache := NewMemoryCache(DefaultConfig())
	defer func() { _ = cache.Close() }()

	cache.Set("key", "value", 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = cache.Get("key")
	}
}

func BenchmarkMemoryCache_Set(b *testing.B) {
	cache := NewMemoryCache(Config{
		MaxSize:    1000000,
		DefaultTTL: time.Hour,
	})
	defer func() { _ = cache.Close() }()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Set("key", "value", 0)
	}
}
