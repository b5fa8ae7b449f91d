package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"grading-orchestrator/models"
)

// memObjectStore is an in-memory durable tier for tests.
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	listErr error
	getErr  map[string]error
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{
		objects: make(map[string][]byte),
		getErr:  make(map[string]error),
	}
}

func (s *memObjectStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *memObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErr[key]; err != nil {
		return nil, err
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (s *memObjectStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memObjectStore) List(ctx context.Context, prefix string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for k, v := range s.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = int64(len(v))
		}
	}
	return out, s.listErr
}

func newTestCache(t *testing.T, durable ObjectStore, ttl time.Duration) *CacheService {
	t.Helper()
	cache, err := NewCacheService(t.TempDir(), durable, ttl)
	if err != nil {
		t.Fatalf("NewCacheService: %v", err)
	}
	return cache
}

func TestCacheKeyDeterminism(t *testing.T) {
	k1 := CacheKey("fn main() {}", "1.75", "release")
	k2 := CacheKey("fn main() {}", "1.75", "release")
	if k1 != k2 {
		t.Fatalf("identical inputs produced different keys: %s vs %s", k1, k2)
	}

	variants := []string{
		CacheKey("fn main() { }", "1.75", "release"),
		CacheKey("fn main() {}", "1.76", "release"),
		CacheKey("fn main() {}", "1.75", "debug"),
	}
	for i, v := range variants {
		if v == k1 {
			t.Errorf("variant %d collided with base key", i)
		}
	}

	// Length prefixing: shifting a byte across the field boundary must
	// change the key.
	if CacheKey("ab", "c", "") == CacheKey("a", "bc", "") {
		t.Error("field boundary shift produced identical keys")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, newMemObjectStore(), time.Hour)

	key := CacheKey("src", "1.75", "release")
	meta := models.CacheMetadata{Compiler: "rust-grader", ToolchainVersion: "1.75"}
	if err := cache.Store(ctx, key, "compiled-bytes", meta); err != nil {
		t.Fatalf("Store: %v", err)
	}

	entry, err := cache.Retrieve(ctx, key)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if entry == nil {
		t.Fatal("expected hit, got miss")
	}
	if entry.Artifact != "compiled-bytes" {
		t.Errorf("artifact mismatch: %q", entry.Artifact)
	}
	if entry.Metadata.ToolchainVersion != "1.75" {
		t.Errorf("metadata mismatch: %+v", entry.Metadata)
	}

	ok, err := cache.Exists(ctx, key)
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v; want true, nil", ok, err)
	}
}

func TestCacheExpiryBeforeCleanup(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, newMemObjectStore(), time.Second)

	base := time.Now()
	cache.now = func() time.Time { return base }

	key := CacheKey("src", "1.75", "release")
	if err := cache.Store(ctx, key, "artifact", models.CacheMetadata{}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if entry, _ := cache.Retrieve(ctx, key); entry == nil {
		t.Fatal("fresh entry should be a hit")
	}

	// Past the TTL the entry is logically absent even though cleanup has
	// not run and it is still physically present in both tiers.
	cache.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	if entry, _ := cache.Retrieve(ctx, key); entry != nil {
		t.Fatal("expired entry must be treated as a miss before cleanup")
	}
	if ok, _ := cache.Exists(ctx, key); ok {
		t.Fatal("expired entry must not report as existing")
	}
}

func TestCacheDurableHitBackfillsMirror(t *testing.T) {
	ctx := context.Background()
	durable := newMemObjectStore()
	cache := newTestCache(t, durable, time.Hour)

	key := CacheKey("src", "1.75", "release")
	if err := cache.Store(ctx, key, "artifact", models.CacheMetadata{}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Drop the mirror copy so the next lookup must hit the durable tier.
	if err := cache.mirror.Delete(ctx, mirrorKey(key)); err != nil {
		t.Fatalf("mirror delete: %v", err)
	}

	entry, err := cache.Retrieve(ctx, key)
	if err != nil || entry == nil {
		t.Fatalf("expected durable hit, got entry=%v err=%v", entry, err)
	}

	// The durable hit should have been copied back into the mirror.
	if _, err := cache.mirror.Get(ctx, mirrorKey(key)); err != nil {
		t.Errorf("mirror was not backfilled: %v", err)
	}
}

func TestCacheCleanup(t *testing.T) {
	ctx := context.Background()
	durable := newMemObjectStore()
	cache := newTestCache(t, durable, time.Second)

	base := time.Now()
	cache.now = func() time.Time { return base }

	fresh := CacheKey("fresh", "1.75", "release")
	stale := CacheKey("stale", "1.75", "release")
	cache.Store(ctx, fresh, "a", models.CacheMetadata{CreatedAt: base})
	cache.Store(ctx, stale, "b", models.CacheMetadata{CreatedAt: base.Add(-time.Minute)})

	// An unreadable durable entry is conservatively removed too.
	broken := durableKey(CacheKey("broken", "1.75", "release"))
	durable.Put(ctx, broken, []byte("{}"))
	durable.getErr[broken] = errors.New("read failed")

	removed := cache.Cleanup(ctx)
	if removed != 2 {
		t.Fatalf("Cleanup removed %d entries, want 2", removed)
	}

	if _, ok := durable.objects[durableKey(fresh)]; !ok {
		t.Error("fresh entry was removed")
	}
	if _, ok := durable.objects[durableKey(stale)]; ok {
		t.Error("stale entry survived cleanup")
	}
	if _, ok := durable.objects[broken]; ok {
		t.Error("unreadable entry survived cleanup")
	}
}

func TestCacheStatsBestEffort(t *testing.T) {
	ctx := context.Background()
	durable := newMemObjectStore()
	cache := newTestCache(t, durable, time.Hour)

	cache.Store(ctx, CacheKey("a", "v", "o"), "xxxx", models.CacheMetadata{})
	cache.Store(ctx, CacheKey("b", "v", "o"), "yyyyyyyy", models.CacheMetadata{})

	stats := cache.Stats(ctx)
	if stats.Count != 2 {
		t.Errorf("Count = %d, want 2", stats.Count)
	}
	if stats.TotalSize <= 0 {
		t.Errorf("TotalSize = %d, want > 0", stats.TotalSize)
	}

	// A listing error must degrade to partial data, never an error to
	// the caller.
	durable.listErr = errors.New("listing failed")
	stats = cache.Stats(ctx)
	if stats.Count != 2 {
		t.Errorf("degraded Count = %d, want partial data 2", stats.Count)
	}
}
