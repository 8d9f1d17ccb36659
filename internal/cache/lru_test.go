package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/vfs/pkg/listing"
)

func testListing(t *testing.T, dir string, names ...string) *listing.Listing {
	t.Helper()
	b := listing.NewBuilder(dir, "mem:///")
	for _, name := range names {
		b.Add(listing.Entry{Name: name, Type: listing.FileTypeRegular, Size: 1})
	}
	l, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return l
}

// TestNewLRUCache tests cache creation with various configurations
func TestNewLRUCache(t *testing.T) {
	tests := []struct {
		name   string
		config *CacheConfig
		verify func(t *testing.T, cache *LRUCache)
	}{
		{
			name:   "nil config uses defaults",
			config: nil,
			verify: func(t *testing.T, cache *LRUCache) {
				if cache.config.MaxEntries != 512 {
					t.Errorf("expected default max entries 512, got %d", cache.config.MaxEntries)
				}
				if cache.config.TTL != 30*time.Second {
					t.Errorf("expected default TTL 30s, got %v", cache.config.TTL)
				}
			},
		},
		{
			name: "custom config applied",
			config: &CacheConfig{
				MaxEntries: 100,
				TTL:        time.Minute,
			},
			verify: func(t *testing.T, cache *LRUCache) {
				if cache.config.MaxEntries != 100 {
					t.Errorf("expected max entries 100, got %d", cache.config.MaxEntries)
				}
				if cache.config.TTL != time.Minute {
					t.Errorf("expected TTL 1min, got %v", cache.config.TTL)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewLRUCache(tt.config)
			defer cache.Close()
			if cache.items == nil {
				t.Error("cache items map not initialized")
			}
			if cache.evictList == nil {
				t.Error("cache evict list not initialized")
			}
			tt.verify(t, cache)
		})
	}
}

func TestLRUCache_PutGet(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{MaxEntries: 10, TTL: time.Hour})
	defer cache.Close()

	l := testListing(t, "/pub/", "a", "b")
	cache.Put("/pub/", l)

	got, at, ok := cache.Get("/pub/")
	if !ok {
		t.Fatal("Get returned miss for existing key")
	}
	if got != l {
		t.Error("Get should return the stored listing")
	}
	if at.IsZero() {
		t.Error("Get should report the fill time")
	}

	if _, _, ok := cache.Get("/other/"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestLRUCache_Eviction(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{MaxEntries: 3, TTL: time.Hour})
	defer cache.Close()

	for _, key := range []string{"/1/", "/2/", "/3/"} {
		cache.Put(key, testListing(t, key))
	}
	// Touch /1/ so /2/ becomes the oldest.
	cache.Get("/1/")
	cache.Put("/4/", testListing(t, "/4/"))

	if cache.Len() != 3 {
		t.Errorf("expected 3 items after eviction, got %d", cache.Len())
	}
	if _, _, ok := cache.Get("/2/"); ok {
		t.Error("/2/ should have been evicted")
	}
	for _, key := range []string{"/1/", "/3/", "/4/"} {
		if _, _, ok := cache.Get(key); !ok {
			t.Errorf("%s should still exist", key)
		}
	}
	if cache.Evictions() != 1 {
		t.Errorf("expected 1 eviction, got %d", cache.Evictions())
	}
}

func TestLRUCache_TTLExpiration(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{
		MaxEntries:      10,
		TTL:             20 * time.Millisecond,
		CleanupInterval: time.Hour,
	})
	defer cache.Close()

	cache.Put("/tmp/", testListing(t, "/tmp/"))
	if _, _, ok := cache.Get("/tmp/"); !ok {
		t.Fatal("entry should be fresh immediately after Put")
	}

	time.Sleep(40 * time.Millisecond)
	if _, _, ok := cache.Get("/tmp/"); ok {
		t.Error("entry should have expired")
	}
	if cache.Len() != 0 {
		t.Error("expired entry should be removed on access")
	}
}

func TestLRUCache_BackgroundCleanup(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{
		MaxEntries:      10,
		TTL:             5 * time.Millisecond,
		CleanupInterval: 5 * time.Millisecond,
	})
	defer cache.Close()

	cache.Put("/tmp/", testListing(t, "/tmp/"))

	deadline := time.Now().Add(time.Second)
	for cache.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cache.Len() != 0 {
		t.Error("cleanup goroutine should drop expired entries")
	}
}

func TestLRUCache_DeletePrefix(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{MaxEntries: 10, TTL: time.Hour})
	defer cache.Close()

	for _, key := range []string{"/a/", "/a/b/", "/a/b/c/", "/ab/", "/z/"} {
		cache.Put(key, testListing(t, key))
	}

	if n := cache.DeletePrefix("/a/"); n != 3 {
		t.Errorf("expected 3 removed, got %d", n)
	}
	if _, _, ok := cache.Get("/ab/"); !ok {
		t.Error("/ab/ is not below /a/ and must survive")
	}
	if !cache.Delete("/z/") {
		t.Error("Delete should report an existing key")
	}
	if cache.Delete("/z/") {
		t.Error("Delete should report a missing key")
	}
}

func TestLRUCache_Keys(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{MaxEntries: 10})
	defer cache.Close()

	cache.Put("/1/", testListing(t, "/1/"))
	cache.Put("/2/", testListing(t, "/2/"))
	cache.Get("/1/")

	keys := cache.Keys()
	if len(keys) != 2 || keys[0] != "/1/" || keys[1] != "/2/" {
		t.Errorf("expected most recent first, got %v", keys)
	}

	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("expected empty cache after Clear, got %d", cache.Len())
	}
}

func TestLRUCache_ConcurrentAccess(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{MaxEntries: 50, TTL: time.Hour})
	defer cache.Close()

	l := testListing(t, "/")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("/%d/%d/", id, j)
				cache.Put(key, l)
				cache.Get(key)
				if j%10 == 0 {
					cache.DeletePrefix(fmt.Sprintf("/%d/", id))
				}
			}
		}(i)
	}
	wg.Wait()

	if cache.Len() > 50 {
		t.Errorf("cache exceeded MaxEntries: %d", cache.Len())
	}
}
