package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/vfs/pkg/listing"
)

// LRUCache is a thread-safe LRU of directory listings with TTL expiry.
type LRUCache struct {
	mu        sync.Mutex
	items     map[string]*cacheItem
	evictList *list.List

	// Configuration
	config *CacheConfig

	// Statistics
	evictions uint64
	expired   uint64

	stop     chan struct{}
	stopOnce sync.Once
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	MaxEntries      int           `yaml:"max_entries"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultCacheConfig returns the default per-host limits.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxEntries:      512,
		TTL:             30 * time.Second,
		CleanupInterval: time.Minute,
	}
}

// cacheItem represents an item in the cache
type cacheItem struct {
	key       string
	listing   *listing.Listing
	timestamp time.Time
	element   *list.Element
}

// NewLRUCache creates a new LRU cache
func NewLRUCache(config *CacheConfig) *LRUCache {
	if config == nil {
		config = DefaultCacheConfig()
	}

	cache := &LRUCache{
		items:     make(map[string]*cacheItem),
		evictList: list.New(),
		config:    config,
		stop:      make(chan struct{}),
	}

	if config.TTL > 0 {
		go cache.cleanupExpired()
	}

	return cache
}

// Get returns the listing for key if present and not expired.
func (c *LRUCache) Get(key string) (*listing.Listing, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return nil, time.Time{}, false
	}

	if c.isExpired(item) {
		c.removeItem(key)
		c.expired++
		return nil, time.Time{}, false
	}

	c.evictList.MoveToFront(item.element)
	return item.listing, item.timestamp, true
}

// Put stores a listing under key.
func (c *LRUCache) Put(key string, l *listing.Listing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		item.listing = l
		item.timestamp = time.Now()
		c.evictList.MoveToFront(item.element)
		return
	}

	item := &cacheItem{
		key:       key,
		listing:   l,
		timestamp: time.Now(),
	}
	item.element = c.evictList.PushFront(key)
	c.items[key] = item

	c.evictIfNeeded()
}

// Delete removes key and reports whether it was present.
func (c *LRUCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.items[key]
	c.removeItem(key)
	return exists
}

// DeletePrefix removes every key starting with prefix and returns how many
// were removed.
func (c *LRUCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keysToDelete []string
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			keysToDelete = append(keysToDelete, key)
		}
	}

	for _, key := range keysToDelete {
		c.removeItem(key)
	}
	return len(keysToDelete)
}

// Len returns the number of cached listings.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear clears all items from the cache
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*cacheItem)
	c.evictList.Init()
}

// Keys returns cache keys from most to least recently used.
func (c *LRUCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for e := c.evictList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// Evictions returns the number of entries dropped for capacity.
func (c *LRUCache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

// Close stops the cleanup goroutine.
func (c *LRUCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Helper methods

func (c *LRUCache) isExpired(item *cacheItem) bool {
	if c.config.TTL == 0 {
		return false
	}
	return time.Since(item.timestamp) > c.config.TTL
}

func (c *LRUCache) removeItem(key string) {
	item, exists := c.items[key]
	if !exists {
		return
	}
	c.evictList.Remove(item.element)
	delete(c.items, key)
}

func (c *LRUCache) evictIfNeeded() {
	maxEntries := c.config.MaxEntries
	if maxEntries <= 0 {
		return
	}
	for len(c.items) > maxEntries && c.evictList.Len() > 0 {
		c.evictOldest()
	}
}

func (c *LRUCache) evictOldest() {
	element := c.evictList.Back()
	if element == nil {
		return
	}
	c.removeItem(element.Value.(string))
	c.evictions++
}

func (c *LRUCache) cleanupExpired() {
	cleanupInterval := c.config.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			var expiredKeys []string
			for key, item := range c.items {
				if c.isExpired(item) {
					expiredKeys = append(expiredKeys, key)
				}
			}
			for _, key := range expiredKeys {
				c.removeItem(key)
				c.expired++
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}
