package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/vfs"
)

// Lookup results reported to Config.OnLookup.
const (
	ResultHit       = "hit"
	ResultMiss      = "miss"
	ResultCoalesced = "coalesced"
	ResultError     = "error"
)

// Fetcher produces a fresh listing of dir. It runs with the context of the
// caller that started the fetch.
type Fetcher func(ctx context.Context, dir string) (*listing.Listing, error)

// Config configures a DirCache.
type Config struct {
	CacheConfig `yaml:",inline"`

	// Logger receives fetch and invalidation events
	Logger *zap.Logger `yaml:"-"`

	// OnLookup is called once per Resolve with one of the Result constants
	OnLookup func(result string) `yaml:"-"`
}

// Stats describes directory cache activity.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Coalesced uint64 `json:"coalesced"`
	Fetches   uint64 `json:"fetches"`
	Errors    uint64 `json:"errors"`
	Dropped   uint64 `json:"dropped"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

// DirCache caches directory listings of one host. At most one fetch per
// directory is in flight; concurrent callers wait for it.
type DirCache struct {
	lru      *LRUCache
	group    singleflight.Group
	logger   *zap.Logger
	onLookup func(string)

	mu       sync.Mutex
	inflight map[string]*flight

	hits      atomic.Uint64
	misses    atomic.Uint64
	coalesced atomic.Uint64
	fetches   atomic.Uint64
	errors    atomic.Uint64
	dropped   atomic.Uint64
}

// flight is one running fetch. overtaken is set under DirCache.mu when the
// directory is invalidated before the fetch completes.
type flight struct {
	overtaken bool
}

type fillResult struct {
	listing *listing.Listing
	stored  bool
}

// NewDirCache creates an empty directory cache.
func NewDirCache(config Config) *DirCache {
	cc := config.CacheConfig
	if cc == (CacheConfig{}) {
		cc = *DefaultCacheConfig()
	}
	onLookup := config.OnLookup
	if onLookup == nil {
		onLookup = func(string) {}
	}
	return &DirCache{
		lru:      NewLRUCache(&cc),
		logger:   logging.OrNop(config.Logger).Named("dircache"),
		onLookup: onLookup,
		inflight: make(map[string]*flight),
	}
}

// Resolve returns the listing of dir, from the cache when a fresh entry
// exists and force is false, otherwise from fetch. Concurrent calls for the
// same directory share one fetch, forced or not. A caller that joined a
// fetch overtaken by an invalidation waits for one follow-up fetch, which
// starts only after the overtaken one has finished. A caller whose ctx ends
// stops waiting with Cancelled; cancelling the ctx of the caller that
// started the fetch fails it for every waiter.
func (c *DirCache) Resolve(ctx context.Context, dir string, force bool, fetch Fetcher) (*listing.Listing, error) {
	key, err := vfs.DirKey(dir)
	if err != nil {
		return nil, err
	}
	if err := errors.Check(ctx); err != nil {
		return nil, err
	}

	if force {
		c.Invalidate(dir)
	} else if l, _, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		c.onLookup(ResultHit)
		return l, nil
	}

	res, started, shared, err := c.join(ctx, key, fetch)
	if err == nil && !res.stored && !started {
		c.logger.Debug("Joined fetch was overtaken, fetching again", logging.Path(key))
		res, started, shared, err = c.join(ctx, key, fetch)
	}
	switch {
	case err != nil:
		c.onLookup(ResultError)
		return nil, err
	case shared && !started:
		c.coalesced.Add(1)
		c.onLookup(ResultCoalesced)
	default:
		c.misses.Add(1)
		c.onLookup(ResultMiss)
	}
	return res.listing, nil
}

// join starts the fetch of key or waits for the one already running.
func (c *DirCache) join(ctx context.Context, key string, fetch Fetcher) (fillResult, bool, bool, error) {
	started := false
	ch := c.group.DoChan(key, func() (interface{}, error) {
		started = true
		return c.fill(ctx, key, fetch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return fillResult{}, started, res.Shared, res.Err
		}
		return res.Val.(fillResult), started, res.Shared, nil
	case <-ctx.Done():
		return fillResult{}, false, false, errors.FromContext(ctx).WithPath(key)
	}
}

// fill runs one fetch and stores its result unless the directory was
// invalidated while the fetch was running.
func (c *DirCache) fill(ctx context.Context, key string, fetch Fetcher) (fillResult, error) {
	f := &flight{}
	c.mu.Lock()
	c.inflight[key] = f
	c.mu.Unlock()

	c.fetches.Add(1)
	start := time.Now()
	l, err := fetch(ctx, key)

	c.mu.Lock()
	current := !f.overtaken
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
	c.mu.Unlock()

	if err != nil {
		c.errors.Add(1)
		if ctx.Err() != nil {
			err = errors.FromContext(ctx).WithPath(key).WithCause(err)
		}
		c.logger.Debug("Directory fetch failed", logging.Path(key), logging.Err(err))
		return fillResult{}, err
	}
	if l == nil {
		c.errors.Add(1)
		return fillResult{}, errors.New(errors.KindIOFailure, "fetch returned no listing").WithPath(key)
	}

	if current {
		c.lru.Put(key, l)
	} else {
		c.dropped.Add(1)
		c.logger.Debug("Dropping listing overtaken by invalidation", logging.Path(key))
	}
	c.logger.Debug("Directory fetched",
		logging.Path(key),
		zap.Int("entries", l.Count()),
		logging.Duration(time.Since(start)))
	return fillResult{listing: l, stored: current}, nil
}

// Peek returns the cached listing of dir without fetching.
func (c *DirCache) Peek(dir string) (*listing.Listing, bool) {
	key, err := vfs.DirKey(dir)
	if err != nil {
		return nil, false
	}
	l, _, ok := c.lru.Get(key)
	return l, ok
}

// Put stores l as the current listing of dir.
func (c *DirCache) Put(dir string, l *listing.Listing) {
	key, err := vfs.DirKey(dir)
	if err != nil || l == nil {
		return
	}
	c.lru.Put(key, l)
}

// Invalidate drops the cached listing of dir. A fetch of dir already in
// flight keeps running and answers its waiters but is not stored.
func (c *DirCache) Invalidate(dir string) {
	key, err := vfs.DirKey(dir)
	if err != nil {
		return
	}
	c.mu.Lock()
	if f := c.inflight[key]; f != nil {
		f.overtaken = true
	}
	c.mu.Unlock()
	c.lru.Delete(key)
}

// InvalidateTree drops dir and every directory below it.
func (c *DirCache) InvalidateTree(dir string) {
	key, err := vfs.DirKey(dir)
	if err != nil {
		return
	}
	c.mu.Lock()
	for k, f := range c.inflight {
		if strings.HasPrefix(k, key) {
			f.overtaken = true
		}
	}
	c.mu.Unlock()
	if n := c.lru.DeletePrefix(key); n > 0 {
		c.logger.Debug("Invalidated directory tree", logging.Path(key), zap.Int("entries", n))
	}
}

// Changed invalidates after a successful mutation of p: the parent listing
// always, and the subtree of p when it was a directory.
func (c *DirCache) Changed(p string, wasDir bool) {
	c.Invalidate(vfs.Parent(p))
	if wasDir {
		c.InvalidateTree(p)
	}
}

// Clear drops every cached listing.
func (c *DirCache) Clear() {
	c.mu.Lock()
	for _, f := range c.inflight {
		f.overtaken = true
	}
	c.mu.Unlock()
	c.lru.Clear()
}

// Stats returns cache statistics.
func (c *DirCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
		Fetches:   c.fetches.Load(),
		Errors:    c.errors.Load(),
		Dropped:   c.dropped.Load(),
		Evictions: c.lru.Evictions(),
		Entries:   c.lru.Len(),
	}
}

// Close stops background expiry.
func (c *DirCache) Close() {
	c.lru.Close()
}
