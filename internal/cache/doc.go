/*
Package cache keeps directory listings of network hosts so that repeated
browsing does not hit the server for every refresh.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│              Host.Resolve                   │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              DirCache                       │  ← This Package
	│   • one fetch in flight per directory       │
	│   • invalidation drops overtaken fills      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              LRUCache                       │
	│   • TTL expiry with background cleanup      │
	│   • bounded entry count                     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│      Backend fetch (LIST, list_folder)      │
	└─────────────────────────────────────────────┘

# Fetch Algorithm

The path is normalized to a directory key ending in "/". A fresh entry is
returned directly unless a refresh is forced. Otherwise the caller joins the
fetch already running for that key or starts one; a forced refresh skips
only the cached entry. A successful fetch is stored; a failed fetch is not,
so the next call tries again.

Invalidation removes the entry and marks any running fetch as overtaken.
That fetch still finishes and is not stored. Callers that joined it, other
than the one that started it, wait for one follow-up fetch, which starts
after the overtaken one has ended.

# Usage Examples

	dirs := cache.NewDirCache(cache.Config{
		CacheConfig: cache.CacheConfig{MaxEntries: 256, TTL: 30 * time.Second},
		Logger:      logger,
	})
	defer dirs.Close()

	l, err := dirs.Resolve(ctx, "/pub", false, func(ctx context.Context, dir string) (*listing.Listing, error) {
		return fetchFromServer(ctx, dir)
	})

After a successful mutation:

	dirs.Changed("/pub/old", true) // parent listing and the removed subtree
*/
package cache
