package valueindex

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry holds enough to answer a repeat lookup without a binary
// search: the id count, the posting list's heap offset, and its encoded
// byte length.
type cacheEntry struct {
	count          int
	firstIDOffset  int64
	encodedListLen int
}

// lookupCache is the bounded, write-through lookup cache in front of the
// directory's binary search. It is an optimization only: every method here
// is safe to treat as best-effort, and Index always falls back to a
// binary search on a miss. Backed by github.com/hashicorp/golang-lru/v2.
//
// mu is held separately from Index's own write lock so that Lookup never
// takes the mutator path's monitor: Lookup read-locks the cache for get and
// write-locks it only to put an entry after a miss.
type lookupCache struct {
	mu  sync.RWMutex
	lru *lru.Cache[string, cacheEntry]
}

func newLookupCache(capacity int) *lookupCache {
	if capacity <= 0 {
		return &lookupCache{}
	}

	c, err := lru.New[string, cacheEntry](capacity)
	if err != nil {
		// Only possible failure is a non-positive size, already excluded
		// above.
		panic(err)
	}

	return &lookupCache{lru: c}
}

func (c *lookupCache) get(key string) (cacheEntry, bool) {
	if c.lru == nil {
		return cacheEntry{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Get(key)
}

func (c *lookupCache) put(key string, e cacheEntry) {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, e)
}

func (c *lookupCache) remove(key string) {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}
