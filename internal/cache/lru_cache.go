// Package cache provides the bounded LRU used to keep a working set of
// record index entries in memory when the whole index is too large to be
// resident.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// LRUCache is a thread-safe LRU cache holding at most capacity entries.
//
// Entries can be pinned; a pinned entry is never evicted, so the cache can
// hold more than capacity entries while pins are outstanding.
type LRUCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	table    map[K]*list.Element
	lru      *list.List // front = most recently used

	// Statistics
	hits   atomic.Uint64
	misses atomic.Uint64
}

// lruEntry is the entry stored in the LRU list.
type lruEntry[K comparable, V any] struct {
	key   K
	value V
	pins  int
}

// getEntry extracts an lruEntry from a list element.
// The list only ever stores *lruEntry.
func getEntry[K comparable, V any](elem *list.Element) *lruEntry[K, V] {
	entry, _ := elem.Value.(*lruEntry[K, V])
	return entry
}

// NewLRUCache creates a new LRU cache holding up to capacity entries.
func NewLRUCache[K comparable, V any](capacity int) *LRUCache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache[K, V]{
		capacity: capacity,
		table:    make(map[K]*list.Element),
		lru:      list.New(),
	}
}

// Insert adds or replaces an entry and marks it most recently used.
// Pins on a replaced entry are kept.
func (c *LRUCache[K, V]) Insert(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		getEntry[K, V](elem).value = value
		c.lru.MoveToFront(elem)
		return
	}

	for len(c.table) >= c.capacity {
		if !c.evictOne() {
			break
		}
	}

	c.table[key] = c.lru.PushFront(&lruEntry[K, V]{key: key, value: value})
}

// Lookup returns the entry for key and marks it most recently used.
func (c *LRUCache[K, V]) Lookup(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits.Add(1)
		return getEntry[K, V](elem).value, true
	}

	c.misses.Add(1)
	var zero V
	return zero, false
}

// Contains reports whether key is cached without touching recency or stats.
func (c *LRUCache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.table[key]
	return ok
}

// Pin prevents key from being evicted until a matching Unpin.
// It returns false if key is not cached.
func (c *LRUCache[K, V]) Pin(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.table[key]
	if !ok {
		return false
	}
	getEntry[K, V](elem).pins++
	return true
}

// Unpin releases one pin on key.
func (c *LRUCache[K, V]) Unpin(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		if entry := getEntry[K, V](elem); entry.pins > 0 {
			entry.pins--
		}
	}
	for len(c.table) > c.capacity {
		if !c.evictOne() {
			break
		}
	}
}

// Erase removes key from the cache, pinned or not.
func (c *LRUCache[K, V]) Erase(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		delete(c.table, key)
		c.lru.Remove(elem)
	}
}

// Len returns the number of cached entries.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// Capacity returns the maximum number of unpinned entries.
func (c *LRUCache[K, V]) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Clear drops every entry, including pinned ones.
func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.table = make(map[K]*list.Element)
	c.lru.Init()
}

// HitCount returns the number of cache hits.
func (c *LRUCache[K, V]) HitCount() uint64 {
	return c.hits.Load()
}

// MissCount returns the number of cache misses.
func (c *LRUCache[K, V]) MissCount() uint64 {
	return c.misses.Load()
}

// HitRate returns the cache hit rate (0.0 to 1.0).
func (c *LRUCache[K, V]) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

// evictOne evicts the least recently used unpinned entry.
// Must be called with mu held.
func (c *LRUCache[K, V]) evictOne() bool {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		entry := getEntry[K, V](e)
		if entry.pins == 0 {
			delete(c.table, entry.key)
			c.lru.Remove(e)
			return true
		}
	}
	return false
}
