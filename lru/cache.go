// Package lru implements a generic, thread-safe LRU cache used to keep
// recently read stage records out of SQLite.
package lru

import (
	"container/list"
	"sync"
)

type entry[K comparable, V any] struct {
	key K
	val V
}

// Stats reports cache effectiveness since creation or the last Clear.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is a generic, thread-safe LRU cache.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List // front is most recently used
	items    map[K]*list.Element
	stats    Stats
}

// New creates an LRU cache with the given capacity.
// Panics if capacity < 1.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}
	return &Cache[K, V]{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
}

// Get retrieves a value by key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	c.ll.MoveToFront(el)
	return el.Value.(*entry[K, V]).val, true
}

// Put inserts or updates a key. When the cache is full the least recently
// used entry is evicted and its key returned.
func (c *Cache[K, V]) Put(key K, val V) (K, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted K
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).val = val
		c.ll.MoveToFront(el)
		return evicted, false
	}

	didEvict := false
	if c.ll.Len() >= c.capacity {
		oldest := c.ll.Back()
		e := c.ll.Remove(oldest).(*entry[K, V])
		delete(c.items, e.key)
		evicted, didEvict = e.key, true
		c.stats.Evictions++
	}

	c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, val: val})
	return evicted, didEvict
}

// Delete removes a key. Returns true if the key existed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.ll.Remove(el)
	delete(c.items, key)
	return true
}

// DeleteFunc removes every entry whose key matches pred and returns the
// number removed.
func (c *Cache[K, V]) DeleteFunc(pred func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[K, V])
		if pred(e.key) {
			c.ll.Remove(el)
			delete(c.items, e.key)
			n++
		}
		el = next
	}
	return n
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns a copy of the hit/miss counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Clear drops all entries and resets the counters.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[K]*list.Element, c.capacity)
	c.stats = Stats{}
}
