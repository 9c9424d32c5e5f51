// Package lru implements a bounded cache with O(1) get/set/evict.
//
// The cache pairs a doubly linked list (recency order) with a map from key to
// list node. Get unlinks the node and re-appends it at the tail; Set on a full
// cache removes the head (least recently used). An optional eviction callback
// lets callers cascade removals, e.g. dropping edges when a graph node falls
// out of the cache.
package lru

import (
	"container/list"
	"sync"
)

// Cache is a fixed-capacity least-recently-used cache.
//
// Thread-safe: all methods take an internal lock. K must be comparable;
// V may be any type.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = least recently used, back = most recent
	items    map[K]*list.Element
	onEvict  func(key K, value V)
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New creates a Cache holding at most capacity entries. Capacity must be
// at least 1; smaller values are clamped to 1.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache[K, V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
}

// OnEvict registers a callback invoked whenever an entry is evicted or
// removed. The callback runs while the cache lock is held; it must not call
// back into the cache.
func (c *Cache[K, V]) OnEvict(fn func(key K, value V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Get returns the value for key and promotes it to most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToBack(elem)
	return elem.Value.(*entry[K, V]).value, true
}

// Set inserts or updates key. Inserting into a full cache evicts the least
// recently used entry first.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry[K, V]).value = value
		c.order.MoveToBack(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	elem := c.order.PushBack(&entry[K, V]{key: key, value: value})
	c.items[key] = elem
}

// Remove deletes key from the cache. Returns true if the key was present.
// The eviction callback fires for explicit removals too.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// Len returns the current number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns the cached keys from least to most recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry[K, V]).key)
	}
	return keys
}

// Purge removes all entries, invoking the eviction callback for each.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.order.Len() > 0 {
		c.evictOldest()
	}
}

// evictOldest removes the front (least recently used) element.
// Caller must hold the lock.
func (c *Cache[K, V]) evictOldest() {
	elem := c.order.Front()
	if elem == nil {
		return
	}
	c.removeElement(elem)
}

// removeElement unlinks the element and fires the eviction callback.
// Caller must hold the lock.
func (c *Cache[K, V]) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry[K, V])
	c.order.Remove(elem)
	delete(c.items, ent.key)
	if c.onEvict != nil {
		c.onEvict(ent.key, ent.value)
	}
}
