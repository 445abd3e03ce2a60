// Package cache provides a small in-process LRU with TTL, used for
// per-apartment balance snapshots that are invalidated on every ledger
// write.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRUCache is an LRU cache with TTL and size-based eviction, keyed by
// any comparable type.
type LRUCache[K comparable, T any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[K]*list.Element
	lru     *list.List
}

type cacheItem[K comparable, T any] struct {
	key       K
	data      T
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with TTL.
func NewLRUCache[K comparable, T any](maxSize int, ttl time.Duration) *LRUCache[K, T] {
	return &LRUCache[K, T]{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[K]*list.Element),
		lru:     list.New(),
	}
}

// Get retrieves a value from the cache.
func (c *LRUCache[K, T]) Get(key K) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	elem, exists := c.items[key]
	if !exists {
		return zero, false
	}

	item := elem.Value.(*cacheItem[K, T])

	if time.Now().After(item.expiresAt) {
		c.removeElement(elem)
		return zero, false
	}

	c.lru.MoveToFront(elem)
	return item.data, true
}

// Set stores a value in the cache.
func (c *LRUCache[K, T]) Set(key K, data T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := &cacheItem[K, T]{
		key:       key,
		data:      data,
		expiresAt: time.Now().Add(c.ttl),
	}

	if elem, exists := c.items[key]; exists {
		elem.Value = item
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(item)
	c.items[key] = elem

	if c.lru.Len() > c.maxSize {
		if oldest := c.lru.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

// Delete removes a key from the cache. Used as write invalidation: any
// ledger mutation deletes the affected apartment's snapshot.
func (c *LRUCache[K, T]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.removeElement(elem)
	}
}

func (c *LRUCache[K, T]) removeElement(elem *list.Element) {
	item := elem.Value.(*cacheItem[K, T])
	delete(c.items, item.key)
	c.lru.Remove(elem)
}

// CleanExpired removes all expired entries and returns the count of
// removed items.
func (c *LRUCache[K, T]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var toRemove []*list.Element

	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		item := elem.Value.(*cacheItem[K, T])
		if now.After(item.expiresAt) {
			toRemove = append(toRemove, elem)
		}
	}

	for _, elem := range toRemove {
		c.removeElement(elem)
	}

	return len(toRemove)
}

// Size returns the current number of items in the cache.
func (c *LRUCache[K, T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
