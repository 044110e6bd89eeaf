package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key      K
	value    V
	storedAt time.Time
}

// LRUCache is a thread-safe LRU cache with optional entry expiry.
// When the cache reaches its capacity, the least recently used item is evicted.
// Expired entries are removed lazily, on the read that observes them.
type LRUCache[K comparable, V any] struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[K]*list.Element
	eviction *list.List
	mu       sync.Mutex
	onEvict  func(key K, value V)
}

// Option configures an LRUCache.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL makes entries expire ttl after they were stored.
// Zero or negative values disable expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// NewLRUCache creates a new LRU cache with the specified capacity.
// The capacity must be positive, otherwise it panics.
func NewLRUCache[K comparable, V any](capacity int, opts ...Option) *LRUCache[K, V] {
	if capacity <= 0 {
		panic("LRU cache capacity must be positive")
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &LRUCache[K, V]{
		capacity: capacity,
		ttl:      o.ttl,
		now:      o.now,
		items:    make(map[K]*list.Element),
		eviction: list.New(),
	}
}

// SetEvictCallback sets a callback that is called when items are evicted,
// removed, expired or cleared.
func (c *LRUCache[K, V]) SetEvictCallback(fn func(key K, value V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Get retrieves a value and marks it as recently used.
// Expired entries are dropped and reported as missing.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	v, _, ok := c.GetWithTime(key)
	return v, ok
}

// GetWithTime is Get that also returns when the value was stored.
func (c *LRUCache[K, V]) GetWithTime(key K) (V, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		return zero, time.Time{}, false
	}

	e := elem.Value.(*entry[K, V])
	if c.expired(e) {
		c.removeElement(elem)
		return zero, time.Time{}, false
	}

	c.eviction.MoveToFront(elem)
	return e.value, e.storedAt, true
}

// Put adds or replaces a value, stamping it with the current time.
// Returns the previous value if one existed and had not expired.
func (c *LRUCache[K, V]) Put(key K, value V) (V, bool) {
	return c.PutAt(key, value, c.now())
}

// PutAt stores a value with an explicit write time. Entries promoted from
// another tier keep their original timestamp so they do not outlive it.
func (c *LRUCache[K, V]) PutAt(key K, value V, storedAt time.Time) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if elem, ok := c.items[key]; ok {
		c.eviction.MoveToFront(elem)
		e := elem.Value.(*entry[K, V])
		old, wasLive := e.value, !c.expired(e)
		e.value = value
		e.storedAt = storedAt
		if !wasLive {
			return zero, false
		}
		return old, true
	}

	elem := c.eviction.PushFront(&entry[K, V]{key: key, value: value, storedAt: storedAt})
	c.items[key] = elem

	if c.eviction.Len() > c.capacity {
		if oldest := c.eviction.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}

	return zero, false
}

// Remove removes an item from the cache.
func (c *LRUCache[K, V]) Remove(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
		return elem.Value.(*entry[K, V]).value, true
	}

	var zero V
	return zero, false
}

// Len reports the number of stored entries, expired ones included.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}

// Clear removes all items from the cache.
func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvict != nil {
		for _, elem := range c.items {
			e := elem.Value.(*entry[K, V])
			c.onEvict(e.key, e.value)
		}
	}

	c.items = make(map[K]*list.Element)
	c.eviction.Init()
}

// Must be called with lock held.
func (c *LRUCache[K, V]) expired(e *entry[K, V]) bool {
	return c.ttl > 0 && c.now().Sub(e.storedAt) >= c.ttl
}

// Must be called with lock held.
func (c *LRUCache[K, V]) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	e := elem.Value.(*entry[K, V])
	delete(c.items, e.key)

	if c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
}
