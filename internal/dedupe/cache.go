// ABOUTME: Bounded TTL set of recently seen keys, generic over the key type.
// ABOUTME: The correlation table uses it to tell late duplicate responses from unknown ones.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable] struct {
	key  K
	seen time.Time
}

// Cache is a thread-safe, size-limited set whose members expire after ttl.
// Members are kept in a list ordered by last mark so eviction and expiry
// both work from the front.
type Cache[K comparable] struct {
	mu      sync.Mutex
	index   map[K]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache holding at most maxSize keys for ttl each.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[K]{
		index:   make(map[K]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key was marked within the last ttl.
func (c *Cache[K]) Seen(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()

	_, ok := c.index[key]
	return ok
}

// Mark records key, refreshing it if already present.
func (c *Cache[K]) Mark(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// CheckAndMark marks key and reports whether it was already present.
func (c *Cache[K]) CheckAndMark(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()

	_, dup := c.index[key]
	c.markLocked(key)
	return dup
}

// Len returns the number of live keys.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	return len(c.index)
}

func (c *Cache[K]) markLocked(key K) {
	now := c.now()
	if elem, ok := c.index[key]; ok {
		elem.Value.(*entry[K]).seen = now
		c.order.MoveToBack(elem)
		return
	}

	c.expireLocked()
	for len(c.index) >= c.maxSize {
		c.removeFront()
	}
	c.index[key] = c.order.PushBack(&entry[K]{key: key, seen: now})
}

// expireLocked drops expired keys from the front. Must be called with mu held.
func (c *Cache[K]) expireLocked() {
	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry[K]).seen) < c.ttl {
			return
		}
		c.removeFront()
	}
}

func (c *Cache[K]) removeFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry[K]).key)
}
