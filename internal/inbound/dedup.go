package inbound

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultDedupTTL     = 5 * time.Minute
	DefaultDedupMaxSize = 10000
)

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a TTL and size bounded set of message IDs. Entries are kept in
// insertion order so both expiry and overflow evict from the front.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewCache creates a cache; non-positive arguments take the defaults.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultDedupMaxSize
	}
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndMark reports whether id was already seen within the TTL and marks
// it if not. The check and the mark are atomic.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	if _, ok := c.seen[id]; ok {
		return true
	}
	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[id] = &cacheEntry{seenAt: now, element: c.order.PushBack(id)}
	return false
}

// Forget removes id so a redelivery is processed again.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[id]; ok {
		c.order.Remove(e.element)
		delete(c.seen, id)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) expireLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id := front.Value.(string)
		if now.Sub(c.seen[id].seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, id)
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.seen, front.Value.(string))
}
