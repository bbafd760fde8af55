// ABOUTME: Thread-safe TTL cache of recently retired keys.
// ABOUTME: The agent layer records finished sequences here to tell late answers from unknown ones.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry[K comparable] struct {
	timestamp time.Time
	element   *list.Element
	key       K
}

// Cache remembers keys for a TTL, bounded by maxSize. When full the oldest key is evicted.
type Cache[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]*cacheEntry[K]
	order   *list.List // *cacheEntry in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine removes expired keys until Close is called.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[K]{
		seen:    make(map[K]*cacheEntry[K]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup(cleanupInterval(ttl))
	return c
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > time.Minute {
		return time.Minute
	}
	return ttl
}

// Contains reports whether key was marked within the TTL.
func (c *Cache[K]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && c.now().Sub(entry.timestamp) < c.ttl
}

// CheckAndMark reports whether key was already present and marks it if not.
func (c *Cache[K]) CheckAndMark(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && c.now().Sub(entry.timestamp) < c.ttl {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key, refreshing its timestamp if already present.
func (c *Cache[K]) Mark(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key.
func (c *Cache[K]) Forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of keys held, including expired ones not yet swept.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache[K]) markLocked(key K) {
	now := c.now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry[K]{timestamp: now, key: key}
	entry.element = c.order.PushBack(entry)
	c.seen[key] = entry
}

func (c *Cache[K]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry, _ := front.Value.(*cacheEntry[K])
	c.order.Remove(front)
	delete(c.seen, entry.key)
}

func (c *Cache[K]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Refreshed keys are moved to the back, so the list stays ordered by timestamp.
func (c *Cache[K]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		entry, _ := e.Value.(*cacheEntry[K])
		if now.Sub(entry.timestamp) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, entry.key)
		e = next
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[K]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
