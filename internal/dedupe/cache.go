// ABOUTME: Thread-safe, size-bounded TTL cache for suppressing repeated events
// ABOUTME: The alert ledger uses it so a retried motion post does not re-notify

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/stillsafe-gateway/internal/clock"
)

// DefaultWindow is how long a seen key suppresses repeats.
const DefaultWindow = time.Minute

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers keys for a fixed window. When full, the oldest key is
// evicted first; the linked list keeps that O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

// New creates a cache. A nil clock uses the wall clock.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
	}
}

// CheckAndMark returns true if key is a repeat. Otherwise it marks key and
// returns false. Check and mark happen under one lock.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.pruneLocked(now)

	if entry, ok := c.seen[key]; ok && now.Sub(entry.seenAt) < c.ttl {
		return true
	}

	if entry, ok := c.seen[key]; ok {
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return false
	}
	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[key] = &cacheEntry{seenAt: now, element: c.order.PushBack(key)}
	return false
}

// Forget drops key so the next CheckAndMark treats it as new.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired ones included until the
// next prune.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// pruneLocked drops expired entries from the front. Entries are ordered by
// last mark time, so it stops at the first live one.
func (c *Cache) pruneLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if now.Sub(c.seen[key].seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
