// ABOUTME: TTL cache that remembers recently seen inbound message ids
// ABOUTME: Drops provider redeliveries before they reach the conversation engine

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/clinic-gateway/internal/clock"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a size-bounded TTL set of message keys. Oldest entries are
// evicted first when full. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock

	ticker *clock.Ticker
	done   chan struct{}
	once   sync.Once
}

// New creates a cache keeping keys for ttl, at most maxSize of them, and
// starts a background pruner. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	return NewWithClock(ttl, maxSize, clock.Real())
}

// NewWithClock is New with an explicit clock.
func NewWithClock(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		done:    make(chan struct{}),
	}
	interval := ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	c.ticker = clk.NewTicker(interval)
	go c.pruneLoop()
	return c
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[key]
	return ok && c.fresh(e)
}

// CheckAndMark reports whether key is a duplicate, marking it when it is not.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && c.fresh(e) {
		return true
	}
	c.mark(key)
	return false
}

// Forget removes key so a later redelivery is processed again. Used when
// handling a marked message failed.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Len returns the number of keys held, including expired ones not yet pruned.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) fresh(e *entry) bool {
	return c.clock.Now().Sub(e.seenAt) < c.ttl
}

// mark must be called with mu held.
func (c *Cache) mark(key string) {
	now := c.clock.Now()
	if e, ok := c.seen[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}
	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}
	c.seen[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
}

func (c *Cache) pruneLoop() {
	for {
		select {
		case <-c.ticker.C:
			c.prune()
		case <-c.done:
			return
		}
	}
}

// prune drops expired keys. Keys are in mark order, so it stops at the
// first fresh one.
func (c *Cache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key := front.Value.(string)
		if c.fresh(c.seen[key]) {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// Close stops the pruner. Safe to call more than once.
func (c *Cache) Close() {
	c.once.Do(func() {
		c.ticker.Stop()
		close(c.done)
	})
}
