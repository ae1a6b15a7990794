// ABOUTME: Thread-safe TTL cache of recently ingested message keys
// ABOUTME: Used by the message source to drop redelivered messages before persistence

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used by the message source.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 100_000
)

// Key builds the cache key for a message in a conversation.
func Key(conversationID, messageID string) string {
	return conversationID + "\x00" + messageID
}

type entry struct {
	claimedAt time.Time
	element   *list.Element
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithCleanupInterval sets how often expired entries are swept.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.cleanupInterval = d
		}
	}
}

// Cache is a TTL and size bounded set of claimed keys. The oldest claim is
// evicted first when the cache is full.
type Cache struct {
	mu              sync.Mutex
	entries         map[string]*entry
	order           *list.List // keys, oldest claim at front
	ttl             time.Duration
	maxSize         int
	cleanupInterval time.Duration
	now             func() time.Time
	done            chan struct{}
	closed          bool
}

// New creates a cache and starts its background sweeper.
// Non-positive ttl or maxSize select the defaults.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		entries:         make(map[string]*entry),
		order:           list.New(),
		ttl:             ttl,
		maxSize:         maxSize,
		cleanupInterval: time.Minute,
		now:             time.Now,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether key holds an unexpired claim.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// Claim marks key as seen. It returns false if the key already holds an
// unexpired claim, in which case nothing changes.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return false
	}
	if e, ok := c.entries[key]; ok {
		// Expired claim: drop it so the new one goes to the back.
		c.removeLocked(key, e)
	}
	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.removeLocked(oldest, c.entries[oldest])
		}
	}
	c.entries[key] = &entry{
		claimedAt: c.now(),
		element:   c.order.PushBack(key),
	}
	return true
}

// Release forgets a claim.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) liveLocked(key string) bool {
	e, ok := c.entries[key]
	return ok && c.now().Sub(e.claimedAt) < c.ttl
}

func (c *Cache) removeLocked(key string, e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, key)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
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

// sweep removes expired claims. Claims are ordered by time, so it stops at
// the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		e := c.entries[key]
		if now.Sub(e.claimedAt) < c.ttl {
			return
		}
		c.removeLocked(key, e)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
