// ABOUTME: Thread-safe TTL cache remembering which chat sends were already accepted.
// ABOUTME: Maps an idempotency key to the run it started so retries return the same run.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an accepted send is remembered.
	DefaultTTL = 10 * time.Minute

	// DefaultMaxSize bounds the number of remembered sends.
	DefaultMaxSize = 10000
)

type entry struct {
	runID     string
	timestamp time.Time
	element   *list.Element
}

// Cache tracks idempotency keys of accepted sends. A key is first reserved,
// then either completed with the run it started or released when the send
// failed, so a retry of a failed send is not treated as a duplicate.
// Insertion order is kept in a list for O(1) eviction of the oldest key.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache. Non-positive arguments fall back to DefaultTTL and
// DefaultMaxSize. A background goroutine drops expired keys until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key scopes an idempotency key to a user and session.
func Key(userID, sessionKey, idempotencyKey string) string {
	return userID + "\x00" + sessionKey + "\x00" + idempotencyKey
}

// Reserve claims key for a new send. It returns ok=false and the run id
// recorded for the key (empty while that send is still in flight) when the
// key was already claimed and has not expired.
func (c *Cache) Reserve(key string) (runID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.seen[key]; exists && c.now().Sub(e.timestamp) < c.ttl {
		return e.runID, false
	}
	c.storeLocked(key, "")
	return "", true
}

// Complete records the run started for a reserved key.
func (c *Cache) Complete(key, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, runID)
}

// Release forgets key so the send may be retried.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Lookup returns the run recorded for key, if the key is live.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	if !ok || c.now().Sub(e.timestamp) >= c.ttl {
		return "", false
	}
	return e.runID, true
}

// Len returns the number of keys held, expired ones included until the
// next cleanup.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// storeLocked must be called with mu held.
func (c *Cache) storeLocked(key, runID string) {
	now := c.now()

	if e, exists := c.seen[key]; exists {
		e.timestamp = now
		e.runID = runID
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &entry{runID: runID, timestamp: now, element: elem}
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.seen {
		if now.Sub(e.timestamp) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
