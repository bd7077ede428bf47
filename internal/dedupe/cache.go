// ABOUTME: Thread-safe TTL cache for suppressing re-sent SEND frames
// ABOUTME: Keys are (identity, client message-id) pairs; oldest entries are evicted first

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// DefaultMaxSize bounds memory when the gateway sees many distinct message IDs.
const DefaultMaxSize = 10000

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers which client message IDs each identity has already sent.
// Entries live for the configured TTL. The list is kept in last-seen order, so
// expiry and capacity eviction both pop from the front.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *entry, least recently seen at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and capacity. A background goroutine
// sweeps expired entries until Close is called.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Key builds the cache key for a message sent by identity. Identities compare
// case-insensitively; message IDs are opaque.
func Key(identity, messageID string) string {
	return strings.ToLower(identity) + "\x00" + messageID
}

// Seen reports whether identity already sent messageID within the TTL and, if
// not, records it. The check and the mark happen atomically. An empty
// messageID is never considered a duplicate and is not recorded.
func (c *Cache) Seen(identity, messageID string) bool {
	if messageID == "" {
		return false
	}
	key := Key(identity, messageID)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	if elem, ok := c.index[key]; ok {
		e := elem.Value.(*entry)
		e.seen = now
		c.order.MoveToBack(elem)
		return true
	}

	if len(c.index) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Forget removes identity's record of messageID so a retry is dispatched again.
func (c *Cache) Forget(identity, messageID string) {
	if messageID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(c.index[Key(identity, messageID)])
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.now())
	return len(c.index)
}

// expireLocked drops entries older than the TTL. Must be called with mu held.
func (c *Cache) expireLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry).seen) < c.ttl {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e := c.order.Remove(elem).(*entry)
	delete(c.index, e.key)
}

func (c *Cache) sweepLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.expireLocked(c.now())
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
