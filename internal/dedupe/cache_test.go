// ABOUTME: Tests for the SEND frame dedupe cache
// ABOUTME: Validates per-identity keys, TTL expiry, capacity eviction and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, size int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.mu.Lock()
	c.now = clock.Now
	c.mu.Unlock()
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_FirstSendIsNotDuplicate(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute, 100)

	assert.False(t, c.Seen("alice", "m-1"))
	assert.True(t, c.Seen("alice", "m-1"))
	assert.True(t, c.Seen("ALICE", "m-1"), "identities compare case-insensitively")
}

func TestCache_KeyedPerIdentity(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute, 100)

	assert.False(t, c.Seen("alice", "m-1"))
	assert.False(t, c.Seen("bob", "m-1"), "same message id from another user is distinct")
}

func TestCache_EmptyMessageIDNeverDeduped(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute, 100)

	assert.False(t, c.Seen("alice", ""))
	assert.False(t, c.Seen("alice", ""))
	assert.Equal(t, 0, c.Len())
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, 5*time.Minute, 100)

	assert.False(t, c.Seen("alice", "m-1"))
	clock.Advance(4 * time.Minute)
	assert.True(t, c.Seen("alice", "m-1"))

	// A duplicate refreshes the window
	clock.Advance(4 * time.Minute)
	assert.True(t, c.Seen("alice", "m-1"))

	clock.Advance(5 * time.Minute)
	assert.False(t, c.Seen("alice", "m-1"), "expired entries are forgotten")
}

func TestCache_ExpirySweepsOldEntries(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)

	for i := range 5 {
		c.Seen("alice", fmt.Sprintf("m-%d", i))
	}
	assert.Equal(t, 5, c.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, c.Len())
}

func TestCache_EvictsLeastRecentlySeen(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, 3)

	c.Seen("alice", "a")
	clock.Advance(time.Second)
	c.Seen("alice", "b")
	clock.Advance(time.Second)
	c.Seen("alice", "c")
	clock.Advance(time.Second)

	// Touch "a" so "b" becomes the oldest
	assert.True(t, c.Seen("alice", "a"))
	assert.False(t, c.Seen("alice", "d"))

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("alice", "b"), "b was evicted")
}

func TestCache_ForgetAllowsRetry(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute, 100)

	assert.False(t, c.Seen("alice", "m-1"))
	c.Forget("Alice", "m-1")
	assert.Zero(t, c.Len())
	assert.False(t, c.Seen("alice", "m-1"), "forgotten message is fresh again")
	assert.True(t, c.Seen("alice", "m-1"))

	// unknown and empty IDs are no-ops
	c.Forget("alice", "never-seen")
	c.Forget("alice", "")
	assert.Equal(t, 1, c.Len())
}

func TestCache_ConcurrentSameKeyExactlyOneWinner(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("alice", "retry") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
}

func TestCache_Close(t *testing.T) {
	c := New(time.Minute, 0)
	c.Close()
	c.Close()
	assert.False(t, c.Seen("alice", "after-close"), "cache still answers after Close")
}
