// ABOUTME: Concurrent presence registry tracking which identities have live sessions
// ABOUTME: Reference-counted per identity and sharded to keep lock contention low

package presence

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// shardCount must be a power of two.
const shardCount = 16

type entry struct {
	name     string // casing of the most recent MarkOnline
	sessions int
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry // keyed by lowercased identity
}

// Registry is the set of identities with at least one connected session.
// Identities compare case-insensitively. Safe for concurrent use.
type Registry struct {
	shards [shardCount]*shard
	logger *slog.Logger
}

// New creates an empty registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "presence")}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return r
}

func normalize(identity string) string {
	return strings.ToLower(identity)
}

func (r *Registry) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return r.shards[h.Sum32()&(shardCount-1)]
}

// MarkOnline records one more live session for identity.
// Blank identities are ignored.
func (r *Registry) MarkOnline(identity string) {
	if identity == "" {
		return
	}
	key := normalize(identity)
	s := r.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.name = identity
	e.sessions++
	count := e.sessions
	s.mu.Unlock()

	r.logger.Debug("identity online", "user", identity, "sessions", count)
}

// MarkOffline releases one live session for identity and forgets it when the
// last session goes. Unknown identities are a no-op.
func (r *Registry) MarkOffline(identity string) {
	if identity == "" {
		return
	}
	key := normalize(identity)
	s := r.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.sessions--
	count := e.sessions
	if count <= 0 {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	r.logger.Debug("identity session released", "user", identity, "sessions", max(count, 0))
}

// IsOnline reports whether identity has at least one live session.
func (r *Registry) IsOnline(identity string) bool {
	if identity == "" {
		return false
	}
	key := normalize(identity)
	s := r.shardFor(key)

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Sessions returns the number of live sessions for identity.
func (r *Registry) Sessions(identity string) int {
	key := normalize(identity)
	s := r.shardFor(key)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[key]; ok {
		return e.sessions
	}
	return 0
}

// Online returns a sorted snapshot of all online identities.
func (r *Registry) Online() []string {
	var names []string
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			names = append(names, e.name)
		}
		s.mu.RUnlock()
	}
	sort.Strings(names)
	return names
}
