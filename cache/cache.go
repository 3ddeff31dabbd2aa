/*
Package cache holds read-through caches for list responses.

PURPOSE:
  The api caches GET list responses under a key derived from the route
  and its filters. Any successful write drops every cached entry, so a
  reader never sees a list older than the last committed write made
  through a process sharing the cache.

GENERATIONS:
  Invalidate also advances a generation counter. A reader takes the
  generation before loading and passes it to Set, which stores nothing
  once the generation has moved on. A list loaded before a write commits
  therefore never lands in the cache after that write's Invalidate.

IMPLEMENTATIONS:
  Nop     no caching (REDIS_URL empty)
  Memory  in-process map with TTL, used by tests
  Redis   go-redis client; keys are tracked in a set so Invalidate can
          drop them without SCAN

  Cache failures never fail a request. The api logs them and falls back
  to the engine.
*/
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Cache stores JSON-encoded values by key.
type Cache interface {
	// Get decodes the value at key into dest. ok is false on a miss.
	Get(ctx context.Context, key string, dest any) (ok bool, err error)
	// Generation returns the current invalidation generation.
	Generation(ctx context.Context) (uint64, error)
	// Set stores value only while the generation still equals gen.
	// stored is false when an Invalidate came in between.
	Set(ctx context.Context, key string, value any, gen uint64) (stored bool, err error)
	// Invalidate drops every entry and advances the generation.
	Invalidate(ctx context.Context) error
}

// =============================================================================
// NOP
// =============================================================================

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string, any) (bool, error)         { return false, nil }
func (Nop) Generation(context.Context) (uint64, error)             { return 0, nil }
func (Nop) Set(context.Context, string, any, uint64) (bool, error) { return false, nil }
func (Nop) Invalidate(context.Context) error                       { return nil }

// =============================================================================
// MEMORY
// =============================================================================

type entry struct {
	data    []byte
	expires time.Time
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	gen     uint64
	entries map[string]entry
	now     func() time.Time
}

// NewMemory returns a Memory cache whose entries live for ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, entries: make(map[string]entry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && !m.now().Before(e.expires) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) Generation(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen, nil
}

func (m *Memory) Set(_ context.Context, key string, value any, gen uint64) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false, nil
	}
	m.entries[key] = entry{data: data, expires: m.now().Add(m.ttl)}
	return true, nil
}

func (m *Memory) Invalidate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	clear(m.entries)
	return nil
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
