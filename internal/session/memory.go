package session

import (
	"context"
	"sync"
	"time"
)

// slot guards a single key. A slot removed from the map is marked dead so a
// caller that resolved it before eviction retries against the fresh slot.
type slot struct {
	mu     sync.Mutex
	entry  Entry
	exists bool
	dead   bool
}

// MemoryStore is an in-process Store with one lock per key.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]*slot)}
}

func (m *MemoryStore) lookup(key string, create bool) *slot {
	m.mu.RLock()
	s, ok := m.slots[key]
	m.mu.RUnlock()
	if ok || !create {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.slots[key]; ok {
		return s
	}
	s = &slot{}
	m.slots[key] = s
	return s
}

// Get returns a snapshot of the entry for key.
func (m *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s := m.lookup(key, false)
	if s == nil {
		return Entry{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || !s.exists {
		return Entry{}, false, nil
	}
	return s.entry.clone(), true, nil
}

// Touch applies fn under the key's lock.
func (m *MemoryStore) Touch(ctx context.Context, key string, fn MutateFunc) (Entry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
		s := m.lookup(key, true)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}

		working := s.entry.clone()
		if err := fn(&working, s.exists); err != nil {
			if !s.exists {
				m.drop(key, s)
			}
			s.mu.Unlock()
			return Entry{}, err
		}
		s.entry = working
		s.exists = true
		out := working.clone()
		s.mu.Unlock()
		return out, nil
	}
}

// Evict removes the entry for key.
func (m *MemoryStore) Evict(_ context.Context, key string) error {
	m.mu.Lock()
	s, ok := m.slots[key]
	if ok {
		delete(m.slots, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
	return nil
}

// EvictExpired removes every key whose window elapsed before now. Each key is
// re-checked under its own lock so a concurrent Touch is never lost.
func (m *MemoryStore) EvictExpired(_ context.Context, now time.Time, window time.Duration) (int, error) {
	m.mu.RLock()
	candidates := make([]string, 0, len(m.slots))
	for k := range m.slots {
		candidates = append(candidates, k)
	}
	m.mu.RUnlock()

	evicted := 0
	for _, key := range candidates {
		if m.evictIf(key, func(e Entry) bool { return e.Window.Elapsed(now, window) }) {
			evicted++
		}
	}
	return evicted, nil
}

func (m *MemoryStore) evictIf(key string, pred func(Entry) bool) bool {
	s := m.lookup(key, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || (s.exists && !pred(s.entry)) {
		return false
	}
	m.drop(key, s)
	return true
}

// Len returns the number of tracked keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slots)
}

// drop marks s dead and unlinks it from the map. The caller holds s.mu.
func (m *MemoryStore) drop(key string, s *slot) {
	s.dead = true
	m.mu.Lock()
	if m.slots[key] == s {
		delete(m.slots, key)
	}
	m.mu.Unlock()
}
