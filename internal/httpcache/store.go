package httpcache

import (
	"sync"
	"time"
)

// Entry is one cached upstream payload.
type Entry struct {
	Payload    []byte
	InsertedAt time.Time
}

// Store holds cached payloads. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(key string) (Entry, bool)
	Set(key string, e Entry)
	Delete(key string)
	Len() int
}

// MemoryStore is an in-memory Store. Entries are never evicted on expiry
// because expired entries are the stale fallback.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Get(key string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	// Copy so callers cannot mutate the cached payload.
	e.Payload = append([]byte(nil), e.Payload...)
	return e, true
}

func (m *MemoryStore) Set(key string, e Entry) {
	e.Payload = append([]byte(nil), e.Payload...)
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
}

func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
