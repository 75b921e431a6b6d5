package receipts

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory receipt store for tests and ephemeral runs.
type MemoryStore struct {
	receipts map[string]*Receipt
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]*Receipt),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.ID]; ok {
		return ErrReceiptExists
	}
	cp := *r
	m.receipts[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Receipt, error) {
	return m.filter(func(*Receipt) bool { return true }, limit), nil
}

func (m *MemoryStore) ListByKey(_ context.Context, key string, limit int) ([]*Receipt, error) {
	return m.filter(func(r *Receipt) bool { return r.Key == key }, limit), nil
}

func (m *MemoryStore) filter(keep func(*Receipt) bool, limit int) []*Receipt {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Receipt
	for _, r := range m.receipts {
		if keep(r) {
			cp := *r
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func sortNewestFirst(rs []*Receipt) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].TS != rs[j].TS {
			return rs[i].TS > rs[j].TS
		}
		return rs[i].ID > rs[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
