package risk

import (
	"context"
	"sync"
)

// DefaultHistory is how many assessments MemoryStore keeps per key.
const DefaultHistory = 96

// MemoryStore is an in-memory Store. It keeps a bounded history per key.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*RiskAssessment // key → assessments, oldest first
	history     int
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*RiskAssessment),
		history:     DefaultHistory,
	}
}

// WithHistory overrides how many assessments are kept per key.
func (s *MemoryStore) WithHistory(n int) *MemoryStore {
	if n > 0 {
		s.history = n
	}
	return s
}

func (s *MemoryStore) Record(ctx context.Context, assessment *RiskAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := append(s.assessments[assessment.Key], assessment.Clone())
	if len(all) > s.history {
		all = all[len(all)-s.history:]
	}
	s.assessments[assessment.Key] = all
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, key string) (*RiskAssessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[key]
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return all[len(all)-1].Clone(), nil
}

func (s *MemoryStore) ListByKey(ctx context.Context, key string, limit int) ([]*RiskAssessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[key]
	if len(all) == 0 {
		return nil, nil
	}

	// Return most recent first, up to limit
	start := len(all) - limit
	if start < 0 || limit <= 0 {
		start = 0
	}

	result := make([]*RiskAssessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, all[i].Clone())
	}
	return result, nil
}
