package storage

import (
	"context"
	"errors"
	"sync"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	order       []string
	rows        map[string][]Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.order = nil
	s.rows = make(map[string][]Row)
	return nil
}

func (s *MemoryStore) SaveRow(_ context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	rows, ok := s.rows[row.RunID]
	if !ok {
		s.order = append(s.order, row.RunID)
	}
	for i := range rows {
		if rows[i].Key() == row.Key() {
			rows[i] = row
			return nil
		}
	}
	s.rows[row.RunID] = append(rows, row)
	return nil
}

func (s *MemoryStore) Rows(_ context.Context, runID string) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errors.New("store is not initialized")
	}
	return append([]Row(nil), s.rows[runID]...), nil
}

func (s *MemoryStore) Runs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errors.New("store is not initialized")
	}
	return append([]string(nil), s.order...), nil
}
