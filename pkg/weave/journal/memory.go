package journal

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and ephemeral workspaces.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	closed  bool
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Save implements Store.
func (s *MemoryStore) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.records[rec.Target] = rec
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(target string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, ErrStoreClosed
	}
	rec, ok := s.records[target]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List implements Store.
func (s *MemoryStore) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	targets := make([]string, 0, len(s.records))
	for t := range s.records {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	records := make([]Record, 0, len(targets))
	for _, t := range targets {
		records = append(records, s.records[t])
	}
	return records, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.records, target)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
