package circuitbreaker

import (
	"context"
	"sync"
)

// UpdateFunc computes a new record from the current one. exists is false
// when no record is stored. It returns the new record and whether to store
// it. Stores may call it more than once, so it must be free of side effects.
type UpdateFunc func(current Record, exists bool) (next Record, persist bool)

// Store holds circuit records with atomic read-modify-write.
type Store interface {
	// Update applies fn atomically and returns the records before and after.
	Update(ctx context.Context, id string, fn UpdateFunc) (prev, next Record, err error)
	Get(ctx context.Context, id string) (Record, bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) (map[string]Record, error)
}

// MemoryStore is a per-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (prev, next Record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.records[id]
	next, persist := fn(prev, exists)
	if persist {
		s.records[id] = next
	}
	return prev, next, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	return rec, ok, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out, nil
}
