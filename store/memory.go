package store

import (
	"context"
	"sync"
)

const DefaultMemoryLimit = 1000

// MemoryRepository holds the most recent records, dropping the oldest
// once limit is reached.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
	limit   int
}

func NewMemoryRepository(limit int) *MemoryRepository {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryRepository{
		records: make(map[string]Record),
		limit:   limit,
	}
}

func (r *MemoryRepository) Save(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.ID]; exists {
		return ErrDuplicate
	}
	r.order = append(r.order, rec.ID)
	r.records[rec.ID] = rec
	for len(r.order) > r.limit {
		delete(r.records, r.order[0])
		r.order = r.order[1:]
	}
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

var _ Repository = (*MemoryRepository)(nil)
