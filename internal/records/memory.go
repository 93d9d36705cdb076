package records

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository keeps records in process. The record service falls back to
// it when no DATABASE_URL is configured.
type MemoryRepository struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{recs: make(map[string]Record)}
}

func (m *MemoryRepository) Create(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *MemoryRepository) List(context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryRepository) Update(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.ID]; !ok {
		return ErrNotFound
	}
	m.recs[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return ErrNotFound
	}
	delete(m.recs, id)
	return nil
}

func cloneRecord(rec Record) Record {
	rec.Addresses = append([]Address(nil), rec.Addresses...)
	if rec.UpdatedAt != nil {
		t := *rec.UpdatedAt
		rec.UpdatedAt = &t
	}
	return rec
}
