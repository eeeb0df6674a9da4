package segment

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process [Store]. Records are copied on the way in and out.
type Memory struct {
	mu      sync.RWMutex
	records map[uuid.UUID]Record
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{records: make(map[uuid.UUID]Record)}
}

func clone(r Record) Record {
	r.Audio = slices.Clone(r.Audio)
	return r
}

// Put implements [Store].
func (m *Memory) Put(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("segment: put: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = clone(r)
	return nil
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, id uuid.UUID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("segment: get %s: %w", id, ErrNotFound)
	}
	return clone(r), nil
}

// List implements [Store].
func (m *Memory) List(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if q.Match(r) {
			out = append(out, clone(r))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		if c := a.DetectedAt.Compare(b.DetectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Delete implements [Store].
func (m *Memory) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("segment: delete %s: %w", id, ErrNotFound)
	}
	delete(m.records, id)
	return nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
