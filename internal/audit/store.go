package audit

import (
	"context"
	"sort"
	"sync"
)

// Store persists audit entries. Append must be called inside the same atomic
// unit as the status change it records; the Postgres implementation joins the
// transaction carried in context.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ListByEntity(ctx context.Context, entityID string) ([]Entry, error)
}

// InMemory keeps entries per entity in insertion order.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string][]Entry)}
}

func (s *InMemory) Append(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.EntityID] = append(s.entries[entry.EntityID], entry)
	return nil
}

func (s *InMemory) ListByEntity(_ context.Context, entityID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := append([]Entry{}, s.entries[entityID]...)
	// Insertion order already equals occurrence order; the sort is a
	// stable no-op unless timestamps were injected out of band by tests.
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
	return list, nil
}
