package idempotency

import (
	"context"
	"sync"

	"dartachalani/pkg/platform/sentinel"
)

// Store is the durable idempotency index. Implementations must make Insert
// first-writer-wins; case stores call it inside their mutation transaction.
type Store interface {
	Get(ctx context.Context, digest string) (Record, error)
	Insert(ctx context.Context, rec Record) error
}

// InMemory is a mutex-guarded index for tests and dev mode.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]Record)}
}

func (s *InMemory) Get(_ context.Context, digest string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[digest]
	if !ok {
		return Record{}, sentinel.ErrNotFound
	}
	return rec, nil
}

func (s *InMemory) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Digest]; ok {
		return sentinel.ErrAlreadyUsed
	}
	s.records[rec.Digest] = rec
	return nil
}
