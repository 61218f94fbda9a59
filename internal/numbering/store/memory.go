// Package store provides the counter and allocation persistence behind the
// number allocator. Both implementations make the idempotency check and the
// counter increment one atomic unit; a race there is the most damaging defect
// this service can have.
package store

import (
	"context"
	"sync"
	"time"

	"dartachalani/internal/numbering/models"
	"dartachalani/pkg/domain"
	"dartachalani/pkg/platform/sentinel"
)

// InMemory is a mutex-guarded store for tests and dev mode. The single lock
// makes every allocator operation trivially serializable.
type InMemory struct {
	mu          sync.Mutex
	counters    map[string]*models.Counter
	allocations map[domain.AllocationID]*models.Allocation
	byDigest    map[string]domain.AllocationID
}

func NewInMemory() *InMemory {
	return &InMemory{
		counters:    make(map[string]*models.Counter),
		allocations: make(map[domain.AllocationID]*models.Allocation),
		byDigest:    make(map[string]domain.AllocationID),
	}
}

// AllocateNext returns the stored allocation unchanged when digest was seen
// before (replayed=true, no counter mutation). Otherwise it increments the
// counter and persists the allocation built from the issued number.
func (s *InMemory) AllocateNext(_ context.Context, key models.CounterKey, digest string, build func(number int64) models.Allocation) (models.Allocation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byDigest[digest]; ok {
		return *s.allocations[id], true, nil
	}

	counter, ok := s.counters[key.String()]
	if !ok {
		now := time.Now()
		counter = &models.Counter{Key: key, CreatedAt: now, UpdatedAt: now}
		s.counters[key.String()] = counter
	}
	if counter.Locked {
		return models.Allocation{}, false, sentinel.ErrLocked
	}

	counter.CurrentValue++
	counter.UpdatedAt = time.Now()

	alloc := build(counter.CurrentValue)
	s.allocations[alloc.ID] = &alloc
	s.byDigest[digest] = alloc.ID
	stored := alloc
	return stored, false, nil
}

func (s *InMemory) GetAllocation(_ context.Context, id domain.AllocationID) (models.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alloc, ok := s.allocations[id]
	if !ok {
		return models.Allocation{}, sentinel.ErrNotFound
	}
	return *alloc, nil
}

// UpdateAllocation replaces the stored allocation if its current status still
// matches expect. The compare-and-set keeps one-way status transitions safe
// under concurrent commit/void/expire attempts.
func (s *InMemory) UpdateAllocation(_ context.Context, alloc models.Allocation, expect models.AllocationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.allocations[alloc.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Status != expect {
		return sentinel.ErrInvalidState
	}
	stored := alloc
	s.allocations[alloc.ID] = &stored
	return nil
}

func (s *InMemory) GetCounter(_ context.Context, key models.CounterKey) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[key.String()]
	if !ok {
		return models.Counter{}, sentinel.ErrNotFound
	}
	return *counter, nil
}

// EnsureCounter creates the counter at zero if absent. Existing counters are
// left untouched, which is what makes fiscal-year rollover safe to retry.
func (s *InMemory) EnsureCounter(_ context.Context, key models.CounterKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[key.String()]; ok {
		return false, nil
	}
	now := time.Now()
	s.counters[key.String()] = &models.Counter{Key: key, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

// SetCounterLock toggles the administrative hold, creating the counter when
// it does not exist yet so a lock can precede first issuance.
func (s *InMemory) SetCounterLock(_ context.Context, key models.CounterKey, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[key.String()]
	if !ok {
		now := time.Now()
		counter = &models.Counter{Key: key, CreatedAt: now, UpdatedAt: now}
		s.counters[key.String()] = counter
	}
	counter.Locked = locked
	counter.UpdatedAt = time.Now()
	return nil
}

// ExpireBefore marks provisional allocations whose TTL elapsed before now.
func (s *InMemory) ExpireBefore(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for _, alloc := range s.allocations {
		if alloc.Status == models.AllocationProvisional && alloc.ExpiresAt != nil && alloc.ExpiresAt.Before(now) {
			alloc.Status = models.AllocationExpired
			alloc.ExpiresAt = nil
			alloc.UpdatedAt = now
			expired++
		}
	}
	return expired, nil
}
