// Package store persists darta case records. Both implementations commit the
// record write, its audit entry, and the idempotency claim as one atomic
// unit, and reject stale writers through a version compare-and-set.
package store

import (
	"context"
	"sort"
	"sync"

	"dartachalani/internal/audit"
	"dartachalani/internal/darta/models"
	"dartachalani/internal/idempotency"
	"dartachalani/internal/lifecycle"
	"dartachalani/pkg/domain"
	"dartachalani/pkg/platform/sentinel"
)

// InMemory is a mutex-guarded store for tests and dev mode.
type InMemory struct {
	mu       sync.RWMutex
	records  map[domain.DartaID]*models.Darta
	byNumber map[string]domain.DartaID

	audit audit.Store
	idem  idempotency.Store
}

func NewInMemory(auditStore audit.Store, idemStore idempotency.Store) *InMemory {
	return &InMemory{
		records:  make(map[domain.DartaID]*models.Darta),
		byNumber: make(map[string]domain.DartaID),
		audit:    auditStore,
		idem:     idemStore,
	}
}

func cloneRecord(rec *models.Darta) *models.Darta {
	cp := *rec
	cp.AnnexIDs = append([]string(nil), rec.AnnexIDs...)
	if rec.Number != nil {
		n := *rec.Number
		cp.Number = &n
	}
	if rec.Routing.SLADeadline != nil {
		t := *rec.Routing.SLADeadline
		cp.Routing.SLADeadline = &t
	}
	if rec.Metadata != nil {
		cp.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			cp.Metadata[k] = v
		}
	}
	if rec.SupersedesID != nil {
		id := *rec.SupersedesID
		cp.SupersedesID = &id
	}
	if rec.SupersededByID != nil {
		id := *rec.SupersededByID
		cp.SupersededByID = &id
	}
	cp.AuditTrail = nil
	return &cp
}

func (s *InMemory) Create(ctx context.Context, rec *models.Darta, entry audit.Entry, idem *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idem != nil {
		if err := s.idem.Insert(ctx, *idem); err != nil {
			return err
		}
	}
	if _, ok := s.records[rec.ID]; ok {
		return sentinel.ErrConflict
	}
	rec.Version = 1
	s.records[rec.ID] = cloneRecord(rec)
	return s.audit.Append(ctx, entry)
}

func (s *InMemory) Get(_ context.Context, id domain.DartaID) (*models.Darta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *InMemory) GetByNumber(_ context.Context, formattedNumber string) (*models.Darta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNumber[formattedNumber]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneRecord(s.records[id]), nil
}

// ApplyTransition persists rec if the stored version still matches
// rec.Version, then bumps the version and appends the audit entry.
func (s *InMemory) ApplyTransition(ctx context.Context, rec *models.Darta, entry audit.Entry, idem *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != rec.Version {
		return sentinel.ErrConflict
	}
	if idem != nil {
		if err := s.idem.Insert(ctx, *idem); err != nil {
			return err
		}
	}
	rec.Version++
	s.records[rec.ID] = cloneRecord(rec)
	if rec.FormattedNumber != "" {
		s.byNumber[rec.FormattedNumber] = rec.ID
	}
	return s.audit.Append(ctx, entry)
}

// Supersede commits the target's terminal transition and the successor's
// creation together.
func (s *InMemory) Supersede(ctx context.Context, target *models.Darta, targetEntry audit.Entry, successor *models.Darta, successorEntry audit.Entry, idem *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[target.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != target.Version {
		return sentinel.ErrConflict
	}
	if _, ok := s.records[successor.ID]; ok {
		return sentinel.ErrConflict
	}
	if idem != nil {
		if err := s.idem.Insert(ctx, *idem); err != nil {
			return err
		}
	}

	target.Version++
	successor.Version = 1
	s.records[target.ID] = cloneRecord(target)
	s.records[successor.ID] = cloneRecord(successor)
	if err := s.audit.Append(ctx, targetEntry); err != nil {
		return err
	}
	return s.audit.Append(ctx, successorEntry)
}

func (s *InMemory) List(_ context.Context, filter models.ListFilter) ([]*models.Darta, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Darta
	for _, rec := range s.records {
		if matches(rec, filter) {
			matched = append(matched, cloneRecord(rec))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *InMemory) Stats(_ context.Context, filter models.ListFilter) (models.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.Stats{ByStatus: make(map[lifecycle.Status]int)}
	for _, rec := range s.records {
		if !matches(rec, filter) {
			continue
		}
		stats.Total++
		stats.ByStatus[rec.Status]++
	}
	return stats, nil
}

func matches(rec *models.Darta, filter models.ListFilter) bool {
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if filter.Scope != "" && rec.Scope != filter.Scope {
		return false
	}
	if filter.WardID != "" && rec.WardID != filter.WardID {
		return false
	}
	if filter.FiscalYear != "" && rec.FiscalYear != filter.FiscalYear {
		return false
	}
	if filter.OrganizationalUnitID != "" && rec.Routing.OrganizationalUnitID != filter.OrganizationalUnitID {
		return false
	}
	if filter.AssigneeID != "" && rec.Routing.AssigneeID != filter.AssigneeID {
		return false
	}
	if filter.Priority != "" && rec.Priority != filter.Priority {
		return false
	}
	return true
}
