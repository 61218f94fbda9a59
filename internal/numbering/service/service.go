// Package service implements the number allocator: provisional issuance from
// durable counters, commit/void/expiry of allocations, fiscal-year rollover,
// and administrative counter locks. Every number this package hands out is a
// legally meaningful register entry, so issuance is idempotent and counters
// never move backwards.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"dartachalani/internal/idempotency"
	"dartachalani/internal/lifecycle"
	"dartachalani/internal/numbering/models"
	"dartachalani/internal/platform/metrics"
	"dartachalani/pkg/domain"
	dErrors "dartachalani/pkg/domain-errors"
	"dartachalani/pkg/platform/sentinel"
	"dartachalani/pkg/requestcontext"
)

// opAllocate scopes allocator idempotency digests apart from case mutations.
const opAllocate = "numbering.allocate"

// defaultTTL bounds how long a provisional allocation may sit unbound before
// the sweep reclaims it.
const defaultTTL = 15 * time.Minute

// Store is the persistence contract the allocator runs on. AllocateNext must
// make the idempotency lookup and counter increment a single atomic unit.
type Store interface {
	AllocateNext(ctx context.Context, key models.CounterKey, digest string, build func(number int64) models.Allocation) (models.Allocation, bool, error)
	GetAllocation(ctx context.Context, id domain.AllocationID) (models.Allocation, error)
	UpdateAllocation(ctx context.Context, alloc models.Allocation, expect models.AllocationStatus) error
	GetCounter(ctx context.Context, key models.CounterKey) (models.Counter, error)
	EnsureCounter(ctx context.Context, key models.CounterKey) (bool, error)
	SetCounterLock(ctx context.Context, key models.CounterKey, locked bool) error
	ExpireBefore(ctx context.Context, now time.Time) (int, error)
}

type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	ttl     time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("numbering store is required")
	}
	svc := &Service{
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer("dartachalani/numbering"),
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// AllocateInput carries everything needed to issue one number.
type AllocateInput struct {
	Scope          models.Scope
	DocumentType   models.DocumentType
	FiscalYear     string
	WardID         string
	IdempotencyKey string
	TTL            time.Duration
}

// Allocate issues the next number for the derived counter key, or replays the
// stored allocation when the idempotency key was seen before. Replays never
// mutate the counter.
func (s *Service) Allocate(ctx context.Context, in AllocateInput) (models.Allocation, error) {
	ctx, span := s.tracer.Start(ctx, "numbering.Allocate")
	defer span.End()

	key := models.CounterKey{
		Scope:        in.Scope,
		DocumentType: in.DocumentType,
		FiscalYear:   in.FiscalYear,
		WardID:       in.WardID,
	}
	if err := key.Validate(); err != nil {
		return models.Allocation{}, dErrors.Wrap(err, dErrors.CodeValidation, "invalid counter key")
	}
	if in.IdempotencyKey == "" {
		return models.Allocation{}, dErrors.New(dErrors.CodeValidation, "idempotency key is required")
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}

	digest := idempotency.Digest(opAllocate, in.IdempotencyKey)
	now := requestcontext.Now(ctx)

	alloc, replayed, err := s.store.AllocateNext(ctx, key, digest, func(number int64) models.Allocation {
		expires := now.Add(ttl)
		return models.Allocation{
			ID:                domain.NewAllocationID(),
			Key:               key,
			Number:            number,
			FormattedNumber:   models.FormatNumber(key, number),
			Status:            models.AllocationProvisional,
			IdempotencyDigest: digest,
			ExpiresAt:         &expires,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrLocked) {
			return models.Allocation{}, dErrors.Newf(dErrors.CodeCounterLocked,
				"counter %s is under administrative hold", key)
		}
		return models.Allocation{}, dErrors.Wrap(err, dErrors.CodeInternal, "allocate number")
	}

	if replayed {
		if s.metrics != nil {
			s.metrics.AllocationReplays.Inc()
		}
		return alloc, nil
	}
	if s.metrics != nil {
		s.metrics.NumbersAllocated.WithLabelValues(string(key.DocumentType), string(key.Scope)).Inc()
	}
	s.logger.InfoContext(ctx, "number allocated",
		"allocation_id", alloc.ID.String(),
		"counter", key.String(),
		"number", alloc.Number,
		"formatted", alloc.FormattedNumber,
	)
	return alloc, nil
}

// Commit binds a provisional allocation to the case record that now owns its
// number. Committed allocations are immutable afterwards.
func (s *Service) Commit(ctx context.Context, id domain.AllocationID, entityID string, entityKind lifecycle.EntityKind) (models.Allocation, error) {
	ctx, span := s.tracer.Start(ctx, "numbering.Commit")
	defer span.End()

	alloc, err := s.loadLive(ctx, id)
	if err != nil {
		return models.Allocation{}, err
	}
	if alloc.Status != models.AllocationProvisional {
		return models.Allocation{}, dErrors.Newf(dErrors.CodeInvalidState,
			"allocation %s is %s, expected PROVISIONAL", id, alloc.Status)
	}

	now := requestcontext.Now(ctx)
	alloc.Status = models.AllocationCommitted
	alloc.ExpiresAt = nil
	alloc.CommittedEntityID = entityID
	alloc.CommittedEntityType = string(entityKind)
	alloc.UpdatedAt = now

	if err := s.store.UpdateAllocation(ctx, alloc, models.AllocationProvisional); err != nil {
		return models.Allocation{}, s.translateUpdateErr(err, id)
	}
	s.logger.InfoContext(ctx, "allocation committed",
		"allocation_id", id.String(), "entity_id", entityID, "entity_kind", string(entityKind))
	return alloc, nil
}

// Void burns a provisional allocation. The number is never reissued; the
// counter does not move back.
func (s *Service) Void(ctx context.Context, id domain.AllocationID, reason string) (models.Allocation, error) {
	ctx, span := s.tracer.Start(ctx, "numbering.Void")
	defer span.End()

	if reason == "" {
		return models.Allocation{}, dErrors.New(dErrors.CodeValidation, "void reason is required")
	}
	alloc, err := s.loadLive(ctx, id)
	if err != nil {
		return models.Allocation{}, err
	}
	if alloc.Status != models.AllocationProvisional {
		return models.Allocation{}, dErrors.Newf(dErrors.CodeInvalidState,
			"allocation %s is %s, expected PROVISIONAL", id, alloc.Status)
	}

	alloc.Status = models.AllocationVoided
	alloc.ExpiresAt = nil
	alloc.VoidReason = reason
	alloc.UpdatedAt = requestcontext.Now(ctx)

	if err := s.store.UpdateAllocation(ctx, alloc, models.AllocationProvisional); err != nil {
		return models.Allocation{}, s.translateUpdateErr(err, id)
	}
	s.logger.InfoContext(ctx, "allocation voided", "allocation_id", id.String(), "reason", reason)
	return alloc, nil
}

// Get returns an allocation, lazily expiring it first when its TTL elapsed.
func (s *Service) Get(ctx context.Context, id domain.AllocationID) (models.Allocation, error) {
	return s.loadLive(ctx, id)
}

// loadLive fetches an allocation and applies lazy TTL expiry.
func (s *Service) loadLive(ctx context.Context, id domain.AllocationID) (models.Allocation, error) {
	alloc, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.Allocation{}, dErrors.Newf(dErrors.CodeNotFound, "allocation %s not found", id)
		}
		return models.Allocation{}, dErrors.Wrap(err, dErrors.CodeInternal, "get allocation")
	}
	now := requestcontext.Now(ctx)
	if alloc.Status == models.AllocationProvisional && alloc.ExpiresAt != nil && alloc.ExpiresAt.Before(now) {
		alloc.Status = models.AllocationExpired
		alloc.ExpiresAt = nil
		alloc.UpdatedAt = now
		if err := s.store.UpdateAllocation(ctx, alloc, models.AllocationProvisional); err != nil {
			// A concurrent commit or sweep won; reread for the truth.
			if errors.Is(err, sentinel.ErrInvalidState) {
				return s.store.GetAllocation(ctx, id)
			}
			return models.Allocation{}, dErrors.Wrap(err, dErrors.CodeInternal, "expire allocation")
		}
		if s.metrics != nil {
			s.metrics.AllocationsExpired.Inc()
		}
	}
	return alloc, nil
}

// ExpireSweep ages out overdue provisional allocations in bulk.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	n, err := s.store.ExpireBefore(ctx, requestcontext.Now(ctx))
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "expire sweep")
	}
	if n > 0 {
		if s.metrics != nil {
			s.metrics.AllocationsExpired.Add(float64(n))
		}
		s.logger.InfoContext(ctx, "expired provisional allocations", "count", n)
	}
	return n, nil
}

// RolloverFiscalYear opens zeroed counters for the new fiscal year. Counters
// of prior years are left untouched as immutable closing records.
func (s *Service) RolloverFiscalYear(ctx context.Context, scope models.Scope, wardID, newFiscalYear string) error {
	ctx, span := s.tracer.Start(ctx, "numbering.RolloverFiscalYear")
	defer span.End()

	for _, docType := range []models.DocumentType{models.DocumentTypeDarta, models.DocumentTypeChalani} {
		key := models.CounterKey{
			Scope:        scope,
			DocumentType: docType,
			FiscalYear:   newFiscalYear,
			WardID:       wardID,
		}
		if err := key.Validate(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeValidation, "invalid rollover key")
		}
		created, err := s.store.EnsureCounter(ctx, key)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "rollover fiscal year")
		}
		if created {
			s.logger.InfoContext(ctx, "fiscal year counter opened", "counter", key.String())
		}
	}
	return nil
}

// LockCounter places an administrative hold blocking issuance.
func (s *Service) LockCounter(ctx context.Context, key models.CounterKey) error {
	return s.setLock(ctx, key, true)
}

// UnlockCounter releases an administrative hold.
func (s *Service) UnlockCounter(ctx context.Context, key models.CounterKey) error {
	return s.setLock(ctx, key, false)
}

func (s *Service) setLock(ctx context.Context, key models.CounterKey, locked bool) error {
	if err := key.Validate(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid counter key")
	}
	if err := s.store.SetCounterLock(ctx, key, locked); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "set counter lock")
	}
	s.logger.InfoContext(ctx, "counter lock changed", "counter", key.String(), "locked", locked)
	return nil
}

// Counter returns the current counter state for a key.
func (s *Service) Counter(ctx context.Context, key models.CounterKey) (models.Counter, error) {
	counter, err := s.store.GetCounter(ctx, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.Counter{}, dErrors.Newf(dErrors.CodeNotFound, "counter %s not found", key)
		}
		return models.Counter{}, dErrors.Wrap(err, dErrors.CodeInternal, "get counter")
	}
	return counter, nil
}

func (s *Service) translateUpdateErr(err error, id domain.AllocationID) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Newf(dErrors.CodeNotFound, "allocation %s not found", id)
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Newf(dErrors.CodeInvalidState, "allocation %s changed state concurrently", id)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "update allocation")
	}
}
