package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"dartachalani/internal/audit"
	"dartachalani/internal/chalani/models"
	"dartachalani/internal/chalani/store"
	"dartachalani/internal/idempotency"
	"dartachalani/internal/lifecycle"
	numberservice "dartachalani/internal/numbering/service"
	numberstore "dartachalani/internal/numbering/store"
	"dartachalani/pkg/domain"
	dErrors "dartachalani/pkg/domain-errors"
	"dartachalani/pkg/platform/sentinel"
	"dartachalani/pkg/requestcontext"
)

// contendedStore injects write contention between the orchestrator's load and
// its commit, the window the optimistic version check protects.
type contendedStore struct {
	*store.InMemory

	// conflicts is how many ApplyTransition calls fail with ErrConflict
	// before writes go through again. Negative means fail forever.
	conflicts int

	// rival, when set, runs once before the next ApplyTransition so it can
	// commit a competing write through the underlying store.
	rival func(ctx context.Context)
}

func (s *contendedStore) ApplyTransition(ctx context.Context, rec *models.Chalani, entry audit.Entry, idem *idempotency.Record) error {
	if s.rival != nil {
		rival := s.rival
		s.rival = nil
		rival(ctx)
	}
	if s.conflicts != 0 {
		if s.conflicts > 0 {
			s.conflicts--
		}
		return sentinel.ErrConflict
	}
	return s.InMemory.ApplyTransition(ctx, rec, entry, idem)
}

// ConflictSuite pins down the optimistic-concurrency contract: transient
// contention is retried, a rival that commits first wins, and contention
// that never clears surfaces Conflict.
type ConflictSuite struct {
	suite.Suite
	svc      *Service
	store    *contendedStore
	auditLog audit.Store
	ctx      context.Context
}

func TestConflictSuite(t *testing.T) {
	suite.Run(t, new(ConflictSuite))
}

func (s *ConflictSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditStore := audit.NewInMemory()
	idemStore := idempotency.NewInMemory()
	s.store = &contendedStore{InMemory: store.NewInMemory(auditStore, idemStore)}

	allocator, err := numberservice.New(numberstore.NewInMemory(), numberservice.WithLogger(logger))
	s.Require().NoError(err)

	svc, err := New(s.store, allocator, idemStore, auditStore,
		WithLogger(logger),
		WithFiscalYear("2081-82"),
	)
	s.Require().NoError(err)
	s.svc = svc
	s.auditLog = auditStore
	s.ctx = requestcontext.WithActor(context.Background(), requestcontext.ActorInfo{ID: "clerk-1"})
}

func (s *ConflictSuite) create(key string) *models.Chalani {
	rec, err := s.svc.Create(s.ctx, CreateChalaniInput{
		Scope:          models.ScopeMunicipality,
		Subject:        "Road maintenance approval",
		Recipient:      models.Recipient{FullName: "Ram Bahadur"},
		IdempotencyKey: key,
	})
	s.Require().NoError(err)
	return rec
}

func (s *ConflictSuite) TestRetriesTransientWriteConflict() {
	rec := s.create("conflict-create-1")
	s.store.conflicts = 2

	rec, err := s.svc.Submit(s.ctx, SubmitChalaniInput{ChalaniID: rec.ID, IdempotencyKey: "conflict-submit-1"})
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniPendingReview, rec.Status)

	trail, err := s.auditLog.ListByEntity(s.ctx, rec.ID.String())
	s.Require().NoError(err)
	s.Len(trail, 2, "retries must not duplicate the transition")
}

func (s *ConflictSuite) TestSurfacesConflictWhenContentionPersists() {
	rec := s.create("conflict-create-2")
	s.store.conflicts = -1

	_, err := s.svc.Submit(s.ctx, SubmitChalaniInput{ChalaniID: rec.ID, IdempotencyKey: "conflict-submit-2"})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *ConflictSuite) TestRivalTransitionWinsVersionRace() {
	rec := s.create("conflict-create-3")

	// A rival clerk commits the same submit between our load and our write.
	// The stale write loses the version check, and the retry sees the
	// transition already made.
	s.store.rival = func(ctx context.Context) {
		rival, err := s.store.InMemory.Get(ctx, rec.ID)
		s.Require().NoError(err)
		from := rival.Status
		rival.Status = lifecycle.ChalaniPendingReview
		rival.UpdatedAt = time.Now()
		entry := audit.Entry{
			ID:         domain.NewEntryID(),
			EntityKind: lifecycle.KindChalani,
			EntityID:   rival.ID.String(),
			Action:     audit.ActionSubmitted,
			FromStatus: &from,
			ToStatus:   rival.Status,
			Actor:      "clerk-2",
			Timestamp:  time.Now(),
		}
		s.Require().NoError(s.store.InMemory.ApplyTransition(ctx, rival, entry, nil))
	}

	_, err := s.svc.Submit(s.ctx, SubmitChalaniInput{ChalaniID: rec.ID, IdempotencyKey: "conflict-submit-3"})
	s.True(dErrors.HasCode(err, dErrors.CodeBadTransition), "retry reloads the rival's state and refuses to double-apply")

	got, err := s.svc.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniPendingReview, got.Status)
	s.Equal(int64(2), got.Version, "exactly one submit committed")

	trail, err := s.auditLog.ListByEntity(s.ctx, rec.ID.String())
	s.Require().NoError(err)
	s.Len(trail, 2, "create plus the rival's submit only")
}
