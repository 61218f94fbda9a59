package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"

	"dartachalani/internal/audit"
	"dartachalani/internal/chalani/models"
	"dartachalani/internal/chalani/store"
	"dartachalani/internal/idempotency"
	"dartachalani/internal/lifecycle"
	numbermodels "dartachalani/internal/numbering/models"
	numberservice "dartachalani/internal/numbering/service"
	numberstore "dartachalani/internal/numbering/store"
	"dartachalani/pkg/domain"
	dErrors "dartachalani/pkg/domain-errors"
	"dartachalani/pkg/requestcontext"
)

type ChalaniServiceSuite struct {
	suite.Suite
	svc       *Service
	allocator *numberservice.Service
	auditLog  audit.Store
	ctx       context.Context
	keyN      int
}

func TestChalaniServiceSuite(t *testing.T) {
	suite.Run(t, new(ChalaniServiceSuite))
}

func (s *ChalaniServiceSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditStore := audit.NewInMemory()
	idemStore := idempotency.NewInMemory()

	allocator, err := numberservice.New(numberstore.NewInMemory(), numberservice.WithLogger(logger))
	s.Require().NoError(err)
	s.allocator = allocator

	svc, err := New(store.NewInMemory(auditStore, idemStore), allocator, idemStore, auditStore,
		WithLogger(logger),
		WithFiscalYear("2081-82"),
	)
	s.Require().NoError(err)
	s.svc = svc
	s.auditLog = auditStore
	s.ctx = requestcontext.WithActor(context.Background(), requestcontext.ActorInfo{ID: "clerk-1"})
	s.keyN = 0
}

func (s *ChalaniServiceSuite) key() string {
	s.keyN++
	return fmt.Sprintf("test-key-%d", s.keyN)
}

func (s *ChalaniServiceSuite) createInput() CreateChalaniInput {
	return CreateChalaniInput{
		Scope:   models.ScopeMunicipality,
		Subject: "Road maintenance approval",
		Body:    "Approval letter for ward 4 road maintenance.",
		Recipient: models.Recipient{
			FullName:     "Ram Bahadur",
			Organization: "District Office",
			Address:      "Kathmandu",
		},
		RequiredSignatoryIDs: []string{"cao-1"},
		IdempotencyKey:       s.key(),
	}
}

func (s *ChalaniServiceSuite) create() *models.Chalani {
	rec, err := s.svc.Create(s.ctx, s.createInput())
	s.Require().NoError(err)
	return rec
}

// advance drives a fresh record to APPROVED, ready for numbering.
func (s *ChalaniServiceSuite) approved() *models.Chalani {
	rec := s.create()
	var err error
	rec, err = s.svc.Submit(s.ctx, SubmitChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.Review(s.ctx, ReviewChalaniInput{ChalaniID: rec.ID, Decision: ReviewApprove, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.Approve(s.ctx, ApproveChalaniInput{ChalaniID: rec.ID, Decision: ApprovalApprove, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Require().Equal(lifecycle.ChalaniApproved, rec.Status)
	return rec
}

func (s *ChalaniServiceSuite) TestCreate() {
	rec := s.create()
	s.Equal(lifecycle.ChalaniDraft, rec.Status)
	s.Equal("2081-82", rec.FiscalYear)
	s.Equal("clerk-1", rec.CreatedBy)
	s.Equal(int64(1), rec.Version)
	s.Nil(rec.Number, "draft carries no number")

	trail, err := s.auditLog.ListByEntity(s.ctx, rec.ID.String())
	s.Require().NoError(err)
	s.Require().Len(trail, 1)
	s.Equal(audit.ActionCreated, trail[0].Action)
	s.Nil(trail[0].FromStatus)
}

func (s *ChalaniServiceSuite) TestCreateDedupesIDLists() {
	in := s.createInput()
	in.RequiredSignatoryIDs = []string{" cao-1 ", "cao-1", "mayor-1", ""}
	in.AttachmentIDs = []string{"att-1", "att-1 "}

	rec, err := s.svc.Create(s.ctx, in)
	s.Require().NoError(err)
	s.Equal([]string{"cao-1", "mayor-1"}, rec.RequiredSignatoryIDs)
	s.Equal([]string{"att-1"}, rec.AttachmentIDs)
}

func (s *ChalaniServiceSuite) TestCreateValidation() {
	cases := []struct {
		name   string
		mutate func(*CreateChalaniInput)
	}{
		{"unknown scope", func(in *CreateChalaniInput) { in.Scope = "DISTRICT" }},
		{"ward scope without ward", func(in *CreateChalaniInput) { in.Scope = models.ScopeWard }},
		{"municipality scope with ward", func(in *CreateChalaniInput) { in.WardID = "4" }},
		{"missing subject", func(in *CreateChalaniInput) { in.Subject = "" }},
		{"anonymous recipient", func(in *CreateChalaniInput) {
			in.Recipient = models.Recipient{Address: "Kathmandu"}
		}},
		{"missing idempotency key", func(in *CreateChalaniInput) { in.IdempotencyKey = "" }},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			in := s.createInput()
			tc.mutate(&in)
			_, err := s.svc.Create(s.ctx, in)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), "expected validation error, got %v", err)
		})
	}
}

func (s *ChalaniServiceSuite) TestCreateReplay() {
	in := s.createInput()
	first, err := s.svc.Create(s.ctx, in)
	s.Require().NoError(err)

	replay, err := s.svc.Create(s.ctx, in)
	s.Require().NoError(err)
	s.Equal(first.ID, replay.ID, "same key must return the original record")

	_, total, err := s.svc.List(s.ctx, models.ListFilter{})
	s.Require().NoError(err)
	s.Equal(1, total)
}

func (s *ChalaniServiceSuite) TestFullDispatchLifecycle() {
	rec := s.approved()

	rec, err := s.svc.ReserveNumber(s.ctx, ReserveChalaniNumberInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniNumberReserved, rec.Status)
	s.Require().NotNil(rec.Number)
	s.Equal(int64(1), *rec.Number)
	s.Equal("CHALANI-MUN/2081-82/1", rec.FormattedNumber)

	rec, err = s.svc.FinalizeRegistration(s.ctx, FinalizeChalaniRegistrationInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniRegistered, rec.Status)

	alloc, err := s.allocator.Get(s.ctx, rec.AllocationID)
	s.Require().NoError(err)
	s.Equal(numbermodels.AllocationCommitted, alloc.Status)
	s.Equal(rec.ID.String(), alloc.CommittedEntityID)

	rec, err = s.svc.Sign(s.ctx, SignChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.Seal(s.ctx, SealChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)

	rec, err = s.svc.Dispatch(s.ctx, DispatchChalaniInput{
		ChalaniID:       rec.ID,
		DispatchChannel: models.ChannelPostal,
		TrackingID:      "REG-123",
		IdempotencyKey:  s.key(),
	})
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniDispatched, rec.Status)
	s.NotNil(rec.Dispatch.DispatchedAt)

	rec, err = s.svc.MarkInTransit(s.ctx, MarkInTransitInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.Acknowledge(s.ctx, AcknowledgeChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.MarkDelivered(s.ctx, MarkDeliveredInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.NotNil(rec.Dispatch.DeliveredAt)

	rec, err = s.svc.Close(s.ctx, CloseChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniClosed, rec.Status)

	// The trail mirrors every hop, and its tail equals the record's status.
	got, err := s.svc.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().NotEmpty(got.AuditTrail)
	s.Equal(got.Status, got.AuditTrail[len(got.AuditTrail)-1].ToStatus)
	s.Len(got.AuditTrail, 13)
}

func (s *ChalaniServiceSuite) TestReviewEditRequired() {
	rec := s.create()
	rec, err := s.svc.Submit(s.ctx, SubmitChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)

	rec, err = s.svc.Review(s.ctx, ReviewChalaniInput{
		ChalaniID:      rec.ID,
		Decision:       ReviewEditRequired,
		Notes:          "fix the subject line",
		IdempotencyKey: s.key(),
	})
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniDraft, rec.Status)
}

func (s *ChalaniServiceSuite) TestRejectRequiresReason() {
	rec := s.create()
	rec, err := s.svc.Submit(s.ctx, SubmitChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.Review(s.ctx, ReviewChalaniInput{ChalaniID: rec.ID, Decision: ReviewApprove, IdempotencyKey: s.key()})
	s.Require().NoError(err)

	_, err = s.svc.Approve(s.ctx, ApproveChalaniInput{ChalaniID: rec.ID, Decision: ApprovalReject, IdempotencyKey: s.key()})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	rec, err = s.svc.Approve(s.ctx, ApproveChalaniInput{
		ChalaniID:      rec.ID,
		Decision:       ApprovalReject,
		Reason:         "wrong recipient",
		IdempotencyKey: s.key(),
	})
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniDraft, rec.Status)

	trail, err := s.auditLog.ListByEntity(s.ctx, rec.ID.String())
	s.Require().NoError(err)
	s.Equal(audit.ActionRejected, trail[len(trail)-1].Action)
	s.Equal("wrong recipient", trail[len(trail)-1].Reason)
}

func (s *ChalaniServiceSuite) TestDirectRegister() {
	rec := s.approved()
	rec, err := s.svc.DirectRegister(s.ctx, DirectRegisterChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniRegistered, rec.Status)
	s.Require().NotNil(rec.Number)

	alloc, err := s.allocator.Get(s.ctx, rec.AllocationID)
	s.Require().NoError(err)
	s.Equal(numbermodels.AllocationCommitted, alloc.Status)
}

func (s *ChalaniServiceSuite) TestRepeatedReserveReturnsExistingAllocation() {
	rec := s.approved()
	first, err := s.svc.ReserveNumber(s.ctx, ReserveChalaniNumberInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Require().NotNil(first.Number)
	s.Equal(int64(1), *first.Number)

	// A second reserve with a fresh key hands back the live reservation
	// instead of minting a new number.
	again, err := s.svc.ReserveNumber(s.ctx, ReserveChalaniNumberInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(first.AllocationID, again.AllocationID)
	s.Require().NotNil(again.Number)
	s.Equal(*first.Number, *again.Number)
	s.Equal(first.Version, again.Version)

	other := s.approved()
	other, err = s.svc.ReserveNumber(s.ctx, ReserveChalaniNumberInput{ChalaniID: other.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Require().NotNil(other.Number)
	s.Equal(int64(2), *other.Number, "repeated reserve must not advance the counter")
}

func (s *ChalaniServiceSuite) TestRejectedReserveDoesNotBurnNumber() {
	draft := s.create()
	_, err := s.svc.ReserveNumber(s.ctx, ReserveChalaniNumberInput{ChalaniID: draft.ID, IdempotencyKey: s.key()})
	s.True(dErrors.HasCode(err, dErrors.CodeBadTransition))

	rec := s.approved()
	rec, err = s.svc.ReserveNumber(s.ctx, ReserveChalaniNumberInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Require().NotNil(rec.Number)
	s.Equal(int64(1), *rec.Number, "the failed reserve must not have consumed a number")
}

func (s *ChalaniServiceSuite) TestDirectRegisterConsumesReservedAllocation() {
	rec := s.approved()
	rec, err := s.svc.ReserveNumber(s.ctx, ReserveChalaniNumberInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	reserved := rec.AllocationID

	rec, err = s.svc.DirectRegister(s.ctx, DirectRegisterChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniRegistered, rec.Status)
	s.Equal(reserved, rec.AllocationID, "registration must bind the reserved allocation, not a new one")

	alloc, err := s.allocator.Get(s.ctx, reserved)
	s.Require().NoError(err)
	s.Equal(numbermodels.AllocationCommitted, alloc.Status)
}

func (s *ChalaniServiceSuite) TestDispatchRejectsUnknownChannel() {
	rec := s.approved()
	rec, err := s.svc.DirectRegister(s.ctx, DirectRegisterChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)

	_, err = s.svc.Dispatch(s.ctx, DispatchChalaniInput{
		ChalaniID:       rec.ID,
		DispatchChannel: "PIGEON",
		IdempotencyKey:  s.key(),
	})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ChalaniServiceSuite) TestReturnedThenResent() {
	rec := s.approved()
	var err error
	rec, err = s.svc.DirectRegister(s.ctx, DirectRegisterChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.Dispatch(s.ctx, DispatchChalaniInput{
		ChalaniID:       rec.ID,
		DispatchChannel: models.ChannelCourier,
		CourierName:     "Everest Express",
		IdempotencyKey:  s.key(),
	})
	s.Require().NoError(err)

	_, err = s.svc.MarkReturnedUndelivered(s.ctx, MarkReturnedUndeliveredInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation), "return needs a reason")

	rec, err = s.svc.MarkReturnedUndelivered(s.ctx, MarkReturnedUndeliveredInput{
		ChalaniID:      rec.ID,
		Reason:         "address unknown",
		IdempotencyKey: s.key(),
	})
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniReturnedUndelivered, rec.Status)

	rec, err = s.svc.Resend(s.ctx, ResendChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniDispatched, rec.Status)
	s.Nil(rec.Dispatch.DeliveredAt)
}

func (s *ChalaniServiceSuite) TestBadTransition() {
	rec := s.create()
	_, err := s.svc.Dispatch(s.ctx, DispatchChalaniInput{
		ChalaniID:       rec.ID,
		DispatchChannel: models.ChannelEmail,
		IdempotencyKey:  s.key(),
	})
	s.True(dErrors.HasCode(err, dErrors.CodeBadTransition))
}

func (s *ChalaniServiceSuite) TestTransitionReplay() {
	rec := s.create()
	key := s.key()

	first, err := s.svc.Submit(s.ctx, SubmitChalaniInput{ChalaniID: rec.ID, IdempotencyKey: key})
	s.Require().NoError(err)
	replay, err := s.svc.Submit(s.ctx, SubmitChalaniInput{ChalaniID: rec.ID, IdempotencyKey: key})
	s.Require().NoError(err)

	s.Equal(first.Version, replay.Version, "replay must not apply a second transition")
	s.Equal(lifecycle.ChalaniPendingReview, replay.Status)

	trail, err := s.auditLog.ListByEntity(s.ctx, rec.ID.String())
	s.Require().NoError(err)
	s.Len(trail, 2, "create + one submit only")
}

func (s *ChalaniServiceSuite) TestVoid() {
	rec := s.approved()
	var err error
	rec, err = s.svc.ReserveNumber(s.ctx, ReserveChalaniNumberInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)

	_, err = s.svc.Void(s.ctx, VoidChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation), "void needs a reason")

	rec, err = s.svc.Void(s.ctx, VoidChalaniInput{
		ChalaniID:      rec.ID,
		Reason:         "issued in error",
		IdempotencyKey: s.key(),
	})
	s.Require().NoError(err)
	s.Equal(lifecycle.ChalaniVoided, rec.Status)

	// The reserved number is burned alongside.
	alloc, err := s.allocator.Get(s.ctx, rec.AllocationID)
	s.Require().NoError(err)
	s.Equal(numbermodels.AllocationVoided, alloc.Status)

	// Terminal means terminal.
	_, err = s.svc.Submit(s.ctx, SubmitChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.True(dErrors.HasCode(err, dErrors.CodeBadTransition))
}

func (s *ChalaniServiceSuite) TestSupersede() {
	rec := s.approved()
	var err error
	rec, err = s.svc.DirectRegister(s.ctx, DirectRegisterChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)

	newIn := s.createInput()
	newIn.Subject = "Corrected road maintenance approval"
	target, successor, err := s.svc.Supersede(s.ctx, SupersedeChalaniInput{
		TargetChalaniID: rec.ID,
		Reason:          "typo in subject",
		NewChalani:      newIn,
		IdempotencyKey:  s.key(),
	})
	s.Require().NoError(err)

	s.Equal(lifecycle.ChalaniSuperseded, target.Status)
	s.Require().NotNil(target.SupersededByID)
	s.Equal(successor.ID, *target.SupersededByID)

	s.Equal(lifecycle.ChalaniDraft, successor.Status)
	s.Require().NotNil(successor.SupersedesID)
	s.Equal(target.ID, *successor.SupersedesID)
	s.Nil(successor.Number, "successor starts unnumbered")
}

func (s *ChalaniServiceSuite) TestSupersedeRefusesTerminalRecord() {
	rec := s.create()
	_, err := s.svc.Void(s.ctx, VoidChalaniInput{ChalaniID: rec.ID, Reason: "issued in error", IdempotencyKey: s.key()})
	s.Require().NoError(err)

	_, _, err = s.svc.Supersede(s.ctx, SupersedeChalaniInput{
		TargetChalaniID: rec.ID,
		Reason:          "replace it anyway",
		NewChalani:      s.createInput(),
		IdempotencyKey:  s.key(),
	})
	s.True(dErrors.HasCode(err, dErrors.CodeBadTransition))
}

func (s *ChalaniServiceSuite) TestSupersedeDedupesSuccessorIDLists() {
	rec := s.create()
	newIn := s.createInput()
	newIn.RequiredSignatoryIDs = []string{" cao-1 ", "cao-1", "mayor-1"}
	newIn.AttachmentIDs = []string{"att-1", "att-1 ", ""}

	_, successor, err := s.svc.Supersede(s.ctx, SupersedeChalaniInput{
		TargetChalaniID: rec.ID,
		Reason:          "wrong attachment set",
		NewChalani:      newIn,
		IdempotencyKey:  s.key(),
	})
	s.Require().NoError(err)
	s.Equal([]string{"cao-1", "mayor-1"}, successor.RequiredSignatoryIDs)
	s.Equal([]string{"att-1"}, successor.AttachmentIDs)
}

func (s *ChalaniServiceSuite) TestSupersedeRequiresReason() {
	rec := s.create()
	_, _, err := s.svc.Supersede(s.ctx, SupersedeChalaniInput{
		TargetChalaniID: rec.ID,
		NewChalani:      s.createInput(),
		IdempotencyKey:  s.key(),
	})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ChalaniServiceSuite) TestNotFound() {
	_, err := s.svc.Submit(s.ctx, SubmitChalaniInput{ChalaniID: domain.NewChalaniID(), IdempotencyKey: s.key()})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ChalaniServiceSuite) TestGetByNumber() {
	rec := s.approved()
	rec, err := s.svc.DirectRegister(s.ctx, DirectRegisterChalaniInput{ChalaniID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)

	got, err := s.svc.GetByNumber(s.ctx, *rec.Number, "2081-82", models.ScopeMunicipality, "")
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)

	_, err = s.svc.GetByNumber(s.ctx, 999, "2081-82", models.ScopeMunicipality, "")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ChalaniServiceSuite) TestListAndStats() {
	a := s.create()
	b := s.create()
	_, err := s.svc.Submit(s.ctx, SubmitChalaniInput{ChalaniID: b.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)

	records, total, err := s.svc.List(s.ctx, models.ListFilter{Status: lifecycle.ChalaniDraft})
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Require().Len(records, 1)
	s.Equal(a.ID, records[0].ID)

	stats, err := s.svc.Stats(s.ctx, models.ListFilter{})
	s.Require().NoError(err)
	s.Equal(2, stats.Total)
	s.Equal(1, stats.ByStatus[lifecycle.ChalaniDraft])
	s.Equal(1, stats.ByStatus[lifecycle.ChalaniPendingReview])
}
