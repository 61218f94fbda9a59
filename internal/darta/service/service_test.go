package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"dartachalani/internal/audit"
	"dartachalani/internal/darta/models"
	"dartachalani/internal/darta/store"
	"dartachalani/internal/idempotency"
	"dartachalani/internal/lifecycle"
	numbermodels "dartachalani/internal/numbering/models"
	numberservice "dartachalani/internal/numbering/service"
	numberstore "dartachalani/internal/numbering/store"
	dErrors "dartachalani/pkg/domain-errors"
	"dartachalani/pkg/requestcontext"
)

type DartaServiceSuite struct {
	suite.Suite
	svc       *Service
	allocator *numberservice.Service
	auditLog  audit.Store
	ctx       context.Context
	keyN      int
}

func TestDartaServiceSuite(t *testing.T) {
	suite.Run(t, new(DartaServiceSuite))
}

func (s *DartaServiceSuite) SetupTest() {
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
	s.ctx = requestcontext.WithActor(context.Background(), requestcontext.ActorInfo{ID: "registrar-1"})
	s.keyN = 0
}

func (s *DartaServiceSuite) key() string {
	s.keyN++
	return fmt.Sprintf("test-key-%d", s.keyN)
}

func (s *DartaServiceSuite) createInput() CreateDartaInput {
	return CreateDartaInput{
		Scope:   models.ScopeMunicipality,
		Subject: "Application for business registration",
		Applicant: models.Applicant{
			FullName: "Sita Sharma",
			Address:  "Ward 4, Pokhara",
		},
		IntakeChannel:     models.IntakeCounter,
		PrimaryDocumentID: "doc-1",
		ReceivedDate:      time.Now(),
		IdempotencyKey:    s.key(),
	}
}

func (s *DartaServiceSuite) create() *models.Darta {
	rec, err := s.svc.Create(s.ctx, s.createInput())
	s.Require().NoError(err)
	return rec
}

// registered drives a fresh record through triage and numbering to REGISTERED.
func (s *DartaServiceSuite) registered() *models.Darta {
	rec := s.create()
	var err error
	rec, err = s.svc.SubmitForReview(s.ctx, SubmitDartaForReviewInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.Classify(s.ctx, ClassifyDartaInput{DartaID: rec.ID, ClassificationCode: "GEN-07", IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.DirectRegister(s.ctx, DirectRegisterDartaInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Require().Equal(lifecycle.DartaRegistered, rec.Status)
	return rec
}

// assigned drives a registered record through digitization and routing.
func (s *DartaServiceSuite) assigned() *models.Darta {
	rec := s.registered()
	var err error
	rec, err = s.svc.Scan(s.ctx, ScanDartaInput{DartaID: rec.ID, ScannedDocumentID: "scan-1", IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.EnrichMetadata(s.ctx, EnrichDartaMetadataInput{
		DartaID:        rec.ID,
		Metadata:       map[string]string{"pages": "3"},
		IdempotencyKey: s.key(),
	})
	s.Require().NoError(err)
	rec, err = s.svc.FinalizeArchive(s.ctx, FinalizeDartaArchiveInput{DartaID: rec.ID, ArchiveID: "arch-1", IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.Route(s.ctx, RouteDartaInput{
		DartaID:              rec.ID,
		OrganizationalUnitID: "revenue-section",
		AssigneeID:           "officer-3",
		SLAHours:             48,
		IdempotencyKey:       s.key(),
	})
	s.Require().NoError(err)
	s.Require().Equal(lifecycle.DartaAssigned, rec.Status)
	return rec
}

func (s *DartaServiceSuite) TestCreate() {
	rec := s.create()
	s.Equal(lifecycle.DartaDraft, rec.Status)
	s.Equal("2081-82", rec.FiscalYear)
	s.Equal(models.PriorityMedium, rec.Priority, "empty priority defaults to MEDIUM")
	s.Equal("registrar-1", rec.CreatedBy)
	s.Nil(rec.Number)

	trail, err := s.auditLog.ListByEntity(s.ctx, rec.ID.String())
	s.Require().NoError(err)
	s.Require().Len(trail, 1)
	s.Equal(audit.ActionCreated, trail[0].Action)
}

func (s *DartaServiceSuite) TestCreateValidation() {
	cases := []struct {
		name   string
		mutate func(*CreateDartaInput)
	}{
		{"ward scope without ward", func(in *CreateDartaInput) { in.Scope = models.ScopeWard }},
		{"missing subject", func(in *CreateDartaInput) { in.Subject = "" }},
		{"anonymous applicant", func(in *CreateDartaInput) { in.Applicant = models.Applicant{Address: "Pokhara"} }},
		{"unknown intake channel", func(in *CreateDartaInput) { in.IntakeChannel = "FAX" }},
		{"missing primary document", func(in *CreateDartaInput) { in.PrimaryDocumentID = "" }},
		{"unknown priority", func(in *CreateDartaInput) { in.Priority = "CRITICAL" }},
		{"zero received date", func(in *CreateDartaInput) { in.ReceivedDate = time.Time{} }},
		{"missing idempotency key", func(in *CreateDartaInput) { in.IdempotencyKey = "" }},
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

func (s *DartaServiceSuite) TestReserveThenFinalize() {
	rec := s.create()
	var err error
	rec, err = s.svc.SubmitForReview(s.ctx, SubmitDartaForReviewInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.Classify(s.ctx, ClassifyDartaInput{DartaID: rec.ID, ClassificationCode: "GEN-07", IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal("GEN-07", rec.ClassificationCode)

	rec, err = s.svc.ReserveNumber(s.ctx, ReserveDartaNumberInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(lifecycle.DartaNumberReserved, rec.Status)
	s.Require().NotNil(rec.Number)
	s.Equal(int64(1), *rec.Number)
	s.Equal("DARTA-MUN/2081-82/1", rec.FormattedNumber)

	rec, err = s.svc.FinalizeRegistration(s.ctx, FinalizeDartaRegistrationInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(lifecycle.DartaRegistered, rec.Status)

	alloc, err := s.allocator.Get(s.ctx, rec.AllocationID)
	s.Require().NoError(err)
	s.Equal(numbermodels.AllocationCommitted, alloc.Status)
	s.Equal(rec.ID.String(), alloc.CommittedEntityID)
}

func (s *DartaServiceSuite) classified() *models.Darta {
	rec := s.create()
	var err error
	rec, err = s.svc.SubmitForReview(s.ctx, SubmitDartaForReviewInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.Classify(s.ctx, ClassifyDartaInput{DartaID: rec.ID, ClassificationCode: "GEN-07", IdempotencyKey: s.key()})
	s.Require().NoError(err)
	return rec
}

func (s *DartaServiceSuite) TestRepeatedReserveReturnsExistingAllocation() {
	rec := s.classified()
	first, err := s.svc.ReserveNumber(s.ctx, ReserveDartaNumberInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Require().NotNil(first.Number)
	s.Equal(int64(1), *first.Number)

	// A second reserve with a fresh key hands back the live reservation
	// instead of minting a new number.
	again, err := s.svc.ReserveNumber(s.ctx, ReserveDartaNumberInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(first.AllocationID, again.AllocationID)
	s.Require().NotNil(again.Number)
	s.Equal(*first.Number, *again.Number)

	other := s.classified()
	other, err = s.svc.ReserveNumber(s.ctx, ReserveDartaNumberInput{DartaID: other.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Require().NotNil(other.Number)
	s.Equal(int64(2), *other.Number, "repeated reserve must not advance the counter")
}

func (s *DartaServiceSuite) TestRejectedReserveDoesNotBurnNumber() {
	draft := s.create()
	_, err := s.svc.ReserveNumber(s.ctx, ReserveDartaNumberInput{DartaID: draft.ID, IdempotencyKey: s.key()})
	s.True(dErrors.HasCode(err, dErrors.CodeBadTransition))

	rec := s.classified()
	rec, err = s.svc.ReserveNumber(s.ctx, ReserveDartaNumberInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Require().NotNil(rec.Number)
	s.Equal(int64(1), *rec.Number, "the failed reserve must not have consumed a number")
}

func (s *DartaServiceSuite) TestRouteSetsSLADeadline() {
	rec := s.registered()
	before := time.Now()
	rec, err := s.svc.Route(s.ctx, RouteDartaInput{
		DartaID:              rec.ID,
		OrganizationalUnitID: "revenue-section",
		AssigneeID:           "officer-3",
		Priority:             models.PriorityHigh,
		SLAHours:             24,
		IdempotencyKey:       s.key(),
	})
	s.Require().NoError(err)

	s.Equal(lifecycle.DartaAssigned, rec.Status)
	s.Equal("revenue-section", rec.Routing.OrganizationalUnitID)
	s.Equal("officer-3", rec.Routing.AssigneeID)
	s.Equal(models.PriorityHigh, rec.Priority)
	s.Require().NotNil(rec.Routing.SLADeadline)
	s.WithinDuration(before.Add(24*time.Hour), *rec.Routing.SLADeadline, time.Minute)
}

func (s *DartaServiceSuite) TestRouteValidation() {
	rec := s.registered()
	_, err := s.svc.Route(s.ctx, RouteDartaInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation), "routing requires an organizational unit")
}

func (s *DartaServiceSuite) TestFullLifecycleToClose() {
	rec := s.assigned()
	var err error

	rec, err = s.svc.StartSectionReview(s.ctx, StartSectionReviewInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(lifecycle.DartaInReviewBySection, rec.Status)

	rec, err = s.svc.Accept(s.ctx, AcceptDartaInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.MarkAction(s.ctx, MarkDartaActionInput{DartaID: rec.ID, Notes: "permit issued", IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.IssueResponse(s.ctx, IssueDartaResponseInput{DartaID: rec.ID, ResponseChalaniID: "chalani-77", IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal("chalani-77", rec.ResponseChalaniID)

	rec, err = s.svc.RequestAck(s.ctx, RequestDartaAckInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.ReceiveAck(s.ctx, ReceiveDartaAckInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.Close(s.ctx, CloseDartaInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(lifecycle.DartaClosed, rec.Status)

	got, err := s.svc.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().NotEmpty(got.AuditTrail)
	s.Equal(got.Status, got.AuditTrail[len(got.AuditTrail)-1].ToStatus)
}

func (s *DartaServiceSuite) TestSectionReviewDecisions() {
	s.Run("accept", func() {
		rec := s.assigned()
		rec, err := s.svc.StartSectionReview(s.ctx, StartSectionReviewInput{DartaID: rec.ID, IdempotencyKey: s.key()})
		s.Require().NoError(err)
		rec, err = s.svc.SectionReview(s.ctx, SectionReviewInput{DartaID: rec.ID, Decision: SectionAccept, IdempotencyKey: s.key()})
		s.Require().NoError(err)
		s.Equal(lifecycle.DartaAccepted, rec.Status)
	})

	s.Run("needs clarification and back", func() {
		rec := s.assigned()
		rec, err := s.svc.StartSectionReview(s.ctx, StartSectionReviewInput{DartaID: rec.ID, IdempotencyKey: s.key()})
		s.Require().NoError(err)
		rec, err = s.svc.SectionReview(s.ctx, SectionReviewInput{
			DartaID:        rec.ID,
			Decision:       SectionNeedsClarification,
			RequestedInfo:  "citizenship copy missing",
			IdempotencyKey: s.key(),
		})
		s.Require().NoError(err)
		s.Equal(lifecycle.DartaNeedsClarification, rec.Status)

		rec, err = s.svc.ProvideClarification(s.ctx, ProvideClarificationInput{
			DartaID:        rec.ID,
			Notes:          "copy attached",
			IdempotencyKey: s.key(),
		})
		s.Require().NoError(err)
		s.Equal(lifecycle.DartaInReviewBySection, rec.Status)
	})

	s.Run("reassign returns to assigned", func() {
		rec := s.assigned()
		rec, err := s.svc.StartSectionReview(s.ctx, StartSectionReviewInput{DartaID: rec.ID, IdempotencyKey: s.key()})
		s.Require().NoError(err)
		rec, err = s.svc.SectionReview(s.ctx, SectionReviewInput{DartaID: rec.ID, Decision: SectionReassign, IdempotencyKey: s.key()})
		s.Require().NoError(err)
		s.Equal(lifecycle.DartaAssigned, rec.Status)
	})

	s.Run("unknown decision", func() {
		rec := s.assigned()
		rec, err := s.svc.StartSectionReview(s.ctx, StartSectionReviewInput{DartaID: rec.ID, IdempotencyKey: s.key()})
		s.Require().NoError(err)
		_, err = s.svc.SectionReview(s.ctx, SectionReviewInput{DartaID: rec.ID, Decision: "PUNT", IdempotencyKey: s.key()})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *DartaServiceSuite) TestRequestClarificationRequiresInfo() {
	rec := s.assigned()
	rec, err := s.svc.StartSectionReview(s.ctx, StartSectionReviewInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)

	_, err = s.svc.RequestClarification(s.ctx, RequestClarificationInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	rec, err = s.svc.RequestClarification(s.ctx, RequestClarificationInput{
		DartaID:        rec.ID,
		RequestedInfo:  "original receipt",
		IdempotencyKey: s.key(),
	})
	s.Require().NoError(err)
	s.Equal(lifecycle.DartaNeedsClarification, rec.Status)
}

func (s *DartaServiceSuite) TestBadTransition() {
	rec := s.create()
	_, err := s.svc.Scan(s.ctx, ScanDartaInput{DartaID: rec.ID, ScannedDocumentID: "scan-1", IdempotencyKey: s.key()})
	s.True(dErrors.HasCode(err, dErrors.CodeBadTransition))
}

func (s *DartaServiceSuite) TestTransitionReplay() {
	rec := s.create()
	key := s.key()

	first, err := s.svc.SubmitForReview(s.ctx, SubmitDartaForReviewInput{DartaID: rec.ID, IdempotencyKey: key})
	s.Require().NoError(err)
	replay, err := s.svc.SubmitForReview(s.ctx, SubmitDartaForReviewInput{DartaID: rec.ID, IdempotencyKey: key})
	s.Require().NoError(err)

	s.Equal(first.Version, replay.Version)
	s.Equal(lifecycle.DartaPendingReview, replay.Status)

	trail, err := s.auditLog.ListByEntity(s.ctx, rec.ID.String())
	s.Require().NoError(err)
	s.Len(trail, 2, "create + one submit only")
}

func (s *DartaServiceSuite) TestVoidBurnsReservedNumber() {
	rec := s.create()
	var err error
	rec, err = s.svc.SubmitForReview(s.ctx, SubmitDartaForReviewInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.Classify(s.ctx, ClassifyDartaInput{DartaID: rec.ID, ClassificationCode: "GEN-07", IdempotencyKey: s.key()})
	s.Require().NoError(err)
	rec, err = s.svc.ReserveNumber(s.ctx, ReserveDartaNumberInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)

	_, err = s.svc.Void(s.ctx, VoidDartaInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation), "void needs a reason")

	rec, err = s.svc.Void(s.ctx, VoidDartaInput{DartaID: rec.ID, Reason: "duplicate intake", IdempotencyKey: s.key()})
	s.Require().NoError(err)
	s.Equal(lifecycle.DartaVoided, rec.Status)

	alloc, err := s.allocator.Get(s.ctx, rec.AllocationID)
	s.Require().NoError(err)
	s.Equal(numbermodels.AllocationVoided, alloc.Status)

	_, err = s.svc.SubmitForReview(s.ctx, SubmitDartaForReviewInput{DartaID: rec.ID, IdempotencyKey: s.key()})
	s.True(dErrors.HasCode(err, dErrors.CodeBadTransition))
}

func (s *DartaServiceSuite) TestSupersede() {
	rec := s.registered()

	newIn := s.createInput()
	newIn.Subject = "Corrected business registration application"
	target, successor, err := s.svc.Supersede(s.ctx, SupersedeDartaInput{
		TargetDartaID:  rec.ID,
		Reason:         "applicant resubmitted",
		NewDarta:       newIn,
		IdempotencyKey: s.key(),
	})
	s.Require().NoError(err)

	s.Equal(lifecycle.DartaSuperseded, target.Status)
	s.Require().NotNil(target.SupersededByID)
	s.Equal(successor.ID, *target.SupersededByID)

	s.Equal(lifecycle.DartaDraft, successor.Status)
	s.Require().NotNil(successor.SupersedesID)
	s.Equal(target.ID, *successor.SupersedesID)
	s.Nil(successor.Number)
}

func (s *DartaServiceSuite) TestSupersedeRefusesTerminalRecord() {
	rec := s.create()
	_, err := s.svc.Void(s.ctx, VoidDartaInput{DartaID: rec.ID, Reason: "duplicate intake", IdempotencyKey: s.key()})
	s.Require().NoError(err)

	_, _, err = s.svc.Supersede(s.ctx, SupersedeDartaInput{
		TargetDartaID:  rec.ID,
		Reason:         "replace it anyway",
		NewDarta:       s.createInput(),
		IdempotencyKey: s.key(),
	})
	s.True(dErrors.HasCode(err, dErrors.CodeBadTransition))
}

func (s *DartaServiceSuite) TestSupersedeDedupesSuccessorIDLists() {
	rec := s.create()
	newIn := s.createInput()
	newIn.AnnexIDs = []string{" annex-1 ", "annex-1", "annex-2", ""}

	_, successor, err := s.svc.Supersede(s.ctx, SupersedeDartaInput{
		TargetDartaID:  rec.ID,
		Reason:         "annexes corrected",
		NewDarta:       newIn,
		IdempotencyKey: s.key(),
	})
	s.Require().NoError(err)
	s.Equal([]string{"annex-1", "annex-2"}, successor.AnnexIDs)
}

func (s *DartaServiceSuite) TestSupersedeReplay() {
	rec := s.registered()
	key := s.key()
	in := SupersedeDartaInput{
		TargetDartaID:  rec.ID,
		Reason:         "applicant resubmitted",
		NewDarta:       s.createInput(),
		IdempotencyKey: key,
	}

	target, successor, err := s.svc.Supersede(s.ctx, in)
	s.Require().NoError(err)
	replayTarget, replaySuccessor, err := s.svc.Supersede(s.ctx, in)
	s.Require().NoError(err)

	s.Equal(target.ID, replayTarget.ID)
	s.Equal(successor.ID, replaySuccessor.ID, "replay must not mint a second successor")
}

func (s *DartaServiceSuite) TestGetByNumber() {
	rec := s.registered()
	got, err := s.svc.GetByNumber(s.ctx, *rec.Number, "2081-82", models.ScopeMunicipality, "")
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)

	_, err = s.svc.GetByNumber(s.ctx, 999, "2081-82", models.ScopeMunicipality, "")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *DartaServiceSuite) TestListAndStats() {
	a := s.create()
	b := s.create()
	_, err := s.svc.SubmitForReview(s.ctx, SubmitDartaForReviewInput{DartaID: b.ID, IdempotencyKey: s.key()})
	s.Require().NoError(err)

	records, total, err := s.svc.List(s.ctx, models.ListFilter{Status: lifecycle.DartaDraft})
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Require().Len(records, 1)
	s.Equal(a.ID, records[0].ID)

	stats, err := s.svc.Stats(s.ctx, models.ListFilter{})
	s.Require().NoError(err)
	s.Equal(2, stats.Total)
	s.Equal(1, stats.ByStatus[lifecycle.DartaDraft])
	s.Equal(1, stats.ByStatus[lifecycle.DartaPendingReview])
}
