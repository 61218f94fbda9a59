// Package service orchestrates the darta lifecycle, from counter intake
// through classification, numbering, digitization, section review, and
// closure. Every mutation follows the same contract as the chalani side:
// idempotency short-circuit, load, decide, validate, guard, then an atomic
// status+audit+idempotency commit with an optimistic version check.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"dartachalani/internal/audit"
	"dartachalani/internal/darta/models"
	"dartachalani/internal/idempotency"
	"dartachalani/internal/lifecycle"
	numbermodels "dartachalani/internal/numbering/models"
	numberservice "dartachalani/internal/numbering/service"
	"dartachalani/internal/platform/metrics"
	"dartachalani/pkg/domain"
	dErrors "dartachalani/pkg/domain-errors"
	"dartachalani/pkg/platform/sentinel"
	platformstrings "dartachalani/pkg/platform/strings"
	"dartachalani/pkg/requestcontext"
)

// Operation kinds scoping idempotency digests.
const (
	opCreate               = "darta.create"
	opSubmitForReview      = "darta.submit_for_review"
	opClassify             = "darta.classify"
	opReserveNumber        = "darta.reserve_number"
	opFinalize             = "darta.finalize_registration"
	opDirectRegister       = "darta.direct_register"
	opRoute                = "darta.route"
	opScan                 = "darta.scan"
	opEnrichMetadata       = "darta.enrich_metadata"
	opFinalizeArchive      = "darta.finalize_archive"
	opStartSectionReview   = "darta.start_section_review"
	opSectionReview        = "darta.section_review"
	opRequestClarification = "darta.request_clarification"
	opProvideClarification = "darta.provide_clarification"
	opAccept               = "darta.accept"
	opMarkAction           = "darta.mark_action"
	opIssueResponse        = "darta.issue_response"
	opRequestAck           = "darta.request_ack"
	opReceiveAck           = "darta.receive_ack"
	opVoid                 = "darta.void"
	opSupersede            = "darta.supersede"
	opClose                = "darta.close"
)

const conflictRetries = 3

// Store is the persistence contract for darta records.
type Store interface {
	Create(ctx context.Context, rec *models.Darta, entry audit.Entry, idem *idempotency.Record) error
	Get(ctx context.Context, id domain.DartaID) (*models.Darta, error)
	GetByNumber(ctx context.Context, formattedNumber string) (*models.Darta, error)
	List(ctx context.Context, filter models.ListFilter) ([]*models.Darta, int, error)
	Stats(ctx context.Context, filter models.ListFilter) (models.Stats, error)
	ApplyTransition(ctx context.Context, rec *models.Darta, entry audit.Entry, idem *idempotency.Record) error
	Supersede(ctx context.Context, target *models.Darta, targetEntry audit.Entry, successor *models.Darta, successorEntry audit.Entry, idem *idempotency.Record) error
}

// Allocator is the slice of the number allocator this orchestrator consumes.
type Allocator interface {
	Allocate(ctx context.Context, in numberservice.AllocateInput) (numbermodels.Allocation, error)
	Commit(ctx context.Context, id domain.AllocationID, entityID string, entityKind lifecycle.EntityKind) (numbermodels.Allocation, error)
	Void(ctx context.Context, id domain.AllocationID, reason string) (numbermodels.Allocation, error)
	Get(ctx context.Context, id domain.AllocationID) (numbermodels.Allocation, error)
}

type Service struct {
	store      Store
	alloc      Allocator
	idem       idempotency.Store
	auditLog   audit.Store
	cache      *idempotency.Cache
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	fiscalYear string
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithCache(cache *idempotency.Cache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithFiscalYear sets the active fiscal year stamped on new records.
func WithFiscalYear(fy string) Option {
	return func(s *Service) { s.fiscalYear = fy }
}

func New(store Store, alloc Allocator, idem idempotency.Store, auditLog audit.Store, opts ...Option) (*Service, error) {
	if store == nil || alloc == nil || idem == nil || auditLog == nil {
		return nil, errors.New("darta service requires store, allocator, idempotency index, and audit log")
	}
	svc := &Service{
		store:    store,
		alloc:    alloc,
		idem:     idem,
		auditLog: auditLog,
		logger:   slog.Default(),
		tracer:   otel.Tracer("dartachalani/darta"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// ---- inputs ----

type CreateDartaInput struct {
	Scope             models.Scope
	WardID            string
	Subject           string
	Applicant         models.Applicant
	IntakeChannel     models.IntakeChannel
	PrimaryDocumentID string
	AnnexIDs          []string
	Priority          models.Priority
	ReceivedDate      time.Time
	IdempotencyKey    string
}

type SubmitDartaForReviewInput struct {
	DartaID        domain.DartaID
	IdempotencyKey string
}

type ClassifyDartaInput struct {
	DartaID            domain.DartaID
	ClassificationCode string
	Notes              string
	IdempotencyKey     string
}

type ReserveDartaNumberInput struct {
	DartaID        domain.DartaID
	AllocationID   domain.AllocationID
	IdempotencyKey string
}

type FinalizeDartaRegistrationInput struct {
	DartaID        domain.DartaID
	AllocationID   domain.AllocationID
	IdempotencyKey string
}

type DirectRegisterDartaInput struct {
	DartaID        domain.DartaID
	IdempotencyKey string
}

type RouteDartaInput struct {
	DartaID              domain.DartaID
	OrganizationalUnitID string
	AssigneeID           string
	Priority             models.Priority
	SLAHours             int
	Notes                string
	IdempotencyKey       string
}

type ScanDartaInput struct {
	DartaID           domain.DartaID
	ScannedDocumentID string
	IdempotencyKey    string
}

type EnrichDartaMetadataInput struct {
	DartaID        domain.DartaID
	Metadata       map[string]string
	IdempotencyKey string
}

type FinalizeDartaArchiveInput struct {
	DartaID        domain.DartaID
	ArchiveID      string
	IdempotencyKey string
}

type StartSectionReviewInput struct {
	DartaID        domain.DartaID
	IdempotencyKey string
}

type SectionReviewDecision string

const (
	SectionAccept             SectionReviewDecision = "ACCEPT"
	SectionNeedsClarification SectionReviewDecision = "NEEDS_CLARIFICATION"
	SectionReassign           SectionReviewDecision = "REASSIGN"
)

type SectionReviewInput struct {
	DartaID        domain.DartaID
	Decision       SectionReviewDecision
	Notes          string
	RequestedInfo  string
	IdempotencyKey string
}

type RequestClarificationInput struct {
	DartaID        domain.DartaID
	RequestedInfo  string
	IdempotencyKey string
}

type ProvideClarificationInput struct {
	DartaID        domain.DartaID
	Notes          string
	IdempotencyKey string
}

type AcceptDartaInput struct {
	DartaID        domain.DartaID
	IdempotencyKey string
}

type MarkDartaActionInput struct {
	DartaID        domain.DartaID
	Notes          string
	IdempotencyKey string
}

type IssueDartaResponseInput struct {
	DartaID           domain.DartaID
	ResponseChalaniID string
	IdempotencyKey    string
}

type RequestDartaAckInput struct {
	DartaID        domain.DartaID
	IdempotencyKey string
}

type ReceiveDartaAckInput struct {
	DartaID        domain.DartaID
	IdempotencyKey string
}

type VoidDartaInput struct {
	DartaID        domain.DartaID
	Reason         string
	IdempotencyKey string
}

type SupersedeDartaInput struct {
	TargetDartaID  domain.DartaID
	Reason         string
	NewDarta       CreateDartaInput
	IdempotencyKey string
}

type CloseDartaInput struct {
	DartaID        domain.DartaID
	IdempotencyKey string
}

// ---- mutation plumbing ----

type mutation struct {
	operation string
	action    string
	idemKey   string
	reason    string
	metadata  map[string]string
	decide    func(ctx context.Context, rec *models.Darta) (lifecycle.Status, error)
}

func (s *Service) apply(ctx context.Context, id domain.DartaID, m mutation) (*models.Darta, error) {
	ctx, span := s.tracer.Start(ctx, m.operation)
	defer span.End()

	if m.idemKey == "" {
		return s.fail(m, dErrors.New(dErrors.CodeValidation, "idempotency key is required"))
	}
	digest := idempotency.Digest(m.operation, m.idemKey)

	if rec, ok := s.replay(ctx, digest); ok {
		s.metrics.ObserveMutation(string(lifecycle.KindDarta), m.operation, "replay")
		return rec, nil
	}

	var lastErr error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		rec, err := s.load(ctx, id)
		if err != nil {
			return s.fail(m, err)
		}
		from := rec.Status

		target, err := m.decide(ctx, rec)
		if err != nil {
			return s.fail(m, err)
		}
		if err := lifecycle.AssertTransition(lifecycle.KindDarta, from, target); err != nil {
			return s.fail(m, dErrors.Wrap(err, dErrors.CodeBadTransition, "illegal darta transition"))
		}

		now := requestcontext.Now(ctx)
		rec.Status = target
		rec.UpdatedAt = now
		entry := s.newEntry(ctx, rec.ID.String(), m, &from, target, now)
		idemRec := &idempotency.Record{
			Digest:    digest,
			Operation: m.operation,
			EntityID:  rec.ID.String(),
			CreatedAt: now,
		}

		err = s.store.ApplyTransition(ctx, rec, entry, idemRec)
		switch {
		case err == nil:
			s.cache.Set(ctx, digest, rec.ID.String())
			s.metrics.ObserveMutation(string(lifecycle.KindDarta), m.operation, "ok")
			s.logger.InfoContext(ctx, "darta transition",
				"darta_id", rec.ID.String(), "action", m.action,
				"from", string(from), "to", string(target))
			return rec, nil
		case errors.Is(err, sentinel.ErrConflict):
			if s.metrics != nil {
				s.metrics.WriteConflicts.Inc()
			}
			lastErr = err
			continue
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			if rec, ok := s.replay(ctx, digest); ok {
				s.metrics.ObserveMutation(string(lifecycle.KindDarta), m.operation, "replay")
				return rec, nil
			}
			return s.fail(m, dErrors.Wrap(err, dErrors.CodeConflict, "idempotency key raced"))
		case errors.Is(err, sentinel.ErrNotFound):
			return s.fail(m, dErrors.Newf(dErrors.CodeNotFound, "darta %s not found", id))
		default:
			return s.fail(m, dErrors.Wrap(err, dErrors.CodeInternal, "apply darta transition"))
		}
	}
	return s.fail(m, dErrors.Wrap(lastErr, dErrors.CodeConflict, "darta modified concurrently"))
}

func (s *Service) replay(ctx context.Context, digest string) (*models.Darta, bool) {
	entityID := s.cache.Get(ctx, digest)
	if entityID == "" {
		rec, err := s.idem.Get(ctx, digest)
		if err != nil {
			return nil, false
		}
		entityID = rec.EntityID
	}
	id, err := domain.ParseDartaID(entityID)
	if err != nil {
		return nil, false
	}
	stored, err := s.load(ctx, id)
	if err != nil {
		return nil, false
	}
	return stored, true
}

func (s *Service) load(ctx context.Context, id domain.DartaID) (*models.Darta, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "darta %s not found", id)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "get darta")
	}
	return rec, nil
}

func (s *Service) newEntry(ctx context.Context, entityID string, m mutation, from *lifecycle.Status, to lifecycle.Status, now time.Time) audit.Entry {
	metadata := make(map[string]string, len(m.metadata)+3)
	for k, v := range m.metadata {
		metadata[k] = v
	}
	if rid := requestcontext.RequestID(ctx); rid != "" {
		metadata["request_id"] = rid
	}
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		metadata["client_ip"] = ip
	}
	if ua := requestcontext.UserAgent(ctx); ua != "" {
		metadata["user_agent"] = ua
	}
	return audit.Entry{
		ID:         domain.NewEntryID(),
		EntityKind: lifecycle.KindDarta,
		EntityID:   entityID,
		Action:     m.action,
		FromStatus: from,
		ToStatus:   to,
		Actor:      requestcontext.Actor(ctx).ID,
		Timestamp:  now,
		Reason:     m.reason,
		Metadata:   metadata,
	}
}

func (s *Service) fail(m mutation, err error) (*models.Darta, error) {
	s.metrics.ObserveMutation(string(lifecycle.KindDarta), m.operation, outcome(err))
	return nil, err
}

func outcome(err error) string {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeNotFound:
		return "not_found"
	case dErrors.CodeBadTransition:
		return "bad_transition"
	case dErrors.CodeValidation:
		return "validation"
	case dErrors.CodeConflict:
		return "conflict"
	case dErrors.CodeInvalidState:
		return "invalid_state"
	case dErrors.CodeCounterLocked:
		return "counter_locked"
	default:
		return "error"
	}
}

// ---- operations ----

// Create registers a new draft darta from counter or portal intake.
func (s *Service) Create(ctx context.Context, in CreateDartaInput) (*models.Darta, error) {
	ctx, span := s.tracer.Start(ctx, opCreate)
	defer span.End()

	m := mutation{operation: opCreate, action: audit.ActionCreated, idemKey: in.IdempotencyKey}
	if err := validateCreate(in); err != nil {
		return s.fail(m, err)
	}
	digest := idempotency.Digest(opCreate, in.IdempotencyKey)
	if rec, ok := s.replay(ctx, digest); ok {
		s.metrics.ObserveMutation(string(lifecycle.KindDarta), opCreate, "replay")
		return rec, nil
	}

	now := requestcontext.Now(ctx)
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	rec := &models.Darta{
		ID:                domain.NewDartaID(),
		Scope:             in.Scope,
		WardID:            in.WardID,
		FiscalYear:        s.fiscalYear,
		Status:            lifecycle.DartaDraft,
		Subject:           in.Subject,
		Applicant:         in.Applicant,
		IntakeChannel:     in.IntakeChannel,
		PrimaryDocumentID: in.PrimaryDocumentID,
		AnnexIDs:          platformstrings.DedupeAndTrim(in.AnnexIDs),
		Priority:          priority,
		ReceivedDate:      in.ReceivedDate,
		CreatedBy:         requestcontext.Actor(ctx).ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	entry := s.newEntry(ctx, rec.ID.String(), m, nil, lifecycle.DartaDraft, now)
	idemRec := &idempotency.Record{
		Digest:    digest,
		Operation: opCreate,
		EntityID:  rec.ID.String(),
		CreatedAt: now,
	}

	if err := s.store.Create(ctx, rec, entry, idemRec); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			if stored, ok := s.replay(ctx, digest); ok {
				s.metrics.ObserveMutation(string(lifecycle.KindDarta), opCreate, "replay")
				return stored, nil
			}
		}
		return s.fail(m, dErrors.Wrap(err, dErrors.CodeInternal, "create darta"))
	}
	s.cache.Set(ctx, digest, rec.ID.String())
	s.metrics.ObserveMutation(string(lifecycle.KindDarta), opCreate, "ok")
	s.logger.InfoContext(ctx, "darta created",
		"darta_id", rec.ID.String(), "scope", string(rec.Scope), "intake", string(rec.IntakeChannel))
	return rec, nil
}

func validateCreate(in CreateDartaInput) error {
	if in.Scope != models.ScopeMunicipality && in.Scope != models.ScopeWard {
		return dErrors.Newf(dErrors.CodeValidation, "unknown scope %q", in.Scope)
	}
	if in.Scope == models.ScopeWard && in.WardID == "" {
		return dErrors.New(dErrors.CodeValidation, "ward scope requires a ward id")
	}
	if in.Scope == models.ScopeMunicipality && in.WardID != "" {
		return dErrors.New(dErrors.CodeValidation, "municipality scope must not carry a ward id")
	}
	if in.Subject == "" {
		return dErrors.New(dErrors.CodeValidation, "subject is required")
	}
	if in.Applicant.FullName == "" && in.Applicant.Organization == "" {
		return dErrors.New(dErrors.CodeValidation, "applicant requires a name or organization")
	}
	if !models.KnownIntakeChannel(in.IntakeChannel) {
		return dErrors.Newf(dErrors.CodeValidation, "unknown intake channel %q", in.IntakeChannel)
	}
	if in.PrimaryDocumentID == "" {
		return dErrors.New(dErrors.CodeValidation, "primary document is required")
	}
	if !models.KnownPriority(in.Priority) {
		return dErrors.Newf(dErrors.CodeValidation, "unknown priority %q", in.Priority)
	}
	if in.ReceivedDate.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "received date is required")
	}
	if in.IdempotencyKey == "" {
		return dErrors.New(dErrors.CodeValidation, "idempotency key is required")
	}
	return nil
}

// SubmitForReview moves a draft into the registration review queue.
func (s *Service) SubmitForReview(ctx context.Context, in SubmitDartaForReviewInput) (*models.Darta, error) {
	return s.apply(ctx, in.DartaID, mutation{
		operation: opSubmitForReview,
		action:    audit.ActionSubmitted,
		idemKey:   in.IdempotencyKey,
		decide: func(context.Context, *models.Darta) (lifecycle.Status, error) {
			return lifecycle.DartaPendingReview, nil
		},
	})
}

// Classify records the triage classification ahead of numbering.
func (s *Service) Classify(ctx context.Context, in ClassifyDartaInput) (*models.Darta, error) {
	metadata := map[string]string{}
	if in.Notes != "" {
		metadata["notes"] = in.Notes
	}
	return s.apply(ctx, in.DartaID, mutation{
		operation: opClassify,
		action:    audit.ActionClassified,
		idemKey:   in.IdempotencyKey,
		metadata:  metadata,
		decide: func(_ context.Context, rec *models.Darta) (lifecycle.Status, error) {
			if in.ClassificationCode == "" {
				return "", dErrors.New(dErrors.CodeValidation, "classification code is required")
			}
			rec.ClassificationCode = in.ClassificationCode
			return lifecycle.DartaClassification, nil
		},
	})
}

// ReserveNumber binds a provisional allocation to the record. A record that
// already holds a live reservation is returned unchanged.
func (s *Service) ReserveNumber(ctx context.Context, in ReserveDartaNumberInput) (*models.Darta, error) {
	if in.AllocationID.IsNil() {
		if rec, err := s.load(ctx, in.DartaID); err == nil && rec.CurrentAllocation() {
			return rec, nil
		}
	}
	return s.apply(ctx, in.DartaID, mutation{
		operation: opReserveNumber,
		action:    audit.ActionNumberReserved,
		idemKey:   in.IdempotencyKey,
		decide: func(ctx context.Context, rec *models.Darta) (lifecycle.Status, error) {
			// Guard before allocating; a doomed transition must not burn a
			// number.
			if err := lifecycle.AssertTransition(lifecycle.KindDarta, rec.Status, lifecycle.DartaNumberReserved); err != nil {
				return "", dErrors.Wrap(err, dErrors.CodeBadTransition, "illegal darta transition")
			}
			alloc, err := s.obtainAllocation(ctx, rec, in.AllocationID, in.IdempotencyKey)
			if err != nil {
				return "", err
			}
			rec.Number = &alloc.Number
			rec.FormattedNumber = alloc.FormattedNumber
			rec.AllocationID = alloc.ID
			return lifecycle.DartaNumberReserved, nil
		},
	})
}

// FinalizeRegistration commits the reserved allocation.
func (s *Service) FinalizeRegistration(ctx context.Context, in FinalizeDartaRegistrationInput) (*models.Darta, error) {
	return s.apply(ctx, in.DartaID, mutation{
		operation: opFinalize,
		action:    audit.ActionRegistered,
		idemKey:   in.IdempotencyKey,
		decide: func(ctx context.Context, rec *models.Darta) (lifecycle.Status, error) {
			allocationID := in.AllocationID
			if allocationID.IsNil() {
				allocationID = rec.AllocationID
			}
			if allocationID.IsNil() {
				return "", dErrors.New(dErrors.CodeInvalidState, "no allocation reserved for this darta")
			}
			if err := s.commitAllocation(ctx, allocationID, rec); err != nil {
				return "", err
			}
			return lifecycle.DartaRegistered, nil
		},
	})
}

// DirectRegister allocates and commits a number in one step for counter
// walk-ins where classification happens on the spot.
func (s *Service) DirectRegister(ctx context.Context, in DirectRegisterDartaInput) (*models.Darta, error) {
	return s.apply(ctx, in.DartaID, mutation{
		operation: opDirectRegister,
		action:    audit.ActionRegistered,
		idemKey:   in.IdempotencyKey,
		decide: func(ctx context.Context, rec *models.Darta) (lifecycle.Status, error) {
			if err := lifecycle.AssertTransition(lifecycle.KindDarta, rec.Status, lifecycle.DartaRegistered); err != nil {
				return "", dErrors.Wrap(err, dErrors.CodeBadTransition, "illegal darta transition")
			}
			allocationID := domain.AllocationID{}
			if rec.CurrentAllocation() {
				allocationID = rec.AllocationID
			}
			alloc, err := s.obtainAllocation(ctx, rec, allocationID, in.IdempotencyKey)
			if err != nil {
				return "", err
			}
			rec.Number = &alloc.Number
			rec.FormattedNumber = alloc.FormattedNumber
			rec.AllocationID = alloc.ID
			if err := s.commitAllocation(ctx, alloc.ID, rec); err != nil {
				return "", err
			}
			return lifecycle.DartaRegistered, nil
		},
	})
}

func (s *Service) obtainAllocation(ctx context.Context, rec *models.Darta, id domain.AllocationID, idemKey string) (numbermodels.Allocation, error) {
	if !id.IsNil() {
		alloc, err := s.alloc.Get(ctx, id)
		if err != nil {
			return numbermodels.Allocation{}, err
		}
		if alloc.Status != numbermodels.AllocationProvisional {
			return numbermodels.Allocation{}, dErrors.Newf(dErrors.CodeInvalidState,
				"allocation %s is %s, expected PROVISIONAL", id, alloc.Status)
		}
		if alloc.Key.DocumentType != numbermodels.DocumentTypeDarta ||
			alloc.Key.Scope != rec.Scope ||
			alloc.Key.FiscalYear != rec.FiscalYear ||
			alloc.Key.WardID != rec.WardID {
			return numbermodels.Allocation{}, dErrors.New(dErrors.CodeValidation,
				"allocation does not match this darta's counter")
		}
		return alloc, nil
	}
	return s.alloc.Allocate(ctx, numberservice.AllocateInput{
		Scope:          rec.Scope,
		DocumentType:   numbermodels.DocumentTypeDarta,
		FiscalYear:     rec.FiscalYear,
		WardID:         rec.WardID,
		IdempotencyKey: idemKey,
	})
}

func (s *Service) commitAllocation(ctx context.Context, id domain.AllocationID, rec *models.Darta) error {
	alloc, err := s.alloc.Commit(ctx, id, rec.ID.String(), lifecycle.KindDarta)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvalidState) {
			existing, getErr := s.alloc.Get(ctx, id)
			if getErr == nil && existing.Status == numbermodels.AllocationCommitted &&
				existing.CommittedEntityID == rec.ID.String() {
				alloc = existing
			} else {
				return err
			}
		} else {
			return err
		}
	}
	rec.Number = &alloc.Number
	rec.FormattedNumber = alloc.FormattedNumber
	rec.AllocationID = alloc.ID
	return nil
}

// Route assigns the darta to a section with an SLA deadline.
func (s *Service) Route(ctx context.Context, in RouteDartaInput) (*models.Darta, error) {
	metadata := map[string]string{"organizational_unit_id": in.OrganizationalUnitID}
	if in.AssigneeID != "" {
		metadata["assignee_id"] = in.AssigneeID
	}
	if in.Notes != "" {
		metadata["notes"] = in.Notes
	}
	return s.apply(ctx, in.DartaID, mutation{
		operation: opRoute,
		action:    audit.ActionRouted,
		idemKey:   in.IdempotencyKey,
		metadata:  metadata,
		decide: func(ctx context.Context, rec *models.Darta) (lifecycle.Status, error) {
			if in.OrganizationalUnitID == "" {
				return "", dErrors.New(dErrors.CodeValidation, "organizational unit is required")
			}
			if !models.KnownPriority(in.Priority) {
				return "", dErrors.Newf(dErrors.CodeValidation, "unknown priority %q", in.Priority)
			}
			rec.Routing.OrganizationalUnitID = in.OrganizationalUnitID
			rec.Routing.AssigneeID = in.AssigneeID
			if in.Priority != "" {
				rec.Priority = in.Priority
			}
			if in.SLAHours > 0 {
				deadline := requestcontext.Now(ctx).Add(time.Duration(in.SLAHours) * time.Hour)
				rec.Routing.SLADeadline = &deadline
			}
			return lifecycle.DartaAssigned, nil
		},
	})
}

// Scan records the digitized primary document.
func (s *Service) Scan(ctx context.Context, in ScanDartaInput) (*models.Darta, error) {
	return s.apply(ctx, in.DartaID, mutation{
		operation: opScan,
		action:    audit.ActionScanned,
		idemKey:   in.IdempotencyKey,
		decide: func(_ context.Context, rec *models.Darta) (lifecycle.Status, error) {
			if in.ScannedDocumentID == "" {
				return "", dErrors.New(dErrors.CodeValidation, "scanned document id is required")
			}
			rec.ScannedDocumentID = in.ScannedDocumentID
			return lifecycle.DartaScanned, nil
		},
	})
}

// EnrichMetadata attaches index metadata to the scanned record.
func (s *Service) EnrichMetadata(ctx context.Context, in EnrichDartaMetadataInput) (*models.Darta, error) {
	return s.apply(ctx, in.DartaID, mutation{
		operation: opEnrichMetadata,
		action:    audit.ActionMetadataEnriched,
		idemKey:   in.IdempotencyKey,
		decide: func(_ context.Context, rec *models.Darta) (lifecycle.Status, error) {
			if len(in.Metadata) == 0 {
				return "", dErrors.New(dErrors.CodeValidation, "metadata is required")
			}
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]string, len(in.Metadata))
			}
			for k, v := range in.Metadata {
				rec.Metadata[k] = v
			}
			return lifecycle.DartaMetadataEnriched, nil
		},
	})
}

// FinalizeArchive completes digitization.
func (s *Service) FinalizeArchive(ctx context.Context, in FinalizeDartaArchiveInput) (*models.Darta, error) {
	return s.apply(ctx, in.DartaID, mutation{
		operation: opFinalizeArchive,
		action:    audit.ActionArchived,
		idemKey:   in.IdempotencyKey,
		decide: func(_ context.Context, rec *models.Darta) (lifecycle.Status, error) {
			if in.ArchiveID == "" {
				return "", dErrors.New(dErrors.CodeValidation, "archive id is required")
			}
			rec.ArchiveID = in.ArchiveID
			return lifecycle.DartaDigitallyArchived, nil
		},
	})
}

// StartSectionReview picks the assigned darta up for section review.
func (s *Service) StartSectionReview(ctx context.Context, in StartSectionReviewInput) (*models.Darta, error) {
	return s.apply(ctx, in.DartaID, mutation{
		operation: opStartSectionReview,
		action:    audit.ActionSectionReviewed,
		idemKey:   in.IdempotencyKey,
		decide: func(context.Context, *models.Darta) (lifecycle.Status, error) {
			return lifecycle.DartaInReviewBySection, nil
		},
	})
}

// SectionReview records the section's decision on a darta under review.
func (s *Service) SectionReview(ctx context.Context, in SectionReviewInput) (*models.Darta, error) {
	metadata := map[string]string{"decision": string(in.Decision)}
	if in.Notes != "" {
		metadata["notes"] = in.Notes
	}
	if in.RequestedInfo != "" {
		metadata["requested_info"] = in.RequestedInfo
	}
	return s.apply(ctx, in.DartaID, mutation{
		operation: opSectionReview,
		action:    audit.ActionSectionReviewed,
		idemKey:   in.IdempotencyKey,
		metadata:  metadata,
		decide: func(context.Context, *models.Darta) (lifecycle.Status, error) {
			switch in.Decision {
			case SectionAccept:
				return lifecycle.DartaAccepted, nil
			case SectionNeedsClarification:
				if in.RequestedInfo == "" {
					return "", dErrors.New(dErrors.CodeValidation, "requested info is required for clarification")
				}
				return lifecycle.DartaNeedsClarification, nil
			case SectionReassign:
				return lifecycle.DartaAssigned, nil
			default:
				return "", dErrors.Newf(dErrors.CodeValidation, "unknown section review decision %q", in.Decision)
			}
		},
	})
}

// RequestClarification asks the applicant or registrar for missing details.
func (s *Service) RequestClarification(ctx context.Context, in RequestClarificationInput) (*models.Darta, error) {
	return s.apply(ctx, in.DartaID, mutation{
		operation: opRequestClarification,
		action:    audit.ActionClarificationAsked,
		idemKey:   in.IdempotencyKey,
		metadata:  map[string]string{"requested_info": in.RequestedInfo},
		decide: func(context.Context, *models.Darta) (lifecycle.Status, error) {
			if in.RequestedInfo == "" {
				return "", dErrors.New(dErrors.CodeValidation, "requested info is required")
			}
			return lifecycle.DartaNeedsClarification, nil
		},
	})
}

// ProvideClarification returns a clarified darta to section review.
func (s *Service) ProvideClarification(ctx context.Context, in ProvideClarificationInput) (*models.Darta, error) {
	metadata := map[string]string{}
	if in.Notes != "" {
		metadata["notes"] = in.Notes
	}
	return s.apply(ctx, in.DartaID, mutation{
		operation: opProvideClarification,
		action:    audit.ActionClarificationGiven,
		idemKey:   in.IdempotencyKey,
		metadata:  metadata,
		decide: func(context.Context, *models.Darta) (lifecycle.Status, error) {
			return lifecycle.DartaInReviewBySection, nil
		},
	})
}

// Accept accepts the darta for action.
func (s *Service) Accept(ctx context.Context, in AcceptDartaInput) (*models.Darta, error) {
	return s.apply(ctx, in.DartaID, mutation{
		operation: opAccept,
		action:    audit.ActionAccepted,
		idemKey:   in.IdempotencyKey,
		decide: func(context.Context, *models.Darta) (lifecycle.Status, error) {
			return lifecycle.DartaAccepted, nil
		},
	})
}

// MarkAction records that the section acted on the correspondence.
func (s *Service) MarkAction(ctx context.Context, in MarkDartaActionInput) (*models.Darta, error) {
	metadata := map[string]string{}
	if in.Notes != "" {
		metadata["notes"] = in.Notes
	}
	return s.apply(ctx, in.DartaID, mutation{
		operation: opMarkAction,
		action:    audit.ActionActionTaken,
		idemKey:   in.IdempotencyKey,
		metadata:  metadata,
		decide: func(context.Context, *models.Darta) (lifecycle.Status, error) {
			return lifecycle.DartaActionTaken, nil
		},
	})
}

// IssueResponse links the outgoing chalani that answers this darta.
func (s *Service) IssueResponse(ctx context.Context, in IssueDartaResponseInput) (*models.Darta, error) {
	metadata := map[string]string{}
	if in.ResponseChalaniID != "" {
		metadata["response_chalani_id"] = in.ResponseChalaniID
	}
	return s.apply(ctx, in.DartaID, mutation{
		operation: opIssueResponse,
		action:    audit.ActionResponseIssued,
		idemKey:   in.IdempotencyKey,
		metadata:  metadata,
		decide: func(_ context.Context, rec *models.Darta) (lifecycle.Status, error) {
			rec.ResponseChalaniID = in.ResponseChalaniID
			return lifecycle.DartaResponseIssued, nil
		},
	})
}

// RequestAck asks the applicant to confirm receipt of the response.
func (s *Service) RequestAck(ctx context.Context, in RequestDartaAckInput) (*models.Darta, error) {
	return s.apply(ctx, in.DartaID, mutation{
		operation: opRequestAck,
		action:    audit.ActionAckRequested,
		idemKey:   in.IdempotencyKey,
		decide: func(context.Context, *models.Darta) (lifecycle.Status, error) {
			return lifecycle.DartaAckRequested, nil
		},
	})
}

// ReceiveAck records the applicant's confirmation.
func (s *Service) ReceiveAck(ctx context.Context, in ReceiveDartaAckInput) (*models.Darta, error) {
	return s.apply(ctx, in.DartaID, mutation{
		operation: opReceiveAck,
		action:    audit.ActionAckReceived,
		idemKey:   in.IdempotencyKey,
		decide: func(context.Context, *models.Darta) (lifecycle.Status, error) {
			return lifecycle.DartaAckReceived, nil
		},
	})
}

// Void terminates a live darta; the reason is mandatory. A reserved but
// uncommitted allocation is burned alongside.
func (s *Service) Void(ctx context.Context, in VoidDartaInput) (*models.Darta, error) {
	rec, err := s.apply(ctx, in.DartaID, mutation{
		operation: opVoid,
		action:    audit.ActionVoided,
		idemKey:   in.IdempotencyKey,
		reason:    in.Reason,
		decide: func(context.Context, *models.Darta) (lifecycle.Status, error) {
			if in.Reason == "" {
				return "", dErrors.New(dErrors.CodeValidation, "void reason is required")
			}
			return lifecycle.DartaVoided, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if !rec.AllocationID.IsNil() {
		if alloc, gerr := s.alloc.Get(ctx, rec.AllocationID); gerr == nil &&
			alloc.Status == numbermodels.AllocationProvisional {
			if _, verr := s.alloc.Void(ctx, rec.AllocationID, in.Reason); verr != nil {
				s.logger.WarnContext(ctx, "voiding reserved allocation failed",
					"darta_id", rec.ID.String(), "allocation_id", rec.AllocationID.String(), "error", verr)
			}
		}
	}
	return rec, nil
}

// Supersede terminates the target and creates its replacement in one atomic
// step, linking both records.
func (s *Service) Supersede(ctx context.Context, in SupersedeDartaInput) (*models.Darta, *models.Darta, error) {
	ctx, span := s.tracer.Start(ctx, opSupersede)
	defer span.End()

	m := mutation{operation: opSupersede, action: audit.ActionSuperseded, idemKey: in.IdempotencyKey, reason: in.Reason}
	failBoth := func(err error) (*models.Darta, *models.Darta, error) {
		_, _ = s.fail(m, err)
		return nil, nil, err
	}

	if in.IdempotencyKey == "" {
		return failBoth(dErrors.New(dErrors.CodeValidation, "idempotency key is required"))
	}
	if in.Reason == "" {
		return failBoth(dErrors.New(dErrors.CodeValidation, "supersede reason is required"))
	}
	newIn := in.NewDarta
	if newIn.IdempotencyKey == "" {
		newIn.IdempotencyKey = in.IdempotencyKey
	}
	if err := validateCreate(newIn); err != nil {
		return failBoth(err)
	}

	digest := idempotency.Digest(opSupersede, in.IdempotencyKey)
	if successor, ok := s.replay(ctx, digest); ok {
		s.metrics.ObserveMutation(string(lifecycle.KindDarta), opSupersede, "replay")
		target, err := s.followSupersedes(ctx, successor)
		if err != nil {
			return nil, nil, err
		}
		return target, successor, nil
	}

	var lastErr error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		target, err := s.load(ctx, in.TargetDartaID)
		if err != nil {
			return failBoth(err)
		}
		from := target.Status
		if lifecycle.IsTerminal(lifecycle.KindDarta, from) {
			err := &lifecycle.BadTransitionError{Kind: lifecycle.KindDarta, From: from, To: lifecycle.DartaSuperseded}
			return failBoth(dErrors.Wrap(err, dErrors.CodeBadTransition, "illegal darta transition"))
		}

		now := requestcontext.Now(ctx)
		successorID := domain.NewDartaID()
		priority := newIn.Priority
		if priority == "" {
			priority = models.PriorityMedium
		}
		successor := &models.Darta{
			ID:                successorID,
			Scope:             newIn.Scope,
			WardID:            newIn.WardID,
			FiscalYear:        s.fiscalYear,
			Status:            lifecycle.DartaDraft,
			Subject:           newIn.Subject,
			Applicant:         newIn.Applicant,
			IntakeChannel:     newIn.IntakeChannel,
			PrimaryDocumentID: newIn.PrimaryDocumentID,
			AnnexIDs:          platformstrings.DedupeAndTrim(newIn.AnnexIDs),
			Priority:          priority,
			ReceivedDate:      newIn.ReceivedDate,
			SupersedesID:      &target.ID,
			CreatedBy:         requestcontext.Actor(ctx).ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		target.Status = lifecycle.DartaSuperseded
		target.SupersededByID = &successorID
		target.UpdatedAt = now

		targetEntry := s.newEntry(ctx, target.ID.String(), mutation{
			operation: opSupersede,
			action:    audit.ActionSuperseded,
			reason:    in.Reason,
			metadata:  map[string]string{"superseded_by": successorID.String()},
		}, &from, lifecycle.DartaSuperseded, now)
		successorEntry := s.newEntry(ctx, successorID.String(), mutation{
			operation: opSupersede,
			action:    audit.ActionCreated,
			metadata:  map[string]string{"supersedes": target.ID.String()},
		}, nil, lifecycle.DartaDraft, now)
		idemRec := &idempotency.Record{
			Digest:    digest,
			Operation: opSupersede,
			EntityID:  successorID.String(),
			CreatedAt: now,
		}

		err = s.store.Supersede(ctx, target, targetEntry, successor, successorEntry, idemRec)
		switch {
		case err == nil:
			s.cache.Set(ctx, digest, successorID.String())
			s.metrics.ObserveMutation(string(lifecycle.KindDarta), opSupersede, "ok")
			s.logger.InfoContext(ctx, "darta superseded",
				"target_id", target.ID.String(), "successor_id", successorID.String())
			return target, successor, nil
		case errors.Is(err, sentinel.ErrConflict):
			if s.metrics != nil {
				s.metrics.WriteConflicts.Inc()
			}
			lastErr = err
			continue
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			if successor, ok := s.replay(ctx, digest); ok {
				s.metrics.ObserveMutation(string(lifecycle.KindDarta), opSupersede, "replay")
				target, terr := s.followSupersedes(ctx, successor)
				if terr != nil {
					return nil, nil, terr
				}
				return target, successor, nil
			}
			return failBoth(dErrors.Wrap(err, dErrors.CodeConflict, "idempotency key raced"))
		case errors.Is(err, sentinel.ErrNotFound):
			return failBoth(dErrors.Newf(dErrors.CodeNotFound, "darta %s not found", in.TargetDartaID))
		default:
			return failBoth(dErrors.Wrap(err, dErrors.CodeInternal, "supersede darta"))
		}
	}
	return failBoth(dErrors.Wrap(lastErr, dErrors.CodeConflict, "darta modified concurrently"))
}

func (s *Service) followSupersedes(ctx context.Context, successor *models.Darta) (*models.Darta, error) {
	if successor.SupersedesID == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "superseding record lost its back-reference")
	}
	return s.load(ctx, *successor.SupersedesID)
}

// Close completes the darta.
func (s *Service) Close(ctx context.Context, in CloseDartaInput) (*models.Darta, error) {
	return s.apply(ctx, in.DartaID, mutation{
		operation: opClose,
		action:    audit.ActionClosed,
		idemKey:   in.IdempotencyKey,
		decide: func(context.Context, *models.Darta) (lifecycle.Status, error) {
			return lifecycle.DartaClosed, nil
		},
	})
}

// ---- queries ----

// Get returns one darta with its full audit trail attached.
func (s *Service) Get(ctx context.Context, id domain.DartaID) (*models.Darta, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	trail, err := s.auditLog.ListByEntity(ctx, id.String())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load audit trail")
	}
	rec.AuditTrail = trail
	return rec, nil
}

// GetByNumber resolves a darta by its formatted register number components.
func (s *Service) GetByNumber(ctx context.Context, number int64, fiscalYear string, scope models.Scope, wardID string) (*models.Darta, error) {
	key := numbermodels.CounterKey{
		Scope:        scope,
		DocumentType: numbermodels.DocumentTypeDarta,
		FiscalYear:   fiscalYear,
		WardID:       wardID,
	}
	if err := key.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid number lookup")
	}
	rec, err := s.store.GetByNumber(ctx, numbermodels.FormatNumber(key, number))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no darta with number %d in %s", number, fiscalYear)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "get darta by number")
	}
	return rec, nil
}

// List returns a filtered, paginated page plus the total match count.
func (s *Service) List(ctx context.Context, filter models.ListFilter) ([]*models.Darta, int, error) {
	records, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, 0, dErrors.Wrap(err, dErrors.CodeInternal, "list darta")
	}
	return records, total, nil
}

// Stats returns record counts grouped by status.
func (s *Service) Stats(ctx context.Context, filter models.ListFilter) (models.Stats, error) {
	stats, err := s.store.Stats(ctx, filter)
	if err != nil {
		return models.Stats{}, dErrors.Wrap(err, dErrors.CodeInternal, "darta stats")
	}
	return stats, nil
}
