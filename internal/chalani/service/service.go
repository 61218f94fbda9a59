// Package service orchestrates the chalani lifecycle. Every mutation follows
// the same contract: idempotency short-circuit, load, decide the target
// status, validate required reasons, guard the transition, then commit status
// change + audit entry + idempotency claim as one atomic unit with an
// optimistic version check.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"dartachalani/internal/audit"
	"dartachalani/internal/chalani/models"
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

// Operation kinds scoping idempotency digests. Two operations with the same
// caller key never collide.
const (
	opCreate         = "chalani.create"
	opSubmit         = "chalani.submit"
	opReview         = "chalani.review"
	opApprove        = "chalani.approve"
	opReserveNumber  = "chalani.reserve_number"
	opFinalize       = "chalani.finalize_registration"
	opDirectRegister = "chalani.direct_register"
	opSign           = "chalani.sign"
	opSeal           = "chalani.seal"
	opDispatch       = "chalani.dispatch"
	opMarkInTransit  = "chalani.mark_in_transit"
	opAcknowledge    = "chalani.acknowledge"
	opMarkDelivered  = "chalani.mark_delivered"
	opMarkReturned   = "chalani.mark_returned_undelivered"
	opResend         = "chalani.resend"
	opVoid           = "chalani.void"
	opSupersede      = "chalani.supersede"
	opClose          = "chalani.close"
)

// conflictRetries bounds how often a mutation is replayed after losing an
// optimistic version race before Conflict is surfaced to the caller.
const conflictRetries = 3

// Store is the persistence contract for chalani records. Mutating methods
// commit the record write, audit entry, and idempotency claim atomically.
type Store interface {
	Create(ctx context.Context, rec *models.Chalani, entry audit.Entry, idem *idempotency.Record) error
	Get(ctx context.Context, id domain.ChalaniID) (*models.Chalani, error)
	GetByNumber(ctx context.Context, formattedNumber string) (*models.Chalani, error)
	List(ctx context.Context, filter models.ListFilter) ([]*models.Chalani, int, error)
	Stats(ctx context.Context, filter models.ListFilter) (models.Stats, error)
	ApplyTransition(ctx context.Context, rec *models.Chalani, entry audit.Entry, idem *idempotency.Record) error
	Supersede(ctx context.Context, target *models.Chalani, targetEntry audit.Entry, successor *models.Chalani, successorEntry audit.Entry, idem *idempotency.Record) error
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
		return nil, errors.New("chalani service requires store, allocator, idempotency index, and audit log")
	}
	svc := &Service{
		store:    store,
		alloc:    alloc,
		idem:     idem,
		auditLog: auditLog,
		logger:   slog.Default(),
		tracer:   otel.Tracer("dartachalani/chalani"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// ---- inputs ----

type CreateChalaniInput struct {
	Scope                models.Scope
	WardID               string
	Subject              string
	Body                 string
	TemplateID           string
	LinkedDartaID        string
	Recipient            models.Recipient
	RequiredSignatoryIDs []string
	AttachmentIDs        []string
	IdempotencyKey       string
}

type SubmitChalaniInput struct {
	ChalaniID      domain.ChalaniID
	IdempotencyKey string
}

type ReviewDecision string

const (
	ReviewApprove      ReviewDecision = "APPROVE_REVIEW"
	ReviewEditRequired ReviewDecision = "EDIT_REQUIRED"
)

type ReviewChalaniInput struct {
	ChalaniID      domain.ChalaniID
	Decision       ReviewDecision
	Notes          string
	IdempotencyKey string
}

type ApprovalDecision string

const (
	ApprovalApprove ApprovalDecision = "APPROVE"
	ApprovalReject  ApprovalDecision = "REJECT"
)

type ApproveChalaniInput struct {
	ChalaniID      domain.ChalaniID
	Decision       ApprovalDecision
	Notes          string
	Reason         string
	DelegateToID   string
	IdempotencyKey string
}

type ReserveChalaniNumberInput struct {
	ChalaniID      domain.ChalaniID
	AllocationID   domain.AllocationID
	IdempotencyKey string
}

type FinalizeChalaniRegistrationInput struct {
	ChalaniID      domain.ChalaniID
	AllocationID   domain.AllocationID
	IdempotencyKey string
}

type DirectRegisterChalaniInput struct {
	ChalaniID      domain.ChalaniID
	IdempotencyKey string
}

type SignChalaniInput struct {
	ChalaniID      domain.ChalaniID
	IdempotencyKey string
}

type SealChalaniInput struct {
	ChalaniID      domain.ChalaniID
	IdempotencyKey string
}

type DispatchChalaniInput struct {
	ChalaniID           domain.ChalaniID
	DispatchChannel     models.DispatchChannel
	TrackingID          string
	CourierName         string
	ScheduledDispatchAt *time.Time
	IdempotencyKey      string
}

type MarkInTransitInput struct {
	ChalaniID      domain.ChalaniID
	TrackingID     string
	IdempotencyKey string
}

type AcknowledgeChalaniInput struct {
	ChalaniID      domain.ChalaniID
	Notes          string
	IdempotencyKey string
}

type MarkDeliveredInput struct {
	ChalaniID      domain.ChalaniID
	IdempotencyKey string
}

type MarkReturnedUndeliveredInput struct {
	ChalaniID      domain.ChalaniID
	Reason         string
	IdempotencyKey string
}

type ResendChalaniInput struct {
	ChalaniID      domain.ChalaniID
	IdempotencyKey string
}

type VoidChalaniInput struct {
	ChalaniID      domain.ChalaniID
	Reason         string
	IdempotencyKey string
}

type SupersedeChalaniInput struct {
	TargetChalaniID domain.ChalaniID
	Reason          string
	NewChalani      CreateChalaniInput
	IdempotencyKey  string
}

type CloseChalaniInput struct {
	ChalaniID      domain.ChalaniID
	IdempotencyKey string
}

// ---- mutation plumbing ----

// mutation is one guarded transition. decide inspects the loaded record,
// applies payload changes, and returns the target status; it runs again on
// every optimistic retry against the freshly loaded record.
type mutation struct {
	operation string
	action    string
	idemKey   string
	reason    string
	metadata  map[string]string
	decide    func(ctx context.Context, rec *models.Chalani) (lifecycle.Status, error)
}

func (s *Service) apply(ctx context.Context, id domain.ChalaniID, m mutation) (*models.Chalani, error) {
	ctx, span := s.tracer.Start(ctx, m.operation)
	defer span.End()

	if m.idemKey == "" {
		return s.fail(m, dErrors.New(dErrors.CodeValidation, "idempotency key is required"))
	}
	digest := idempotency.Digest(m.operation, m.idemKey)

	if rec, ok := s.replay(ctx, digest); ok {
		s.metrics.ObserveMutation(string(lifecycle.KindChalani), m.operation, "replay")
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
		if err := lifecycle.AssertTransition(lifecycle.KindChalani, from, target); err != nil {
			return s.fail(m, dErrors.Wrap(err, dErrors.CodeBadTransition, "illegal chalani transition"))
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
			s.metrics.ObserveMutation(string(lifecycle.KindChalani), m.operation, "ok")
			s.logger.InfoContext(ctx, "chalani transition",
				"chalani_id", rec.ID.String(), "action", m.action,
				"from", string(from), "to", string(target))
			return rec, nil
		case errors.Is(err, sentinel.ErrConflict):
			if s.metrics != nil {
				s.metrics.WriteConflicts.Inc()
			}
			lastErr = err
			continue
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			// A concurrent request with the same key committed first; its
			// result is ours.
			if rec, ok := s.replay(ctx, digest); ok {
				s.metrics.ObserveMutation(string(lifecycle.KindChalani), m.operation, "replay")
				return rec, nil
			}
			return s.fail(m, dErrors.Wrap(err, dErrors.CodeConflict, "idempotency key raced"))
		case errors.Is(err, sentinel.ErrNotFound):
			return s.fail(m, dErrors.Newf(dErrors.CodeNotFound, "chalani %s not found", id))
		default:
			return s.fail(m, dErrors.Wrap(err, dErrors.CodeInternal, "apply chalani transition"))
		}
	}
	return s.fail(m, dErrors.Wrap(lastErr, dErrors.CodeConflict, "chalani modified concurrently"))
}

// replay answers a mutation from the idempotency index without re-running it.
func (s *Service) replay(ctx context.Context, digest string) (*models.Chalani, bool) {
	entityID := s.cache.Get(ctx, digest)
	if entityID == "" {
		rec, err := s.idem.Get(ctx, digest)
		if err != nil {
			return nil, false
		}
		entityID = rec.EntityID
	}
	id, err := domain.ParseChalaniID(entityID)
	if err != nil {
		return nil, false
	}
	stored, err := s.load(ctx, id)
	if err != nil {
		return nil, false
	}
	return stored, true
}

func (s *Service) load(ctx context.Context, id domain.ChalaniID) (*models.Chalani, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "chalani %s not found", id)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "get chalani")
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
		EntityKind: lifecycle.KindChalani,
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

func (s *Service) fail(m mutation, err error) (*models.Chalani, error) {
	s.metrics.ObserveMutation(string(lifecycle.KindChalani), m.operation, outcome(err))
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

// Create registers a new draft chalani.
func (s *Service) Create(ctx context.Context, in CreateChalaniInput) (*models.Chalani, error) {
	ctx, span := s.tracer.Start(ctx, opCreate)
	defer span.End()

	m := mutation{operation: opCreate, action: audit.ActionCreated, idemKey: in.IdempotencyKey}
	if err := validateCreate(in); err != nil {
		return s.fail(m, err)
	}
	digest := idempotency.Digest(opCreate, in.IdempotencyKey)
	if rec, ok := s.replay(ctx, digest); ok {
		s.metrics.ObserveMutation(string(lifecycle.KindChalani), opCreate, "replay")
		return rec, nil
	}

	now := requestcontext.Now(ctx)
	rec := &models.Chalani{
		ID:                   domain.NewChalaniID(),
		Scope:                in.Scope,
		WardID:               in.WardID,
		FiscalYear:           s.fiscalYear,
		Status:               lifecycle.ChalaniDraft,
		Subject:              in.Subject,
		Body:                 in.Body,
		TemplateID:           in.TemplateID,
		LinkedDartaID:        in.LinkedDartaID,
		Recipient:            in.Recipient,
		RequiredSignatoryIDs: platformstrings.DedupeAndTrim(in.RequiredSignatoryIDs),
		AttachmentIDs:        platformstrings.DedupeAndTrim(in.AttachmentIDs),
		CreatedBy:            requestcontext.Actor(ctx).ID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	entry := s.newEntry(ctx, rec.ID.String(), m, nil, lifecycle.ChalaniDraft, now)
	idemRec := &idempotency.Record{
		Digest:    digest,
		Operation: opCreate,
		EntityID:  rec.ID.String(),
		CreatedAt: now,
	}

	if err := s.store.Create(ctx, rec, entry, idemRec); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			if stored, ok := s.replay(ctx, digest); ok {
				s.metrics.ObserveMutation(string(lifecycle.KindChalani), opCreate, "replay")
				return stored, nil
			}
		}
		return s.fail(m, dErrors.Wrap(err, dErrors.CodeInternal, "create chalani"))
	}
	s.cache.Set(ctx, digest, rec.ID.String())
	s.metrics.ObserveMutation(string(lifecycle.KindChalani), opCreate, "ok")
	s.logger.InfoContext(ctx, "chalani created", "chalani_id", rec.ID.String(), "scope", string(rec.Scope))
	return rec, nil
}

func validateCreate(in CreateChalaniInput) error {
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
	if in.Recipient.FullName == "" && in.Recipient.Organization == "" {
		return dErrors.New(dErrors.CodeValidation, "recipient requires a name or organization")
	}
	if in.IdempotencyKey == "" {
		return dErrors.New(dErrors.CodeValidation, "idempotency key is required")
	}
	return nil
}

// Submit moves a draft into review.
func (s *Service) Submit(ctx context.Context, in SubmitChalaniInput) (*models.Chalani, error) {
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opSubmit,
		action:    audit.ActionSubmitted,
		idemKey:   in.IdempotencyKey,
		decide: func(context.Context, *models.Chalani) (lifecycle.Status, error) {
			return lifecycle.ChalaniPendingReview, nil
		},
	})
}

// Review records the reviewer's decision: forward to approval or send back to
// draft for edits.
func (s *Service) Review(ctx context.Context, in ReviewChalaniInput) (*models.Chalani, error) {
	metadata := map[string]string{}
	if in.Notes != "" {
		metadata["notes"] = in.Notes
	}
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opReview,
		action:    audit.ActionReviewed,
		idemKey:   in.IdempotencyKey,
		metadata:  metadata,
		decide: func(context.Context, *models.Chalani) (lifecycle.Status, error) {
			switch in.Decision {
			case ReviewApprove:
				return lifecycle.ChalaniPendingApproval, nil
			case ReviewEditRequired:
				return lifecycle.ChalaniDraft, nil
			default:
				return "", dErrors.Newf(dErrors.CodeValidation, "unknown review decision %q", in.Decision)
			}
		},
	})
}

// Approve records the approver's decision. Rejection requires a reason and
// sends the record back to draft.
func (s *Service) Approve(ctx context.Context, in ApproveChalaniInput) (*models.Chalani, error) {
	metadata := map[string]string{}
	if in.Notes != "" {
		metadata["notes"] = in.Notes
	}
	if in.DelegateToID != "" {
		metadata["delegate_to_id"] = in.DelegateToID
	}
	action := audit.ActionApproved
	if in.Decision == ApprovalReject {
		action = audit.ActionRejected
	}
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opApprove,
		action:    action,
		idemKey:   in.IdempotencyKey,
		reason:    in.Reason,
		metadata:  metadata,
		decide: func(context.Context, *models.Chalani) (lifecycle.Status, error) {
			switch in.Decision {
			case ApprovalApprove:
				return lifecycle.ChalaniApproved, nil
			case ApprovalReject:
				if in.Reason == "" {
					return "", dErrors.New(dErrors.CodeValidation, "rejection requires a reason")
				}
				return lifecycle.ChalaniDraft, nil
			default:
				return "", dErrors.Newf(dErrors.CodeValidation, "unknown approval decision %q", in.Decision)
			}
		},
	})
}

// ReserveNumber binds a provisional allocation to the record. When no
// allocation is supplied one is issued, reusing the caller's idempotency key
// so a retried reserve never burns a second number. A record that already
// holds a live reservation is returned unchanged.
func (s *Service) ReserveNumber(ctx context.Context, in ReserveChalaniNumberInput) (*models.Chalani, error) {
	if in.AllocationID.IsNil() {
		if rec, err := s.load(ctx, in.ChalaniID); err == nil && rec.CurrentAllocation() {
			return rec, nil
		}
	}
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opReserveNumber,
		action:    audit.ActionNumberReserved,
		idemKey:   in.IdempotencyKey,
		decide: func(ctx context.Context, rec *models.Chalani) (lifecycle.Status, error) {
			// Guard before allocating; a doomed transition must not burn a
			// number.
			if err := lifecycle.AssertTransition(lifecycle.KindChalani, rec.Status, lifecycle.ChalaniNumberReserved); err != nil {
				return "", dErrors.Wrap(err, dErrors.CodeBadTransition, "illegal chalani transition")
			}
			alloc, err := s.obtainAllocation(ctx, rec, in.AllocationID, in.IdempotencyKey)
			if err != nil {
				return "", err
			}
			rec.Number = &alloc.Number
			rec.FormattedNumber = alloc.FormattedNumber
			rec.AllocationID = alloc.ID
			return lifecycle.ChalaniNumberReserved, nil
		},
	})
}

// FinalizeRegistration commits the reserved allocation, making the number
// legally bound to this record.
func (s *Service) FinalizeRegistration(ctx context.Context, in FinalizeChalaniRegistrationInput) (*models.Chalani, error) {
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opFinalize,
		action:    audit.ActionRegistered,
		idemKey:   in.IdempotencyKey,
		decide: func(ctx context.Context, rec *models.Chalani) (lifecycle.Status, error) {
			allocationID := in.AllocationID
			if allocationID.IsNil() {
				allocationID = rec.AllocationID
			}
			if allocationID.IsNil() {
				return "", dErrors.New(dErrors.CodeInvalidState, "no allocation reserved for this chalani")
			}
			if err := s.commitAllocation(ctx, allocationID, rec); err != nil {
				return "", err
			}
			return lifecycle.ChalaniRegistered, nil
		},
	})
}

// DirectRegister allocates and commits a number in one step, skipping the
// reservation stage. Used for walk-in registration at the counter.
func (s *Service) DirectRegister(ctx context.Context, in DirectRegisterChalaniInput) (*models.Chalani, error) {
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opDirectRegister,
		action:    audit.ActionRegistered,
		idemKey:   in.IdempotencyKey,
		decide: func(ctx context.Context, rec *models.Chalani) (lifecycle.Status, error) {
			if err := lifecycle.AssertTransition(lifecycle.KindChalani, rec.Status, lifecycle.ChalaniRegistered); err != nil {
				return "", dErrors.Wrap(err, dErrors.CodeBadTransition, "illegal chalani transition")
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
			return lifecycle.ChalaniRegistered, nil
		},
	})
}

// obtainAllocation resolves the allocation backing a reserve or direct
// registration: the caller-supplied one when given, a fresh issuance
// otherwise. Supplied allocations must be provisional chalani allocations for
// the record's counter scope.
func (s *Service) obtainAllocation(ctx context.Context, rec *models.Chalani, id domain.AllocationID, idemKey string) (numbermodels.Allocation, error) {
	if !id.IsNil() {
		alloc, err := s.alloc.Get(ctx, id)
		if err != nil {
			return numbermodels.Allocation{}, err
		}
		if alloc.Status != numbermodels.AllocationProvisional {
			return numbermodels.Allocation{}, dErrors.Newf(dErrors.CodeInvalidState,
				"allocation %s is %s, expected PROVISIONAL", id, alloc.Status)
		}
		if alloc.Key.DocumentType != numbermodels.DocumentTypeChalani ||
			alloc.Key.Scope != rec.Scope ||
			alloc.Key.FiscalYear != rec.FiscalYear ||
			alloc.Key.WardID != rec.WardID {
			return numbermodels.Allocation{}, dErrors.New(dErrors.CodeValidation,
				"allocation does not match this chalani's counter")
		}
		return alloc, nil
	}
	return s.alloc.Allocate(ctx, numberservice.AllocateInput{
		Scope:          rec.Scope,
		DocumentType:   numbermodels.DocumentTypeChalani,
		FiscalYear:     rec.FiscalYear,
		WardID:         rec.WardID,
		IdempotencyKey: idemKey,
	})
}

// commitAllocation binds the allocation to rec, tolerating the case where a
// prior attempt of the same request already committed it.
func (s *Service) commitAllocation(ctx context.Context, id domain.AllocationID, rec *models.Chalani) error {
	alloc, err := s.alloc.Commit(ctx, id, rec.ID.String(), lifecycle.KindChalani)
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

// Sign records the signatory's approval on a registered chalani.
func (s *Service) Sign(ctx context.Context, in SignChalaniInput) (*models.Chalani, error) {
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opSign,
		action:    audit.ActionSigned,
		idemKey:   in.IdempotencyKey,
		decide: func(context.Context, *models.Chalani) (lifecycle.Status, error) {
			return lifecycle.ChalaniSigned, nil
		},
	})
}

// Seal applies the office seal.
func (s *Service) Seal(ctx context.Context, in SealChalaniInput) (*models.Chalani, error) {
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opSeal,
		action:    audit.ActionSealed,
		idemKey:   in.IdempotencyKey,
		decide: func(context.Context, *models.Chalani) (lifecycle.Status, error) {
			return lifecycle.ChalaniSealed, nil
		},
	})
}

// Dispatch sends the chalani out through the chosen channel.
func (s *Service) Dispatch(ctx context.Context, in DispatchChalaniInput) (*models.Chalani, error) {
	metadata := map[string]string{"channel": string(in.DispatchChannel)}
	if in.TrackingID != "" {
		metadata["tracking_id"] = in.TrackingID
	}
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opDispatch,
		action:    audit.ActionDispatched,
		idemKey:   in.IdempotencyKey,
		metadata:  metadata,
		decide: func(ctx context.Context, rec *models.Chalani) (lifecycle.Status, error) {
			if !models.KnownChannel(in.DispatchChannel) {
				return "", dErrors.Newf(dErrors.CodeValidation, "unknown dispatch channel %q", in.DispatchChannel)
			}
			now := requestcontext.Now(ctx)
			rec.Dispatch.Channel = in.DispatchChannel
			rec.Dispatch.TrackingID = in.TrackingID
			rec.Dispatch.CourierName = in.CourierName
			rec.Dispatch.ScheduledDispatchAt = in.ScheduledDispatchAt
			rec.Dispatch.DispatchedAt = &now
			return lifecycle.ChalaniDispatched, nil
		},
	})
}

// MarkInTransit records carrier pickup.
func (s *Service) MarkInTransit(ctx context.Context, in MarkInTransitInput) (*models.Chalani, error) {
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opMarkInTransit,
		action:    audit.ActionInTransit,
		idemKey:   in.IdempotencyKey,
		decide: func(_ context.Context, rec *models.Chalani) (lifecycle.Status, error) {
			if in.TrackingID != "" {
				rec.Dispatch.TrackingID = in.TrackingID
			}
			return lifecycle.ChalaniInTransit, nil
		},
	})
}

// Acknowledge records the recipient's confirmation of receipt en route.
func (s *Service) Acknowledge(ctx context.Context, in AcknowledgeChalaniInput) (*models.Chalani, error) {
	metadata := map[string]string{}
	if in.Notes != "" {
		metadata["notes"] = in.Notes
	}
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opAcknowledge,
		action:    audit.ActionAcknowledged,
		idemKey:   in.IdempotencyKey,
		metadata:  metadata,
		decide: func(context.Context, *models.Chalani) (lifecycle.Status, error) {
			return lifecycle.ChalaniAcknowledged, nil
		},
	})
}

// MarkDelivered records final delivery.
func (s *Service) MarkDelivered(ctx context.Context, in MarkDeliveredInput) (*models.Chalani, error) {
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opMarkDelivered,
		action:    audit.ActionDelivered,
		idemKey:   in.IdempotencyKey,
		decide: func(ctx context.Context, rec *models.Chalani) (lifecycle.Status, error) {
			now := requestcontext.Now(ctx)
			rec.Dispatch.DeliveredAt = &now
			return lifecycle.ChalaniDelivered, nil
		},
	})
}

// MarkReturnedUndelivered records a failed delivery; the reason is mandatory.
func (s *Service) MarkReturnedUndelivered(ctx context.Context, in MarkReturnedUndeliveredInput) (*models.Chalani, error) {
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opMarkReturned,
		action:    audit.ActionReturnedUndelivered,
		idemKey:   in.IdempotencyKey,
		reason:    in.Reason,
		decide: func(context.Context, *models.Chalani) (lifecycle.Status, error) {
			if in.Reason == "" {
				return "", dErrors.New(dErrors.CodeValidation, "return reason is required")
			}
			return lifecycle.ChalaniReturnedUndelivered, nil
		},
	})
}

// Resend dispatches a returned chalani again.
func (s *Service) Resend(ctx context.Context, in ResendChalaniInput) (*models.Chalani, error) {
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opResend,
		action:    audit.ActionResent,
		idemKey:   in.IdempotencyKey,
		decide: func(ctx context.Context, rec *models.Chalani) (lifecycle.Status, error) {
			now := requestcontext.Now(ctx)
			rec.Dispatch.DispatchedAt = &now
			rec.Dispatch.DeliveredAt = nil
			return lifecycle.ChalaniDispatched, nil
		},
	})
}

// Void terminates a live chalani; the reason is mandatory. A reserved but
// uncommitted allocation is burned alongside.
func (s *Service) Void(ctx context.Context, in VoidChalaniInput) (*models.Chalani, error) {
	rec, err := s.apply(ctx, in.ChalaniID, mutation{
		operation: opVoid,
		action:    audit.ActionVoided,
		idemKey:   in.IdempotencyKey,
		reason:    in.Reason,
		decide: func(context.Context, *models.Chalani) (lifecycle.Status, error) {
			if in.Reason == "" {
				return "", dErrors.New(dErrors.CodeValidation, "void reason is required")
			}
			return lifecycle.ChalaniVoided, nil
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
					"chalani_id", rec.ID.String(), "allocation_id", rec.AllocationID.String(), "error", verr)
			}
		}
	}
	return rec, nil
}

// Supersede terminates the target and creates its replacement in one atomic
// step, linking both records.
func (s *Service) Supersede(ctx context.Context, in SupersedeChalaniInput) (*models.Chalani, *models.Chalani, error) {
	ctx, span := s.tracer.Start(ctx, opSupersede)
	defer span.End()

	m := mutation{operation: opSupersede, action: audit.ActionSuperseded, idemKey: in.IdempotencyKey, reason: in.Reason}
	failBoth := func(err error) (*models.Chalani, *models.Chalani, error) {
		_, _ = s.fail(m, err)
		return nil, nil, err
	}

	if in.IdempotencyKey == "" {
		return failBoth(dErrors.New(dErrors.CodeValidation, "idempotency key is required"))
	}
	if in.Reason == "" {
		return failBoth(dErrors.New(dErrors.CodeValidation, "supersede reason is required"))
	}
	newIn := in.NewChalani
	if newIn.IdempotencyKey == "" {
		newIn.IdempotencyKey = in.IdempotencyKey
	}
	if err := validateCreate(newIn); err != nil {
		return failBoth(err)
	}

	digest := idempotency.Digest(opSupersede, in.IdempotencyKey)
	if successor, ok := s.replay(ctx, digest); ok {
		s.metrics.ObserveMutation(string(lifecycle.KindChalani), opSupersede, "replay")
		target, err := s.followSupersedes(ctx, successor)
		if err != nil {
			return nil, nil, err
		}
		return target, successor, nil
	}

	var lastErr error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		target, err := s.load(ctx, in.TargetChalaniID)
		if err != nil {
			return failBoth(err)
		}
		from := target.Status
		if lifecycle.IsTerminal(lifecycle.KindChalani, from) {
			err := &lifecycle.BadTransitionError{Kind: lifecycle.KindChalani, From: from, To: lifecycle.ChalaniSuperseded}
			return failBoth(dErrors.Wrap(err, dErrors.CodeBadTransition, "illegal chalani transition"))
		}

		now := requestcontext.Now(ctx)
		successorID := domain.NewChalaniID()
		successor := &models.Chalani{
			ID:                   successorID,
			Scope:                newIn.Scope,
			WardID:               newIn.WardID,
			FiscalYear:           s.fiscalYear,
			Status:               lifecycle.ChalaniDraft,
			Subject:              newIn.Subject,
			Body:                 newIn.Body,
			TemplateID:           newIn.TemplateID,
			LinkedDartaID:        newIn.LinkedDartaID,
			Recipient:            newIn.Recipient,
			RequiredSignatoryIDs: platformstrings.DedupeAndTrim(newIn.RequiredSignatoryIDs),
			AttachmentIDs:        platformstrings.DedupeAndTrim(newIn.AttachmentIDs),
			SupersedesID:         &target.ID,
			CreatedBy:            requestcontext.Actor(ctx).ID,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		target.Status = lifecycle.ChalaniSuperseded
		target.SupersededByID = &successorID
		target.UpdatedAt = now

		targetEntry := s.newEntry(ctx, target.ID.String(), mutation{
			operation: opSupersede,
			action:    audit.ActionSuperseded,
			reason:    in.Reason,
			metadata:  map[string]string{"superseded_by": successorID.String()},
		}, &from, lifecycle.ChalaniSuperseded, now)
		successorEntry := s.newEntry(ctx, successorID.String(), mutation{
			operation: opSupersede,
			action:    audit.ActionCreated,
			metadata:  map[string]string{"supersedes": target.ID.String()},
		}, nil, lifecycle.ChalaniDraft, now)
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
			s.metrics.ObserveMutation(string(lifecycle.KindChalani), opSupersede, "ok")
			s.logger.InfoContext(ctx, "chalani superseded",
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
				s.metrics.ObserveMutation(string(lifecycle.KindChalani), opSupersede, "replay")
				target, terr := s.followSupersedes(ctx, successor)
				if terr != nil {
					return nil, nil, terr
				}
				return target, successor, nil
			}
			return failBoth(dErrors.Wrap(err, dErrors.CodeConflict, "idempotency key raced"))
		case errors.Is(err, sentinel.ErrNotFound):
			return failBoth(dErrors.Newf(dErrors.CodeNotFound, "chalani %s not found", in.TargetChalaniID))
		default:
			return failBoth(dErrors.Wrap(err, dErrors.CodeInternal, "supersede chalani"))
		}
	}
	return failBoth(dErrors.Wrap(lastErr, dErrors.CodeConflict, "chalani modified concurrently"))
}

func (s *Service) followSupersedes(ctx context.Context, successor *models.Chalani) (*models.Chalani, error) {
	if successor.SupersedesID == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "superseding record lost its back-reference")
	}
	return s.load(ctx, *successor.SupersedesID)
}

// Close completes a delivered chalani.
func (s *Service) Close(ctx context.Context, in CloseChalaniInput) (*models.Chalani, error) {
	return s.apply(ctx, in.ChalaniID, mutation{
		operation: opClose,
		action:    audit.ActionClosed,
		idemKey:   in.IdempotencyKey,
		decide: func(context.Context, *models.Chalani) (lifecycle.Status, error) {
			return lifecycle.ChalaniClosed, nil
		},
	})
}

// ---- queries ----

// Get returns one chalani with its full audit trail attached.
func (s *Service) Get(ctx context.Context, id domain.ChalaniID) (*models.Chalani, error) {
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

// GetByNumber resolves a chalani by its formatted register number components.
func (s *Service) GetByNumber(ctx context.Context, number int64, fiscalYear string, scope models.Scope, wardID string) (*models.Chalani, error) {
	key := numbermodels.CounterKey{
		Scope:        scope,
		DocumentType: numbermodels.DocumentTypeChalani,
		FiscalYear:   fiscalYear,
		WardID:       wardID,
	}
	if err := key.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid number lookup")
	}
	rec, err := s.store.GetByNumber(ctx, numbermodels.FormatNumber(key, number))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no chalani with number %d in %s", number, fiscalYear)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "get chalani by number")
	}
	return rec, nil
}

// List returns a filtered, paginated page plus the total match count.
func (s *Service) List(ctx context.Context, filter models.ListFilter) ([]*models.Chalani, int, error) {
	records, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, 0, dErrors.Wrap(err, dErrors.CodeInternal, "list chalani")
	}
	return records, total, nil
}

// Stats returns record counts grouped by status.
func (s *Service) Stats(ctx context.Context, filter models.ListFilter) (models.Stats, error) {
	stats, err := s.store.Stats(ctx, filter)
	if err != nil {
		return models.Stats{}, dErrors.Wrap(err, dErrors.CodeInternal, "chalani stats")
	}
	return stats, nil
}
