// Package handler exposes the darta orchestrator over HTTP. Routes are thin
// adapters around the service: decode, call, map the coded error or write the
// record back.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"dartachalani/internal/darta/models"
	"dartachalani/internal/darta/service"
	"dartachalani/internal/lifecycle"
	"dartachalani/internal/platform/metrics"
	"dartachalani/internal/platform/middleware"
	"dartachalani/pkg/domain"
	dErrors "dartachalani/pkg/domain-errors"
	"dartachalani/pkg/platform/httputil"
)

// Service is the orchestrator surface the handler consumes.
type Service interface {
	Create(ctx context.Context, in service.CreateDartaInput) (*models.Darta, error)
	SubmitForReview(ctx context.Context, in service.SubmitDartaForReviewInput) (*models.Darta, error)
	Classify(ctx context.Context, in service.ClassifyDartaInput) (*models.Darta, error)
	ReserveNumber(ctx context.Context, in service.ReserveDartaNumberInput) (*models.Darta, error)
	FinalizeRegistration(ctx context.Context, in service.FinalizeDartaRegistrationInput) (*models.Darta, error)
	DirectRegister(ctx context.Context, in service.DirectRegisterDartaInput) (*models.Darta, error)
	Route(ctx context.Context, in service.RouteDartaInput) (*models.Darta, error)
	Scan(ctx context.Context, in service.ScanDartaInput) (*models.Darta, error)
	EnrichMetadata(ctx context.Context, in service.EnrichDartaMetadataInput) (*models.Darta, error)
	FinalizeArchive(ctx context.Context, in service.FinalizeDartaArchiveInput) (*models.Darta, error)
	StartSectionReview(ctx context.Context, in service.StartSectionReviewInput) (*models.Darta, error)
	SectionReview(ctx context.Context, in service.SectionReviewInput) (*models.Darta, error)
	RequestClarification(ctx context.Context, in service.RequestClarificationInput) (*models.Darta, error)
	ProvideClarification(ctx context.Context, in service.ProvideClarificationInput) (*models.Darta, error)
	Accept(ctx context.Context, in service.AcceptDartaInput) (*models.Darta, error)
	MarkAction(ctx context.Context, in service.MarkDartaActionInput) (*models.Darta, error)
	IssueResponse(ctx context.Context, in service.IssueDartaResponseInput) (*models.Darta, error)
	RequestAck(ctx context.Context, in service.RequestDartaAckInput) (*models.Darta, error)
	ReceiveAck(ctx context.Context, in service.ReceiveDartaAckInput) (*models.Darta, error)
	Void(ctx context.Context, in service.VoidDartaInput) (*models.Darta, error)
	Supersede(ctx context.Context, in service.SupersedeDartaInput) (*models.Darta, *models.Darta, error)
	Close(ctx context.Context, in service.CloseDartaInput) (*models.Darta, error)
	Get(ctx context.Context, id domain.DartaID) (*models.Darta, error)
	GetByNumber(ctx context.Context, number int64, fiscalYear string, scope models.Scope, wardID string) (*models.Darta, error)
	List(ctx context.Context, filter models.ListFilter) ([]*models.Darta, int, error)
	Stats(ctx context.Context, filter models.ListFilter) (models.Stats, error)
}

type Handler struct {
	logger       *slog.Logger
	darta        Service
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

func New(darta Service, logger *slog.Logger, m *metrics.Metrics, jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		darta:        darta,
		metrics:      m,
		jwtValidator: jwtValidator,
	}
}

// Register mounts the darta routes with the standard middleware chain.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.Recovery(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RequestTime)
	router.Use(middleware.Metadata)
	router.Use(middleware.Logger(h.logger))
	router.Use(middleware.Timeout(30 * time.Second))
	router.Use(middleware.ContentTypeJSON)
	router.Use(middleware.Latency(h.metrics))
	router.Use(middleware.RequireAuth(h.jwtValidator, h.logger))

	router.Post("/", h.handleCreate)
	router.Get("/", h.handleList)
	router.Get("/stats", h.handleStats)
	router.Get("/by-number", h.handleGetByNumber)
	router.Get("/{id}", h.handleGet)
	router.Post("/{id}/submit-review", h.handleSubmitForReview)
	router.Post("/{id}/classify", h.handleClassify)
	router.Post("/{id}/reserve-number", h.handleReserveNumber)
	router.Post("/{id}/finalize-registration", h.handleFinalizeRegistration)
	router.Post("/{id}/direct-register", h.handleDirectRegister)
	router.Post("/{id}/route", h.handleRoute)
	router.Post("/{id}/scan", h.handleScan)
	router.Post("/{id}/enrich-metadata", h.handleEnrichMetadata)
	router.Post("/{id}/finalize-archive", h.handleFinalizeArchive)
	router.Post("/{id}/start-section-review", h.handleStartSectionReview)
	router.Post("/{id}/section-review", h.handleSectionReview)
	router.Post("/{id}/request-clarification", h.handleRequestClarification)
	router.Post("/{id}/provide-clarification", h.handleProvideClarification)
	router.Post("/{id}/accept", h.handleAccept)
	router.Post("/{id}/mark-action", h.handleMarkAction)
	router.Post("/{id}/issue-response", h.handleIssueResponse)
	router.Post("/{id}/request-ack", h.handleRequestAck)
	router.Post("/{id}/receive-ack", h.handleReceiveAck)
	router.Post("/{id}/void", h.handleVoid)
	router.Post("/{id}/supersede", h.handleSupersede)
	router.Post("/{id}/close", h.handleClose)

	r.Mount("/darta", router)
}

func (h *Handler) dartaID(w http.ResponseWriter, r *http.Request) (domain.DartaID, bool) {
	id, err := domain.ParseDartaID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid darta id"))
		return domain.DartaID{}, false
	}
	return id, true
}

func decode[T any](w http.ResponseWriter, r *http.Request, dst *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return false
	}
	return true
}

// writeResult logs non-client errors and writes either the error or the
// updated record.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, rec *models.Darta, err error, op string) {
	if err != nil {
		if dErrors.CodeOf(err) == dErrors.CodeInternal {
			h.logger.ErrorContext(r.Context(), "darta operation failed", "operation", op, "error", err.Error())
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromDarta(rec))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createDartaRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.Create(r.Context(), req.toInput())
	if err != nil {
		h.writeResult(w, r, nil, err, "create")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromDarta(rec))
}

func (h *Handler) handleSubmitForReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.SubmitForReview(r.Context(), service.SubmitDartaForReviewInput{
		DartaID:        id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "submit_for_review")
}

func (h *Handler) handleClassify(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req classifyDartaRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.Classify(r.Context(), service.ClassifyDartaInput{
		DartaID:            id,
		ClassificationCode: req.ClassificationCode,
		Notes:              req.Notes,
		IdempotencyKey:     req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "classify")
}

func (h *Handler) allocationID(w http.ResponseWriter, raw string) (domain.AllocationID, bool) {
	if raw == "" {
		return domain.AllocationID{}, true
	}
	id, err := domain.ParseAllocationID(raw)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid allocation id"))
		return domain.AllocationID{}, false
	}
	return id, true
}

func (h *Handler) handleReserveNumber(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req allocationRequest
	if !decode(w, r, &req) {
		return
	}
	allocationID, ok := h.allocationID(w, req.AllocationID)
	if !ok {
		return
	}
	rec, err := h.darta.ReserveNumber(r.Context(), service.ReserveDartaNumberInput{
		DartaID:        id,
		AllocationID:   allocationID,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "reserve_number")
}

func (h *Handler) handleFinalizeRegistration(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req allocationRequest
	if !decode(w, r, &req) {
		return
	}
	allocationID, ok := h.allocationID(w, req.AllocationID)
	if !ok {
		return
	}
	rec, err := h.darta.FinalizeRegistration(r.Context(), service.FinalizeDartaRegistrationInput{
		DartaID:        id,
		AllocationID:   allocationID,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "finalize_registration")
}

func (h *Handler) handleDirectRegister(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.DirectRegister(r.Context(), service.DirectRegisterDartaInput{
		DartaID:        id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "direct_register")
}

func (h *Handler) handleRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req routeDartaRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.Route(r.Context(), service.RouteDartaInput{
		DartaID:              id,
		OrganizationalUnitID: req.OrganizationalUnitID,
		AssigneeID:           req.AssigneeID,
		Priority:             models.Priority(req.Priority),
		SLAHours:             req.SLAHours,
		Notes:                req.Notes,
		IdempotencyKey:       req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "route")
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req scanDartaRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.Scan(r.Context(), service.ScanDartaInput{
		DartaID:           id,
		ScannedDocumentID: req.ScannedDocumentID,
		IdempotencyKey:    req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "scan")
}

func (h *Handler) handleEnrichMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req enrichMetadataRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.EnrichMetadata(r.Context(), service.EnrichDartaMetadataInput{
		DartaID:        id,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "enrich_metadata")
}

func (h *Handler) handleFinalizeArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req finalizeArchiveRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.FinalizeArchive(r.Context(), service.FinalizeDartaArchiveInput{
		DartaID:        id,
		ArchiveID:      req.ArchiveID,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "finalize_archive")
}

func (h *Handler) handleStartSectionReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.StartSectionReview(r.Context(), service.StartSectionReviewInput{
		DartaID:        id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "start_section_review")
}

func (h *Handler) handleSectionReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req sectionReviewRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.SectionReview(r.Context(), service.SectionReviewInput{
		DartaID:        id,
		Decision:       service.SectionReviewDecision(req.Decision),
		Notes:          req.Notes,
		RequestedInfo:  req.RequestedInfo,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "section_review")
}

func (h *Handler) handleRequestClarification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req requestClarificationRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.RequestClarification(r.Context(), service.RequestClarificationInput{
		DartaID:        id,
		RequestedInfo:  req.RequestedInfo,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "request_clarification")
}

func (h *Handler) handleProvideClarification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req notesRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.ProvideClarification(r.Context(), service.ProvideClarificationInput{
		DartaID:        id,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "provide_clarification")
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.Accept(r.Context(), service.AcceptDartaInput{
		DartaID:        id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "accept")
}

func (h *Handler) handleMarkAction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req notesRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.MarkAction(r.Context(), service.MarkDartaActionInput{
		DartaID:        id,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "mark_action")
}

func (h *Handler) handleIssueResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req issueResponseRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.IssueResponse(r.Context(), service.IssueDartaResponseInput{
		DartaID:           id,
		ResponseChalaniID: req.ResponseChalaniID,
		IdempotencyKey:    req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "issue_response")
}

func (h *Handler) handleRequestAck(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.RequestAck(r.Context(), service.RequestDartaAckInput{
		DartaID:        id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "request_ack")
}

func (h *Handler) handleReceiveAck(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.ReceiveAck(r.Context(), service.ReceiveDartaAckInput{
		DartaID:        id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "receive_ack")
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.Void(r.Context(), service.VoidDartaInput{
		DartaID:        id,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "void")
}

func (h *Handler) handleSupersede(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req supersedeDartaRequest
	if !decode(w, r, &req) {
		return
	}
	target, successor, err := h.darta.Supersede(r.Context(), service.SupersedeDartaInput{
		TargetDartaID:  id,
		Reason:         req.Reason,
		NewDarta:       req.NewDarta.toInput(),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeResult(w, r, nil, err, "supersede")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, supersedeDartaResponse{
		Superseded: fromDarta(target),
		Successor:  fromDarta(successor),
	})
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.darta.Close(r.Context(), service.CloseDartaInput{
		DartaID:        id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "close")
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dartaID(w, r)
	if !ok {
		return
	}
	rec, err := h.darta.Get(r.Context(), id)
	h.writeResult(w, r, rec, err, "get")
}

func (h *Handler) handleGetByNumber(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	number, err := strconv.ParseInt(q.Get("number"), 10, 64)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid number"))
		return
	}
	rec, gerr := h.darta.GetByNumber(r.Context(), number, q.Get("fiscalYear"),
		models.Scope(q.Get("scope")), q.Get("wardId"))
	h.writeResult(w, r, rec, gerr, "get_by_number")
}

func listFilter(r *http.Request) models.ListFilter {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return models.ListFilter{
		Status:               lifecycle.Status(q.Get("status")),
		Scope:                models.Scope(q.Get("scope")),
		WardID:               q.Get("wardId"),
		FiscalYear:           q.Get("fiscalYear"),
		OrganizationalUnitID: q.Get("organizationalUnitId"),
		AssigneeID:           q.Get("assigneeId"),
		Priority:             models.Priority(q.Get("priority")),
		Limit:                limit,
		Offset:               offset,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	records, total, err := h.darta.List(r.Context(), listFilter(r))
	if err != nil {
		h.writeResult(w, r, nil, err, "list")
		return
	}
	resp := listDartaResponse{Items: make([]dartaResponse, 0, len(records)), Total: total}
	for _, rec := range records {
		resp.Items = append(resp.Items, fromDarta(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.darta.Stats(r.Context(), listFilter(r))
	if err != nil {
		h.writeResult(w, r, nil, err, "stats")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromStats(stats))
}
