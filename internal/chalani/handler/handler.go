// Package handler exposes the chalani orchestrator over HTTP. Each route is a
// thin adapter: decode, call the service, map the coded error or write the
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

	"dartachalani/internal/chalani/models"
	"dartachalani/internal/chalani/service"
	"dartachalani/internal/lifecycle"
	"dartachalani/internal/platform/metrics"
	"dartachalani/internal/platform/middleware"
	"dartachalani/pkg/domain"
	dErrors "dartachalani/pkg/domain-errors"
	"dartachalani/pkg/platform/httputil"
)

// Service is the orchestrator surface the handler consumes.
type Service interface {
	Create(ctx context.Context, in service.CreateChalaniInput) (*models.Chalani, error)
	Submit(ctx context.Context, in service.SubmitChalaniInput) (*models.Chalani, error)
	Review(ctx context.Context, in service.ReviewChalaniInput) (*models.Chalani, error)
	Approve(ctx context.Context, in service.ApproveChalaniInput) (*models.Chalani, error)
	ReserveNumber(ctx context.Context, in service.ReserveChalaniNumberInput) (*models.Chalani, error)
	FinalizeRegistration(ctx context.Context, in service.FinalizeChalaniRegistrationInput) (*models.Chalani, error)
	DirectRegister(ctx context.Context, in service.DirectRegisterChalaniInput) (*models.Chalani, error)
	Sign(ctx context.Context, in service.SignChalaniInput) (*models.Chalani, error)
	Seal(ctx context.Context, in service.SealChalaniInput) (*models.Chalani, error)
	Dispatch(ctx context.Context, in service.DispatchChalaniInput) (*models.Chalani, error)
	MarkInTransit(ctx context.Context, in service.MarkInTransitInput) (*models.Chalani, error)
	Acknowledge(ctx context.Context, in service.AcknowledgeChalaniInput) (*models.Chalani, error)
	MarkDelivered(ctx context.Context, in service.MarkDeliveredInput) (*models.Chalani, error)
	MarkReturnedUndelivered(ctx context.Context, in service.MarkReturnedUndeliveredInput) (*models.Chalani, error)
	Resend(ctx context.Context, in service.ResendChalaniInput) (*models.Chalani, error)
	Void(ctx context.Context, in service.VoidChalaniInput) (*models.Chalani, error)
	Supersede(ctx context.Context, in service.SupersedeChalaniInput) (*models.Chalani, *models.Chalani, error)
	Close(ctx context.Context, in service.CloseChalaniInput) (*models.Chalani, error)
	Get(ctx context.Context, id domain.ChalaniID) (*models.Chalani, error)
	GetByNumber(ctx context.Context, number int64, fiscalYear string, scope models.Scope, wardID string) (*models.Chalani, error)
	List(ctx context.Context, filter models.ListFilter) ([]*models.Chalani, int, error)
	Stats(ctx context.Context, filter models.ListFilter) (models.Stats, error)
}

type Handler struct {
	logger       *slog.Logger
	chalani      Service
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

func New(chalani Service, logger *slog.Logger, m *metrics.Metrics, jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		chalani:      chalani,
		metrics:      m,
		jwtValidator: jwtValidator,
	}
}

// Register mounts the chalani routes with the standard middleware chain.
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
	router.Post("/{id}/submit", h.handleSubmit)
	router.Post("/{id}/review", h.handleReview)
	router.Post("/{id}/approve", h.handleApprove)
	router.Post("/{id}/reserve-number", h.handleReserveNumber)
	router.Post("/{id}/finalize-registration", h.handleFinalizeRegistration)
	router.Post("/{id}/direct-register", h.handleDirectRegister)
	router.Post("/{id}/sign", h.handleSign)
	router.Post("/{id}/seal", h.handleSeal)
	router.Post("/{id}/dispatch", h.handleDispatch)
	router.Post("/{id}/mark-in-transit", h.handleMarkInTransit)
	router.Post("/{id}/acknowledge", h.handleAcknowledge)
	router.Post("/{id}/mark-delivered", h.handleMarkDelivered)
	router.Post("/{id}/mark-returned", h.handleMarkReturned)
	router.Post("/{id}/resend", h.handleResend)
	router.Post("/{id}/void", h.handleVoid)
	router.Post("/{id}/supersede", h.handleSupersede)
	router.Post("/{id}/close", h.handleClose)

	r.Mount("/chalani", router)
}

func (h *Handler) chalaniID(w http.ResponseWriter, r *http.Request) (domain.ChalaniID, bool) {
	id, err := domain.ParseChalaniID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid chalani id"))
		return domain.ChalaniID{}, false
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
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, rec *models.Chalani, err error, op string) {
	if err != nil {
		if dErrors.CodeOf(err) == dErrors.CodeInternal {
			h.logger.ErrorContext(r.Context(), "chalani operation failed", "operation", op, "error", err.Error())
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromChalani(rec))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createChalaniRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.Create(r.Context(), req.toInput())
	if err != nil {
		h.writeResult(w, r, nil, err, "create")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromChalani(rec))
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.Submit(r.Context(), service.SubmitChalaniInput{
		ChalaniID:      id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "submit")
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req reviewChalaniRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.Review(r.Context(), service.ReviewChalaniInput{
		ChalaniID:      id,
		Decision:       service.ReviewDecision(req.Decision),
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "review")
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req approveChalaniRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.Approve(r.Context(), service.ApproveChalaniInput{
		ChalaniID:      id,
		Decision:       service.ApprovalDecision(req.Decision),
		Notes:          req.Notes,
		Reason:         req.Reason,
		DelegateToID:   req.DelegateToID,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "approve")
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
	id, ok := h.chalaniID(w, r)
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
	rec, err := h.chalani.ReserveNumber(r.Context(), service.ReserveChalaniNumberInput{
		ChalaniID:      id,
		AllocationID:   allocationID,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "reserve_number")
}

func (h *Handler) handleFinalizeRegistration(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
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
	rec, err := h.chalani.FinalizeRegistration(r.Context(), service.FinalizeChalaniRegistrationInput{
		ChalaniID:      id,
		AllocationID:   allocationID,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "finalize_registration")
}

func (h *Handler) handleDirectRegister(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.DirectRegister(r.Context(), service.DirectRegisterChalaniInput{
		ChalaniID:      id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "direct_register")
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.Sign(r.Context(), service.SignChalaniInput{
		ChalaniID:      id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "sign")
}

func (h *Handler) handleSeal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.Seal(r.Context(), service.SealChalaniInput{
		ChalaniID:      id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "seal")
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req dispatchChalaniRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.Dispatch(r.Context(), service.DispatchChalaniInput{
		ChalaniID:           id,
		DispatchChannel:     models.DispatchChannel(req.DispatchChannel),
		TrackingID:          req.TrackingID,
		CourierName:         req.CourierName,
		ScheduledDispatchAt: req.ScheduledDispatchAt,
		IdempotencyKey:      req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "dispatch")
}

func (h *Handler) handleMarkInTransit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req markInTransitRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.MarkInTransit(r.Context(), service.MarkInTransitInput{
		ChalaniID:      id,
		TrackingID:     req.TrackingID,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "mark_in_transit")
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req notesRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.Acknowledge(r.Context(), service.AcknowledgeChalaniInput{
		ChalaniID:      id,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "acknowledge")
}

func (h *Handler) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.MarkDelivered(r.Context(), service.MarkDeliveredInput{
		ChalaniID:      id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "mark_delivered")
}

func (h *Handler) handleMarkReturned(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.MarkReturnedUndelivered(r.Context(), service.MarkReturnedUndeliveredInput{
		ChalaniID:      id,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "mark_returned_undelivered")
}

func (h *Handler) handleResend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.Resend(r.Context(), service.ResendChalaniInput{
		ChalaniID:      id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "resend")
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.Void(r.Context(), service.VoidChalaniInput{
		ChalaniID:      id,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "void")
}

func (h *Handler) handleSupersede(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req supersedeChalaniRequest
	if !decode(w, r, &req) {
		return
	}
	target, successor, err := h.chalani.Supersede(r.Context(), service.SupersedeChalaniInput{
		TargetChalaniID: id,
		Reason:          req.Reason,
		NewChalani:      req.NewChalani.toInput(),
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		h.writeResult(w, r, nil, err, "supersede")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, supersedeChalaniResponse{
		Superseded: fromChalani(target),
		Successor:  fromChalani(successor),
	})
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	var req idempotencyOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.chalani.Close(r.Context(), service.CloseChalaniInput{
		ChalaniID:      id,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.writeResult(w, r, rec, err, "close")
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chalaniID(w, r)
	if !ok {
		return
	}
	rec, err := h.chalani.Get(r.Context(), id)
	h.writeResult(w, r, rec, err, "get")
}

func (h *Handler) handleGetByNumber(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	number, err := strconv.ParseInt(q.Get("number"), 10, 64)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid number"))
		return
	}
	rec, gerr := h.chalani.GetByNumber(r.Context(), number, q.Get("fiscalYear"),
		models.Scope(q.Get("scope")), q.Get("wardId"))
	h.writeResult(w, r, rec, gerr, "get_by_number")
}

func listFilter(r *http.Request) models.ListFilter {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return models.ListFilter{
		Status:     lifecycle.Status(q.Get("status")),
		Scope:      models.Scope(q.Get("scope")),
		WardID:     q.Get("wardId"),
		FiscalYear: q.Get("fiscalYear"),
		Limit:      limit,
		Offset:     offset,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	records, total, err := h.chalani.List(r.Context(), listFilter(r))
	if err != nil {
		h.writeResult(w, r, nil, err, "list")
		return
	}
	resp := listChalaniResponse{Items: make([]chalaniResponse, 0, len(records)), Total: total}
	for _, rec := range records {
		resp.Items = append(resp.Items, fromChalani(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.chalani.Stats(r.Context(), listFilter(r))
	if err != nil {
		h.writeResult(w, r, nil, err, "stats")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromStats(stats))
}
