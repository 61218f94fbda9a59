// Package handler exposes the number allocator's administrative surface:
// direct allocation, allocation lookup and void, counter inspection, locks,
// and fiscal-year rollover.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dartachalani/internal/numbering/models"
	"dartachalani/internal/numbering/service"
	"dartachalani/internal/platform/metrics"
	"dartachalani/internal/platform/middleware"
	"dartachalani/pkg/domain"
	dErrors "dartachalani/pkg/domain-errors"
	"dartachalani/pkg/platform/httputil"
)

type Handler struct {
	logger       *slog.Logger
	allocator    *service.Service
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

func New(allocator *service.Service, logger *slog.Logger, m *metrics.Metrics, jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		allocator:    allocator,
		metrics:      m,
		jwtValidator: jwtValidator,
	}
}

// Register mounts the numbering routes with the standard middleware chain.
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

	router.Post("/allocations", h.handleAllocate)
	router.Get("/allocations/{id}", h.handleGetAllocation)
	router.Post("/allocations/{id}/void", h.handleVoidAllocation)
	router.Get("/counters", h.handleGetCounter)
	router.Post("/counters/lock", h.handleLockCounter)
	router.Post("/counters/unlock", h.handleUnlockCounter)
	router.Post("/counters/rollover", h.handleRollover)

	r.Mount("/numbering", router)
}

type allocateRequest struct {
	Scope          string `json:"scope"`
	DocumentType   string `json:"documentType"`
	FiscalYear     string `json:"fiscalYear"`
	WardID         string `json:"wardId,omitempty"`
	TTLSeconds     int    `json:"ttlSeconds,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type counterKeyRequest struct {
	Scope        string `json:"scope"`
	DocumentType string `json:"documentType"`
	FiscalYear   string `json:"fiscalYear"`
	WardID       string `json:"wardId,omitempty"`
}

func (r counterKeyRequest) toKey() models.CounterKey {
	return models.CounterKey{
		Scope:        models.Scope(r.Scope),
		DocumentType: models.DocumentType(r.DocumentType),
		FiscalYear:   r.FiscalYear,
		WardID:       r.WardID,
	}
}

type rolloverRequest struct {
	Scope         string `json:"scope"`
	WardID        string `json:"wardId,omitempty"`
	NewFiscalYear string `json:"newFiscalYear"`
}

type voidAllocationRequest struct {
	Reason string `json:"reason"`
}

type allocationResponse struct {
	ID                  string     `json:"id"`
	Scope               string     `json:"scope"`
	DocumentType        string     `json:"documentType"`
	FiscalYear          string     `json:"fiscalYear"`
	WardID              string     `json:"wardId,omitempty"`
	Number              int64      `json:"number"`
	FormattedNumber     string     `json:"formattedNumber"`
	Status              string     `json:"status"`
	CommittedEntityID   string     `json:"committedEntityId,omitempty"`
	CommittedEntityType string     `json:"committedEntityType,omitempty"`
	VoidReason          string     `json:"voidReason,omitempty"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

func fromAllocation(alloc models.Allocation) allocationResponse {
	return allocationResponse{
		ID:                  alloc.ID.String(),
		Scope:               string(alloc.Key.Scope),
		DocumentType:        string(alloc.Key.DocumentType),
		FiscalYear:          alloc.Key.FiscalYear,
		WardID:              alloc.Key.WardID,
		Number:              alloc.Number,
		FormattedNumber:     alloc.FormattedNumber,
		Status:              string(alloc.Status),
		CommittedEntityID:   alloc.CommittedEntityID,
		CommittedEntityType: alloc.CommittedEntityType,
		VoidReason:          alloc.VoidReason,
		ExpiresAt:           alloc.ExpiresAt,
		CreatedAt:           alloc.CreatedAt,
		UpdatedAt:           alloc.UpdatedAt,
	}
}

type counterResponse struct {
	Scope        string    `json:"scope"`
	DocumentType string    `json:"documentType"`
	FiscalYear   string    `json:"fiscalYear"`
	WardID       string    `json:"wardId,omitempty"`
	CurrentValue int64     `json:"currentValue"`
	Locked       bool      `json:"locked"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func fromCounter(counter models.Counter) counterResponse {
	return counterResponse{
		Scope:        string(counter.Key.Scope),
		DocumentType: string(counter.Key.DocumentType),
		FiscalYear:   counter.Key.FiscalYear,
		WardID:       counter.Key.WardID,
		CurrentValue: counter.CurrentValue,
		Locked:       counter.Locked,
		UpdatedAt:    counter.UpdatedAt,
	}
}

func decode[T any](w http.ResponseWriter, r *http.Request, dst *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return false
	}
	return true
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error, op string) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(r.Context(), "numbering operation failed", "operation", op, "error", err.Error())
	}
	httputil.WriteError(w, err)
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if !decode(w, r, &req) {
		return
	}
	alloc, err := h.allocator.Allocate(r.Context(), service.AllocateInput{
		Scope:          models.Scope(req.Scope),
		DocumentType:   models.DocumentType(req.DocumentType),
		FiscalYear:     req.FiscalYear,
		WardID:         req.WardID,
		IdempotencyKey: req.IdempotencyKey,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeErr(w, r, err, "allocate")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromAllocation(alloc))
}

func (h *Handler) allocationID(w http.ResponseWriter, r *http.Request) (domain.AllocationID, bool) {
	id, err := domain.ParseAllocationID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid allocation id"))
		return domain.AllocationID{}, false
	}
	return id, true
}

func (h *Handler) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.allocationID(w, r)
	if !ok {
		return
	}
	alloc, err := h.allocator.Get(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err, "get_allocation")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromAllocation(alloc))
}

func (h *Handler) handleVoidAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.allocationID(w, r)
	if !ok {
		return
	}
	var req voidAllocationRequest
	if !decode(w, r, &req) {
		return
	}
	alloc, err := h.allocator.Void(r.Context(), id, req.Reason)
	if err != nil {
		h.writeErr(w, r, err, "void_allocation")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromAllocation(alloc))
}

func (h *Handler) handleGetCounter(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := models.CounterKey{
		Scope:        models.Scope(q.Get("scope")),
		DocumentType: models.DocumentType(q.Get("documentType")),
		FiscalYear:   q.Get("fiscalYear"),
		WardID:       q.Get("wardId"),
	}
	counter, err := h.allocator.Counter(r.Context(), key)
	if err != nil {
		h.writeErr(w, r, err, "get_counter")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromCounter(counter))
}

func (h *Handler) handleLockCounter(w http.ResponseWriter, r *http.Request) {
	h.handleSetLock(w, r, true)
}

func (h *Handler) handleUnlockCounter(w http.ResponseWriter, r *http.Request) {
	h.handleSetLock(w, r, false)
}

func (h *Handler) handleSetLock(w http.ResponseWriter, r *http.Request, locked bool) {
	var req counterKeyRequest
	if !decode(w, r, &req) {
		return
	}
	var err error
	if locked {
		err = h.allocator.LockCounter(r.Context(), req.toKey())
	} else {
		err = h.allocator.UnlockCounter(r.Context(), req.toKey())
	}
	if err != nil {
		h.writeErr(w, r, err, "set_counter_lock")
		return
	}
	counter, err := h.allocator.Counter(r.Context(), req.toKey())
	if err != nil {
		h.writeErr(w, r, err, "set_counter_lock")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromCounter(counter))
}

func (h *Handler) handleRollover(w http.ResponseWriter, r *http.Request) {
	var req rolloverRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.allocator.RolloverFiscalYear(r.Context(), models.Scope(req.Scope), req.WardID, req.NewFiscalYear); err != nil {
		h.writeErr(w, r, err, "rollover")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"scope":      req.Scope,
		"fiscalYear": req.NewFiscalYear,
		"status":     "opened",
	})
}
