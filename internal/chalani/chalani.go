package chalani

import (
	"log/slog"

	"dartachalani/internal/audit"
	"dartachalani/internal/chalani/handler"
	"dartachalani/internal/chalani/service"
	"dartachalani/internal/idempotency"
	"dartachalani/internal/platform/metrics"
	"dartachalani/internal/platform/middleware"
)

// Service orchestrates the chalani lifecycle.
type Service = service.Service

// Handler wires HTTP endpoints to the chalani service.
type Handler = handler.Handler

// NewService constructs the chalani orchestrator.
func NewService(store service.Store, alloc service.Allocator, idem idempotency.Store, auditLog audit.Store, opts ...service.Option) (*Service, error) {
	return service.New(store, alloc, idem, auditLog, opts...)
}

// NewHandler constructs the HTTP handler for chalani routes.
func NewHandler(s *Service, logger *slog.Logger, m *metrics.Metrics, jwtValidator middleware.JWTValidator) *Handler {
	return handler.New(s, logger, m, jwtValidator)
}
