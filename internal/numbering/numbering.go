package numbering

import (
	"log/slog"

	"dartachalani/internal/numbering/handler"
	"dartachalani/internal/numbering/service"
	"dartachalani/internal/platform/metrics"
	"dartachalani/internal/platform/middleware"
)

// Service is the number allocator.
type Service = service.Service

// Handler wires the allocator's administrative HTTP surface.
type Handler = handler.Handler

// NewService constructs the allocator on top of a counter store.
func NewService(store service.Store, opts ...service.Option) (*Service, error) {
	return service.New(store, opts...)
}

// NewHandler constructs the HTTP handler for numbering routes.
func NewHandler(s *Service, logger *slog.Logger, m *metrics.Metrics, jwtValidator middleware.JWTValidator) *Handler {
	return handler.New(s, logger, m, jwtValidator)
}
