package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	platformjwt "dartachalani/internal/platform/jwt"
	dErrors "dartachalani/pkg/domain-errors"
	"dartachalani/pkg/platform/httputil"
	"dartachalani/pkg/requestcontext"
)

// JWTValidator verifies an access token and returns its claims.
type JWTValidator interface {
	ValidateToken(tokenString string) (*platformjwt.Claims, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// resolved actor in context for audit entries.
func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const bearerPrefix = "Bearer "
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing bearer token"))
				return
			}
			claims, err := validator.ValidateToken(strings.TrimPrefix(authHeader, bearerPrefix))
			if err != nil {
				logger.WarnContext(r.Context(), "token validation failed",
					"request_id", requestcontext.RequestID(r.Context()),
					"error", err.Error(),
				)
				httputil.WriteError(w, err)
				return
			}
			ctx := requestcontext.WithActor(r.Context(), requestcontext.ActorInfo{
				ID:    claims.ActorID,
				Roles: claims.Roles,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
