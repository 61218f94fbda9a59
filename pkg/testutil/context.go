package testutil

import (
	"net/http"
	"time"

	"dartachalani/pkg/requestcontext"
)

// WithActor stamps the request context with an authenticated actor, the way
// the auth middleware would after validating a bearer token.
func WithActor(req *http.Request, actorID string, roles ...string) *http.Request {
	ctx := requestcontext.WithActor(req.Context(), requestcontext.ActorInfo{ID: actorID, Roles: roles})
	return req.WithContext(ctx)
}

// WithRequestTime pins the request clock so handlers under test produce
// deterministic timestamps.
func WithRequestTime(req *http.Request, at time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), at))
}
