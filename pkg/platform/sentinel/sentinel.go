package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers
// return these (optionally wrapped) so services can translate them into domain
// errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrConflict: concurrent writer won the version race; caller should retry
// - ErrExpired: provisional allocation outlived its TTL
// - ErrAlreadyUsed: idempotency key already consumed by another operation kind
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrLocked: counter under administrative hold
// - ErrUnavailable: service or resource temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrLocked       = errors.New("locked")
	ErrUnavailable  = errors.New("unavailable")
)
