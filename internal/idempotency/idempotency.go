// Package idempotency maps a caller-supplied key to the entity a mutation
// produced, scoped per operation kind. A replayed key short-circuits the
// mutation and returns the original result; the check-and-insert runs inside
// the same atomic unit as the mutation it protects.
package idempotency

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Digest normalizes an arbitrary caller key into a fixed-width token. Keys
// are caller-chosen and unbounded; hashing keeps the index uniform and avoids
// persisting whatever the caller put in the header.
func Digest(operation, key string) string {
	sum := blake2b.Sum256([]byte(operation + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// Record binds a digest to the entity its mutation produced.
type Record struct {
	Digest    string
	Operation string
	EntityID  string
	CreatedAt time.Time
}
