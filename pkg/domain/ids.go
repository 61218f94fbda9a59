// Package domain provides strongly typed identifiers shared across the
// service. Typed IDs prevent cross-entity assignment at compile time: a
// DartaID can never be passed where a ChalaniID is expected.
package domain

import "github.com/google/uuid"

// DartaID identifies an incoming correspondence record.
type DartaID uuid.UUID

// ChalaniID identifies an outgoing correspondence record.
type ChalaniID uuid.UUID

// AllocationID identifies a sequence-number allocation.
type AllocationID uuid.UUID

// EntryID identifies an audit trail entry.
type EntryID uuid.UUID

func NewDartaID() DartaID           { return DartaID(uuid.New()) }
func NewChalaniID() ChalaniID       { return ChalaniID(uuid.New()) }
func NewAllocationID() AllocationID { return AllocationID(uuid.New()) }
func NewEntryID() EntryID           { return EntryID(uuid.New()) }

func (i DartaID) String() string      { return uuid.UUID(i).String() }
func (i ChalaniID) String() string    { return uuid.UUID(i).String() }
func (i AllocationID) String() string { return uuid.UUID(i).String() }
func (i EntryID) String() string      { return uuid.UUID(i).String() }

func (i DartaID) IsNil() bool      { return uuid.UUID(i) == uuid.Nil }
func (i ChalaniID) IsNil() bool    { return uuid.UUID(i) == uuid.Nil }
func (i AllocationID) IsNil() bool { return uuid.UUID(i) == uuid.Nil }
func (i EntryID) IsNil() bool      { return uuid.UUID(i) == uuid.Nil }

// ParseDartaID parses a canonical UUID string into a DartaID.
func ParseDartaID(s string) (DartaID, error) {
	u, err := uuid.Parse(s)
	return DartaID(u), err
}

// ParseChalaniID parses a canonical UUID string into a ChalaniID.
func ParseChalaniID(s string) (ChalaniID, error) {
	u, err := uuid.Parse(s)
	return ChalaniID(u), err
}

// ParseAllocationID parses a canonical UUID string into an AllocationID.
func ParseAllocationID(s string) (AllocationID, error) {
	u, err := uuid.Parse(s)
	return AllocationID(u), err
}
