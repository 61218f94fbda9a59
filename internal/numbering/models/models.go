// Package models defines the counter and allocation records backing legal
// sequence numbers. A counter is the durable monotonic source for one
// (scope, document type, fiscal year, ward) partition; an allocation is a
// single issued number moving PROVISIONAL → COMMITTED | VOIDED | EXPIRED.
package models

import (
	"fmt"
	"time"

	"dartachalani/pkg/domain"
)

// DocumentType selects which register a number belongs to.
type DocumentType string

const (
	DocumentTypeDarta   DocumentType = "DARTA"
	DocumentTypeChalani DocumentType = "CHALANI"
)

// Scope partitions counters between the municipality register and per-ward
// registers.
type Scope string

const (
	ScopeMunicipality Scope = "MUNICIPALITY"
	ScopeWard         Scope = "WARD"
)

// CounterKey identifies one monotonic counter. WardID is empty unless Scope
// is WARD.
type CounterKey struct {
	Scope        Scope
	DocumentType DocumentType
	FiscalYear   string
	WardID       string
}

// String renders a stable composite key, used by the in-memory store and in
// log lines.
func (k CounterKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.DocumentType, k.Scope, k.WardID, k.FiscalYear)
}

// Validate rejects malformed keys before they reach a store.
func (k CounterKey) Validate() error {
	switch k.Scope {
	case ScopeMunicipality:
		if k.WardID != "" {
			return fmt.Errorf("ward id must be empty for municipality scope")
		}
	case ScopeWard:
		if k.WardID == "" {
			return fmt.Errorf("ward id is required for ward scope")
		}
	default:
		return fmt.Errorf("unknown scope %q", k.Scope)
	}
	switch k.DocumentType {
	case DocumentTypeDarta, DocumentTypeChalani:
	default:
		return fmt.Errorf("unknown document type %q", k.DocumentType)
	}
	if k.FiscalYear == "" {
		return fmt.Errorf("fiscal year is required")
	}
	return nil
}

// Counter holds the last issued value for a key. Values only ever grow;
// voided allocations burn their number rather than returning it.
type Counter struct {
	Key          CounterKey
	CurrentValue int64
	Locked       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AllocationStatus is the allocation lifecycle. Transitions are one-way:
// PROVISIONAL → {COMMITTED, VOIDED, EXPIRED}; the rest are terminal.
type AllocationStatus string

const (
	AllocationProvisional AllocationStatus = "PROVISIONAL"
	AllocationCommitted   AllocationStatus = "COMMITTED"
	AllocationVoided      AllocationStatus = "VOIDED"
	AllocationExpired     AllocationStatus = "EXPIRED"
)

// Terminal reports whether no further allocation transitions are legal.
func (s AllocationStatus) Terminal() bool {
	return s != AllocationProvisional
}

// Allocation is one issued sequence number.
type Allocation struct {
	ID              domain.AllocationID
	Key             CounterKey
	Number          int64
	FormattedNumber string
	Status          AllocationStatus
	// IdempotencyDigest is the normalized caller key; unique per allocator
	// namespace so a retried request replays the stored result.
	IdempotencyDigest string
	// ExpiresAt is set only while PROVISIONAL.
	ExpiresAt *time.Time
	VoidReason          string
	CommittedEntityID   string
	CommittedEntityType string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// FormatNumber renders the legally meaningful display form:
// "{documentType}-{WARD-<wardId>|MUN}/{fiscalYear}/{number}".
func FormatNumber(key CounterKey, number int64) string {
	scopePart := "MUN"
	if key.Scope == ScopeWard {
		scopePart = "WARD-" + key.WardID
	}
	return fmt.Sprintf("%s-%s/%s/%d", key.DocumentType, scopePart, key.FiscalYear, number)
}
