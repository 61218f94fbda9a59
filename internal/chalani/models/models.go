// Package models defines the Chalani case record: one piece of outgoing
// government correspondence moving draft → review → approval → numbering →
// dispatch → delivery. Records are never deleted; terminal statuses keep the
// row for audit purposes.
package models

import (
	"time"

	"dartachalani/internal/audit"
	"dartachalani/internal/lifecycle"
	numbermodels "dartachalani/internal/numbering/models"
	"dartachalani/pkg/domain"
)

// Scope re-exports the counter scope so callers of this package do not need
// to import the numbering models for routine work.
type Scope = numbermodels.Scope

const (
	ScopeMunicipality = numbermodels.ScopeMunicipality
	ScopeWard         = numbermodels.ScopeWard
)

// DispatchChannel is how a chalani physically leaves the office.
type DispatchChannel string

const (
	ChannelPostal        DispatchChannel = "POSTAL"
	ChannelCourier       DispatchChannel = "COURIER"
	ChannelEmail         DispatchChannel = "EMAIL"
	ChannelHandDelivery  DispatchChannel = "HAND_DELIVERY"
	ChannelEdartaPortal  DispatchChannel = "EDARTA_PORTAL"
)

// KnownChannel reports whether ch is a recognized dispatch channel.
func KnownChannel(ch DispatchChannel) bool {
	switch ch {
	case ChannelPostal, ChannelCourier, ChannelEmail, ChannelHandDelivery, ChannelEdartaPortal:
		return true
	}
	return false
}

// Recipient is who the correspondence addresses.
type Recipient struct {
	Type         string
	FullName     string
	Organization string
	Email        string
	Phone        string
	Address      string
}

// DispatchInfo captures how and when a chalani went out.
type DispatchInfo struct {
	Channel             DispatchChannel
	TrackingID          string
	CourierName         string
	ScheduledDispatchAt *time.Time
	DispatchedAt        *time.Time
	DeliveredAt         *time.Time
}

// Chalani is one outgoing correspondence case record.
type Chalani struct {
	ID         domain.ChalaniID
	Scope      Scope
	WardID     string
	FiscalYear string
	Status     lifecycle.Status

	Subject              string
	Body                 string
	TemplateID           string
	LinkedDartaID        string
	Recipient            Recipient
	RequiredSignatoryIDs []string
	AttachmentIDs        []string

	// Number and FormattedNumber stay nil/empty until an allocation is
	// reserved; AllocationID tracks the backing allocation through
	// reserve → finalize.
	Number          *int64
	FormattedNumber string
	AllocationID    domain.AllocationID

	Dispatch DispatchInfo

	// SupersedesID / SupersededByID form a linked chain, not a tree:
	// at most one active successor per record.
	SupersedesID   *domain.ChalaniID
	SupersededByID *domain.ChalaniID

	AuditTrail []audit.Entry

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Version backs optimistic concurrency; the store bumps it on every
	// committed transition and rejects stale writers.
	Version int64
}

// CurrentAllocation reports whether the record carries a live allocation
// reference that has not been finalized yet.
func (c *Chalani) CurrentAllocation() bool {
	return !c.AllocationID.IsNil() && c.Status == lifecycle.ChalaniNumberReserved
}

// ListFilter narrows List queries. Zero values mean "any".
type ListFilter struct {
	Status     lifecycle.Status
	Scope      Scope
	WardID     string
	FiscalYear string
	Limit      int
	Offset     int
}

// Stats aggregates record counts by status.
type Stats struct {
	Total    int
	ByStatus map[lifecycle.Status]int
}
