// Package models defines the Darta case record: one piece of incoming
// government correspondence moving intake → classification → numbering →
// digitization → section review → action → closure. Records are never
// deleted.
package models

import (
	"time"

	"dartachalani/internal/audit"
	"dartachalani/internal/lifecycle"
	numbermodels "dartachalani/internal/numbering/models"
	"dartachalani/pkg/domain"
)

type Scope = numbermodels.Scope

const (
	ScopeMunicipality = numbermodels.ScopeMunicipality
	ScopeWard         = numbermodels.ScopeWard
)

// IntakeChannel is how the correspondence arrived.
type IntakeChannel string

const (
	IntakeCounter      IntakeChannel = "COUNTER"
	IntakePostal       IntakeChannel = "POSTAL"
	IntakeEmail        IntakeChannel = "EMAIL"
	IntakeEdartaPortal IntakeChannel = "EDARTA_PORTAL"
	IntakeCourier      IntakeChannel = "COURIER"
)

// KnownIntakeChannel reports whether ch is a recognized intake channel.
func KnownIntakeChannel(ch IntakeChannel) bool {
	switch ch {
	case IntakeCounter, IntakePostal, IntakeEmail, IntakeEdartaPortal, IntakeCourier:
		return true
	}
	return false
}

// Priority orders section work queues.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// KnownPriority reports whether p is a recognized priority. Empty is allowed;
// records default to MEDIUM.
func KnownPriority(p Priority) bool {
	switch p {
	case "", PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Applicant is who submitted the correspondence.
type Applicant struct {
	Type         string
	FullName     string
	Organization string
	Email        string
	Phone        string
	Address      string
}

// Routing captures section assignment and its service-level deadline.
type Routing struct {
	OrganizationalUnitID string
	AssigneeID           string
	SLADeadline          *time.Time
}

// Darta is one incoming correspondence case record.
type Darta struct {
	ID         domain.DartaID
	Scope      Scope
	WardID     string
	FiscalYear string
	Status     lifecycle.Status

	Subject           string
	Applicant         Applicant
	IntakeChannel     IntakeChannel
	PrimaryDocumentID string
	AnnexIDs          []string
	Priority          Priority
	ReceivedDate      time.Time

	Number          *int64
	FormattedNumber string
	AllocationID    domain.AllocationID

	// ClassificationCode is set during triage, before numbering.
	ClassificationCode string

	Routing Routing

	// Digitization artifacts.
	ScannedDocumentID string
	Metadata          map[string]string
	ArchiveID         string

	// ResponseChalaniID links the outgoing response once issued.
	ResponseChalaniID string

	SupersedesID   *domain.DartaID
	SupersededByID *domain.DartaID

	AuditTrail []audit.Entry

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Version backs optimistic concurrency; the store bumps it on every
	// committed transition.
	Version int64
}

// CurrentAllocation reports whether the record carries a live allocation
// reference that has not been finalized yet.
func (d *Darta) CurrentAllocation() bool {
	return !d.AllocationID.IsNil() && d.Status == lifecycle.DartaNumberReserved
}

// ListFilter narrows List queries. Zero values mean "any".
type ListFilter struct {
	Status               lifecycle.Status
	Scope                Scope
	WardID               string
	FiscalYear           string
	OrganizationalUnitID string
	AssigneeID           string
	Priority             Priority
	Limit                int
	Offset               int
}

// Stats aggregates record counts by status.
type Stats struct {
	Total    int
	ByStatus map[lifecycle.Status]int
}
