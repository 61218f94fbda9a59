// Package audit is the append-only transition history for case records.
// Entries are immutable once appended and strictly ordered per entity; a case
// record's status is always the ToStatus of its newest entry.
package audit

import (
	"time"

	"dartachalani/internal/lifecycle"
	"dartachalani/pkg/domain"
)

// Entry records one lifecycle transition. FromStatus is nil only for the
// creation entry.
type Entry struct {
	ID         domain.EntryID
	EntityKind lifecycle.EntityKind
	EntityID   string
	Action     string
	FromStatus *lifecycle.Status
	ToStatus   lifecycle.Status
	Actor      string
	Timestamp  time.Time
	Reason     string
	Metadata   map[string]string
}

// Actions recorded in audit entries. One constant per orchestrator operation
// keeps the trail greppable and the Kafka consumers exhaustive.
const (
	ActionCreated             = "CREATED"
	ActionSubmitted           = "SUBMITTED"
	ActionReviewed            = "REVIEWED"
	ActionApproved            = "APPROVED"
	ActionRejected            = "REJECTED"
	ActionClassified          = "CLASSIFIED"
	ActionNumberReserved      = "NUMBER_RESERVED"
	ActionRegistered          = "REGISTERED"
	ActionRouted              = "ROUTED"
	ActionScanned             = "SCANNED"
	ActionMetadataEnriched    = "METADATA_ENRICHED"
	ActionArchived            = "ARCHIVED"
	ActionSectionReviewed     = "SECTION_REVIEWED"
	ActionClarificationAsked  = "CLARIFICATION_REQUESTED"
	ActionClarificationGiven  = "CLARIFICATION_PROVIDED"
	ActionAccepted            = "ACCEPTED"
	ActionActionTaken         = "ACTION_TAKEN"
	ActionResponseIssued      = "RESPONSE_ISSUED"
	ActionAckRequested        = "ACK_REQUESTED"
	ActionAckReceived         = "ACK_RECEIVED"
	ActionSigned              = "SIGNED"
	ActionSealed              = "SEALED"
	ActionDispatched          = "DISPATCHED"
	ActionInTransit           = "IN_TRANSIT"
	ActionAcknowledged        = "ACKNOWLEDGED"
	ActionDelivered           = "DELIVERED"
	ActionReturnedUndelivered = "RETURNED_UNDELIVERED"
	ActionResent              = "RESENT"
	ActionVoided              = "VOIDED"
	ActionSuperseded          = "SUPERSEDED"
	ActionClosed              = "CLOSED"
)
