// Package lifecycle is the transition guard for case records. It owns the
// status vocabulary of both entity kinds and the closed tables of legal
// status edges. The guard is a pure predicate: it never touches storage and
// never mutates anything, so every mutation path shares one source of truth
// for what a legal lifecycle looks like.
package lifecycle

import "fmt"

// EntityKind discriminates the two case record variants.
type EntityKind string

const (
	KindDarta   EntityKind = "DARTA"
	KindChalani EntityKind = "CHALANI"
)

// Status is a lifecycle state. The sets for Darta and Chalani are disjoint in
// meaning but share spellings for the common states (DRAFT, CLOSED, ...), so
// a single string type keyed by EntityKind is enough.
type Status string

// Chalani statuses (outgoing correspondence).
const (
	ChalaniDraft               Status = "DRAFT"
	ChalaniPendingReview       Status = "PENDING_REVIEW"
	ChalaniPendingApproval     Status = "PENDING_APPROVAL"
	ChalaniApproved            Status = "APPROVED"
	ChalaniNumberReserved      Status = "NUMBER_RESERVED"
	ChalaniRegistered          Status = "REGISTERED"
	ChalaniSigned              Status = "SIGNED"
	ChalaniSealed              Status = "SEALED"
	ChalaniDispatched          Status = "DISPATCHED"
	ChalaniInTransit           Status = "IN_TRANSIT"
	ChalaniAcknowledged        Status = "ACKNOWLEDGED"
	ChalaniDelivered           Status = "DELIVERED"
	ChalaniReturnedUndelivered Status = "RETURNED_UNDELIVERED"
	ChalaniClosed              Status = "CLOSED"
	ChalaniVoided              Status = "VOIDED"
	ChalaniSuperseded          Status = "SUPERSEDED"
)

// Darta statuses (incoming correspondence).
const (
	DartaDraft              Status = "DRAFT"
	DartaPendingReview      Status = "PENDING_REVIEW"
	DartaClassification     Status = "CLASSIFICATION"
	DartaNumberReserved     Status = "NUMBER_RESERVED"
	DartaRegistered         Status = "REGISTERED"
	DartaScanned            Status = "SCANNED"
	DartaMetadataEnriched   Status = "METADATA_ENRICHED"
	DartaDigitallyArchived  Status = "DIGITALLY_ARCHIVED"
	DartaAssigned           Status = "ASSIGNED"
	DartaInReviewBySection  Status = "IN_REVIEW_BY_SECTION"
	DartaNeedsClarification Status = "NEEDS_CLARIFICATION"
	DartaAccepted           Status = "ACCEPTED"
	DartaActionTaken        Status = "ACTION_TAKEN"
	DartaResponseIssued     Status = "RESPONSE_ISSUED"
	DartaAckRequested       Status = "ACK_REQUESTED"
	DartaAckReceived        Status = "ACK_RECEIVED"
	DartaClosed             Status = "CLOSED"
	DartaVoided             Status = "VOIDED"
	DartaSuperseded         Status = "SUPERSEDED"
)

// chalaniTransitions enumerates the legal successor set per status. VOIDED
// appears as a successor of every non-terminal status: voiding is the one
// globally available escape transition, while the terminal statuses stay
// immutable. SUPERSEDED is deliberately absent from the tables; it is only
// reachable through the supersede operation, which refuses terminal records
// via IsTerminal. Absent keys are terminal.
var chalaniTransitions = map[Status][]Status{
	ChalaniDraft:               {ChalaniPendingReview, ChalaniVoided},
	ChalaniPendingReview:       {ChalaniPendingApproval, ChalaniDraft, ChalaniVoided},
	ChalaniPendingApproval:     {ChalaniApproved, ChalaniDraft, ChalaniVoided},
	ChalaniApproved:            {ChalaniNumberReserved, ChalaniRegistered, ChalaniVoided},
	ChalaniNumberReserved:      {ChalaniRegistered, ChalaniVoided},
	ChalaniRegistered:          {ChalaniSigned, ChalaniSealed, ChalaniDispatched, ChalaniVoided},
	ChalaniSigned:              {ChalaniSealed, ChalaniDispatched, ChalaniVoided},
	ChalaniSealed:              {ChalaniDispatched, ChalaniVoided},
	ChalaniDispatched:          {ChalaniInTransit, ChalaniAcknowledged, ChalaniDelivered, ChalaniReturnedUndelivered, ChalaniVoided},
	ChalaniInTransit:           {ChalaniAcknowledged, ChalaniDelivered, ChalaniReturnedUndelivered, ChalaniVoided},
	ChalaniAcknowledged:        {ChalaniDelivered, ChalaniVoided},
	ChalaniDelivered:           {ChalaniClosed, ChalaniVoided},
	ChalaniReturnedUndelivered: {ChalaniDispatched, ChalaniVoided},
}

var dartaTransitions = map[Status][]Status{
	DartaDraft:              {DartaPendingReview, DartaVoided},
	DartaPendingReview:      {DartaClassification, DartaDraft, DartaVoided},
	DartaClassification:     {DartaNumberReserved, DartaRegistered, DartaPendingReview, DartaVoided},
	DartaNumberReserved:     {DartaRegistered, DartaVoided},
	DartaRegistered:         {DartaScanned, DartaAssigned, DartaVoided},
	DartaScanned:            {DartaMetadataEnriched, DartaVoided},
	DartaMetadataEnriched:   {DartaDigitallyArchived, DartaVoided},
	DartaDigitallyArchived:  {DartaAssigned, DartaVoided},
	DartaAssigned:           {DartaInReviewBySection, DartaVoided},
	DartaInReviewBySection:  {DartaNeedsClarification, DartaAccepted, DartaAssigned, DartaVoided},
	DartaNeedsClarification: {DartaInReviewBySection, DartaVoided},
	DartaAccepted:           {DartaActionTaken, DartaVoided},
	DartaActionTaken:        {DartaResponseIssued, DartaClosed, DartaVoided},
	DartaResponseIssued:     {DartaAckRequested, DartaClosed, DartaVoided},
	DartaAckRequested:       {DartaAckReceived, DartaClosed, DartaVoided},
	DartaAckReceived:        {DartaClosed, DartaVoided},
}

func tableFor(kind EntityKind) map[Status][]Status {
	switch kind {
	case KindDarta:
		return dartaTransitions
	case KindChalani:
		return chalaniTransitions
	default:
		return nil
	}
}

// BadTransitionError reports an illegal status edge. It carries the full
// attempted edge so transports can surface it verbatim.
type BadTransitionError struct {
	Kind EntityKind
	From Status
	To   Status
}

func (e *BadTransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Kind, e.From, e.To)
}

// CanTransition reports whether from→to is a legal edge for kind.
func CanTransition(kind EntityKind, from, to Status) bool {
	for _, s := range tableFor(kind)[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AssertTransition fails with a BadTransitionError unless from→to is legal.
func AssertTransition(kind EntityKind, from, to Status) error {
	if !CanTransition(kind, from, to) {
		return &BadTransitionError{Kind: kind, From: from, To: to}
	}
	return nil
}

// IsTerminal reports whether status has no legal successors for kind.
func IsTerminal(kind EntityKind, status Status) bool {
	return len(tableFor(kind)[status]) == 0
}
