package handler

import (
	"time"

	"dartachalani/internal/darta/models"
	"dartachalani/internal/darta/service"
)

type applicantRequest struct {
	Type         string `json:"type,omitempty"`
	FullName     string `json:"fullName"`
	Organization string `json:"organization,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Address      string `json:"address,omitempty"`
}

func (r applicantRequest) toModel() models.Applicant {
	return models.Applicant{
		Type:         r.Type,
		FullName:     r.FullName,
		Organization: r.Organization,
		Email:        r.Email,
		Phone:        r.Phone,
		Address:      r.Address,
	}
}

type createDartaRequest struct {
	Scope             string           `json:"scope"`
	WardID            string           `json:"wardId,omitempty"`
	Subject           string           `json:"subject"`
	Applicant         applicantRequest `json:"applicant"`
	IntakeChannel     string           `json:"intakeChannel"`
	PrimaryDocumentID string           `json:"primaryDocumentId"`
	AnnexIDs          []string         `json:"annexIds,omitempty"`
	Priority          string           `json:"priority,omitempty"`
	ReceivedDate      time.Time        `json:"receivedDate"`
	IdempotencyKey    string           `json:"idempotencyKey"`
}

func (r createDartaRequest) toInput() service.CreateDartaInput {
	return service.CreateDartaInput{
		Scope:             models.Scope(r.Scope),
		WardID:            r.WardID,
		Subject:           r.Subject,
		Applicant:         r.Applicant.toModel(),
		IntakeChannel:     models.IntakeChannel(r.IntakeChannel),
		PrimaryDocumentID: r.PrimaryDocumentID,
		AnnexIDs:          r.AnnexIDs,
		Priority:          models.Priority(r.Priority),
		ReceivedDate:      r.ReceivedDate,
		IdempotencyKey:    r.IdempotencyKey,
	}
}

type classifyDartaRequest struct {
	ClassificationCode string `json:"classificationCode"`
	Notes              string `json:"notes,omitempty"`
	IdempotencyKey     string `json:"idempotencyKey"`
}

type allocationRequest struct {
	AllocationID   string `json:"allocationId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type routeDartaRequest struct {
	OrganizationalUnitID string `json:"organizationalUnitId"`
	AssigneeID           string `json:"assigneeId,omitempty"`
	Priority             string `json:"priority,omitempty"`
	SLAHours             int    `json:"slaHours,omitempty"`
	Notes                string `json:"notes,omitempty"`
	IdempotencyKey       string `json:"idempotencyKey"`
}

type scanDartaRequest struct {
	ScannedDocumentID string `json:"scannedDocumentId"`
	IdempotencyKey    string `json:"idempotencyKey"`
}

type enrichMetadataRequest struct {
	Metadata       map[string]string `json:"metadata"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

type finalizeArchiveRequest struct {
	ArchiveID      string `json:"archiveId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type sectionReviewRequest struct {
	Decision       string `json:"decision"`
	Notes          string `json:"notes,omitempty"`
	RequestedInfo  string `json:"requestedInfo,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type requestClarificationRequest struct {
	RequestedInfo  string `json:"requestedInfo"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type issueResponseRequest struct {
	ResponseChalaniID string `json:"responseChalaniId,omitempty"`
	IdempotencyKey    string `json:"idempotencyKey"`
}

type notesRequest struct {
	Notes          string `json:"notes,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type reasonRequest struct {
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type idempotencyOnlyRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
}

type supersedeDartaRequest struct {
	Reason         string             `json:"reason"`
	NewDarta       createDartaRequest `json:"newDarta"`
	IdempotencyKey string             `json:"idempotencyKey"`
}
