package handler

import (
	"time"

	"dartachalani/internal/chalani/models"
	"dartachalani/internal/chalani/service"
)

type recipientRequest struct {
	Type         string `json:"type,omitempty"`
	FullName     string `json:"fullName"`
	Organization string `json:"organization,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Address      string `json:"address,omitempty"`
}

func (r recipientRequest) toModel() models.Recipient {
	return models.Recipient{
		Type:         r.Type,
		FullName:     r.FullName,
		Organization: r.Organization,
		Email:        r.Email,
		Phone:        r.Phone,
		Address:      r.Address,
	}
}

type createChalaniRequest struct {
	Scope                string           `json:"scope"`
	WardID               string           `json:"wardId,omitempty"`
	Subject              string           `json:"subject"`
	Body                 string           `json:"body"`
	TemplateID           string           `json:"templateId,omitempty"`
	LinkedDartaID        string           `json:"linkedDartaId,omitempty"`
	Recipient            recipientRequest `json:"recipient"`
	RequiredSignatoryIDs []string         `json:"requiredSignatoryIds"`
	AttachmentIDs        []string         `json:"attachmentIds,omitempty"`
	IdempotencyKey       string           `json:"idempotencyKey"`
}

func (r createChalaniRequest) toInput() service.CreateChalaniInput {
	return service.CreateChalaniInput{
		Scope:                models.Scope(r.Scope),
		WardID:               r.WardID,
		Subject:              r.Subject,
		Body:                 r.Body,
		TemplateID:           r.TemplateID,
		LinkedDartaID:        r.LinkedDartaID,
		Recipient:            r.Recipient.toModel(),
		RequiredSignatoryIDs: r.RequiredSignatoryIDs,
		AttachmentIDs:        r.AttachmentIDs,
		IdempotencyKey:       r.IdempotencyKey,
	}
}

type reviewChalaniRequest struct {
	Decision       string `json:"decision"`
	Notes          string `json:"notes,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type approveChalaniRequest struct {
	Decision       string `json:"decision"`
	Notes          string `json:"notes,omitempty"`
	Reason         string `json:"reason,omitempty"`
	DelegateToID   string `json:"delegateToId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type allocationRequest struct {
	AllocationID   string `json:"allocationId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type dispatchChalaniRequest struct {
	DispatchChannel     string     `json:"dispatchChannel"`
	TrackingID          string     `json:"trackingId,omitempty"`
	CourierName         string     `json:"courierName,omitempty"`
	ScheduledDispatchAt *time.Time `json:"scheduledDispatchAt,omitempty"`
	IdempotencyKey      string     `json:"idempotencyKey"`
}

type markInTransitRequest struct {
	TrackingID     string `json:"trackingId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
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

type supersedeChalaniRequest struct {
	Reason         string               `json:"reason"`
	NewChalani     createChalaniRequest `json:"newChalani"`
	IdempotencyKey string               `json:"idempotencyKey"`
}
