package handler

import (
	"time"

	"dartachalani/internal/audit"
	"dartachalani/internal/chalani/models"
)

type auditEntryResponse struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	FromStatus string            `json:"fromStatus,omitempty"`
	ToStatus   string            `json:"toStatus"`
	Actor      string            `json:"actor"`
	Timestamp  time.Time         `json:"timestamp"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type dispatchResponse struct {
	Channel             string     `json:"channel,omitempty"`
	TrackingID          string     `json:"trackingId,omitempty"`
	CourierName         string     `json:"courierName,omitempty"`
	ScheduledDispatchAt *time.Time `json:"scheduledDispatchAt,omitempty"`
	DispatchedAt        *time.Time `json:"dispatchedAt,omitempty"`
	DeliveredAt         *time.Time `json:"deliveredAt,omitempty"`
}

type recipientResponse struct {
	Type         string `json:"type,omitempty"`
	FullName     string `json:"fullName"`
	Organization string `json:"organization,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Address      string `json:"address,omitempty"`
}

type chalaniResponse struct {
	ID                   string               `json:"id"`
	Scope                string               `json:"scope"`
	WardID               string               `json:"wardId,omitempty"`
	FiscalYear           string               `json:"fiscalYear"`
	Status               string               `json:"status"`
	Subject              string               `json:"subject"`
	Body                 string               `json:"body,omitempty"`
	TemplateID           string               `json:"templateId,omitempty"`
	LinkedDartaID        string               `json:"linkedDartaId,omitempty"`
	Recipient            recipientResponse    `json:"recipient"`
	RequiredSignatoryIDs []string             `json:"requiredSignatoryIds,omitempty"`
	AttachmentIDs        []string             `json:"attachmentIds,omitempty"`
	Number               *int64               `json:"number,omitempty"`
	FormattedNumber      string               `json:"formattedNumber,omitempty"`
	Dispatch             *dispatchResponse    `json:"dispatch,omitempty"`
	SupersedesID         string               `json:"supersedesId,omitempty"`
	SupersededByID       string               `json:"supersededById,omitempty"`
	AuditTrail           []auditEntryResponse `json:"auditTrail,omitempty"`
	CreatedBy            string               `json:"createdBy,omitempty"`
	CreatedAt            time.Time            `json:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt"`
	Version              int64                `json:"version"`
}

func fromChalani(rec *models.Chalani) chalaniResponse {
	resp := chalaniResponse{
		ID:         rec.ID.String(),
		Scope:      string(rec.Scope),
		WardID:     rec.WardID,
		FiscalYear: rec.FiscalYear,
		Status:     string(rec.Status),
		Subject:    rec.Subject,
		Body:       rec.Body,
		TemplateID: rec.TemplateID,
		LinkedDartaID: rec.LinkedDartaID,
		Recipient: recipientResponse{
			Type:         rec.Recipient.Type,
			FullName:     rec.Recipient.FullName,
			Organization: rec.Recipient.Organization,
			Email:        rec.Recipient.Email,
			Phone:        rec.Recipient.Phone,
			Address:      rec.Recipient.Address,
		},
		RequiredSignatoryIDs: rec.RequiredSignatoryIDs,
		AttachmentIDs:        rec.AttachmentIDs,
		Number:               rec.Number,
		FormattedNumber:      rec.FormattedNumber,
		CreatedBy:            rec.CreatedBy,
		CreatedAt:            rec.CreatedAt,
		UpdatedAt:            rec.UpdatedAt,
		Version:              rec.Version,
	}
	if rec.Dispatch != (models.DispatchInfo{}) {
		resp.Dispatch = &dispatchResponse{
			Channel:             string(rec.Dispatch.Channel),
			TrackingID:          rec.Dispatch.TrackingID,
			CourierName:         rec.Dispatch.CourierName,
			ScheduledDispatchAt: rec.Dispatch.ScheduledDispatchAt,
			DispatchedAt:        rec.Dispatch.DispatchedAt,
			DeliveredAt:         rec.Dispatch.DeliveredAt,
		}
	}
	if rec.SupersedesID != nil {
		resp.SupersedesID = rec.SupersedesID.String()
	}
	if rec.SupersededByID != nil {
		resp.SupersededByID = rec.SupersededByID.String()
	}
	for _, entry := range rec.AuditTrail {
		resp.AuditTrail = append(resp.AuditTrail, fromAuditEntry(entry))
	}
	return resp
}

func fromAuditEntry(entry audit.Entry) auditEntryResponse {
	resp := auditEntryResponse{
		ID:        entry.ID.String(),
		Action:    entry.Action,
		ToStatus:  string(entry.ToStatus),
		Actor:     entry.Actor,
		Timestamp: entry.Timestamp,
		Reason:    entry.Reason,
		Metadata:  entry.Metadata,
	}
	if entry.FromStatus != nil {
		resp.FromStatus = string(*entry.FromStatus)
	}
	return resp
}

type listChalaniResponse struct {
	Items []chalaniResponse `json:"items"`
	Total int               `json:"total"`
}

type supersedeChalaniResponse struct {
	Superseded chalaniResponse `json:"superseded"`
	Successor  chalaniResponse `json:"successor"`
}

type statsResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

func fromStats(stats models.Stats) statsResponse {
	resp := statsResponse{Total: stats.Total, ByStatus: make(map[string]int, len(stats.ByStatus))}
	for status, count := range stats.ByStatus {
		resp.ByStatus[string(status)] = count
	}
	return resp
}
