package handler

import (
	"time"

	"dartachalani/internal/audit"
	"dartachalani/internal/darta/models"
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

type applicantResponse struct {
	Type         string `json:"type,omitempty"`
	FullName     string `json:"fullName"`
	Organization string `json:"organization,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Address      string `json:"address,omitempty"`
}

type routingResponse struct {
	OrganizationalUnitID string     `json:"organizationalUnitId,omitempty"`
	AssigneeID           string     `json:"assigneeId,omitempty"`
	SLADeadline          *time.Time `json:"slaDeadline,omitempty"`
}

type dartaResponse struct {
	ID                 string               `json:"id"`
	Scope              string               `json:"scope"`
	WardID             string               `json:"wardId,omitempty"`
	FiscalYear         string               `json:"fiscalYear"`
	Status             string               `json:"status"`
	Subject            string               `json:"subject"`
	Applicant          applicantResponse    `json:"applicant"`
	IntakeChannel      string               `json:"intakeChannel"`
	PrimaryDocumentID  string               `json:"primaryDocumentId"`
	AnnexIDs           []string             `json:"annexIds,omitempty"`
	Priority           string               `json:"priority"`
	ReceivedDate       time.Time            `json:"receivedDate"`
	Number             *int64               `json:"number,omitempty"`
	FormattedNumber    string               `json:"formattedNumber,omitempty"`
	ClassificationCode string               `json:"classificationCode,omitempty"`
	Routing            *routingResponse     `json:"routing,omitempty"`
	ScannedDocumentID  string               `json:"scannedDocumentId,omitempty"`
	Metadata           map[string]string    `json:"metadata,omitempty"`
	ArchiveID          string               `json:"archiveId,omitempty"`
	ResponseChalaniID  string               `json:"responseChalaniId,omitempty"`
	SupersedesID       string               `json:"supersedesId,omitempty"`
	SupersededByID     string               `json:"supersededById,omitempty"`
	AuditTrail         []auditEntryResponse `json:"auditTrail,omitempty"`
	CreatedBy          string               `json:"createdBy,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`
	Version            int64                `json:"version"`
}

func fromDarta(rec *models.Darta) dartaResponse {
	resp := dartaResponse{
		ID:         rec.ID.String(),
		Scope:      string(rec.Scope),
		WardID:     rec.WardID,
		FiscalYear: rec.FiscalYear,
		Status:     string(rec.Status),
		Subject:    rec.Subject,
		Applicant: applicantResponse{
			Type:         rec.Applicant.Type,
			FullName:     rec.Applicant.FullName,
			Organization: rec.Applicant.Organization,
			Email:        rec.Applicant.Email,
			Phone:        rec.Applicant.Phone,
			Address:      rec.Applicant.Address,
		},
		IntakeChannel:      string(rec.IntakeChannel),
		PrimaryDocumentID:  rec.PrimaryDocumentID,
		AnnexIDs:           rec.AnnexIDs,
		Priority:           string(rec.Priority),
		ReceivedDate:       rec.ReceivedDate,
		Number:             rec.Number,
		FormattedNumber:    rec.FormattedNumber,
		ClassificationCode: rec.ClassificationCode,
		ScannedDocumentID:  rec.ScannedDocumentID,
		Metadata:           rec.Metadata,
		ArchiveID:          rec.ArchiveID,
		ResponseChalaniID:  rec.ResponseChalaniID,
		CreatedBy:          rec.CreatedBy,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
		Version:            rec.Version,
	}
	if rec.Routing != (models.Routing{}) {
		resp.Routing = &routingResponse{
			OrganizationalUnitID: rec.Routing.OrganizationalUnitID,
			AssigneeID:           rec.Routing.AssigneeID,
			SLADeadline:          rec.Routing.SLADeadline,
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

type listDartaResponse struct {
	Items []dartaResponse `json:"items"`
	Total int             `json:"total"`
}

type supersedeDartaResponse struct {
	Superseded dartaResponse `json:"superseded"`
	Successor  dartaResponse `json:"successor"`
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
