package api

import (
	"encoding/json"
	"time"

	"github.com/kalambet/cardpilot/internal/recovery"
	"github.com/kalambet/cardpilot/internal/storage"
)

type eventView struct {
	ID            string    `json:"id"`
	PartnerID     string    `json:"partner_id"`
	MarketplaceID string    `json:"marketplace_id,omitempty"`
	JobID         string    `json:"job_id,omitempty"`
	ErrorType     string    `json:"error_type"`
	Message       string    `json:"message"`
	Step          string    `json:"step,omitempty"`
	Selector      string    `json:"selector,omitempty"`
	Severity      string    `json:"severity"`
	Fingerprint   string    `json:"fingerprint"`
	CreatedAt     time.Time `json:"created_at"`
}

func toEventView(e storage.ErrorEvent) eventView {
	return eventView{
		ID:            e.ID,
		PartnerID:     e.PartnerID,
		MarketplaceID: e.MarketplaceID,
		JobID:         e.JobID,
		ErrorType:     e.ErrorType,
		Message:       e.Message,
		Step:          e.Step,
		Selector:      e.Selector,
		Severity:      e.Severity,
		Fingerprint:   e.Fingerprint,
		CreatedAt:     e.CreatedAt,
	}
}

type ticketView struct {
	ID            string            `json:"id"`
	ErrorEventID  string            `json:"error_event_id"`
	JobID         string            `json:"job_id,omitempty"`
	PartnerID     string            `json:"partner_id"`
	MarketplaceID string            `json:"marketplace_id,omitempty"`
	Priority      string            `json:"priority"`
	Subject       string            `json:"subject"`
	Body          string            `json:"body"`
	Actions       []recovery.Action `json:"actions"`
	Status        string            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
}

func toTicketView(t storage.Ticket) ticketView {
	v := ticketView{
		ID:            t.ID,
		ErrorEventID:  t.ErrorEventID,
		JobID:         t.JobID,
		PartnerID:     t.PartnerID,
		MarketplaceID: t.MarketplaceID,
		Priority:      t.Priority,
		Subject:       t.Subject,
		Body:          t.Body,
		Status:        t.Status,
		CreatedAt:     t.CreatedAt,
	}
	// Stored actions were encoded by the escalation sink; unknown types are
	// dropped rather than failing the listing.
	if actions, err := recovery.DecodeActions(t.ActionsJSON); err == nil {
		v.Actions = actions
	}
	if v.Actions == nil {
		v.Actions = []recovery.Action{}
	}
	if !t.ClosedAt.IsZero() {
		closed := t.ClosedAt
		v.ClosedAt = &closed
	}
	return v
}

func marshalIndent(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
