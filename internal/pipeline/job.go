package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/cardpilot/internal/storage"
)

// State is a node of the product-card workflow.
type State string

const (
	Queued         State = storage.JobQueued
	Navigating     State = storage.JobNavigating
	FillingForm    State = storage.JobFillingForm
	UploadingMedia State = storage.JobUploadingMedia
	Submitting     State = storage.JobSubmitting
	Confirmed      State = storage.JobConfirmed
	Failed         State = storage.JobFailed
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Confirmed || s == Failed
}

// Failure reasons recorded on failed jobs.
const (
	ReasonRecoveryExhausted      = "recovery_exhausted"
	ReasonCancelled              = "cancelled"
	ReasonCredentialsUnavailable = "credentials_unavailable"
	ReasonEscalationFailed       = "escalation_failed"
	ReasonInterrupted            = "interrupted"
	ReasonInvalidPayload         = "invalid_payload"
)

// Payload is the product card to publish.
type Payload struct {
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Price        string            `json:"price,omitempty"`
	Images       []string          `json:"images,omitempty"`
	Video        string            `json:"video,omitempty"`
	Specs        map[string]string `json:"specs,omitempty"`
	SpecSheetURL string            `json:"spec_sheet_url,omitempty"`
}

// Validate checks the fields every portal requires.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("title is required")
	}
	for i, img := range p.Images {
		if strings.TrimSpace(img) == "" {
			return fmt.Errorf("images[%d] is empty", i)
		}
	}
	return nil
}

// MediaURLs returns images followed by the video, if any.
func (p Payload) MediaURLs() []string {
	urls := append([]string(nil), p.Images...)
	if p.Video != "" {
		urls = append(urls, p.Video)
	}
	return urls
}

// Job is one product-card submission.
type Job struct {
	ID              string    `json:"id"`
	PartnerID       string    `json:"partner_id"`
	MarketplaceID   string    `json:"marketplace_id"`
	Payload         Payload   `json:"payload"`
	State           State     `json:"state"`
	ResultProductID string    `json:"result_product_id,omitempty"`
	RequiresManual  bool      `json:"requires_manual"`
	TicketID        string    `json:"ticket_id,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewJob returns a queued job with a fresh ID.
func NewJob(partnerID, marketplaceID string, p Payload) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:            uuid.NewString(),
		PartnerID:     partnerID,
		MarketplaceID: marketplaceID,
		Payload:       p,
		State:         Queued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Record converts the job to its stored form.
func (j *Job) Record() storage.ListingJob {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	return storage.ListingJob{
		ID:              j.ID,
		PartnerID:       j.PartnerID,
		MarketplaceID:   j.MarketplaceID,
		PayloadJSON:     string(payload),
		State:           string(j.State),
		ResultProductID: j.ResultProductID,
		RequiresManual:  j.RequiresManual,
		TicketID:        j.TicketID,
		FailureReason:   j.FailureReason,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

// FromRecord rebuilds a job from its stored form.
func FromRecord(r storage.ListingJob) (*Job, error) {
	var p Payload
	if err := json.Unmarshal([]byte(r.PayloadJSON), &p); err != nil {
		return nil, fmt.Errorf("decoding payload of job %s: %w", r.ID, err)
	}
	return &Job{
		ID:              r.ID,
		PartnerID:       r.PartnerID,
		MarketplaceID:   r.MarketplaceID,
		Payload:         p,
		State:           State(r.State),
		ResultProductID: r.ResultProductID,
		RequiresManual:  r.RequiresManual,
		TicketID:        r.TicketID,
		FailureReason:   r.FailureReason,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}
