package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Listing job states as stored in listing_jobs.state.
const (
	JobQueued         = "queued"
	JobNavigating     = "navigating"
	JobFillingForm    = "filling_form"
	JobUploadingMedia = "uploading_media"
	JobSubmitting     = "submitting"
	JobConfirmed      = "confirmed"
	JobFailed         = "failed"
)

type ListingJob struct {
	ID              string
	PartnerID       string
	MarketplaceID   string
	PayloadJSON     string
	State           string
	ResultProductID string
	RequiresManual  bool
	TicketID        string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// JobFilter narrows ListJobs. Empty fields match everything.
type JobFilter struct {
	PartnerID     string
	MarketplaceID string
	State         string
	Limit         int
}

type ErrorEvent struct {
	ID            string
	PartnerID     string
	MarketplaceID string
	JobID         string
	ErrorType     string
	Message       string
	Operation     string
	Step          string
	Selector      string
	Severity      string
	Fingerprint   string
	CreatedAt     time.Time
}

type RecoveryAttempt struct {
	ErrorEventID   string
	Seq            int
	ActionType     string
	Description    string
	Automated      bool
	Executed       bool
	Success        bool
	ParametersJSON string // JSON object stored as text
	CreatedAt      time.Time
}

type Ticket struct {
	ID            string
	ErrorEventID  string
	JobID         string
	PartnerID     string
	MarketplaceID string
	Priority      string
	Subject       string
	Body          string
	ActionsJSON   string // JSON array stored as text
	Status        string // "open", "closed"
	CreatedAt     time.Time
	ClosedAt      time.Time
}

// SealedCredential is an encrypted credential bundle for one
// (partner, marketplace) pair. The store never sees plaintext.
type SealedCredential struct {
	PartnerID     string
	MarketplaceID string
	Ciphertext    string
	UpdatedAt     time.Time
}
