package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/cardpilot/internal/classify"
	"github.com/kalambet/cardpilot/internal/marketplace"
	"github.com/kalambet/cardpilot/internal/pipeline"
	"github.com/kalambet/cardpilot/internal/recovery"
	"github.com/kalambet/cardpilot/internal/session"
	"github.com/kalambet/cardpilot/internal/storage"
)

// Store is the persistence the API reads and writes.
type Store interface {
	EnqueueJob(job storage.ListingJob) error
	GetJob(id string) (storage.ListingJob, error)
	ListJobs(f storage.JobFilter) ([]storage.ListingJob, error)
	ListErrorEvents(jobID string, limit int) ([]storage.ErrorEvent, error)
	GetTicket(id string) (storage.Ticket, error)
	ListTickets(status string, limit int) ([]storage.Ticket, error)
	CloseTicket(id string) error
}

// JobCanceller stops queued or running jobs.
type JobCanceller interface {
	Cancel(id string) (bool, error)
}

// SessionAdmin exposes the session pool to operators.
type SessionAdmin interface {
	List() []session.Info
	Teardown(key session.Key) error
	ResolveCaptcha(ctx context.Context, key session.Key, solved bool) (session.State, error)
}

// CodeRelay forwards second-factor codes an operator received out of band
// to the login waiting for them.
type CodeRelay interface {
	Put(key session.Key, code string) error
}

// Marketplaces resolves marketplace IDs to adapters.
type Marketplaces interface {
	Get(id string) (marketplace.Adapter, error)
}

// Deps holds the services shared by the REST and MCP surfaces.
type Deps struct {
	Store        Store
	Jobs         JobCanceller
	Sessions     SessionAdmin
	Codes        CodeRelay
	Marketplaces Marketplaces
	Knowledge    *recovery.KnowledgeBase
	Classifier   *classify.Classifier
	Logger       *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// SubmitRequest asks for one product card to be published.
type SubmitRequest struct {
	PartnerID     string           `json:"partner_id"`
	MarketplaceID string           `json:"marketplace_id"`
	Payload       pipeline.Payload `json:"payload"`
}

// errInvalid marks caller mistakes.
type errInvalid struct{ msg string }

func (e errInvalid) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return errInvalid{msg: fmt.Sprintf(format, args...)}
}

func isInvalid(err error) bool {
	var e errInvalid
	return errors.As(err, &e)
}

// submitJob validates req and queues it for the worker.
func submitJob(d Deps, req SubmitRequest) (*pipeline.Job, error) {
	req.PartnerID = strings.TrimSpace(req.PartnerID)
	req.MarketplaceID = strings.TrimSpace(req.MarketplaceID)
	if req.PartnerID == "" {
		return nil, invalid("partner_id is required")
	}
	if req.MarketplaceID == "" {
		return nil, invalid("marketplace_id is required")
	}
	if d.Marketplaces != nil {
		if _, err := d.Marketplaces.Get(req.MarketplaceID); err != nil {
			return nil, invalid("%v", err)
		}
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, invalid("invalid payload: %v", err)
	}

	job := pipeline.NewJob(req.PartnerID, req.MarketplaceID, req.Payload)
	if err := d.Store.EnqueueJob(job.Record()); err != nil {
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}
	d.logger().Info("job queued", "job_id", job.ID, "partner_id", job.PartnerID, "marketplace_id", job.MarketplaceID)
	return job, nil
}

// jobDetail is a job with the failures recorded against it.
type jobDetail struct {
	*pipeline.Job
	Events []eventView `json:"events"`
}

func loadJob(d Deps, id string) (jobDetail, error) {
	rec, err := d.Store.GetJob(id)
	if err != nil {
		return jobDetail{}, err
	}
	job, err := pipeline.FromRecord(rec)
	if err != nil {
		return jobDetail{}, err
	}
	events, err := d.Store.ListErrorEvents(id, 100)
	if err != nil {
		return jobDetail{}, fmt.Errorf("listing events: %w", err)
	}
	out := jobDetail{Job: job, Events: make([]eventView, 0, len(events))}
	for _, e := range events {
		out.Events = append(out.Events, toEventView(e))
	}
	return out, nil
}

func knowledgeSnapshot(d Deps) map[classify.ErrorType][]recovery.Action {
	if d.Knowledge == nil {
		return map[classify.ErrorType][]recovery.Action{}
	}
	return d.Knowledge.Snapshot()
}

func topFingerprints(d Deps, n int) []classify.FingerprintCount {
	if d.Classifier == nil {
		return []classify.FingerprintCount{}
	}
	return d.Classifier.Top(n)
}
