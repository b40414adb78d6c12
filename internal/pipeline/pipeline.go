// Package pipeline drives one product card through a seller portal: log in,
// open the form, fill it, upload media, submit. Failures go through the
// classifier and the recovery engine; the caller only sees the job's
// terminal state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/cardpilot/internal/browser"
	"github.com/kalambet/cardpilot/internal/classify"
	"github.com/kalambet/cardpilot/internal/marketplace"
	"github.com/kalambet/cardpilot/internal/media"
	"github.com/kalambet/cardpilot/internal/recovery"
	"github.com/kalambet/cardpilot/internal/session"
	"github.com/kalambet/cardpilot/internal/storage"
	"github.com/kalambet/cardpilot/internal/vault"
)

// ManualMessage is shown to callers when a job ends with a ticket.
const ManualMessage = "automation could not complete; a support ticket has been filed"

// StepQueue is the step recorded for failures outside any portal step.
const StepQueue marketplace.Step = "queue"

var (
	ErrCancelledQueued = errors.New("job cancelled before a worker ran it")
	ErrInterrupted     = errors.New("job interrupted by process shutdown")
	ErrInvalidPayload  = errors.New("invalid job payload")
)

// Sessions hands out exclusive leases on authenticated sessions.
type Sessions interface {
	Acquire(ctx context.Context, key session.Key) (*session.Lease, error)
}

// Healer attempts recovery of a failed step.
type Healer interface {
	Heal(ctx context.Context, ev classify.Event, target recovery.Target) (recovery.Outcome, error)
}

// Store persists job transitions and error events.
type Store interface {
	UpdateJob(job storage.ListingJob) error
	LogErrorEvent(e storage.ErrorEvent) error
}

// Media stages files for upload and reads spec sheets.
type Media interface {
	Stage(ctx context.Context, jobID string, urls []string) (*media.Batch, error)
	FetchSpecSheet(ctx context.Context, url string) (map[string]string, error)
}

// Timeouts bound each step. Zero values fall back to defaults.
type Timeouts struct {
	Navigation time.Duration
	Form       time.Duration
	Upload     time.Duration
	Submit     time.Duration
}

type Config struct {
	Sessions   Sessions
	Healer     Healer
	Store      Store
	Media      Media
	Classifier *classify.Classifier
	Timeouts   Timeouts
	// WaitPerFile is how long the portal gets to process each uploaded file.
	WaitPerFile time.Duration
	Logger      *slog.Logger
	// Sleep replaces the real timer in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result is what the caller gets back from Run.
type Result struct {
	Job      *Job
	Event    *classify.Event
	Actions  []recovery.Action
	TicketID string
	// Message is safe to show to the partner.
	Message string
}

type Pipeline struct {
	sessions    Sessions
	healer      Healer
	store       Store
	media       Media
	classifier  *classify.Classifier
	timeouts    Timeouts
	waitPerFile time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Pipeline {
	p := &Pipeline{
		sessions:    cfg.Sessions,
		healer:      cfg.Healer,
		store:       cfg.Store,
		media:       cfg.Media,
		classifier:  cfg.Classifier,
		timeouts:    cfg.Timeouts,
		waitPerFile: cfg.WaitPerFile,
		logger:      cfg.Logger,
		sleep:       cfg.Sleep,
	}
	if p.classifier == nil {
		p.classifier = classify.NewClassifier()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	t := &p.timeouts
	t.Navigation = orDefault(t.Navigation, 30*time.Second)
	t.Form = orDefault(t.Form, 45*time.Second)
	t.Upload = orDefault(t.Upload, 2*time.Minute)
	t.Submit = orDefault(t.Submit, 45*time.Second)
	return p
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// step is one transition of the workflow.
type step struct {
	state State // entered before the step runs; empty keeps the current state
	name  marketplace.Step
	run   func(ctx context.Context, o recovery.Override) error
}

// run holds the per-job state shared by the steps.
type run struct {
	p         *Pipeline
	job       *Job
	log       *slog.Logger
	lease     *session.Lease
	productID string
	specsDone bool
}

// Run drives job to a terminal state. The returned error is non-nil only
// for hard failures (credentials unavailable, escalation failed); the job is
// Failed in that case too.
func (p *Pipeline) Run(ctx context.Context, job *Job) (Result, error) {
	r := &run{
		p:   p,
		job: job,
		log: p.logger.With("job_id", job.ID, "partner_id", job.PartnerID, "marketplace_id", job.MarketplaceID),
	}
	defer r.release()

	res := Result{Job: job}
	steps := []step{
		{name: marketplace.StepLogin, run: r.acquire},
		{state: Navigating, name: marketplace.StepNavigate, run: r.navigate},
		{state: FillingForm, name: marketplace.StepFillForm, run: r.fill},
		{state: UploadingMedia, name: marketplace.StepUploadMedia, run: r.upload},
		{state: Submitting, name: marketplace.StepSubmit, run: r.submit},
	}

	r.log.Info("job started")
	for _, s := range steps {
		if ctx.Err() != nil {
			return r.cancelled(res, s.name), nil
		}
		if s.state != "" {
			r.transition(s.state)
		}

		err := s.run(ctx, recovery.Override{})
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return r.cancelled(res, s.name), nil
		}

		ev := r.recordEvent(err, s.name)
		res.Event = &ev

		if errors.Is(err, vault.ErrCredentialsUnavailable) {
			r.fail(ReasonCredentialsUnavailable)
			return res, err
		}

		target := recovery.Target{Step: s.name, Run: s.run}
		if r.lease != nil {
			target.Refresh = r.refresh
		}
		if s.name == marketplace.StepSubmit {
			target.Complete = r.confirm
		}
		outcome, herr := p.healer.Heal(ctx, ev, target)
		res.Actions = append(res.Actions, outcome.Actions...)
		if herr != nil {
			if ctx.Err() != nil {
				return r.cancelled(res, s.name), nil
			}
			job.RequiresManual = true
			r.fail(ReasonEscalationFailed)
			return res, herr
		}
		if !outcome.Recovered {
			job.RequiresManual = outcome.RequiresManual
			job.TicketID = outcome.TicketID
			res.TicketID = outcome.TicketID
			res.Message = ManualMessage
			r.fail(ReasonRecoveryExhausted)
			return res, nil
		}
		r.log.Info("step recovered", "step", s.name, "action", outcome.Fix.Type)
	}

	job.ResultProductID = r.productID
	r.transition(Confirmed)
	r.log.Info("job confirmed", "product_id", r.productID)
	return res, nil
}

func (r *run) key() session.Key {
	return session.Key{PartnerID: r.job.PartnerID, MarketplaceID: r.job.MarketplaceID}
}

func (r *run) transition(s State) {
	r.job.State = s
	r.job.UpdatedAt = time.Now().UTC()
	if err := r.p.store.UpdateJob(r.job.Record()); err != nil {
		r.log.Error("persisting job state", "state", s, "error", err)
	}
	r.log.Debug("job state", "state", s)
}

func (r *run) fail(reason string) {
	r.job.FailureReason = reason
	r.transition(Failed)
	r.log.Warn("job failed", "reason", reason, "ticket_id", r.job.TicketID)
}

// cancelled tears down the half-driven page and fails the job without
// recovery.
func (r *run) cancelled(res Result, at marketplace.Step) Result {
	if r.lease != nil {
		r.lease.Teardown()
	}
	ev := r.recordEvent(context.Canceled, at)
	res.Event = &ev
	res.Message = "job cancelled"
	r.fail(ReasonCancelled)
	return res
}

// recordEvent classifies err and stores the event before anything else
// happens to it.
func (r *run) recordEvent(err error, at marketplace.Step) classify.Event {
	ev := r.p.classifier.Classify(err, classify.Context{Operation: "submit_listing", Step: string(at)})
	ev.PartnerID = r.job.PartnerID
	ev.MarketplaceID = r.job.MarketplaceID
	ev.JobID = r.job.ID

	serr := r.p.store.LogErrorEvent(StoredEvent(ev))
	if serr != nil {
		r.log.Error("persisting error event", "event_id", ev.ID, "error", serr)
	}
	r.log.Warn("step failed",
		"step", at,
		"error_type", ev.Type,
		"severity", ev.Severity,
		"event_id", ev.ID,
		"error", ev.Message,
	)
	return ev
}

// StoredEvent is the persisted form of ev.
func StoredEvent(ev classify.Event) storage.ErrorEvent {
	return storage.ErrorEvent{
		ID:            ev.ID,
		PartnerID:     ev.PartnerID,
		MarketplaceID: ev.MarketplaceID,
		JobID:         ev.JobID,
		ErrorType:     string(ev.Type),
		Message:       ev.Message,
		Operation:     ev.Context.Operation,
		Step:          ev.Context.Step,
		Selector:      ev.Context.Selector,
		Severity:      string(ev.Severity),
		Fingerprint:   ev.Fingerprint,
		CreatedAt:     ev.Timestamp,
	}
}

// QueueEvent classifies err for a job that failed while queued or claimed,
// before or after Run had a chance to record anything.
func QueueEvent(c *classify.Classifier, rec storage.ListingJob, err error) classify.Event {
	ev := c.Classify(err, classify.Context{Operation: "submit_listing", Step: string(StepQueue)})
	ev.PartnerID = rec.PartnerID
	ev.MarketplaceID = rec.MarketplaceID
	ev.JobID = rec.ID
	return ev
}

func (r *run) release() {
	if r.lease != nil {
		r.lease.Release()
		r.lease = nil
	}
}

func (r *run) page(o recovery.Override) browser.Page {
	return browser.WithAliases(r.lease.Page(), o.Selectors)
}

func (r *run) acquire(ctx context.Context, _ recovery.Override) error {
	if r.lease != nil {
		return nil
	}
	lease, err := r.p.sessions.Acquire(ctx, r.key())
	if err != nil {
		if errors.Is(err, vault.ErrCredentialsUnavailable) {
			return err
		}
		return marketplace.AsStepFailure(marketplace.StepLogin, err)
	}
	r.lease = lease
	return nil
}

func (r *run) refresh(ctx context.Context) error {
	return r.lease.Refresh(ctx)
}

func (r *run) navigate(ctx context.Context, o recovery.Override) error {
	ctx, cancel := context.WithTimeout(ctx, r.p.timeouts.Navigation)
	defer cancel()
	err := r.lease.Adapter().OpenProductForm(ctx, r.page(o))
	if errors.Is(err, marketplace.ErrLoggedOut) {
		r.lease.Expire()
	}
	return err
}

func (r *run) fill(ctx context.Context, o recovery.Override) error {
	r.loadSpecSheet(ctx)

	ctx, cancel := context.WithTimeout(ctx, r.p.timeouts.Form)
	defer cancel()
	pl := r.job.Payload
	return r.lease.Adapter().FillForm(ctx, r.page(o), marketplace.Listing{
		Title:       pl.Title,
		Description: pl.Description,
		Price:       pl.Price,
		Specs:       pl.Specs,
	})
}

// loadSpecSheet merges the spec sheet into the payload once. A sheet that
// cannot be read is skipped.
func (r *run) loadSpecSheet(ctx context.Context) {
	if r.specsDone || r.job.Payload.SpecSheetURL == "" || r.p.media == nil {
		return
	}
	r.specsDone = true
	ctx, cancel := context.WithTimeout(ctx, r.p.timeouts.Upload)
	defer cancel()
	sheet, err := r.p.media.FetchSpecSheet(ctx, r.job.Payload.SpecSheetURL)
	if err != nil {
		r.log.Warn("spec sheet unavailable, continuing without it", "error", err)
		return
	}
	r.job.Payload.Specs = media.MergeSpecs(r.job.Payload.Specs, sheet)
	r.log.Debug("spec sheet merged", "entries", len(sheet))
}

// upload stages the media, uploads it as one batch and gives the portal
// time to process it. Staged files are removed whatever the outcome.
func (r *run) upload(ctx context.Context, o recovery.Override) error {
	urls := r.job.Payload.MediaURLs()
	if len(urls) == 0 {
		return nil
	}
	if r.p.media == nil {
		return &marketplace.StepFailure{Step: marketplace.StepUploadMedia, Cause: errors.New("no media stager configured")}
	}

	uctx, cancel := context.WithTimeout(ctx, r.p.timeouts.Upload)
	defer cancel()
	batch, err := r.p.media.Stage(uctx, r.job.ID, urls)
	if err != nil {
		return &marketplace.StepFailure{Step: marketplace.StepUploadMedia, Cause: err}
	}
	defer func() {
		if cerr := batch.Cleanup(); cerr != nil {
			r.log.Error("removing staged media", "dir", batch.Dir, "error", cerr)
		}
	}()

	if err := r.lease.Adapter().UploadMedia(uctx, r.page(o), batch.Files); err != nil {
		return err
	}
	wait := r.p.waitPerFile * time.Duration(len(batch.Files))
	if err := r.p.sleep(ctx, wait); err != nil {
		return &marketplace.StepFailure{Step: marketplace.StepUploadMedia, Cause: fmt.Errorf("waiting for media processing: %w", err)}
	}
	return nil
}

func (r *run) submit(ctx context.Context, o recovery.Override) error {
	ctx, cancel := context.WithTimeout(ctx, r.p.timeouts.Submit)
	defer cancel()
	id, err := r.lease.Adapter().Submit(ctx, r.page(o))
	if err != nil {
		return err
	}
	return r.confirm(id)
}

// confirm accepts the product ID from the portal or a submit fallback. A job
// is never confirmed without one.
func (r *run) confirm(id string) error {
	if id == "" {
		return &marketplace.StepFailure{Step: marketplace.StepSubmit, Cause: marketplace.ErrNoConfirmation}
	}
	r.productID = id
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
