// Package worker drains the listing job queue, running each claimed job
// through the submission pipeline on a bounded number of goroutines.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/cardpilot/internal/classify"
	"github.com/kalambet/cardpilot/internal/pipeline"
	"github.com/kalambet/cardpilot/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob() (*storage.ListingJob, error)
	UpdateJob(job storage.ListingJob) error
	GetJob(id string) (storage.ListingJob, error)
	CancelQueuedJob(id string) (bool, error)
	FailInterruptedJobs() ([]storage.ListingJob, error)
	LogErrorEvent(e storage.ErrorEvent) error
}

// Runner drives one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, job *pipeline.Job) (pipeline.Result, error)
}

type Options struct {
	// Concurrency is the number of jobs run at once. Defaults to 2.
	Concurrency int
	// PollInterval is how long an idle worker waits before polling again.
	// Defaults to 500ms.
	PollInterval time.Duration
	// Classifier types the failures the worker records itself. Share the
	// pipeline's so the fingerprint table sees them too.
	Classifier *classify.Classifier
	Logger     *slog.Logger
}

// Worker claims queued jobs and runs them.
type Worker struct {
	store  JobStore
	runner Runner
	poll   time.Duration
	slots  chan struct{}
	cls    *classify.Classifier
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	// pending holds jobs cancelled between claim and track.
	pending map[string]struct{}
	wg      sync.WaitGroup
}

func New(store JobStore, runner Runner, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Classifier == nil {
		opts.Classifier = classify.NewClassifier()
	}
	return &Worker{
		store:   store,
		runner:  runner,
		poll:    opts.PollInterval,
		slots:   make(chan struct{}, opts.Concurrency),
		cls:     opts.Classifier,
		logger:  opts.Logger,
		running: make(map[string]context.CancelFunc),
		pending: make(map[string]struct{}),
	}
}

// Recover fails jobs left mid-run by a previous process. Call it once before
// Run.
func (w *Worker) Recover() (int64, error) {
	jobs, err := w.store.FailInterruptedJobs()
	if err != nil {
		return 0, fmt.Errorf("failing interrupted jobs: %w", err)
	}
	for _, rec := range jobs {
		w.recordFailure(rec, fmt.Errorf("%w while %s", pipeline.ErrInterrupted, rec.State))
	}
	if len(jobs) > 0 {
		w.logger.Warn("failed jobs interrupted by previous shutdown", "count", len(jobs))
	}
	return int64(len(jobs)), nil
}

// Run polls for jobs until ctx is cancelled, then waits for in-flight jobs.
// Cancelling ctx cancels the jobs too.
func (w *Worker) Run(ctx context.Context) {
	defer w.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case w.slots <- struct{}{}:
		}

		rec, err := w.store.ClaimNextJob()
		if err != nil {
			w.logger.Error("worker iteration failed", "error", fmt.Errorf("claiming job: %w", err))
		}
		if rec == nil {
			<-w.slots
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.poll):
			}
			continue
		}

		jctx, done := w.track(ctx, rec.ID)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			defer done()
			w.process(jctx, rec)
		}()
	}
}

// RunOnce claims and processes a single job on the calling goroutine.
// Returns true if a job was processed (regardless of its outcome).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	rec, err := w.store.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	jctx, done := w.track(ctx, rec.ID)
	defer done()
	w.process(jctx, rec)
	return true, nil
}

// track registers a cancellable context for a claimed job and applies a
// cancel that arrived between the claim and now.
func (w *Worker) track(ctx context.Context, id string) (context.Context, func()) {
	jctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.running[id] = cancel
	if _, ok := w.pending[id]; ok {
		delete(w.pending, id)
		cancel()
	}
	w.mu.Unlock()
	return jctx, func() {
		w.mu.Lock()
		delete(w.running, id)
		w.mu.Unlock()
		cancel()
	}
}

// Cancel stops job id: a running job has its context cancelled, a queued
// one is failed before any worker claims it. A job claimed but not yet
// started is cancelled as soon as it starts. It reports false when the job
// is already terminal.
func (w *Worker) Cancel(id string) (bool, error) {
	if w.cancelRunning(id) {
		return true, nil
	}
	cancelled, err := w.store.CancelQueuedJob(id)
	if err != nil {
		return false, err
	}
	if cancelled {
		rec, err := w.store.GetJob(id)
		if err != nil {
			w.logger.Error("loading cancelled job", "job_id", id, "error", err)
			rec = storage.ListingJob{ID: id}
		}
		w.recordFailure(rec, pipeline.ErrCancelledQueued)
		w.logger.Info("cancelled queued job", "job_id", id)
		return true, nil
	}

	rec, err := w.store.GetJob(id)
	if err != nil {
		return false, err
	}
	if rec.State == storage.JobConfirmed || rec.State == storage.JobFailed {
		return false, nil
	}
	w.mu.Lock()
	cancel, ok := w.running[id]
	if !ok {
		w.pending[id] = struct{}{}
	}
	w.mu.Unlock()
	if ok {
		cancel()
	}
	w.logger.Info("cancelling claimed job", "job_id", id)
	return true, nil
}

func (w *Worker) cancelRunning(id string) bool {
	w.mu.Lock()
	cancel, ok := w.running[id]
	w.mu.Unlock()
	if ok {
		cancel()
		w.logger.Info("cancelling running job", "job_id", id)
	}
	return ok
}

// Running returns the IDs of in-flight jobs.
func (w *Worker) Running() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.running))
	for id := range w.running {
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) process(ctx context.Context, rec *storage.ListingJob) {
	log := w.logger.With("job_id", rec.ID)

	job, err := pipeline.FromRecord(*rec)
	if err != nil {
		log.Warn("job failed", "error", err)
		w.recordFailure(*rec, fmt.Errorf("%w: %w", pipeline.ErrInvalidPayload, err))
		rec.State = storage.JobFailed
		rec.FailureReason = pipeline.ReasonInvalidPayload
		if uerr := w.store.UpdateJob(*rec); uerr != nil {
			log.Error("failed to mark job as failed", "error", uerr)
		}
		return
	}

	res, err := w.runner.Run(ctx, job)
	switch {
	case err != nil:
		log.Error("job ended with hard failure", "reason", job.FailureReason, "error", err)
	case job.State == pipeline.Failed:
		log.Warn("job failed", "reason", job.FailureReason, "ticket_id", res.TicketID)
	default:
		log.Info("job done", "state", job.State, "product_id", job.ResultProductID)
	}
}

// recordFailure stores an error event for a job the pipeline never ran to
// its own failure, so every failed job has at least one event.
func (w *Worker) recordFailure(rec storage.ListingJob, cause error) {
	ev := pipeline.QueueEvent(w.cls, rec, cause)
	if err := w.store.LogErrorEvent(pipeline.StoredEvent(ev)); err != nil {
		w.logger.Error("persisting error event", "job_id", rec.ID, "event_id", ev.ID, "error", err)
	}
}
