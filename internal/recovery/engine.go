package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/cardpilot/internal/classify"
	"github.com/kalambet/cardpilot/internal/marketplace"
	"github.com/kalambet/cardpilot/internal/storage"
)

// DefaultBackoff is the retry schedule: three attempts after 1s, 2s and 4s.
var DefaultBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

var errNoRefresh = errors.New("session refresh not available for this step")

// Override changes how a step is re-run. Selectors maps a failing selector
// to its replacement.
type Override struct {
	Selectors map[string]string
}

// Target is the failed step as seen by the engine.
type Target struct {
	Step marketplace.Step
	// Run re-invokes the step once.
	Run func(ctx context.Context, o Override) error
	// Refresh sends the session back through login. Nil when the step has
	// no session to refresh.
	Refresh func(ctx context.Context) error
	// Complete takes the result of a successful fallback, such as the
	// product ID a seller API returned. An error rejects the fallback. Nil
	// accepts any result.
	Complete func(result string) error
}

// PromptContext is what the proposer sees about a failure.
type PromptContext struct {
	ErrorType     classify.ErrorType `json:"error_type"`
	Message       string             `json:"message"`
	Severity      classify.Severity  `json:"severity"`
	Context       classify.Context   `json:"context"`
	MarketplaceID string             `json:"marketplace_id"`
	Tried         []Action           `json:"tried,omitempty"`
	// Want narrows the request to a single action type.
	Want ActionType `json:"want,omitempty"`
}

// Proposal is the proposer's answer. A useless answer is an empty Proposal.
type Proposal struct {
	Analysis string   `json:"analysis"`
	Actions  []Action `json:"actions"`
}

// Proposer generates candidate fixes. It never fails: any problem yields
// zero candidates.
type Proposer interface {
	Propose(ctx context.Context, pc PromptContext) Proposal
}

// Escalator files a ticket for an unrecoverable failure.
type Escalator interface {
	Escalate(ctx context.Context, ev classify.Event, attempted []Action) (string, error)
}

// AuditStore keeps the record of every attempted action.
type AuditStore interface {
	SaveRecoveryAttempts(eventID string, attempts []storage.RecoveryAttempt) error
}

// FallbackFunc completes a step through an independent path, such as a
// seller API instead of the portal UI. The result is what the step would
// have produced; for submit that is the marketplace product ID.
type FallbackFunc func(ctx context.Context, ev classify.Event) (string, error)

// Outcome is the result of one healing attempt.
type Outcome struct {
	Recovered      bool
	Fix            *Action
	Actions        []Action
	Analysis       string
	TicketID       string
	RequiresManual bool
}

type Config struct {
	Knowledge *KnowledgeBase
	Proposer  Proposer
	Escalator Escalator
	Audit     AuditStore
	Logger    *slog.Logger

	// Backoff is the retry schedule. Defaults to DefaultBackoff.
	Backoff []time.Duration
	// Wait is the pause of a wait action.
	Wait time.Duration
	// CaptchaSolvable is set when a captcha solver is wired into the
	// session layer. Without one, captcha failures escalate immediately.
	CaptchaSolvable bool
	// Sleep replaces the real timer in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

type fallbackKey struct {
	marketplaceID string
	step          marketplace.Step
}

// Engine runs the two-tier healing strategy: known fixes first, proposed
// fixes second, escalation last.
type Engine struct {
	kb              *KnowledgeBase
	proposer        Proposer
	escalator       Escalator
	audit           AuditStore
	logger          *slog.Logger
	backoff         []time.Duration
	wait            time.Duration
	captchaSolvable bool
	sleep           func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	fallbacks map[fallbackKey]FallbackFunc
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		kb:              cfg.Knowledge,
		proposer:        cfg.Proposer,
		escalator:       cfg.Escalator,
		audit:           cfg.Audit,
		logger:          cfg.Logger,
		backoff:         cfg.Backoff,
		wait:            cfg.Wait,
		captchaSolvable: cfg.CaptchaSolvable,
		sleep:           cfg.Sleep,
		fallbacks:       make(map[fallbackKey]FallbackFunc),
	}
	if e.kb == nil {
		e.kb = NewKnowledgeBase(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if len(e.backoff) == 0 {
		e.backoff = DefaultBackoff
	}
	if e.wait <= 0 {
		e.wait = 30 * time.Second
	}
	if e.sleep == nil {
		e.sleep = sleepCtx
	}
	return e
}

// Knowledge returns the engine's knowledge base.
func (e *Engine) Knowledge() *KnowledgeBase {
	return e.kb
}

// RegisterFallback installs the degraded path for step on marketplaceID.
func (e *Engine) RegisterFallback(marketplaceID string, step marketplace.Step, fn FallbackFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbacks[fallbackKey{marketplaceID, step}] = fn
}

func (e *Engine) fallback(marketplaceID string, step marketplace.Step) FallbackFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fallbacks[fallbackKey{marketplaceID, step}]
}

// Heal tries to make target succeed after ev. It returns an error only when
// ctx is cancelled or escalation itself fails; in the latter case the error
// is a hard failure and the outcome still lists every attempted action.
func (e *Engine) Heal(ctx context.Context, ev classify.Event, target Target) (Outcome, error) {
	log := e.logger.With("event_id", ev.ID, "job_id", ev.JobID, "error_type", ev.Type, "step", target.Step)

	if ev.Type == classify.Captcha && !e.captchaSolvable {
		log.Warn("no captcha solver available; escalating")
		return e.escalate(ctx, ev, nil, Outcome{})
	}

	var attempted []Action
	for _, known := range e.kb.Lookup(ev.Type) {
		if err := ctx.Err(); err != nil {
			e.persist(ev, attempted)
			return Outcome{Actions: attempted}, err
		}
		if fix, ok := e.try(ctx, ev, target, known, &attempted); ok {
			log.Info("recovered with known fix", "action", fix.Type)
			return e.recovered(ev, fix, attempted, ""), nil
		}
	}

	var proposal Proposal
	if e.proposer != nil && ctx.Err() == nil {
		proposal = e.proposer.Propose(ctx, e.prompt(ev, attempted))
	}
	for _, cand := range proposal.Actions {
		if err := ctx.Err(); err != nil {
			e.persist(ev, attempted)
			return Outcome{Actions: attempted, Analysis: proposal.Analysis}, err
		}
		if !cand.Type.Known() {
			continue
		}
		if !cand.Automated {
			// Manual suggestions travel with the ticket.
			attempted = append(attempted, cand.clone())
			continue
		}
		if fix, ok := e.try(ctx, ev, target, cand, &attempted); ok {
			log.Info("recovered with proposed fix", "action", fix.Type)
			return e.recovered(ev, fix, attempted, proposal.Analysis), nil
		}
	}
	if err := ctx.Err(); err != nil {
		e.persist(ev, attempted)
		return Outcome{Actions: attempted, Analysis: proposal.Analysis}, err
	}

	log.Warn("recovery exhausted", "attempts", len(attempted))
	e.persist(ev, attempted)
	return e.escalate(ctx, ev, attempted, Outcome{Analysis: proposal.Analysis})
}

func (e *Engine) prompt(ev classify.Event, tried []Action) PromptContext {
	return PromptContext{
		ErrorType:     ev.Type,
		Message:       ev.Message,
		Severity:      ev.Severity,
		Context:       ev.Context,
		MarketplaceID: ev.MarketplaceID,
		Tried:         tried,
	}
}

func (e *Engine) recovered(ev classify.Event, fix Action, attempted []Action, analysis string) Outcome {
	if err := e.kb.Promote(ev.Type, fix); err != nil {
		e.logger.Error("knowledge base write-through failed", "error_type", ev.Type, "error", err)
	}
	e.persist(ev, attempted)
	return Outcome{Recovered: true, Fix: &fix, Actions: attempted, Analysis: analysis}
}

func (e *Engine) escalate(ctx context.Context, ev classify.Event, attempted []Action, out Outcome) (Outcome, error) {
	out.Actions = attempted
	out.RequiresManual = true
	if e.escalator == nil {
		return out, errors.New("no escalation sink configured")
	}
	id, err := e.escalator.Escalate(ctx, ev, attempted)
	if err != nil {
		return out, err
	}
	out.TicketID = id
	return out, nil
}

// try executes a, appending one record per attempt. It returns the fix to
// promote when the step succeeded.
func (e *Engine) try(ctx context.Context, ev classify.Event, target Target, a Action, attempted *[]Action) (Action, bool) {
	switch a.Type {
	case Retry:
		for i, d := range e.backoff {
			if err := e.sleep(ctx, d); err != nil {
				return a, false
			}
			err := target.Run(ctx, Override{})
			rec := a.clone()
			if rec.Parameters == nil {
				rec.Parameters = map[string]string{}
			}
			rec.Parameters["attempt"] = fmt.Sprint(i + 1)
			rec.Parameters["delay"] = d.String()
			rec.Description = fmt.Sprintf("retry %s (attempt %d/%d after %s)", target.Step, i+1, len(e.backoff), d)
			e.record(ev, attempted, rec, true, err)
			if err == nil {
				return a, true
			}
		}
		return a, false

	case RefreshSession:
		if target.Refresh == nil {
			e.record(ev, attempted, a, false, errNoRefresh)
			return a, false
		}
		err := target.Refresh(ctx)
		if err == nil {
			err = target.Run(ctx, Override{})
		}
		e.record(ev, attempted, a, true, err)
		return a, err == nil

	case ChangeSelector:
		fix := e.resolveSelector(ctx, ev, a)
		from, to := fix.param("from"), fix.param("selector")
		if from == "" || to == "" || from == to {
			e.record(ev, attempted, fix, false, fmt.Errorf("no alternative selector for %q", from))
			return fix, false
		}
		err := target.Run(ctx, Override{Selectors: map[string]string{from: to}})
		e.record(ev, attempted, fix, true, err)
		return fix, err == nil

	case Wait:
		d := e.wait
		if p := a.param("duration"); p != "" {
			if pd, err := time.ParseDuration(p); err == nil && pd > 0 && pd <= 10*e.wait {
				d = pd
			}
		}
		if err := e.sleep(ctx, d); err != nil {
			e.record(ev, attempted, a, false, err)
			return a, false
		}
		err := target.Run(ctx, Override{})
		e.record(ev, attempted, a, true, err)
		return a, err == nil

	case Fallback:
		fn := e.fallback(ev.MarketplaceID, target.Step)
		if fn == nil {
			e.record(ev, attempted, a, false, fmt.Errorf("no fallback registered for %s/%s", ev.MarketplaceID, target.Step))
			return a, false
		}
		result, err := fn(ctx, ev)
		if err == nil && target.Complete != nil {
			err = target.Complete(result)
		}
		e.record(ev, attempted, a, true, err)
		return a, err == nil
	}
	return a, false
}

// resolveSelector fills in change_selector parameters: "from" defaults to
// the failing selector, and a missing "selector" is asked of the proposer.
func (e *Engine) resolveSelector(ctx context.Context, ev classify.Event, a Action) Action {
	fix := a.clone()
	if fix.Parameters == nil {
		fix.Parameters = map[string]string{}
	}
	if fix.param("from") == "" {
		fix.Parameters["from"] = ev.Context.Selector
	}
	if fix.param("selector") != "" || e.proposer == nil || fix.param("from") == "" {
		return fix
	}
	pc := e.prompt(ev, nil)
	pc.Context.Selector = fix.param("from")
	pc.Want = ChangeSelector
	for _, c := range e.proposer.Propose(ctx, pc).Actions {
		if c.Type == ChangeSelector && c.param("selector") != "" {
			fix.Parameters["selector"] = c.param("selector")
			break
		}
	}
	return fix
}

func (e *Engine) record(ev classify.Event, attempted *[]Action, a Action, executed bool, err error) {
	rec := a.clone()
	rec.Executed = executed
	rec.Success = err == nil
	if rec.Description == "" {
		rec.Description = string(rec.Type)
	}
	*attempted = append(*attempted, rec)

	log := e.logger.With("event_id", ev.ID, "action", rec.Type, "executed", executed)
	if err != nil {
		log.Info("recovery action failed", "error", err)
	} else {
		log.Info("recovery action succeeded")
	}
}

// persist writes the audit trail. Failures are logged, never surfaced: the
// error event itself is already stored.
func (e *Engine) persist(ev classify.Event, attempted []Action) {
	if e.audit == nil || len(attempted) == 0 {
		return
	}
	rows := make([]storage.RecoveryAttempt, len(attempted))
	now := time.Now().UTC()
	for i, a := range attempted {
		params := "{}"
		if len(a.Parameters) > 0 {
			if b, err := json.Marshal(a.Parameters); err == nil {
				params = string(b)
			}
		}
		rows[i] = storage.RecoveryAttempt{
			ErrorEventID:   ev.ID,
			ActionType:     string(a.Type),
			Description:    a.Description,
			Automated:      a.Automated,
			Executed:       a.Executed,
			Success:        a.Success,
			ParametersJSON: params,
			CreatedAt:      now,
		}
	}
	if err := e.audit.SaveRecoveryAttempts(ev.ID, rows); err != nil {
		e.logger.Error("saving recovery attempts", "event_id", ev.ID, "error", err)
	}
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
