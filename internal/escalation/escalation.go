// Package escalation turns unrecoverable failures into support tickets.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/cardpilot/internal/classify"
	"github.com/kalambet/cardpilot/internal/recovery"
	"github.com/kalambet/cardpilot/internal/storage"
)

// Ticket priorities.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
)

// Failure means a ticket could not be filed. It is never retried.
type Failure struct {
	EventID string
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("escalation failed for event %s: %v", f.EventID, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// TicketStore persists tickets.
type TicketStore interface {
	CreateTicket(t storage.Ticket) error
}

// Sink files one ticket per escalation.
type Sink struct {
	store  TicketStore
	logger *slog.Logger
	now    func() time.Time
}

func NewSink(store TicketStore, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, logger: logger, now: time.Now}
}

// PriorityFor maps event severity to ticket priority.
func PriorityFor(s classify.Severity) string {
	if s == classify.Critical {
		return PriorityUrgent
	}
	return PriorityHigh
}

// Escalate files a ticket for ev with every attempted action and returns
// its ID. Any store error is returned as *Failure.
func (s *Sink) Escalate(ctx context.Context, ev classify.Event, attempted []recovery.Action) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Failure{EventID: ev.ID, Err: err}
	}
	t := storage.Ticket{
		ID:            uuid.NewString(),
		ErrorEventID:  ev.ID,
		JobID:         ev.JobID,
		PartnerID:     ev.PartnerID,
		MarketplaceID: ev.MarketplaceID,
		Priority:      PriorityFor(ev.Severity),
		Subject:       subject(ev),
		Body:          body(ev, attempted),
		ActionsJSON:   recovery.EncodeActions(attempted),
		Status:        "open",
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateTicket(t); err != nil {
		s.logger.Error("filing ticket", "event_id", ev.ID, "error", err)
		return "", &Failure{EventID: ev.ID, Err: err}
	}
	s.logger.Warn("ticket filed",
		"ticket_id", t.ID,
		"job_id", ev.JobID,
		"partner_id", ev.PartnerID,
		"marketplace_id", ev.MarketplaceID,
		"error_type", ev.Type,
		"priority", t.Priority,
	)
	return t.ID, nil
}

func subject(ev classify.Event) string {
	step := ev.Context.Step
	if step == "" {
		step = "automation"
	}
	return fmt.Sprintf("[%s] %s failed on %s for partner %s", ev.Type, step, ev.MarketplaceID, ev.PartnerID)
}

func body(ev classify.Event, attempted []recovery.Action) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Error: %s (%s, severity %s)\n", ev.Message, ev.Type, ev.Severity)
	if ev.JobID != "" {
		fmt.Fprintf(&sb, "Job: %s\n", ev.JobID)
	}
	if ev.Context.Step != "" {
		fmt.Fprintf(&sb, "Step: %s\n", ev.Context.Step)
	}
	if ev.Context.Selector != "" {
		fmt.Fprintf(&sb, "Selector: %s\n", ev.Context.Selector)
	}
	fmt.Fprintf(&sb, "Event: %s at %s\n", ev.ID, ev.Timestamp.UTC().Format(time.RFC3339))

	if len(attempted) == 0 {
		if ev.Type == classify.Captcha {
			sb.WriteString("\nThe portal asked for a captcha and no solver is configured. Solve it in the session browser, then resolve the captcha for this session.\n")
		} else {
			sb.WriteString("\nNo recovery actions were available.\n")
		}
		return sb.String()
	}
	sb.WriteString("\nAttempted recovery:\n")
	for i, a := range attempted {
		status := "failed"
		switch {
		case !a.Executed:
			status = "not executed"
		case a.Success:
			status = "succeeded"
		}
		fmt.Fprintf(&sb, "%d. %s: %s (%s)\n", i+1, a.Type, a.Description, status)
	}
	return sb.String()
}
