package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const ticketColumns = `id, error_event_id, job_id, partner_id, marketplace_id, priority, subject, body, actions_json, status, created_at, closed_at`

func scanTicket(row rowScanner) (Ticket, error) {
	var t Ticket
	var createdAt string
	var closedAt sql.NullString
	if err := row.Scan(&t.ID, &t.ErrorEventID, &t.JobID, &t.PartnerID, &t.MarketplaceID, &t.Priority,
		&t.Subject, &t.Body, &t.ActionsJSON, &t.Status, &createdAt, &closedAt); err != nil {
		return Ticket{}, err
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Ticket{}, fmt.Errorf("parsing created_at for ticket %s: %w", t.ID, err)
	}
	if closedAt.Valid {
		if t.ClosedAt, err = parseTime(closedAt.String); err != nil {
			return Ticket{}, fmt.Errorf("parsing closed_at for ticket %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func (s *Store) CreateTicket(t Ticket) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = "open"
	}
	if t.ActionsJSON == "" {
		t.ActionsJSON = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO tickets (id, error_event_id, job_id, partner_id, marketplace_id, priority, subject, body, actions_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ErrorEventID, t.JobID, t.PartnerID, t.MarketplaceID, t.Priority,
		t.Subject, t.Body, t.ActionsJSON, t.Status, formatTime(t.CreatedAt),
	)
	return err
}

func (s *Store) GetTicket(id string) (Ticket, error) {
	t, err := scanTicket(s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Ticket{}, ErrNotFound
	}
	return t, err
}

// ListTickets returns tickets newest first. An empty status lists all.
func (s *Store) ListTickets(status string, limit int) ([]Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.Query(`SELECT `+ticketColumns+` FROM tickets WHERE status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+ticketColumns+` FROM tickets ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

func (s *Store) CloseTicket(id string) error {
	res, err := s.db.Exec(`UPDATE tickets SET status = 'closed', closed_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}
