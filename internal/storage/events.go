package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Error events ---

func (s *Store) LogErrorEvent(e ErrorEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO error_events (id, partner_id, marketplace_id, job_id, error_type, message, operation, step, selector, severity, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PartnerID, e.MarketplaceID, e.JobID, e.ErrorType, e.Message,
		e.Operation, e.Step, e.Selector, e.Severity, e.Fingerprint, formatTime(e.CreatedAt),
	)
	return err
}

const eventColumns = `id, partner_id, marketplace_id, job_id, error_type, message, operation, step, selector, severity, fingerprint, created_at`

func scanEvent(row rowScanner) (ErrorEvent, error) {
	var e ErrorEvent
	var createdAt string
	if err := row.Scan(&e.ID, &e.PartnerID, &e.MarketplaceID, &e.JobID, &e.ErrorType, &e.Message,
		&e.Operation, &e.Step, &e.Selector, &e.Severity, &e.Fingerprint, &createdAt); err != nil {
		return ErrorEvent{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return ErrorEvent{}, fmt.Errorf("parsing created_at for event %s: %w", e.ID, err)
	}
	e.CreatedAt = t
	return e, nil
}

func (s *Store) GetErrorEvent(id string) (ErrorEvent, error) {
	e, err := scanEvent(s.db.QueryRow(`SELECT `+eventColumns+` FROM error_events WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ErrorEvent{}, ErrNotFound
	}
	return e, err
}

// ListErrorEvents returns events newest first. A non-empty jobID restricts
// the result to that job.
func (s *Store) ListErrorEvents(jobID string, limit int) ([]ErrorEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if jobID != "" {
		rows, err = s.db.Query(`SELECT `+eventColumns+` FROM error_events WHERE job_id = ? ORDER BY created_at DESC LIMIT ?`, jobID, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+eventColumns+` FROM error_events ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ErrorEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- Recovery attempts ---

// SaveRecoveryAttempts appends the audit trail of one healing attempt.
func (s *Store) SaveRecoveryAttempts(eventID string, attempts []RecoveryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning attempts transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for i, a := range attempts {
		params := a.ParametersJSON
		if params == "" {
			params = "{}"
		}
		created := a.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.Exec(`
			INSERT INTO recovery_attempts (error_event_id, seq, action_type, description, automated, executed, success, parameters_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID, i, a.ActionType, a.Description, boolToInt(a.Automated), boolToInt(a.Executed),
			boolToInt(a.Success), params, formatTime(created),
		); err != nil {
			return fmt.Errorf("inserting attempt %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListRecoveryAttempts(eventID string) ([]RecoveryAttempt, error) {
	rows, err := s.db.Query(`
		SELECT error_event_id, seq, action_type, description, automated, executed, success, parameters_json, created_at
		FROM recovery_attempts WHERE error_event_id = ? ORDER BY seq ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RecoveryAttempt
	for rows.Next() {
		var a RecoveryAttempt
		var automated, executed, success int
		var createdAt string
		if err := rows.Scan(&a.ErrorEventID, &a.Seq, &a.ActionType, &a.Description,
			&automated, &executed, &success, &a.ParametersJSON, &createdAt); err != nil {
			return nil, err
		}
		a.Automated, a.Executed, a.Success = automated != 0, executed != 0, success != 0
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// --- Knowledge base ---

// LoadKnowledgeBase returns error type -> JSON-encoded action list.
func (s *Store) LoadKnowledgeBase() (map[string]string, error) {
	rows, err := s.db.Query("SELECT error_type, actions_json FROM knowledge_base")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

func (s *Store) SaveKnowledgeBaseEntry(errorType, actionsJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO knowledge_base (error_type, actions_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(error_type) DO UPDATE SET actions_json = excluded.actions_json, updated_at = excluded.updated_at`,
		errorType, actionsJSON, formatTime(time.Now()),
	)
	return err
}
