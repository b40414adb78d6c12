package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, partner_id, marketplace_id, payload_json, state, result_product_id,
	requires_manual, ticket_id, failure_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (ListingJob, error) {
	var j ListingJob
	var manual int
	var createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.PartnerID, &j.MarketplaceID, &j.PayloadJSON, &j.State,
		&j.ResultProductID, &manual, &j.TicketID, &j.FailureReason, &createdAt, &updatedAt); err != nil {
		return ListingJob{}, err
	}
	j.RequiresManual = manual != 0
	var err error
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return ListingJob{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ListingJob{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

// EnqueueJob inserts a job in the queued state.
func (s *Store) EnqueueJob(job ListingJob) error {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO listing_jobs (id, partner_id, marketplace_id, payload_json, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.PartnerID, job.MarketplaceID, job.PayloadJSON, JobQueued,
		formatTime(job.CreatedAt), formatTime(now),
	)
	return err
}

// ClaimNextJob marks the oldest unclaimed queued job as claimed and returns it.
// It returns nil, nil when the queue is empty.
func (s *Store) ClaimNextJob() (*ListingJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	j, err := scanJob(tx.QueryRow(`SELECT ` + jobColumns + `
		FROM listing_jobs
		WHERE state = 'queued' AND claimed_at IS NULL
		ORDER BY created_at ASC
		LIMIT 1`))
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	now := formatTime(time.Now())
	res, err := tx.Exec(`UPDATE listing_jobs SET claimed_at = ?, updated_at = ? WHERE id = ? AND claimed_at IS NULL`, now, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claimed job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return &j, nil
}

// UpdateJob persists the mutable fields of a job.
func (s *Store) UpdateJob(job ListingJob) error {
	res, err := s.db.Exec(`
		UPDATE listing_jobs
		SET state = ?, result_product_id = ?, requires_manual = ?, ticket_id = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?`,
		job.State, job.ResultProductID, boolToInt(job.RequiresManual), job.TicketID, job.FailureReason,
		formatTime(time.Now()), job.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) GetJob(id string) (ListingJob, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM listing_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ListingJob{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(f JobFilter) ([]ListingJob, error) {
	var where []string
	var args []any
	if f.PartnerID != "" {
		where = append(where, "partner_id = ?")
		args = append(args, f.PartnerID)
	}
	if f.MarketplaceID != "" {
		where = append(where, "marketplace_id = ?")
		args = append(args, f.MarketplaceID)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	query := `SELECT ` + jobColumns + ` FROM listing_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ListingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

// CancelQueuedJob fails a job that no worker has claimed yet. It reports
// false when the job exists but is already claimed or terminal.
func (s *Store) CancelQueuedJob(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE listing_jobs SET state = 'failed', failure_reason = 'cancelled', updated_at = ?
		WHERE id = ? AND state = 'queued' AND claimed_at IS NULL`,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetJob(id); err != nil {
		return false, err
	}
	return false, nil
}

// FailInterruptedJobs fails every claimed job that never reached a terminal
// state, which only happens when the process died mid-run. Called at startup.
// It returns the jobs as they were before being failed.
func (s *Store) FailInterruptedJobs() ([]ListingJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning recovery transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT ` + jobColumns + ` FROM listing_jobs
		WHERE claimed_at IS NOT NULL AND state NOT IN ('confirmed', 'failed')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("selecting interrupted jobs: %w", err)
	}
	var jobs []ListingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := formatTime(time.Now())
	for _, j := range jobs {
		if _, err := tx.Exec(`UPDATE listing_jobs SET state = 'failed', failure_reason = 'interrupted', updated_at = ?
			WHERE id = ?`, now, j.ID); err != nil {
			return nil, fmt.Errorf("failing job %s: %w", j.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing recovery: %w", err)
	}
	return jobs, nil
}
