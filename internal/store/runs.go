package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertRun adds a new run in pending state.
func (s *Store) InsertRun(ctx context.Context, r *Run) error {
	if r.StartedAt == 0 {
		r.StartedAt = time.Now().UnixMilli()
	}
	if r.Status == "" {
		r.Status = RunPending
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO runs (id, job_id, url, ruleset, status, attempts, record_count,
		issue_count, error_kind, error, elapsed_ms, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.URL, r.Ruleset, r.Status, r.Attempts, r.RecordCount,
		r.IssueCount, r.ErrorKind, r.Error, r.ElapsedMS, r.StartedAt, r.FinishedAt,
	)
	return err
}

// MarkRunning flips a pending run to running.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET status=? WHERE id=? AND status=?`, RunRunning, id, RunPending)
	return err
}

// FinishRun records the terminal state of a run.
func (s *Store) FinishRun(ctx context.Context, r *Run) error {
	now := time.Now().UnixMilli()
	if r.FinishedAt == nil {
		r.FinishedAt = &now
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET status=?, attempts=?, record_count=?, issue_count=?,
		error_kind=?, error=?, elapsed_ms=?, finished_at=?
		WHERE id=?`,
		r.Status, r.Attempts, r.RecordCount, r.IssueCount,
		r.ErrorKind, r.Error, r.ElapsedMS, r.FinishedAt, r.ID,
	)
	return err
}

// GetRun retrieves a run by ID, or nil when unknown.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, job_id, url, ruleset, status, attempts, record_count,
		issue_count, error_kind, error, elapsed_ms, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// GetRunByJob retrieves the newest run for a queued job, or nil when the
// job has not started yet.
func (s *Store) GetRunByJob(ctx context.Context, jobID string) (*Run, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, job_id, url, ruleset, status, attempts, record_count,
		issue_count, error_kind, error, elapsed_ms, started_at, finished_at
		FROM runs WHERE job_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, jobID)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, job_id, url, ruleset, status, attempts, record_count,
		issue_count, error_kind, error, elapsed_ms, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunStats counts runs per status.
func (s *Store) RunStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// RecordAttempt logs one attempt of a run.
func (s *Store) RecordAttempt(ctx context.Context, a *Attempt) error {
	if a.StartedAt == 0 {
		a.StartedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO attempts (run_id, seq, outcome, error, elapsed_ms, backoff_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Seq, a.Outcome, a.Error, a.ElapsedMS, a.BackoffMS, a.StartedAt,
	)
	return err
}

// ListAttempts returns a run's attempts in order.
func (s *Store) ListAttempts(ctx context.Context, runID string) ([]*Attempt, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT run_id, seq, outcome, error, elapsed_ms, backoff_ms, started_at
		FROM attempts WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.RunID, &a.Seq, &a.Outcome, &a.Error, &a.ElapsedMS, &a.BackoffMS, &a.StartedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func scanRun(row *sql.Row) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.ID, &r.JobID, &r.URL, &r.Ruleset, &r.Status, &r.Attempts, &r.RecordCount,
		&r.IssueCount, &r.ErrorKind, &r.Error, &r.ElapsedMS, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}

func scanRunRows(rows *sql.Rows) (*Run, error) {
	var r Run
	err := rows.Scan(
		&r.ID, &r.JobID, &r.URL, &r.Ruleset, &r.Status, &r.Attempts, &r.RecordCount,
		&r.IssueCount, &r.ErrorKind, &r.Error, &r.ElapsedMS, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}
