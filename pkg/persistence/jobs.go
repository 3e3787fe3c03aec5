package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, type, status, priority, payload,
	COALESCE(result,''), COALESCE(error,''), progress_percent,
	COALESCE(current_stage,''), COALESCE(message,''),
	retry_count, max_retries, scheduled_for, user_id,
	COALESCE(workspace_id,''), COALESCE(idempotency_key,''),
	created_at, updated_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Priority, &j.Payload,
		&j.Result, &j.Error, &j.ProgressPercent,
		&j.CurrentStage, &j.Message,
		&j.RetryCount, &j.MaxRetries, &j.ScheduledFor, &j.UserID,
		&j.WorkspaceID, &j.IdempotencyKey,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

// CreateJob inserts a new queued job.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	now := s.clk.Now()
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, priority, payload, max_retries,
			scheduled_for, user_id, workspace_id, idempotency_key,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?,''), NULLIF(?,''), ?, ?)`,
		job.ID, job.Type, job.Status, job.Priority, job.Payload, job.MaxRetries,
		job.ScheduledFor, job.UserID, job.WorkspaceID, job.IdempotencyKey,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob returns the job with the given id, or nil if it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// FindJobByIdempotency returns the most recent job matching (user, type, key),
// or nil. Callers apply the idempotent-enqueue rules on top.
func (s *Store) FindJobByIdempotency(ctx context.Context, userID, jobType, key string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+` FROM jobs
		WHERE user_id = ? AND type = ? AND idempotency_key = ?
		ORDER BY created_at DESC LIMIT 1`,
		userID, jobType, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job by idempotency key: %w", err)
	}
	return job, nil
}

// ResetJobForRetry returns a terminal failed/canceled job to the queue in
// place: progress and error fields are cleared, the payload replaced, and the
// retry count incremented. Used by idempotent enqueue and explicit retry.
func (s *Store) ResetJobForRetry(ctx context.Context, id, payload string) error {
	now := s.clk.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, payload = ?, result = NULL, error = NULL,
			progress_percent = 0, current_stage = NULL, message = NULL,
			retry_count = retry_count + 1, scheduled_for = ?, started_at = NULL,
			completed_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		JobStatusQueued, payload, now, now, id, JobStatusFailed, JobStatusCanceled)
	if err != nil {
		return fmt.Errorf("failed to reset job %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s is not in a resettable state", id)
	}
	return nil
}

// ClaimNextQueued atomically claims the highest-priority due queued job and
// moves it to running. Returns nil when nothing is claimable. The claim is a
// read-then-conditional-update inside a transaction; the UPDATE re-checks
// status='queued' so two pollers can never claim the same row.
func (s *Store) ClaimNextQueued(ctx context.Context) (*Job, error) {
	now := s.clk.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		"SELECT "+jobColumns+` FROM jobs
		WHERE status = ? AND scheduled_for <= ?
		ORDER BY priority DESC, scheduled_for ASC, created_at ASC
		LIMIT 1`,
		JobStatusQueued, now)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobStatusRunning, now, now, job.ID, JobStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim rowcount: %w", err)
	}
	if n == 0 {
		// Lost the race; caller polls again.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = JobStatusRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	return job, nil
}

// UpdateJobProgress records coarse progress on the job row itself.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, percent float64, stage, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress_percent = ?, current_stage = ?, message = ?, updated_at = ?
		WHERE id = ?`,
		percent, stage, message, s.clk.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// CompleteJob marks a job completed with its result JSON.
func (s *Store) CompleteJob(ctx context.Context, id, result string) error {
	return s.finishJob(ctx, id, JobStatusCompleted, result, "")
}

// FailJob marks a job failed with an error message.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	return s.finishJob(ctx, id, JobStatusFailed, "", errMsg)
}

// CancelJob marks a job canceled. Message explains who or what canceled it.
func (s *Store) CancelJob(ctx context.Context, id, message string) error {
	return s.finishJob(ctx, id, JobStatusCanceled, "", message)
}

func (s *Store) finishJob(ctx context.Context, id, status, result, errMsg string) error {
	now := s.clk.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = NULLIF(?,''), error = NULLIF(?,''),
			completed_at = ?, updated_at = ?
		WHERE id = ?`,
		status, result, errMsg, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark job %s %s: %w", id, status, err)
	}
	return nil
}

// RequeueJobForRetry increments the retry count and returns a running job to
// the queue with a future schedule.
func (s *Store) RequeueJobForRetry(ctx context.Context, id string, delay time.Duration) error {
	now := s.clk.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, retry_count = retry_count + 1,
			scheduled_for = ?, started_at = NULL, updated_at = ?
		WHERE id = ?`,
		JobStatusQueued, now.Add(delay), now, id)
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	return nil
}

// MarkInterruptedJobs fails every job left in running state by a previous
// process. Called once at startup before the poller starts. Returns the ids
// of the jobs it touched.
func (s *Store) MarkInterruptedJobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM jobs WHERE status = ?", JobStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupted jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan interrupted job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("interrupted job iteration error: %w", err)
	}

	for _, id := range ids {
		if err := s.FailJob(ctx, id, "Job interrupted during restart"); err != nil {
			return nil, err
		}
		if err := s.CloseOpenAttempts(ctx, id, JobStatusFailed, "Job interrupted during restart"); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ListJobs returns jobs for a user, newest first, optionally filtered by
// status. limit <= 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, userID, status string, limit int) ([]*Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE user_id = ?"
	args := []any{userID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job iteration error: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a terminal job and (via cascade) its attempts and
// progress events. Running or queued jobs cannot be deleted.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE id = ? AND status IN (?, ?, ?)`,
		id, JobStatusCompleted, JobStatusFailed, JobStatusCanceled)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s does not exist or is not in a terminal state", id)
	}
	return nil
}

// CreateAttempt opens a new attempt for a job. Attempt numbers are assigned
// max+1 inside a transaction.
func (s *Store) CreateAttempt(ctx context.Context, jobID string) (*JobAttempt, error) {
	now := s.clk.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin attempt transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM job_attempts WHERE job_id = ?",
		jobID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to compute attempt number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_attempts (job_id, attempt_number, status, started_at)
		VALUES (?, ?, ?, ?)`,
		jobID, next, JobStatusRunning, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit attempt: %w", err)
	}

	return &JobAttempt{
		JobID:         jobID,
		AttemptNumber: next,
		Status:        JobStatusRunning,
		StartedAt:     now,
	}, nil
}

// CloseAttempt records the outcome of a specific attempt.
func (s *Store) CloseAttempt(ctx context.Context, jobID string, attemptNumber int, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_attempts SET status = ?, error = NULLIF(?,''), completed_at = ?
		WHERE job_id = ? AND attempt_number = ?`,
		status, errMsg, s.clk.Now(), jobID, attemptNumber)
	if err != nil {
		return fmt.Errorf("failed to close attempt %d of job %s: %w", attemptNumber, jobID, err)
	}
	return nil
}

// CloseOpenAttempts closes any attempt for the job that never recorded an
// outcome. Used during startup recovery.
func (s *Store) CloseOpenAttempts(ctx context.Context, jobID, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_attempts SET status = ?, error = NULLIF(?,''), completed_at = ?
		WHERE job_id = ? AND completed_at IS NULL`,
		status, errMsg, s.clk.Now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to close open attempts of job %s: %w", jobID, err)
	}
	return nil
}

// ListAttempts returns all attempts for a job in order.
func (s *Store) ListAttempts(ctx context.Context, jobID string) ([]*JobAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, attempt_number, status, started_at, completed_at, COALESCE(error,'')
		FROM job_attempts WHERE job_id = ? ORDER BY attempt_number ASC`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []*JobAttempt
	for rows.Next() {
		var a JobAttempt
		var completedAt sql.NullTime
		if err := rows.Scan(&a.JobID, &a.AttemptNumber, &a.Status, &a.StartedAt, &completedAt, &a.Error); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			a.CompletedAt = &t
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attempt iteration error: %w", err)
	}
	return attempts, nil
}

// AppendProgressEvent appends one event to the job's progress log, assigning
// the next sequence number transactionally.
func (s *Store) AppendProgressEvent(ctx context.Context, jobID, eventType, data string) (*ProgressEvent, error) {
	now := s.clk.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin progress transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM progress_events WHERE job_id = ?",
		jobID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sequence number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO progress_events (job_id, sequence_number, event_type, data, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		jobID, next, eventType, data, now)
	if err != nil {
		return nil, fmt.Errorf("failed to append progress event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit progress event: %w", err)
	}

	return &ProgressEvent{
		JobID:          jobID,
		SequenceNumber: next,
		EventType:      eventType,
		Data:           data,
		Timestamp:      now,
	}, nil
}

// ListProgressEvents returns the job's events with sequence number greater
// than since, in order. since=0 returns everything.
func (s *Store) ListProgressEvents(ctx context.Context, jobID string, since int) ([]*ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, sequence_number, event_type, data, timestamp
		FROM progress_events
		WHERE job_id = ? AND sequence_number > ?
		ORDER BY sequence_number ASC`,
		jobID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*ProgressEvent
	for rows.Next() {
		var e ProgressEvent
		if err := rows.Scan(&e.JobID, &e.SequenceNumber, &e.EventType, &e.Data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan progress event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("progress event iteration error: %w", err)
	}
	return events, nil
}
