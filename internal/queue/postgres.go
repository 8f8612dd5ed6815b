package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docuvert/docuvert/internal/common"
	"github.com/docuvert/docuvert/internal/dbx"
)

// PostgresQueue implements Queue over a dbx.DBTX (*sql.DB or *sql.Tx).
// Job-id uniqueness is the only mutual-exclusion mechanism relied upon;
// workers compete for jobs with FOR UPDATE SKIP LOCKED.
type PostgresQueue struct {
	db dbx.DBTX
}

// NewPostgresQueue constructs a queue bound to the given DBTX.
func NewPostgresQueue(db dbx.DBTX) *PostgresQueue {
	return &PostgresQueue{db: db}
}

// Enqueue inserts the job unless its id already exists. A failed insert is
// reported as queue unavailability so callers fail closed instead of
// silently dropping the conversion.
func (q *PostgresQueue) Enqueue(ctx context.Context, payload json.RawMessage, opts Options) (bool, error) {
	query := `
		INSERT INTO jobs (job_id, payload, priority, max_attempts, state, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, 'waiting', now(), now())
		ON CONFLICT (job_id) DO NOTHING;
	`
	res, err := q.db.ExecContext(ctx, query, opts.JobID, []byte(payload), opts.Priority, opts.Attempts)
	if err != nil {
		return false, fmt.Errorf("%w: enqueue: %v", common.ErrQueueUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: enqueue rows affected: %v", common.ErrQueueUnavailable, err)
	}
	return n == 1, nil
}

const jobColumns = `job_id, payload, priority, max_attempts, attempts, state, last_error, not_before, enqueued_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		job       Job
		payload   []byte
		lastError sql.NullString
		notBefore sql.NullTime
	)
	if err := row.Scan(&job.ID, &payload, &job.Priority, &job.MaxAttempts, &job.Attempts,
		&job.State, &lastError, &notBefore, &job.EnqueuedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Payload = payload
	job.LastError = lastError.String
	if notBefore.Valid {
		job.NotBefore = notBefore.Time
	}
	return &job, nil
}

func (q *PostgresQueue) Status(ctx context.Context, jobID string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id=$1`

	job, err := scanJob(q.db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select job: %w", err)
	}
	return job, nil
}

// Cancel removes a job that has not completed. Repeat cancellation and
// unknown ids both report false without error.
func (q *PostgresQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	query := `DELETE FROM jobs WHERE job_id=$1 AND state <> 'completed'`

	res, err := q.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (q *PostgresQueue) QueueStats(ctx context.Context) (*Stats, error) {
	query := `SELECT state, count(*) FROM jobs GROUP BY state`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select queue stats: %w", err)
	}
	defer rows.Close()

	s := &Stats{}
	for rows.Next() {
		var (
			state State
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		switch state {
		case StateWaiting:
			s.Waiting = count
		case StateActive:
			s.Active = count
		case StateCompleted:
			s.Completed = count
		case StateFailed:
			s.Failed = count
		case StateDelayed:
			s.Delayed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// Claim atomically promotes the best ready job to active. Waiting jobs and
// delayed jobs whose retry time has arrived compete on (priority,
// enqueued_at); SKIP LOCKED keeps concurrent workers from colliding.
func (q *PostgresQueue) Claim(ctx context.Context) (*Job, error) {
	query := `
		UPDATE jobs SET state='active', attempts=attempts+1, updated_at=now()
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE state='waiting' OR (state='delayed' AND not_before <= now())
			ORDER BY priority, enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns + `;
	`
	job, err := scanJob(q.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, jobID string) error {
	query := `UPDATE jobs SET state='completed', updated_at=now() WHERE job_id=$1`

	res, err := q.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// Fail parks the job as delayed while retry budget remains, and marks it
// failed once attempts reach the maximum.
func (q *PostgresQueue) Fail(ctx context.Context, jobID string, reason string, retryIn time.Duration) error {
	query := `
		UPDATE jobs SET
			state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'delayed' END,
			not_before = now() + $2::interval,
			last_error = $3,
			updated_at = now()
		WHERE job_id=$1;
	`
	res, err := q.db.ExecContext(ctx, query, jobID, retryIn.String(), reason)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
