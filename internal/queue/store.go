package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/telegram-broadcaster/internal/domain"
)

// =============================================================================
// DURABLE JOB STORE - Deduplicated Deferred Jobs on Postgres
// =============================================================================
// Jobs live in broadcast_jobs. The job_id column is the caller-chosen
// deduplication key: while a row with that job_id is queued or claimed, a
// second enqueue is silently dropped. Terminal rows (done/failed/dead_letter)
// no longer occupy the id — a fresh enqueue takes the row over in place.

// Store provides enqueue and state transitions for broadcast jobs.
type Store struct {
	db          *sql.DB
	maxAttempts int
}

// NewStore creates a job store. maxAttempts bounds how many times a job is
// dispatched before it is dead-lettered.
func NewStore(db *sql.DB, maxAttempts int) *Store {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Store{db: db, maxAttempts: maxAttempts}
}

// Enqueue inserts a job with the given deduplication id, deferred by deferBy.
// Returns false when a live job with the same id already exists (the new job
// is dropped). A terminal row under the same id is taken over and re-queued.
func (s *Store) Enqueue(ctx context.Context, jobID string, payload any, deferBy time.Duration) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_jobs (
			id, job_id, payload, status, scheduled_at, attempts, max_attempts,
			created_at, updated_at
		) VALUES ($1, $2, $3, 'queued', NOW() + ($4 * INTERVAL '1 millisecond'), 0, $5, NOW(), NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET payload = EXCLUDED.payload,
		    status = 'queued',
		    scheduled_at = EXCLUDED.scheduled_at,
		    attempts = 0,
		    claimed_at = NULL,
		    worker_id = NULL,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE broadcast_jobs.status IN ('done', 'failed', 'dead_letter')
	`, uuid.New(), jobID, body, deferBy.Milliseconds(), s.maxAttempts)
	if err != nil {
		return false, fmt.Errorf("enqueue job %s: %w", jobID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimOne atomically claims the next due queued job for a worker, or
// returns nil when nothing is due. The claim bumps the attempt counter.
func (s *Store) ClaimOne(ctx context.Context, workerID string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH claimed AS (
			UPDATE broadcast_jobs
			SET
				status = 'claimed',
				worker_id = $1,
				claimed_at = NOW(),
				attempts = attempts + 1,
				updated_at = NOW()
			WHERE id IN (
				SELECT id
				FROM broadcast_jobs
				WHERE status = 'queued'
				  AND scheduled_at <= NOW()
				ORDER BY scheduled_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, job_id, payload, attempts, max_attempts, scheduled_at
		)
		SELECT id, job_id, payload, attempts, max_attempts, scheduled_at FROM claimed
	`, workerID)

	var job domain.Job
	err := row.Scan(&job.ID, &job.JobID, &job.Payload, &job.Attempts, &job.MaxAttempts, &job.ScheduledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobClaimed
	return &job, nil
}

// Complete marks a claimed job done.
func (s *Store) Complete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE broadcast_jobs
		SET status = 'done', updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'
	`, id)
	return err
}

// Fail records a handler error. Jobs with attempt budget left are re-queued
// with a backoff that grows linearly with the attempt count; exhausted jobs
// move to dead_letter.
func (s *Store) Fail(ctx context.Context, job *domain.Job, errMsg string, backoff time.Duration) error {
	// Truncate error message
	if len(errMsg) > 255 {
		errMsg = errMsg[:255]
	}

	if job.Attempts >= job.MaxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE broadcast_jobs
			SET status = 'dead_letter', last_error = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'claimed'
		`, job.ID, errMsg)
		if err == nil {
			log.Printf("[JobStore] Job %s moved to dead_letter after %d attempts: %s", job.JobID, job.Attempts, errMsg)
		}
		return err
	}

	delay := backoff * time.Duration(job.Attempts)
	if delay < backoff {
		delay = backoff
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE broadcast_jobs
		SET status = 'queued',
		    worker_id = NULL,
		    claimed_at = NULL,
		    last_error = $2,
		    scheduled_at = NOW() + ($3 * INTERVAL '1 millisecond'),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'
	`, job.ID, errMsg, delay.Milliseconds())
	return err
}

// Depth returns job counts grouped by status (health checks / stats).
func (s *Store) Depth(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM broadcast_jobs GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	depth := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		depth[status] = count
	}
	return depth, rows.Err()
}

// OldestReadyLag returns how long the oldest ready-to-run queued job has
// been waiting past its scheduled time. Zero when the queue is current.
func (s *Store) OldestReadyLag(ctx context.Context) (time.Duration, error) {
	var lagMS sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT EXTRACT(EPOCH FROM (NOW() - MIN(scheduled_at))) * 1000
		FROM broadcast_jobs
		WHERE status = 'queued' AND scheduled_at <= NOW()
	`).Scan(&lagMS)
	if err != nil {
		return 0, err
	}
	if !lagMS.Valid || lagMS.Float64 < 0 {
		return 0, nil
	}
	return time.Duration(lagMS.Float64) * time.Millisecond, nil
}
