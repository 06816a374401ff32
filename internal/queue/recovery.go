package queue

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// =============================================================================
// QUEUE RECOVERY WORKER - Reclaims Stuck Jobs & Purges Settled Rows
// =============================================================================
// If a worker crashes mid-job, the row stays 'claimed' forever. This worker
// periodically returns stale claims to the queue (or dead-letters them when
// the attempt budget is spent) and deletes terminal rows past the retention
// window so the table, and its job_id dedup index, stay small.

const (
	// DefaultRecoveryInterval is how often we scan for stuck jobs.
	DefaultRecoveryInterval = 2 * time.Minute
)

// RecoveryWorker reclaims stuck jobs and purges settled ones.
type RecoveryWorker struct {
	db        *sql.DB
	interval  time.Duration
	staleAge  time.Duration
	retention time.Duration
}

// NewRecoveryWorker creates a recovery worker. staleAge is how long a job
// may stay claimed before it is considered orphaned; retention is how long
// terminal rows are kept.
func NewRecoveryWorker(db *sql.DB, staleAge, retention time.Duration) *RecoveryWorker {
	if staleAge <= 0 {
		staleAge = 5 * time.Minute
	}
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &RecoveryWorker{
		db:        db,
		interval:  DefaultRecoveryInterval,
		staleAge:  staleAge,
		retention: retention,
	}
}

// Start begins the recovery loop. It blocks until ctx is cancelled.
func (rw *RecoveryWorker) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] Starting (interval=%s, stale_age=%s, retention=%s)",
		rw.interval, rw.staleAge, rw.retention)

	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueRecovery] Stopping")
			return
		case <-ticker.C:
			rw.recover(ctx)
		}
	}
}

// recover performs three passes:
//  1. Requeue stale claims that still have attempt budget.
//  2. Dead-letter stale claims that spent their budget.
//  3. Purge terminal rows older than the retention window.
func (rw *RecoveryWorker) recover(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// 1. Requeue stuck jobs (under attempt budget)
	res, err := rw.db.ExecContext(queryCtx, `
		UPDATE broadcast_jobs
		SET status = 'queued',
		    worker_id = NULL,
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - $1::interval
		  AND attempts < max_attempts
	`, rw.staleAge.String())
	if err != nil {
		log.Printf("[QueueRecovery] Requeue error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueRecovery] Requeued %d stuck jobs", n)
	}

	// 2. Dead-letter stuck jobs with spent budget
	res, err = rw.db.ExecContext(queryCtx, `
		UPDATE broadcast_jobs
		SET status = 'dead_letter',
		    last_error = COALESCE(last_error, 'worker lost'),
		    updated_at = NOW()
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - $1::interval
		  AND attempts >= max_attempts
	`, rw.staleAge.String())
	if err != nil {
		log.Printf("[QueueRecovery] Dead-letter error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueRecovery] Moved %d stuck jobs to dead_letter", n)
	}

	// 3. Purge settled rows so the job_id index frees old dedup keys
	res, err = rw.db.ExecContext(queryCtx, `
		DELETE FROM broadcast_jobs
		WHERE status IN ('done', 'failed', 'dead_letter')
		  AND updated_at < NOW() - $1::interval
	`, rw.retention.String())
	if err != nil {
		log.Printf("[QueueRecovery] Purge error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueRecovery] Purged %d settled jobs", n)
	}
}
