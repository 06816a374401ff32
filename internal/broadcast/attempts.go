package broadcast

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/telegram-broadcaster/internal/domain"
)

// =============================================================================
// ATTEMPT STORE - Durable State Machine over broadcast_attempts
// =============================================================================
// Every (campaign, target group) pair owns exactly one row, created at
// seeding and reused across cycles. All transitions are conditional updates
// on the current status; a race loser sees zero rows affected and moves on.

// AttemptStore runs the attempt-row transitions for the executor.
type AttemptStore struct {
	db *sql.DB
}

// NewAttemptStore creates an attempt store.
func NewAttemptStore(db *sql.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

// attemptClaim is the slice of an attempt row a lane needs to run one send.
type attemptClaim struct {
	ID            string
	TargetGroupID string
	RetryCount    int
	MaxRetries    int
	SentAt        *time.Time
}

// RolloverCycle begins cycle N+1: sent rows older than the cycle window go
// back to pending with their delivery state cleared, and failed-terminal
// rows past the window get a fresh chance. Both updates run in one
// transaction so a crash cannot leave the campaign half rolled over.
func (as *AttemptStore) RolloverCycle(ctx context.Context, userID, campaignID string, cycleSeconds int, now time.Time) (int64, error) {
	cutoff := now.Add(-time.Duration(cycleSeconds) * time.Second)

	tx, err := as.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE broadcast_attempts
		SET status = 'pending',
		    retry_count = 0,
		    next_attempt_at = $4,
		    started_at = NULL,
		    sent_at = NULL,
		    terminal_reason_code = NULL,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE user_id = $1 AND campaign_id = $2
		  AND status = 'sent'
		  AND sent_at IS NOT NULL AND sent_at <= $3
	`, userID, campaignID, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("rollover sent rows: %w", err)
	}
	rolled, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		UPDATE broadcast_attempts
		SET status = 'pending',
		    retry_count = 0,
		    next_attempt_at = $4,
		    started_at = NULL,
		    terminal_reason_code = NULL,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE user_id = $1 AND campaign_id = $2
		  AND status = 'failed-terminal'
		  AND updated_at <= $3
	`, userID, campaignID, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("rollover failed rows: %w", err)
	}
	n, _ := res.RowsAffected()
	rolled += n

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rolled, nil
}

// RecoverStuckInFlight returns crashed workers' claims to the queue: any
// in-flight attempt started before the stuck window is reset to pending and
// immediately claimable.
func (as *AttemptStore) RecoverStuckInFlight(ctx context.Context, userID, campaignID string, stuckWindow time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-stuckWindow)
	res, err := as.db.ExecContext(ctx, `
		UPDATE broadcast_attempts
		SET status = 'pending',
		    next_attempt_at = $4,
		    last_error = 'Recovered stuck in-flight',
		    updated_at = NOW()
		WHERE user_id = $1 AND campaign_id = $2
		  AND status = 'in-flight'
		  AND started_at <= $3
	`, userID, campaignID, cutoff, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SeedIfNeeded creates the cycle's attempt rows on the campaign's first run.
// A run that still has pending or in-flight rows is a continuation and seeds
// nothing. Targets are sorted by group id so the sequence, and with it the
// account assignment, is stable across restarts.
func (as *AttemptStore) SeedIfNeeded(ctx context.Context, userID, campaignID string, targets []domain.TargetGroup, accountIDs []string, maxRetries int) (int, error) {
	if len(targets) == 0 || len(accountIDs) == 0 {
		return 0, nil
	}

	var total, active int
	rows, err := as.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM broadcast_attempts
		WHERE user_id = $1 AND campaign_id = $2
		GROUP BY status
	`, userID, campaignID)
	if err != nil {
		return 0, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return 0, err
		}
		total += count
		if status == string(domain.AttemptPending) || status == string(domain.AttemptInFlight) {
			active += count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if total > 0 && active > 0 {
		return 0, nil
	}

	sorted := make([]domain.TargetGroup, len(targets))
	copy(sorted, targets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	seeded := 0
	for i, g := range sorted {
		accountID := accountIDs[i%len(accountIDs)]
		res, err := as.db.ExecContext(ctx, `
			INSERT INTO broadcast_attempts (
				id, user_id, campaign_id, target_group_id, assigned_account_id,
				sequence, status, retry_count, max_retries, idempotency_key,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8, NOW(), NOW())
			ON CONFLICT (idempotency_key) DO NOTHING
		`, uuid.New(), userID, campaignID, g.ID, accountID, i+1, maxRetries,
			fmt.Sprintf("%s:%s", campaignID, g.ID))
		if err != nil {
			return seeded, fmt.Errorf("seed attempt for group %s: %w", g.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			seeded++
		}
	}
	return seeded, nil
}

// ClaimNext atomically moves the lane's next due pending attempt to
// in-flight and returns it, or nil when the lane has nothing claimable.
// Rows with no account assignment (pre-assignment schema) drain through any
// lane.
func (as *AttemptStore) ClaimNext(ctx context.Context, userID, campaignID, accountID string, now time.Time) (*attemptClaim, error) {
	row := as.db.QueryRowContext(ctx, `
		WITH next AS (
			SELECT id FROM broadcast_attempts
			WHERE user_id = $1 AND campaign_id = $2
			  AND (assigned_account_id = $3 OR assigned_account_id IS NULL)
			  AND status = 'pending'
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $4)
			ORDER BY sequence ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE broadcast_attempts a
		SET status = 'in-flight', started_at = $4, updated_at = NOW()
		FROM next
		WHERE a.id = next.id AND a.status = 'pending'
		RETURNING a.id, a.target_group_id, a.retry_count, a.max_retries, a.sent_at
	`, userID, campaignID, accountID, now)

	var c attemptClaim
	err := row.Scan(&c.ID, &c.TargetGroupID, &c.RetryCount, &c.MaxRetries, &c.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkSent confirms a delivery: in-flight becomes sent with the error state
// cleared. Returns false when the row was no longer in-flight.
func (as *AttemptStore) MarkSent(ctx context.Context, attemptID string, now time.Time) (bool, error) {
	res, err := as.db.ExecContext(ctx, `
		UPDATE broadcast_attempts
		SET status = 'sent',
		    sent_at = $2,
		    terminal_reason_code = NULL,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'in-flight'
	`, attemptID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRetry re-queues an attempt after a retriable provider error.
func (as *AttemptStore) MarkRetry(ctx context.Context, attemptID string, retryCount int, nextAttemptAt time.Time, errMsg string) error {
	_, err := as.db.ExecContext(ctx, `
		UPDATE broadcast_attempts
		SET status = 'pending',
		    retry_count = $2,
		    next_attempt_at = $3,
		    last_error = $4,
		    terminal_reason_code = 'retriable-rate-limit',
		    updated_at = NOW()
		WHERE id = $1 AND status = 'in-flight'
	`, attemptID, retryCount, nextAttemptAt, truncateError(errMsg))
	return err
}

// MarkTerminal parks an attempt until the next cycle rollover.
func (as *AttemptStore) MarkTerminal(ctx context.Context, attemptID string, retryCount int, reasonCode, errMsg string) error {
	_, err := as.db.ExecContext(ctx, `
		UPDATE broadcast_attempts
		SET status = 'failed-terminal',
		    retry_count = $2,
		    terminal_reason_code = $3,
		    last_error = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'in-flight'
	`, attemptID, retryCount, reasonCode, truncateError(errMsg))
	return err
}

// ReturnPending hands a claimed attempt back without consuming a retry, used
// when the client was unavailable or the row turned out to be mid-cycle.
func (as *AttemptStore) ReturnPending(ctx context.Context, attemptID string, nextAttemptAt time.Time, errMsg string) error {
	if errMsg == "" {
		_, err := as.db.ExecContext(ctx, `
			UPDATE broadcast_attempts
			SET status = 'pending', next_attempt_at = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'in-flight'
		`, attemptID, nextAttemptAt)
		return err
	}
	_, err := as.db.ExecContext(ctx, `
		UPDATE broadcast_attempts
		SET status = 'pending', next_attempt_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'in-flight'
	`, attemptID, nextAttemptAt, truncateError(errMsg))
	return err
}

// MarkMissingTarget fails an attempt whose target group row disappeared.
func (as *AttemptStore) MarkMissingTarget(ctx context.Context, attemptID string) error {
	_, err := as.db.ExecContext(ctx, `
		UPDATE broadcast_attempts
		SET status = 'failed-terminal',
		    terminal_reason_code = 'missing-target',
		    last_error = 'Target group not found',
		    updated_at = NOW()
		WHERE id = $1 AND status = 'in-flight'
	`, attemptID)
	return err
}

// FlagAccountFloodWait records a provider-imposed wait on the account so the
// availability snapshot skips it until the wait passes.
func (as *AttemptStore) FlagAccountFloodWait(ctx context.Context, accountID string, until time.Time) error {
	_, err := as.db.ExecContext(ctx, `
		UPDATE telegram_accounts
		SET is_flood_wait = true, flood_wait_until = $2, updated_at = NOW()
		WHERE id = $1
	`, accountID, until)
	return err
}

// Census takes the post-run summary: status counts, the soonest future
// retry, how many pending rows are claimable right now, and whether any
// pending row is waiting out a provider delay.
func (as *AttemptStore) Census(ctx context.Context, userID, campaignID string, now time.Time) (*domain.RunSummary, error) {
	var s domain.RunSummary
	var minNext sql.NullTime

	err := as.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0) AS sent,
			COALESCE(SUM(CASE WHEN status = 'failed-terminal' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'in-flight' THEN 1 ELSE 0 END), 0) AS in_flight,
			MIN(CASE WHEN status = 'pending' AND next_attempt_at > $3 THEN next_attempt_at END) AS min_next,
			COALESCE(SUM(CASE WHEN status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $3) THEN 1 ELSE 0 END), 0) AS ready_pending,
			COALESCE(BOOL_OR(status = 'pending' AND terminal_reason_code = 'retriable-rate-limit'), false) AS provider_constrained
		FROM broadcast_attempts
		WHERE user_id = $1 AND campaign_id = $2
	`, userID, campaignID, now).Scan(
		&s.Sent, &s.Failed, &s.Pending, &s.InFlight,
		&minNext, &s.ReadyPendingCount, &s.ProviderConstrainedDelay,
	)
	if err != nil {
		return nil, err
	}

	if minNext.Valid {
		delta := minNext.Time.Sub(now).Milliseconds()
		if delta > 0 {
			s.NextDueInMs = delta
		}
	}
	return &s, nil
}

// truncateError keeps stored error text inside the column budget.
func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
