package broadcast

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/telegram-broadcaster/internal/config"
	"github.com/ignite/telegram-broadcaster/internal/domain"
	"github.com/ignite/telegram-broadcaster/internal/pkg/distlock"
	"github.com/ignite/telegram-broadcaster/internal/pkg/sendretry"
	"github.com/ignite/telegram-broadcaster/internal/queue"
)

// =============================================================================
// BROADCAST EXECUTOR - One Batch of a Campaign's Cycle
// =============================================================================
// Each queue job advances one campaign by up to AttemptsPerJob deliveries
// under the user's exclusive lock, then re-enqueues itself while work
// remains. The attempt table is the only source of truth between runs, so a
// crash mid-batch loses nothing: the next run recovers stuck claims and
// carries on from the durable state.

// UserLockKeyPrefix namespaces the per-user mutual exclusion keys.
const UserLockKeyPrefix = "broadcast:user-lock:"

// unavailableDefer is how far an attempt is pushed out when its account's
// client could not be built or connected.
const unavailableDefer = 30 * time.Second

// Sender delivers one message to one target through a userbot account.
type Sender interface {
	Send(ctx context.Context, accountID string, target domain.TargetGroup, text string) error
}

// unavailableCarrier is implemented by sender errors meaning the client for
// the lane's account is down, as opposed to the provider rejecting the send.
// Such attempts are returned to pending without consuming a retry.
type unavailableCarrier interface {
	ClientUnavailable() bool
}

// Executor consumes broadcast jobs and runs the attempt state machine.
type Executor struct {
	db          *sql.DB
	redisClient *redis.Client
	attempts    *AttemptStore
	jobs        *queue.Store
	sender      Sender
	governor    *Governor

	cfg                   config.BroadcastConfig
	slowmodeDefaultSecs   int
	intervalSafetySeconds int
	isWorker              bool

	// Stats
	runs          int64
	messagesSent  int64
	sendFailures  int64
	lockBusy      int64
	continuations int64
}

// NewExecutor creates a broadcast executor. redisClient may be nil; user
// locks then fall back to Postgres advisory locks.
func NewExecutor(
	db *sql.DB,
	redisClient *redis.Client,
	jobs *queue.Store,
	sender Sender,
	governor *Governor,
	cfg *config.Config,
) *Executor {
	return &Executor{
		db:                    db,
		redisClient:           redisClient,
		attempts:              NewAttemptStore(db),
		jobs:                  jobs,
		sender:                sender,
		governor:              governor,
		cfg:                   cfg.Broadcast,
		slowmodeDefaultSecs:   cfg.Telegram.SlowmodeDefaultSeconds,
		intervalSafetySeconds: cfg.Scheduler.IntervalSafetySeconds,
		isWorker:              cfg.IsWorker(),
	}
}

// Handle implements queue.Handler. Business-negative results (stale jobs,
// lock contention, terminal sends) settle the job; only infrastructure
// errors bubble up so the queue retries them.
func (e *Executor) Handle(ctx context.Context, job *domain.Job) error {
	var payload domain.BroadcastPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload for job %s: %w", job.JobID, err)
	}

	res := e.Run(ctx, payload)
	log.Printf("[Executor] Job %s user=%s outcome=%s sent=%d lag=%dms continuation=%v",
		job.JobID, payload.UserID, res.Outcome, res.Count, res.LagMS, res.ContinuationEnqueued)

	if res.Outcome == "" && res.Error != "" {
		return errors.New(res.Error)
	}
	return nil
}

// Run executes one broadcast batch for the payload's campaign.
func (e *Executor) Run(ctx context.Context, payload domain.BroadcastPayload) *domain.RunResult {
	now := time.Now().UTC()
	res := &domain.RunResult{
		Errors:      []string{},
		ScheduledAt: payload.QueuedAt,
		StartedAt:   now,
	}
	if !payload.QueuedAt.IsZero() {
		if lag := now.Sub(payload.QueuedAt).Milliseconds(); lag > 0 {
			res.LagMS = lag
		}
	}
	atomic.AddInt64(&e.runs, 1)

	if !e.isWorker {
		res.Success = true
		res.Outcome = domain.OutcomeSkippedNonWorker
		return res
	}

	campaign, err := e.loadCampaign(ctx, payload.CampaignID)
	if err != nil {
		res.Error = fmt.Sprintf("load campaign: %v", err)
		return res
	}
	if campaign == nil || !campaign.IsActive {
		res.Success = true
		res.Outcome = domain.OutcomeInactiveCampaign
		return res
	}
	if payload.Message != campaign.Message {
		res.Success = true
		res.Outcome = domain.OutcomeStaleMessage
		return res
	}
	if payload.IntervalSeconds > 0 && payload.IntervalSeconds != campaign.IntervalSeconds {
		res.Success = true
		res.Outcome = domain.OutcomeStaleInterval
		return res
	}

	lock := distlock.NewLock(e.redisClient, e.db, UserLockKeyPrefix+campaign.UserID, e.cfg.UserLockTTL())
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		res.Error = fmt.Sprintf("acquire user lock: %v", err)
		return res
	}
	if !acquired {
		atomic.AddInt64(&e.lockBusy, 1)
		res.Success = true
		res.Outcome = domain.OutcomeLockBusy
		return res
	}
	defer func() {
		// The run context may already be cancelled; release on its own budget.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			log.Printf("[Executor] Error releasing user lock for %s: %v", campaign.UserID, err)
		}
	}()

	return e.runLocked(ctx, campaign, payload, res)
}

// runLocked is the body of a run once the user lock is held.
func (e *Executor) runLocked(ctx context.Context, campaign *domain.Campaign, payload domain.BroadcastPayload, res *domain.RunResult) *domain.RunResult {
	now := time.Now().UTC()

	cycleSeconds := campaign.IntervalSeconds
	if cycleSeconds < domain.MinIntervalSeconds {
		cycleSeconds = domain.MinIntervalSeconds
	}
	cycleSeconds += e.intervalSafetySeconds

	if _, err := e.attempts.RolloverCycle(ctx, campaign.UserID, campaign.ID, cycleSeconds, now); err != nil {
		res.Error = fmt.Sprintf("cycle rollover: %v", err)
		return res
	}

	accounts, err := e.availableAccounts(ctx, campaign.UserID, now)
	if err != nil {
		res.Error = fmt.Sprintf("load accounts: %v", err)
		return res
	}
	if len(accounts) == 0 {
		res.Error = "no active account"
		res.Outcome = domain.OutcomeNoAccount
		return res
	}

	targets, err := e.activeTargets(ctx, campaign.UserID)
	if err != nil {
		res.Error = fmt.Sprintf("load targets: %v", err)
		return res
	}
	if len(targets) == 0 {
		res.Success = true
		res.Outcome = domain.OutcomeSent
		return res
	}

	if n, err := e.attempts.RecoverStuckInFlight(ctx, campaign.UserID, campaign.ID, e.cfg.StuckWindow(), now); err != nil {
		res.Error = fmt.Sprintf("recover stuck attempts: %v", err)
		return res
	} else if n > 0 {
		log.Printf("[Executor] Recovered %d stuck in-flight attempts for campaign %s", n, campaign.ID)
	}

	accountIDs := make([]string, len(accounts))
	for i, a := range accounts {
		accountIDs[i] = a.ID
	}
	if _, err := e.attempts.SeedIfNeeded(ctx, campaign.UserID, campaign.ID, targets, accountIDs, e.cfg.MaxRetries); err != nil {
		res.Error = fmt.Sprintf("seed attempts: %v", err)
		return res
	}

	targetsByID := make(map[string]domain.TargetGroup, len(targets))
	for _, g := range targets {
		targetsByID[g.ID] = g
	}

	sent := e.runLanes(ctx, campaign, accountIDs, targetsByID, cycleSeconds)
	res.Count = int(sent)
	atomic.AddInt64(&e.messagesSent, sent)

	summary, err := e.attempts.Census(ctx, campaign.UserID, campaign.ID, time.Now().UTC())
	if err != nil {
		res.Error = fmt.Sprintf("attempt census: %v", err)
		return res
	}
	res.Summary = summary
	res.Outcome = decideOutcome(summary)
	res.Success = res.Outcome != domain.OutcomeFailed

	if sent > 0 {
		if _, err := e.db.ExecContext(ctx, `
			UPDATE broadcast_campaigns SET last_run_at = $1, updated_at = NOW() WHERE id = $2
		`, time.Now().UTC(), campaign.ID); err != nil {
			log.Printf("[Executor] Error updating last_run_at for campaign %s: %v", campaign.ID, err)
		}
	}

	e.maybeEnqueueContinuation(ctx, campaign, payload, res)
	return res
}

// runLanes starts one lane per (account, slot) pair and waits for all of
// them to drain. Returns the number of messages delivered this run.
func (e *Executor) runLanes(ctx context.Context, campaign *domain.Campaign, accountIDs []string, targetsByID map[string]domain.TargetGroup, cycleSeconds int) int64 {
	budget := int32(e.cfg.AttemptsPerJob)
	slots := e.cfg.PerAccountConcurrency
	if slots < 1 {
		slots = 1
	}

	var claimed int32
	var sent int64
	var wg sync.WaitGroup
	for _, accountID := range accountIDs {
		for slot := 0; slot < slots; slot++ {
			wg.Add(1)
			go func(accountID string) {
				defer wg.Done()
				e.runLane(ctx, campaign, accountID, targetsByID, cycleSeconds, budget, &claimed, &sent)
			}(accountID)
		}
	}
	wg.Wait()
	return sent
}

// runLane claims and sends attempts assigned to one account until the shared
// budget runs out, nothing claimable remains, or the context ends.
func (e *Executor) runLane(ctx context.Context, campaign *domain.Campaign, accountID string, targetsByID map[string]domain.TargetGroup, cycleSeconds int, budget int32, claimed *int32, sent *int64) {
	for {
		if ctx.Err() != nil {
			return
		}
		if atomic.AddInt32(claimed, 1) > budget {
			atomic.AddInt32(claimed, -1)
			return
		}

		claim, err := e.attempts.ClaimNext(ctx, campaign.UserID, campaign.ID, accountID, time.Now().UTC())
		if err != nil {
			atomic.AddInt32(claimed, -1)
			log.Printf("[Executor] Lane %s claim error: %v", accountID, err)
			return
		}
		if claim == nil {
			atomic.AddInt32(claimed, -1)
			return
		}

		e.runAttempt(ctx, campaign, accountID, claim, targetsByID, cycleSeconds, sent)
		e.governor.AccountPause(ctx)
	}
}

// runAttempt executes one claimed attempt end to end.
func (e *Executor) runAttempt(ctx context.Context, campaign *domain.Campaign, accountID string, claim *attemptClaim, targetsByID map[string]domain.TargetGroup, cycleSeconds int, sent *int64) {
	now := time.Now().UTC()

	target, ok := targetsByID[claim.TargetGroupID]
	if !ok {
		if err := e.attempts.MarkMissingTarget(ctx, claim.ID); err != nil {
			log.Printf("[Executor] Error marking missing target %s: %v", claim.TargetGroupID, err)
		}
		return
	}

	// A sent_at inside the cycle window means this row was claimed before
	// rollover should have touched it; put it back where rollover will.
	if claim.SentAt != nil {
		eligibleAt := claim.SentAt.Add(time.Duration(cycleSeconds) * time.Second)
		if now.Before(eligibleAt) {
			if err := e.attempts.ReturnPending(ctx, claim.ID, eligibleAt, ""); err != nil {
				log.Printf("[Executor] Error returning mid-cycle attempt %s: %v", claim.ID, err)
			}
			return
		}
	}

	if err := e.governor.Wait(ctx); err != nil {
		// Shutdown while waiting on the window; hand the claim back.
		if rerr := e.attempts.ReturnPending(ctx, claim.ID, now, ""); rerr != nil {
			log.Printf("[Executor] Error returning attempt %s on shutdown: %v", claim.ID, rerr)
		}
		return
	}

	sendErr := e.sender.Send(ctx, accountID, target, campaign.Message)
	if sendErr == nil {
		ok, err := e.attempts.MarkSent(ctx, claim.ID, time.Now().UTC())
		if err != nil {
			log.Printf("[Executor] Error marking attempt %s sent: %v", claim.ID, err)
			return
		}
		if ok {
			atomic.AddInt64(sent, 1)
		}
		return
	}

	e.settleSendError(ctx, accountID, claim, sendErr)
}

// settleSendError classifies a failed send and writes the attempt's next
// state: back to pending with a retry delay, or terminally failed.
func (e *Executor) settleSendError(ctx context.Context, accountID string, claim *attemptClaim, sendErr error) {
	atomic.AddInt64(&e.sendFailures, 1)
	now := time.Now().UTC()

	var unavailable unavailableCarrier
	if errors.As(sendErr, &unavailable) && unavailable.ClientUnavailable() {
		msg := fmt.Sprintf("Client unavailable for account %s", accountID)
		if err := e.attempts.ReturnPending(ctx, claim.ID, now.Add(unavailableDefer), msg); err != nil {
			log.Printf("[Executor] Error deferring attempt %s: %v", claim.ID, err)
		}
		return
	}

	cl := sendretry.Classify(sendErr, e.slowmodeDefaultSecs)
	nextRetry := claim.RetryCount + 1

	if cl.Retriable && !sendretry.IsExhausted(nextRetry, claim.MaxRetries) {
		delayMS := sendretry.DelayMS(claim.RetryCount, cl.RetryAfterSeconds,
			e.cfg.RetryBaseMS, e.cfg.RetryMaxMS, e.cfg.RetryJitterRatio)
		nextAt := now.Add(time.Duration(delayMS) * time.Millisecond)
		if err := e.attempts.MarkRetry(ctx, claim.ID, nextRetry, nextAt, sendErr.Error()); err != nil {
			log.Printf("[Executor] Error scheduling retry for attempt %s: %v", claim.ID, err)
		}
		if cl.RetryAfterSeconds > 0 {
			until := now.Add(time.Duration(cl.RetryAfterSeconds) * time.Second)
			if err := e.attempts.FlagAccountFloodWait(ctx, accountID, until); err != nil {
				log.Printf("[Executor] Error flagging flood wait on account %s: %v", accountID, err)
			}
		}
		return
	}

	reason := cl.TerminalCode
	if cl.Retriable {
		reason = domain.ReasonRetryExhausted
	}
	if err := e.attempts.MarkTerminal(ctx, claim.ID, nextRetry, reason, sendErr.Error()); err != nil {
		log.Printf("[Executor] Error marking attempt %s terminal: %v", claim.ID, err)
	}
}

// maybeEnqueueContinuation schedules the follow-up job that finishes the
// cycle. Runs with failures or hard errors stop the chain; the next
// scheduler slot picks the campaign up fresh.
func (e *Executor) maybeEnqueueContinuation(ctx context.Context, campaign *domain.Campaign, payload domain.BroadcastPayload, res *domain.RunResult) {
	if res.Outcome != domain.OutcomeDeferred && res.Outcome != domain.OutcomeProviderConstrained {
		return
	}
	if res.Summary == nil || res.Summary.Failed > 0 || res.Error != "" {
		return
	}

	delay, reason := e.continuationDelay(res.Summary)
	next := domain.BroadcastPayload{
		UserID:          campaign.UserID,
		Message:         campaign.Message,
		CampaignID:      campaign.ID,
		QueuedAt:        time.Now().UTC(),
		IntervalSeconds: campaign.IntervalSeconds,
	}
	jobID := fmt.Sprintf("cont-%s-%s", campaign.ID, campaign.UserID)

	accepted, err := e.jobs.Enqueue(ctx, jobID, next, delay)
	if err != nil {
		log.Printf("[Executor] Error enqueueing continuation %s: %v", jobID, err)
		return
	}
	// A live continuation already covers the remaining work; either way the
	// chain continues.
	res.ContinuationEnqueued = accepted
	res.ContinuationDelayMS = delay.Milliseconds()
	res.ContinuationReason = reason
	if accepted {
		atomic.AddInt64(&e.continuations, 1)
	}
}

// continuationDelay picks how long the follow-up job waits. Ready work gets
// a fast wake with jitter; a provider-constrained backlog wakes exactly when
// the soonest retry comes due.
func (e *Executor) continuationDelay(s *domain.RunSummary) (time.Duration, string) {
	base := time.Duration(e.cfg.ContinuationBaseMS) * time.Millisecond
	if e.cfg.ContinuationJitterMS > 0 {
		base += time.Duration(rand.Intn(e.cfg.ContinuationJitterMS+1)) * time.Millisecond
	}
	if s.ReadyPendingCount > 0 {
		return base, "ready-pending-fast"
	}
	if s.NextDueInMs > 0 {
		return time.Duration(s.NextDueInMs) * time.Millisecond, "exact-next-due"
	}
	return base, "default-deferred"
}

// decideOutcome maps the post-run census onto the run verdict.
func decideOutcome(s *domain.RunSummary) domain.Outcome {
	switch {
	case s.Failed > 0 && s.Sent == 0:
		return domain.OutcomeFailed
	case s.ProviderConstrainedDelay && s.ReadyPendingCount == 0:
		return domain.OutcomeProviderConstrained
	case s.Pending > 0 || s.InFlight > 0:
		return domain.OutcomeDeferred
	default:
		return domain.OutcomeSent
	}
}

// Stats returns executor counters.
func (e *Executor) Stats() map[string]int64 {
	return map[string]int64{
		"runs":          atomic.LoadInt64(&e.runs),
		"messages_sent": atomic.LoadInt64(&e.messagesSent),
		"send_failures": atomic.LoadInt64(&e.sendFailures),
		"lock_busy":     atomic.LoadInt64(&e.lockBusy),
		"continuations": atomic.LoadInt64(&e.continuations),
	}
}

// loadCampaign returns the campaign or nil when the row is gone.
func (e *Executor) loadCampaign(ctx context.Context, campaignID string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var lastRun sql.NullTime
	err := e.db.QueryRowContext(ctx, `
		SELECT id, user_id, COALESCE(message, ''), COALESCE(interval_seconds, 0), is_active, last_run_at
		FROM broadcast_campaigns
		WHERE id = $1
	`, campaignID).Scan(&c.ID, &c.UserID, &c.Message, &c.IntervalSeconds, &c.IsActive, &lastRun)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		c.LastRunAt = &lastRun.Time
	}
	return c, nil
}

// availableAccounts returns the user's accounts that can send right now:
// active and not inside a provider flood-wait window.
func (e *Executor) availableAccounts(ctx context.Context, userID string, now time.Time) ([]domain.TelegramAccount, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, user_id, phone_number, is_active, is_flood_wait, flood_wait_until
		FROM telegram_accounts
		WHERE user_id = $1
		  AND is_active = true
		  AND (is_flood_wait = false OR (flood_wait_until IS NOT NULL AND flood_wait_until <= $2))
		ORDER BY created_at ASC
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.TelegramAccount
	for rows.Next() {
		var a domain.TelegramAccount
		var until sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.PhoneNumber, &a.IsActive, &a.IsFloodWait, &until); err != nil {
			return nil, err
		}
		if until.Valid {
			a.FloodWaitUntil = &until.Time
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// activeTargets returns the user's active target groups.
func (e *Executor) activeTargets(ctx context.Context, userID string) ([]domain.TargetGroup, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT user_id, id, title, type, COALESCE(access_hash, ''), is_active, created_at
		FROM user_groups
		WHERE user_id = $1 AND is_active = true
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []domain.TargetGroup
	for rows.Next() {
		var g domain.TargetGroup
		if err := rows.Scan(&g.UserID, &g.ID, &g.Title, &g.Kind, &g.AccessHash, &g.IsActive, &g.CreatedAt); err != nil {
			return nil, err
		}
		targets = append(targets, g)
	}
	return targets, rows.Err()
}
