package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/telegram-broadcaster/internal/config"
	"github.com/ignite/telegram-broadcaster/internal/domain"
	"github.com/ignite/telegram-broadcaster/internal/pkg/distlock"
	"github.com/ignite/telegram-broadcaster/internal/pkg/sendretry"
	"github.com/ignite/telegram-broadcaster/internal/queue"
)

// =============================================================================
// BROADCAST SCHEDULER - Leader-Elected Interval Ticker
// =============================================================================
// Every tick, exactly one scheduler instance cluster-wide scans for campaigns
// whose interval has elapsed and emits one deferred job per campaign. The
// job id carries the run slot (floor(epoch / interval)), so a restarted or
// competing scheduler re-emitting inside the same slot is dropped by the
// queue's dedup instead of double-broadcasting.

// LockKey is the coordination key for scheduler leader election.
const LockKey = "scheduler:lock"

// Scheduler polls for due campaigns and enqueues broadcast jobs.
type Scheduler struct {
	db          *sql.DB
	redisClient *redis.Client // optional; nil falls back to PG advisory locks
	store       *queue.Store
	cfg         config.SchedulerConfig
	schedulerID string

	// Stats
	ticksLed          int64
	campaignsEnqueued int64
	jobsDeduped       int64
	errors            int64

	leading atomic.Bool

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// dueCampaign is one row from the due-selection query.
type dueCampaign struct {
	ID              string
	UserID          string
	Message         string
	IntervalSeconds int
	LastRunAt       sql.NullTime
}

// New creates a scheduler. The redis client may be nil; leader election then
// falls back to a Postgres advisory lock.
func New(db *sql.DB, redisClient *redis.Client, store *queue.Store, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		db:          db,
		redisClient: redisClient,
		store:       store,
		cfg:         cfg,
		schedulerID: fmt.Sprintf("scheduler-%s-%d", hostname(), time.Now().UnixNano()%10000),
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[Scheduler] Starting %s (tick=%s, lock_ttl=%s, max_due=%d)",
		s.schedulerID, s.cfg.Tick(), s.cfg.LockTTL(), s.cfg.MaxDuePerTick)

	s.wg.Add(1)
	go s.tickLoop()

	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Println("[Scheduler] Stopping...")
	s.cancel()
	s.wg.Wait()
	log.Printf("[Scheduler] Stopped. Ticks led: %d, campaigns enqueued: %d, deduped: %d",
		atomic.LoadInt64(&s.ticksLed), atomic.LoadInt64(&s.campaignsEnqueued), atomic.LoadInt64(&s.jobsDeduped))
}

// IsLeader reports whether this instance won the most recent tick's election.
func (s *Scheduler) IsLeader() bool {
	return s.leading.Load()
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() map[string]int64 {
	return map[string]int64{
		"ticks_led":          atomic.LoadInt64(&s.ticksLed),
		"campaigns_enqueued": atomic.LoadInt64(&s.campaignsEnqueued),
		"jobs_deduped":       atomic.LoadInt64(&s.jobsDeduped),
		"errors":             atomic.LoadInt64(&s.errors),
	}
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one leader-elected scheduling pass. Losing the election is the
// normal case on follower instances.
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.LockTTL()/2)
	defer cancel()

	lock := distlock.NewLock(s.redisClient, s.db, LockKey, s.cfg.LockTTL())
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		log.Printf("[Scheduler] Leader election error: %v", err)
		return
	}
	if !acquired {
		s.leading.Store(false)
		return
	}
	s.leading.Store(true)
	defer lock.Release(ctx)

	atomic.AddInt64(&s.ticksLed, 1)
	s.dispatchDue(ctx)
}

// dispatchDue finds campaigns whose interval has elapsed and enqueues one
// slot-keyed job each.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.dueCampaigns(ctx, now)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		log.Printf("[Scheduler] Error fetching due campaigns: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}

	enqueuedIDs := make([]string, 0, len(due))
	for _, c := range due {
		safeInterval := c.IntervalSeconds
		if safeInterval < domain.MinIntervalSeconds {
			safeInterval = domain.MinIntervalSeconds
		}
		runSlot := now.Unix() / int64(safeInterval)
		jitter := sendretry.DeterministicJitterMS(c.UserID, runSlot, s.cfg.JitterMaxMS)
		jobID := fmt.Sprintf("sched-%s-%s-%d", c.ID, c.UserID, runSlot)

		payload := domain.BroadcastPayload{
			UserID:          c.UserID,
			Message:         c.Message,
			CampaignID:      c.ID,
			QueuedAt:        now,
			IntervalSeconds: c.IntervalSeconds,
		}

		accepted, err := s.store.Enqueue(ctx, jobID, payload, time.Duration(jitter)*time.Millisecond)
		if err != nil {
			atomic.AddInt64(&s.errors, 1)
			log.Printf("[Scheduler] Error enqueueing %s: %v", jobID, err)
			continue
		}
		if accepted {
			atomic.AddInt64(&s.campaignsEnqueued, 1)
		} else {
			// Same slot already emitted (restart or competing tick).
			atomic.AddInt64(&s.jobsDeduped, 1)
		}
		enqueuedIDs = append(enqueuedIDs, c.ID)
	}

	if len(enqueuedIDs) == 0 {
		return
	}

	// Stamping last_run_at only after enqueue keeps a campaign from being
	// re-emitted by later ticks inside the same slot.
	_, err = s.db.ExecContext(ctx, `
		UPDATE broadcast_campaigns
		SET last_run_at = $1, updated_at = NOW()
		WHERE id = ANY($2)
	`, now, pq.Array(enqueuedIDs))
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		log.Printf("[Scheduler] Error updating last_run_at: %v", err)
		return
	}

	log.Printf("[Scheduler] Dispatched %d campaigns", len(enqueuedIDs))
}

// dueCampaigns returns the campaigns whose interval has elapsed. Eligibility
// (active, non-empty message, interval set, owner has an active account) is
// filtered in SQL; the elapsed-interval check runs here because the early
// factor is applied per row.
func (s *Scheduler) dueCampaigns(ctx context.Context, now time.Time) ([]dueCampaign, error) {
	limit := s.cfg.MaxDuePerTick
	if limit < 1 {
		limit = 1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.message, c.interval_seconds, c.last_run_at
		FROM broadcast_campaigns c
		WHERE c.is_active = true
		  AND c.message IS NOT NULL AND c.message != ''
		  AND c.interval_seconds IS NOT NULL
		  AND EXISTS (
			SELECT 1 FROM telegram_accounts a
			WHERE a.user_id = c.user_id AND a.is_active = true
		  )
		ORDER BY c.last_run_at ASC NULLS FIRST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []dueCampaign
	for rows.Next() {
		var c dueCampaign
		if err := rows.Scan(&c.ID, &c.UserID, &c.Message, &c.IntervalSeconds, &c.LastRunAt); err != nil {
			log.Printf("[Scheduler] Error scanning campaign: %v", err)
			continue
		}
		if s.isDue(c, now) {
			due = append(due, c)
		}
	}
	return due, rows.Err()
}

// isDue applies the early-fire threshold: a campaign fires when at least
// max(60, interval * EarlyFactor) seconds have passed since its last run.
// The sub-1.0 factor absorbs tick drift so a 300s campaign does not slip to
// 305s cycles.
func (s *Scheduler) isDue(c dueCampaign, now time.Time) bool {
	if !c.LastRunAt.Valid {
		return true
	}
	threshold := int(float64(c.IntervalSeconds) * s.cfg.EarlyFactor)
	if threshold < domain.MinIntervalSeconds {
		threshold = domain.MinIntervalSeconds
	}
	return now.Sub(c.LastRunAt.Time) >= time.Duration(threshold)*time.Second
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "broadcaster"
	}
	return h
}
