package broadcast

import (
	"context"
	"database/sql"
	"log"
	"sync/atomic"
	"time"
)

// HealthMonitor watches the attempt table for two system-wide warning
// signs: a retry storm (many attempts parked on provider rate limits at
// once, meaning the send budget is mis-tuned or an account is burned) and a
// pile-up of in-flight rows (workers crashing faster than per-run recovery
// can catch). It only alerts; the executor's own recovery does the fixing.
type HealthMonitor struct {
	db                  *sql.DB
	interval            time.Duration
	retryStormThreshold int
	stuckThreshold      int

	retryStorm  atomic.Bool
	stuckAlert  atomic.Bool
	lastPending int64
	lastStuck   int64
}

// NewHealthMonitor creates a monitor with the given alert thresholds.
func NewHealthMonitor(db *sql.DB, retryStormThreshold, stuckThreshold int) *HealthMonitor {
	if retryStormThreshold <= 0 {
		retryStormThreshold = 100
	}
	if stuckThreshold <= 0 {
		stuckThreshold = 100
	}
	return &HealthMonitor{
		db:                  db,
		interval:            30 * time.Second,
		retryStormThreshold: retryStormThreshold,
		stuckThreshold:      stuckThreshold,
	}
}

// Start begins the scan loop. Blocks until ctx is cancelled.
func (m *HealthMonitor) Start(ctx context.Context) {
	log.Printf("[BroadcastHealth] Starting (retry_storm_threshold=%d, stuck_threshold=%d)",
		m.retryStormThreshold, m.stuckThreshold)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[BroadcastHealth] Stopping")
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *HealthMonitor) scan(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var rateLimited, stuck int64
	err := m.db.QueryRowContext(queryCtx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' AND terminal_reason_code = 'retriable-rate-limit' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in-flight' THEN 1 ELSE 0 END), 0)
		FROM broadcast_attempts
	`).Scan(&rateLimited, &stuck)
	if err != nil {
		log.Printf("[BroadcastHealth] Scan error: %v", err)
		return
	}
	atomic.StoreInt64(&m.lastPending, rateLimited)
	atomic.StoreInt64(&m.lastStuck, stuck)

	storm := rateLimited >= int64(m.retryStormThreshold)
	if storm != m.retryStorm.Swap(storm) {
		if storm {
			log.Printf("[BroadcastHealth] ALERT: retry storm, %d attempts waiting on provider limits (threshold %d)",
				rateLimited, m.retryStormThreshold)
		} else {
			log.Println("[BroadcastHealth] Retry storm cleared")
		}
	}

	stuckHigh := stuck >= int64(m.stuckThreshold)
	if stuckHigh != m.stuckAlert.Swap(stuckHigh) {
		if stuckHigh {
			log.Printf("[BroadcastHealth] ALERT: %d attempts in-flight (threshold %d), check worker health",
				stuck, m.stuckThreshold)
		} else {
			log.Println("[BroadcastHealth] In-flight pile-up cleared")
		}
	}
}

// Snapshot returns the latest scan counters and alert flags.
func (m *HealthMonitor) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"rate_limited_pending": atomic.LoadInt64(&m.lastPending),
		"in_flight":            atomic.LoadInt64(&m.lastStuck),
	}
	if m.retryStorm.Load() {
		snap["retry_storm"] = 1
	}
	if m.stuckAlert.Load() {
		snap["stuck_alert"] = 1
	}
	return snap
}
