package queue

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// =============================================================================
// QUEUE LAG MONITOR - Alerts When Due Jobs Sit Unclaimed
// =============================================================================
// Measures how long the oldest due job has been waiting for a worker. A
// growing lag means workers are down, saturated, or the provider has us in a
// long flood wait. The health endpoint surfaces the flag so operators see it
// before users complain about silent campaigns.

// LagMonitor watches queue lag and raises a flag when it crosses the alert
// threshold. The flag clears once lag drops below half the threshold so a
// queue hovering at the boundary does not flap.
type LagMonitor struct {
	store         *Store
	alertAfter    time.Duration
	checkInterval time.Duration

	lagging      atomic.Bool
	currentLagMS atomic.Int64
}

// NewLagMonitor creates a lag monitor. alertAfter is the lag at which the
// monitor starts reporting trouble.
func NewLagMonitor(store *Store, alertAfter time.Duration) *LagMonitor {
	if alertAfter <= 0 {
		alertAfter = 3 * time.Minute
	}
	return &LagMonitor{
		store:         store,
		alertAfter:    alertAfter,
		checkInterval: 30 * time.Second,
	}
}

// Start begins monitoring. It blocks until ctx is cancelled.
func (lm *LagMonitor) Start(ctx context.Context) {
	log.Printf("[QueueLag] Starting (alert_after=%s)", lm.alertAfter)

	ticker := time.NewTicker(lm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueLag] Stopping")
			return
		case <-ticker.C:
			lm.check(ctx)
		}
	}
}

func (lm *LagMonitor) check(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	lag, err := lm.store.OldestReadyLag(queryCtx)
	if err != nil {
		log.Printf("[QueueLag] Failed to read queue lag: %v", err)
		return
	}
	lm.currentLagMS.Store(lag.Milliseconds())

	if lag >= lm.alertAfter && !lm.lagging.Load() {
		lm.lagging.Store(true)
		log.Printf("[QueueLag] ALERT: oldest due job waiting %s (threshold %s)", lag, lm.alertAfter)
	} else if lag < lm.alertAfter/2 && lm.lagging.Load() {
		lm.lagging.Store(false)
		log.Printf("[QueueLag] Recovered: queue lag down to %s", lag)
	}
}

// IsLagging reports whether the queue is currently behind the alert threshold.
func (lm *LagMonitor) IsLagging() bool {
	return lm.lagging.Load()
}

// CurrentLag returns the most recently sampled lag.
func (lm *LagMonitor) CurrentLag() time.Duration {
	return time.Duration(lm.currentLagMS.Load()) * time.Millisecond
}
