package broadcast

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// RATE GOVERNOR - Global Send Window + Per-Account Pacing
// =============================================================================
// Telegram enforces two budgets we must stay inside: an overall
// messages-per-second ceiling across all accounts, and a per-account cadence.
// The governor holds the worker-local state for both. The global window is a
// rolling one-second deque of send timestamps; per-account pacing is a plain
// sleep between consecutive sends in the same lane.

// Governor throttles sends for one worker process. Safe for concurrent use
// by all lanes of all running jobs.
type Governor struct {
	mu           sync.Mutex
	maxPerSecond int
	window       []time.Time

	accountPause time.Duration
}

// NewGovernor creates a governor. maxPerSecond bounds the global window;
// accountPause is the delay between consecutive sends on one account.
func NewGovernor(maxPerSecond int, accountPause time.Duration) *Governor {
	if maxPerSecond < 1 {
		maxPerSecond = 1
	}
	return &Governor{
		maxPerSecond: maxPerSecond,
		accountPause: accountPause,
	}
}

// Wait blocks until a global one-second window slot is free, then claims it.
// Returns early with the context error on cancellation.
func (g *Governor) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := time.Now()
		g.evict(now)
		if len(g.window) < g.maxPerSecond {
			g.window = append(g.window, now)
			g.mu.Unlock()
			return nil
		}
		sleep := time.Second - now.Sub(g.window[0])
		g.mu.Unlock()

		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// evict drops window entries older than one second. Caller holds the lock.
func (g *Governor) evict(now time.Time) {
	i := 0
	for i < len(g.window) && now.Sub(g.window[i]) >= time.Second {
		i++
	}
	if i > 0 {
		g.window = append(g.window[:0], g.window[i:]...)
	}
}

// AccountPause sleeps the per-account inter-send delay, or returns early on
// cancellation.
func (g *Governor) AccountPause(ctx context.Context) {
	if g.accountPause <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(g.accountPause):
	}
}

// InFlightWindow returns the current global window occupancy (stats).
func (g *Governor) InFlightWindow() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evict(time.Now())
	return len(g.window)
}
