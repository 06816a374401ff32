package domain

import "time"

// Outcome is the single-word verdict of a broadcast run.
type Outcome string

const (
	// OutcomeSent: every target reached a terminal state and at least the
	// sent ones succeeded, with nothing left pending.
	OutcomeSent Outcome = "sent"
	// OutcomeFailed: at least one failure and not a single success.
	OutcomeFailed Outcome = "failed"
	// OutcomeDeferred: work remains (pending or in-flight) and a
	// continuation will pick it up.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeProviderConstrained: everything left pending is waiting out a
	// provider-imposed delay; nothing is ready right now.
	OutcomeProviderConstrained Outcome = "provider-constrained-delay"
	// OutcomeNoAccount: the user has no active account to send from.
	OutcomeNoAccount Outcome = "no-account"
	// OutcomeLockBusy: another worker holds the user lock; reported as
	// success so the queue does not retry (the holder finishes the work).
	OutcomeLockBusy Outcome = "lock-busy"
	// OutcomeInactiveCampaign: campaign missing or switched off after the
	// job was queued.
	OutcomeInactiveCampaign Outcome = "inactive-campaign"
	// OutcomeStaleMessage: the payload carries a message the campaign no
	// longer has.
	OutcomeStaleMessage Outcome = "stale-message"
	// OutcomeStaleInterval: the payload carries an interval the campaign no
	// longer has.
	OutcomeStaleInterval Outcome = "stale-interval"
	// OutcomeSkippedNonWorker: the process is not running the worker role.
	OutcomeSkippedNonWorker Outcome = "skipped-non-worker"
)

// RunSummary is the attempt-table census taken after a run's lanes finish.
type RunSummary struct {
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
	InFlight int `json:"inFlight"`
	// NextDueInMs is the distance to the soonest future next_attempt_at
	// among pending attempts, 0 when none is scheduled ahead.
	NextDueInMs int64 `json:"nextDueInMs"`
	// ReadyPendingCount counts pending attempts already eligible to claim
	// (no next_attempt_at, or one that has passed).
	ReadyPendingCount int `json:"readyPendingCount"`
	// ProviderConstrainedDelay is set when any pending attempt carries the
	// retriable-rate-limit reason code.
	ProviderConstrainedDelay bool `json:"providerConstrainedDelay"`
}

// RunResult is the JSON document a broadcast run returns to the queue.
type RunResult struct {
	Success bool     `json:"success"`
	Count   int      `json:"count"`
	Errors  []string `json:"errors"`
	Error   string   `json:"error,omitempty"`

	Summary *RunSummary `json:"summary,omitempty"`
	Outcome Outcome     `json:"outcome,omitempty"`

	ScheduledAt time.Time `json:"scheduledAt"`
	StartedAt   time.Time `json:"startedAt"`
	LagMS       int64     `json:"lagMs"`

	ContinuationEnqueued bool   `json:"continuationEnqueued,omitempty"`
	ContinuationDelayMS  int64  `json:"continuationDelayMs,omitempty"`
	ContinuationReason   string `json:"continuationReason,omitempty"`
}
