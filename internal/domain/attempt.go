package domain

import "time"

// AttemptStatus enumerates the lifecycle states of a broadcast attempt.
//
// Legal transitions, each enforced with a conditional UPDATE:
//
//	pending         -> in-flight            (lane claim)
//	in-flight       -> sent                 (delivery confirmed)
//	in-flight       -> pending              (retriable error, stuck recovery)
//	in-flight       -> failed-terminal      (terminal error, retry exhausted)
//	sent            -> pending              (cycle rollover)
//	failed-terminal -> pending              (cycle rollover)
type AttemptStatus string

const (
	AttemptPending        AttemptStatus = "pending"
	AttemptInFlight       AttemptStatus = "in-flight"
	AttemptSent           AttemptStatus = "sent"
	AttemptFailedTerminal AttemptStatus = "failed-terminal"
)

// IsTerminal returns true if the attempt needs no further lane work this cycle.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptSent || s == AttemptFailedTerminal
}

// Reason codes recorded on attempts when a send fails or is retried.
const (
	ReasonRetriableRateLimit = "retriable-rate-limit"
	ReasonMissingTarget      = "missing-target"
	ReasonRetryExhausted     = "retry-exhausted"
	ReasonUnknown            = "unknown"
)

// BroadcastAttempt is one (campaign, target group) delivery slot. Exactly one
// row exists per pair, keyed by the idempotency key "<campaign>:<group>";
// cycles reuse the row by rolling terminal statuses back to pending.
type BroadcastAttempt struct {
	ID                 string        `json:"id" db:"id"`
	UserID             string        `json:"user_id" db:"user_id"`
	CampaignID         string        `json:"campaign_id" db:"campaign_id"`
	TargetGroupID      string        `json:"target_group_id" db:"target_group_id"`
	AssignedAccountID  *string       `json:"assigned_account_id" db:"assigned_account_id"`
	Sequence           int           `json:"sequence" db:"sequence"`
	Status             AttemptStatus `json:"status" db:"status"`
	RetryCount         int           `json:"retry_count" db:"retry_count"`
	MaxRetries         int           `json:"max_retries" db:"max_retries"`
	NextAttemptAt      *time.Time    `json:"next_attempt_at" db:"next_attempt_at"`
	StartedAt          *time.Time    `json:"started_at" db:"started_at"`
	SentAt             *time.Time    `json:"sent_at" db:"sent_at"`
	TerminalReasonCode *string       `json:"terminal_reason_code" db:"terminal_reason_code"`
	LastError          *string       `json:"last_error" db:"last_error"`
	IdempotencyKey     string        `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
}
