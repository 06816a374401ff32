package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates the lifecycle of a durable queue job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobClaimed    JobStatus = "claimed"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// IsTerminal returns true if the job will never be dispatched again. A
// terminal row no longer occupies its job id: a fresh enqueue with the same
// id takes the row over.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobFailed || s == JobDeadLetter
}

// Job is a row in the broadcast_jobs table. JobID is the caller-chosen
// deduplication key ("sched-..." and "cont-..." ids); ID is the row key.
type Job struct {
	ID          string          `json:"id" db:"id"`
	JobID       string          `json:"job_id" db:"job_id"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Status      JobStatus       `json:"status" db:"status"`
	ScheduledAt time.Time       `json:"scheduled_at" db:"scheduled_at"`
	ClaimedAt   *time.Time      `json:"claimed_at" db:"claimed_at"`
	WorkerID    *string         `json:"worker_id" db:"worker_id"`
	Attempts    int             `json:"attempts" db:"attempts"`
	MaxAttempts int             `json:"max_attempts" db:"max_attempts"`
	LastError   *string         `json:"last_error" db:"last_error"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// BroadcastPayload is the wire body of a broadcast job. QueuedAt is the
// enqueue wall time and feeds the executor's lag measurement; Message and
// IntervalSeconds are compared against the live campaign on admission so a
// reconfigured campaign drops stale jobs. IntervalSeconds zero means the
// producer predates interval stamping and the check is skipped.
type BroadcastPayload struct {
	UserID          string    `json:"userId"`
	Message         string    `json:"message"`
	CampaignID      string    `json:"campaignId"`
	QueuedAt        time.Time `json:"queuedAt"`
	IntervalSeconds int       `json:"intervalSeconds,omitempty"`
}
