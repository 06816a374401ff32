package domain

import (
	"time"
)

// MinIntervalSeconds is the smallest broadcast interval a campaign may use.
// Anything shorter would let a single user saturate the per-account budget.
const MinIntervalSeconds = 60

// Campaign is a user's periodic broadcast configuration: one message, one
// interval, one active flag. Each user owns at most one campaign.
type Campaign struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	Message         string     `json:"message" db:"message"`
	IntervalSeconds int        `json:"interval_seconds" db:"interval_seconds"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	LastRunAt       *time.Time `json:"last_run_at" db:"last_run_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Interval returns the campaign interval as a duration.
func (c *Campaign) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// User is a row in the users table. The id is the external chat-platform
// user id, stored as text.
type User struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
