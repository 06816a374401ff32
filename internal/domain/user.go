package domain

import "time"

// AllowedUser is an access-list row. A user is admitted when the row is
// active and unexpired; unknown users get a row with expires_at in the past
// so operators can find and extend them.
type AllowedUser struct {
	UserID    string     `json:"user_id" db:"user_id"`
	Username  string     `json:"username" db:"username"`
	FirstName string     `json:"first_name" db:"first_name"`
	LastName  string     `json:"last_name" db:"last_name"`
	IsActive  bool       `json:"is_active" db:"is_active"`
	ExpiresAt *time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// HasExpired reports whether the grant has an expiry in the past.
func (u *AllowedUser) HasExpired(now time.Time) bool {
	return u.ExpiresAt != nil && !now.Before(*u.ExpiresAt)
}

// LegacySession is a row in the sessions table kept from before accounts
// carried their own session strings. Read as a last-resort fallback, never
// written.
type LegacySession struct {
	UserID        string `json:"user_id" db:"user_id"`
	SessionString string `json:"-" db:"session_string"`
}
