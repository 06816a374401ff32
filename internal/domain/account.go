package domain

import "time"

// TelegramAccount is a signed-in userbot account owned by a user. The
// session string holds the serialized MTProto session and never leaves the
// repository layer in JSON form.
type TelegramAccount struct {
	ID             string     `json:"id" db:"id"`
	UserID         string     `json:"user_id" db:"user_id"`
	PhoneNumber    string     `json:"phone_number" db:"phone_number"`
	Username       string     `json:"username" db:"username"`
	FirstName      string     `json:"first_name" db:"first_name"`
	LastName       string     `json:"last_name" db:"last_name"`
	SessionString  string     `json:"-" db:"session_string"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	IsFloodWait    bool       `json:"is_flood_wait" db:"is_flood_wait"`
	FloodWaitUntil *time.Time `json:"flood_wait_until" db:"flood_wait_until"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// IsAvailable reports whether the account can be handed a send lane right
// now: it must be active and not sitting out a provider flood wait.
func (a *TelegramAccount) IsAvailable(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.IsFloodWait {
		if a.FloodWaitUntil == nil || now.Before(*a.FloodWaitUntil) {
			return false
		}
	}
	return true
}
