package domain

import "time"

// GroupKind distinguishes basic groups from supergroups/channels. The kind
// decides which input peer a send resolves to.
type GroupKind string

const (
	GroupKindGroup      GroupKind = "group"
	GroupKindSupergroup GroupKind = "supergroup"
)

// TargetGroup is a broadcast destination registered by a user. The id is a
// normalized chat id: "-100<id>" for supergroups and channels, "-<id>" for
// basic chats. AccessHash is stored for supergroups so sends can build an
// input peer without a dialogs warmup.
type TargetGroup struct {
	UserID     string    `json:"user_id" db:"user_id"`
	ID         string    `json:"id" db:"id"`
	Title      string    `json:"title" db:"title"`
	Kind       GroupKind `json:"type" db:"type"`
	AccessHash string    `json:"-" db:"access_hash"`
	IsActive   bool      `json:"is_active" db:"is_active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RemoteGroup is a live dialog entry fetched from Telegram, offered to the
// operator as an add-candidate. It is never persisted.
type RemoteGroup struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Kind         GroupKind `json:"type"`
	MembersCount int       `json:"members_count,omitempty"`
}
