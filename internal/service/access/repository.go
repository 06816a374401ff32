package access

import (
	"context"
	"time"

	"github.com/ignite/telegram-broadcaster/internal/domain"
)

// Repository defines the data access contract for the access list.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns an access-list row. Returns ErrNotFound if absent.
	Get(ctx context.Context, userID string) (*domain.AllowedUser, error)

	// Insert creates a new access-list row. Existing rows are left alone.
	Insert(ctx context.Context, u *domain.AllowedUser) error

	// SetExpiry updates a row's expiry; nil means no expiry. Also
	// reactivates the row.
	SetExpiry(ctx context.Context, userID string, expiresAt *time.Time) error

	// SetActive flips a row's active flag.
	SetActive(ctx context.Context, userID string, active bool) error
}
