package groups

import (
	"context"

	"github.com/ignite/telegram-broadcaster/internal/domain"
)

// Repository defines the data access contract for broadcast target groups.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Upsert inserts a group or reactivates/refreshes an existing
	// (user_id, id) row.
	Upsert(ctx context.Context, g *domain.TargetGroup) error

	// Remove deletes a group. Returns ErrNotFound if it doesn't exist.
	Remove(ctx context.Context, userID, id string) error

	// ListActive returns the user's active groups ordered by created_at.
	ListActive(ctx context.Context, userID string) ([]domain.TargetGroup, error)
}
