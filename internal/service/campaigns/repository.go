package campaigns

import (
	"context"

	"github.com/ignite/telegram-broadcaster/internal/domain"
)

// Repository defines the data access contract for campaign configuration.
// Implementations must be safe for concurrent use.
type Repository interface {
	// GetByUser returns the user's campaign. Returns ErrNotFound if the
	// user has never configured one.
	GetByUser(ctx context.Context, userID string) (*domain.Campaign, error)

	// Save upserts the campaign (one row per user) and returns the stored
	// state.
	Save(ctx context.Context, c *domain.Campaign) (*domain.Campaign, error)
}
