// Package campaigns is the interval/message knob for a user's broadcast:
// one campaign per user, mutated by the operator surface and read by the
// scheduler. Interval and message changes take effect at the next scheduler
// tick; in-flight jobs notice through the executor's stale checks.
package campaigns

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/telegram-broadcaster/internal/domain"
)

// Service implements campaign configuration logic.
type Service struct {
	repo Repository
}

// NewService creates a campaign service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// UpdateFields holds the mutable campaign knobs. Nil fields are left as-is.
type UpdateFields struct {
	Message         *string
	IntervalSeconds *int
	IsActive        *bool
}

// GetConfig returns the user's campaign configuration.
func (s *Service) GetConfig(ctx context.Context, userID string) (*domain.Campaign, error) {
	return s.repo.GetByUser(ctx, userID)
}

// SetConfig applies the given knob changes, creating the campaign row on
// first use. Activation requires a message and an interval to already be
// in place (or arrive in the same call).
func (s *Service) SetConfig(ctx context.Context, userID string, u UpdateFields) (*domain.Campaign, error) {
	c, err := s.repo.GetByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		c = &domain.Campaign{ID: uuid.New().String(), UserID: userID}
	} else if err != nil {
		return nil, err
	}

	if u.Message != nil {
		c.Message = strings.TrimSpace(*u.Message)
	}
	if u.IntervalSeconds != nil {
		if *u.IntervalSeconds < domain.MinIntervalSeconds {
			return nil, ErrIntervalTooLow
		}
		c.IntervalSeconds = *u.IntervalSeconds
	}
	if u.IsActive != nil {
		c.IsActive = *u.IsActive
	}

	if c.IsActive && (c.Message == "" || c.IntervalSeconds == 0) {
		return nil, ErrIncompleteSetup
	}

	return s.repo.Save(ctx, c)
}
