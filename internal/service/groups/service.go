// Package groups manages the per-user broadcast target list. Chat ids are
// normalized on the way in so the executor and the dialog listings agree on
// identity.
package groups

import (
	"context"
	"strings"

	"github.com/ignite/telegram-broadcaster/internal/domain"
	"github.com/ignite/telegram-broadcaster/internal/telegram"
)

// Service implements target-group business logic.
type Service struct {
	repo Repository
}

// NewService creates a group service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// AddInput holds the fields for registering a target group.
type AddInput struct {
	ID         string
	Title      string
	Kind       domain.GroupKind
	AccessHash string
}

// Add registers (or reactivates) a broadcast target for the user. The chat
// id is canonicalized: supergroups to "-100<digits>", basic chats to
// "-<digits>".
func (s *Service) Add(ctx context.Context, userID string, in AddInput) (*domain.TargetGroup, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return nil, ErrInvalidID
	}
	kind := in.Kind
	if kind != domain.GroupKindSupergroup {
		kind = domain.GroupKindGroup
	}
	// Ids in the -100 form are supergroups whatever the caller said.
	if strings.HasPrefix(id, "-100") {
		kind = domain.GroupKindSupergroup
	}

	g := &domain.TargetGroup{
		UserID:     userID,
		ID:         telegram.NormalizeChatID(id, kind),
		Title:      strings.TrimSpace(in.Title),
		Kind:       kind,
		AccessHash: in.AccessHash,
		IsActive:   true,
	}
	if g.Title == "" {
		g.Title = g.ID
	}
	if err := s.repo.Upsert(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Remove deletes a target group.
func (s *Service) Remove(ctx context.Context, userID, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidID
	}
	return s.repo.Remove(ctx, userID, id)
}

// List returns the user's active targets.
func (s *Service) List(ctx context.Context, userID string) ([]domain.TargetGroup, error) {
	return s.repo.ListActive(ctx, userID)
}
