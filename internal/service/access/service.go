// Package access gates who may drive the broadcast platform. Unknown users
// are recorded with an already-passed expiry so an operator can find and
// extend them, but are denied until then.
package access

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/ignite/telegram-broadcaster/internal/domain"
)

// Service implements access-gate logic.
type Service struct {
	repo        Repository
	ownerUserID string
	superAdmins map[string]bool
}

// NewService creates an access service. ownerUserID and superAdmins
// (usernames, case-insensitive) bypass the access list entirely.
func NewService(repo Repository, ownerUserID string, superAdmins []string) *Service {
	admins := make(map[string]bool, len(superAdmins))
	for _, name := range superAdmins {
		name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
		if name != "" {
			admins[name] = true
		}
	}
	return &Service{repo: repo, ownerUserID: ownerUserID, superAdmins: admins}
}

// Check decides whether the user may use the platform. Returns the denial
// reason when not allowed.
func (s *Service) Check(ctx context.Context, userID, username, firstName, lastName string) (bool, string, error) {
	if s.ownerUserID != "" && userID == s.ownerUserID {
		return true, "", nil
	}
	if s.superAdmins[strings.ToLower(strings.TrimPrefix(username, "@"))] {
		return true, "", nil
	}

	u, err := s.repo.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		now := time.Now().UTC()
		row := &domain.AllowedUser{
			UserID:    userID,
			Username:  username,
			FirstName: firstName,
			LastName:  lastName,
			IsActive:  true,
			ExpiresAt: &now,
		}
		if err := s.repo.Insert(ctx, row); err != nil {
			return false, "", err
		}
		log.Printf("[Access] Recorded unknown user %s (%s), pending approval", userID, username)
		return false, ReasonNotRegistered, nil
	}
	if err != nil {
		return false, "", err
	}

	if !u.IsActive {
		return false, ReasonBlocked, nil
	}
	if u.HasExpired(time.Now().UTC()) {
		return false, ReasonExpired, nil
	}
	return true, "", nil
}

// Grant gives the user access for the given number of days; days <= 0
// grants without expiry.
func (s *Service) Grant(ctx context.Context, userID string, days int) error {
	var expiresAt *time.Time
	if days > 0 {
		t := time.Now().UTC().AddDate(0, 0, days)
		expiresAt = &t
	}
	err := s.repo.SetExpiry(ctx, userID, expiresAt)
	if errors.Is(err, ErrNotFound) {
		row := &domain.AllowedUser{UserID: userID, IsActive: true, ExpiresAt: expiresAt}
		return s.repo.Insert(ctx, row)
	}
	return err
}

// Block denies the user until explicitly re-granted.
func (s *Service) Block(ctx context.Context, userID string) error {
	return s.repo.SetActive(ctx, userID, false)
}
