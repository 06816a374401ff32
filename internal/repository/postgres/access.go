package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/telegram-broadcaster/internal/domain"
	"github.com/ignite/telegram-broadcaster/internal/service/access"
)

// AccessRepo implements access.Repository against PostgreSQL.
type AccessRepo struct{ db *sql.DB }

// NewAccessRepo creates a Postgres-backed access-list repository.
func NewAccessRepo(db *sql.DB) *AccessRepo { return &AccessRepo{db: db} }

func (r *AccessRepo) Get(ctx context.Context, userID string) (*domain.AllowedUser, error) {
	u := &domain.AllowedUser{}
	var expires sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''),
		       is_active, expires_at, created_at, updated_at
		FROM allowed_users
		WHERE user_id = $1
	`, userID).Scan(&u.UserID, &u.Username, &u.FirstName, &u.LastName,
		&u.IsActive, &expires, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get allowed user %s: %w", userID, err)
	}
	if expires.Valid {
		u.ExpiresAt = &expires.Time
	}
	return u, nil
}

func (r *AccessRepo) Insert(ctx context.Context, u *domain.AllowedUser) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO allowed_users (user_id, username, first_name, last_name, is_active, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, u.UserID, u.Username, u.FirstName, u.LastName, u.IsActive, u.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert allowed user %s: %w", u.UserID, err)
	}
	return nil
}

func (r *AccessRepo) SetExpiry(ctx context.Context, userID string, expiresAt *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE allowed_users
		SET expires_at = $2, is_active = true, updated_at = NOW()
		WHERE user_id = $1
	`, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("set expiry for user %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return access.ErrNotFound
	}
	return nil
}

func (r *AccessRepo) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE allowed_users
		SET is_active = $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, active)
	if err != nil {
		return fmt.Errorf("set active for user %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return access.ErrNotFound
	}
	return nil
}
