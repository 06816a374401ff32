package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/telegram-broadcaster/internal/domain"
	"github.com/ignite/telegram-broadcaster/internal/service/campaigns"
)

// CampaignRepo implements campaigns.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

func (r *CampaignRepo) GetByUser(ctx context.Context, userID string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var lastRun sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, COALESCE(message, ''), COALESCE(interval_seconds, 0),
		       is_active, last_run_at, created_at, updated_at
		FROM broadcast_campaigns
		WHERE user_id = $1
	`, userID).Scan(&c.ID, &c.UserID, &c.Message, &c.IntervalSeconds, &c.IsActive,
		&lastRun, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, campaigns.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign for user %s: %w", userID, err)
	}
	if lastRun.Valid {
		c.LastRunAt = &lastRun.Time
	}
	return c, nil
}

func (r *CampaignRepo) Save(ctx context.Context, c *domain.Campaign) (*domain.Campaign, error) {
	saved := &domain.Campaign{}
	var lastRun sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO broadcast_campaigns (
			id, user_id, message, interval_seconds, is_active, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, 0), $5, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET message = NULLIF($3, ''),
		    interval_seconds = NULLIF($4, 0),
		    is_active = $5,
		    updated_at = NOW()
		RETURNING id, user_id, COALESCE(message, ''), COALESCE(interval_seconds, 0),
		          is_active, last_run_at, created_at, updated_at
	`, c.ID, c.UserID, c.Message, c.IntervalSeconds, c.IsActive).Scan(
		&saved.ID, &saved.UserID, &saved.Message, &saved.IntervalSeconds,
		&saved.IsActive, &lastRun, &saved.CreatedAt, &saved.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("save campaign for user %s: %w", c.UserID, err)
	}
	if lastRun.Valid {
		saved.LastRunAt = &lastRun.Time
	}
	return saved, nil
}
