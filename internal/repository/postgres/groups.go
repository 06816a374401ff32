package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/telegram-broadcaster/internal/domain"
	"github.com/ignite/telegram-broadcaster/internal/service/groups"
)

// GroupRepo implements groups.Repository against PostgreSQL.
type GroupRepo struct{ db *sql.DB }

// NewGroupRepo creates a Postgres-backed group repository.
func NewGroupRepo(db *sql.DB) *GroupRepo { return &GroupRepo{db: db} }

func (r *GroupRepo) Upsert(ctx context.Context, g *domain.TargetGroup) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_groups (user_id, id, title, type, access_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), true, NOW())
		ON CONFLICT (user_id, id) DO UPDATE
		SET title = EXCLUDED.title,
		    type = EXCLUDED.type,
		    access_hash = COALESCE(EXCLUDED.access_hash, user_groups.access_hash),
		    is_active = true
	`, g.UserID, g.ID, g.Title, g.Kind, g.AccessHash)
	if err != nil {
		return fmt.Errorf("upsert group %s: %w", g.ID, err)
	}
	return nil
}

func (r *GroupRepo) Remove(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM user_groups WHERE user_id = $1 AND id = $2
	`, userID, id)
	if err != nil {
		return fmt.Errorf("remove group %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return groups.ErrNotFound
	}
	return nil
}

func (r *GroupRepo) ListActive(ctx context.Context, userID string) ([]domain.TargetGroup, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, id, title, type, COALESCE(access_hash, ''), is_active, created_at
		FROM user_groups
		WHERE user_id = $1 AND is_active = true
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []domain.TargetGroup
	for rows.Next() {
		var g domain.TargetGroup
		if err := rows.Scan(&g.UserID, &g.ID, &g.Title, &g.Kind, &g.AccessHash, &g.IsActive, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
