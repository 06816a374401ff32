package telegram

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	tdsession "github.com/gotd/td/session"
)

// accountSession implements tdsession.Storage over the account row: the
// gotd session blob lives in telegram_accounts.session_string. Accounts
// migrated from before per-account sessions fall back to the legacy
// sessions table on first load; the next store writes the account row and
// the legacy row is never touched again.
type accountSession struct {
	db        *sql.DB
	accountID string
	mux       sync.Mutex
}

var _ tdsession.Storage = (*accountSession)(nil)

func (s *accountSession) LoadSession(ctx context.Context) ([]byte, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var sessionString string
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(session_string, ''), user_id
		FROM telegram_accounts
		WHERE id = $1
	`, s.accountID).Scan(&sessionString, &userID)
	if err == sql.ErrNoRows {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session for account %s: %w", s.accountID, err)
	}
	if sessionString != "" {
		return []byte(sessionString), nil
	}

	// Legacy fallback: one session row per user from the pre-account schema.
	err = s.db.QueryRowContext(ctx, `
		SELECT session_string FROM sessions WHERE user_id = $1
	`, userID).Scan(&sessionString)
	if err == sql.ErrNoRows || (err == nil && sessionString == "") {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load legacy session for user %s: %w", userID, err)
	}
	return []byte(sessionString), nil
}

func (s *accountSession) StoreSession(ctx context.Context, data []byte) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE telegram_accounts
		SET session_string = $2, updated_at = NOW()
		WHERE id = $1
	`, s.accountID, string(data))
	if err != nil {
		return fmt.Errorf("store session for account %s: %w", s.accountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store session: account %s no longer exists", s.accountID)
	}
	return nil
}
