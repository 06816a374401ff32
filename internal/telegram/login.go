package telegram

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gotd/contrib/bg"
	tdsession "github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/ignite/telegram-broadcaster/internal/config"
	"github.com/ignite/telegram-broadcaster/internal/pkg/logger"
)

// Login error codes surfaced to the UI collaborator.
const (
	CodeLoginSessionMissing = "LOGIN_SESSION_MISSING"
	CodeInvalidPhone        = "INVALID_PHONE"
	CodePhoneCodeInvalid    = "PHONE_CODE_INVALID"
	CodePhoneCodeExpired    = "PHONE_CODE_EXPIRED"
	CodePasswordInvalid     = "PASSWORD_HASH_INVALID"
	CodeFloodWait           = "FLOOD_WAIT"
)

// LoginResult is the tagged outcome of a login step. Login never uses
// errors for flow: every expected failure mode comes back as a code the UI
// can act on.
type LoginResult struct {
	Success          bool       `json:"success"`
	Error            string     `json:"error,omitempty"`
	ErrorCode        string     `json:"errorCode,omitempty"`
	RequiresPassword bool       `json:"requiresPassword,omitempty"`
	FloodWaitSeconds int        `json:"seconds,omitempty"`
	User             *LoginUser `json:"user,omitempty"`
}

// LoginUser identifies the authorized Telegram user after a completed login.
type LoginUser struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName,omitempty"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// pendingLogin holds a half-completed login: a connected client with an
// in-memory session waiting for the code or the 2FA password.
type pendingLogin struct {
	phone    string
	codeHash string
	client   *telegram.Client
	session  *tdsession.StorageMemory
	stop     bg.StopFunc
}

// LoginManager runs the three-step userbot login: send code, confirm code,
// optionally confirm the 2FA password. One pending login per user at a
// time; starting a new one discards the previous.
type LoginManager struct {
	db   *sql.DB
	cfg  config.TelegramConfig
	pool *Pool

	// runCtx keeps pending clients connected across the HTTP requests of
	// the login steps; the request context dies when StartLogin returns,
	// long before the code or password arrives.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingLogin
}

// NewLoginManager creates a login manager. pool may be nil (worker role has
// no login surface); when set, a completed login evicts the account's stale
// pooled client.
func NewLoginManager(db *sql.DB, cfg config.TelegramConfig, pool *Pool) *LoginManager {
	m := &LoginManager{
		db:      db,
		cfg:     cfg,
		pool:    pool,
		pending: make(map[string]*pendingLogin),
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	return m
}

// connect starts a pending-login client on the manager's lifetime, not the
// request's. Each step of the flow arrives on its own HTTP request; the
// client in between belongs to the manager.
func (m *LoginManager) connect(client bg.Client) (bg.StopFunc, error) {
	if err := m.runCtx.Err(); err != nil {
		return nil, err
	}
	return bg.Connect(client, bg.WithContext(m.runCtx))
}

// StartLogin validates the phone, connects a fresh client, and asks
// Telegram to send a login code.
func (m *LoginManager) StartLogin(ctx context.Context, userID, rawPhone string) *LoginResult {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return &LoginResult{Error: err.Error(), ErrorCode: CodeInvalidPhone}
	}

	if _, err := m.db.ExecContext(ctx, `
		INSERT INTO users (id, created_at) VALUES ($1, NOW())
		ON CONFLICT (id) DO NOTHING
	`, userID); err != nil {
		return &LoginResult{Error: fmt.Sprintf("ensure user: %v", err)}
	}

	// A previous half-finished login for this user is abandoned.
	m.dropPending(userID)

	mem := &tdsession.StorageMemory{}
	client := telegram.NewClient(m.cfg.APIID, m.cfg.APIHash, telegram.Options{
		SessionStorage: mem,
		Logger:         zap.NewNop(),
		NoUpdates:      true,
	})

	stop, err := m.connect(client)
	if err != nil {
		return &LoginResult{Error: fmt.Sprintf("connect: %v", err)}
	}

	sent, err := client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		_ = stop()
		if wait, ok := tgerr.AsFloodWait(err); ok {
			return &LoginResult{
				Error:            "too many login attempts, wait before retrying",
				ErrorCode:        CodeFloodWait,
				FloodWaitSeconds: int(wait.Seconds()),
			}
		}
		return &LoginResult{Error: fmt.Sprintf("send code: %v", err)}
	}

	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		_ = stop()
		return &LoginResult{Error: fmt.Sprintf("unexpected send code response: %T", sent)}
	}

	m.mu.Lock()
	m.pending[userID] = &pendingLogin{
		phone:    phone,
		codeHash: code.PhoneCodeHash,
		client:   client,
		session:  mem,
		stop:     stop,
	}
	m.mu.Unlock()

	log.Printf("[Login] Code sent to %s for user %s", logger.RedactPhone(phone), userID)
	return &LoginResult{Success: true}
}

// CompleteLogin confirms the login code. An account needing 2FA comes back
// with RequiresPassword and the pending login stays alive for Complete2FA.
func (m *LoginManager) CompleteLogin(ctx context.Context, userID, rawCode string) *LoginResult {
	p := m.getPending(userID)
	if p == nil {
		return &LoginResult{Error: "no login in progress", ErrorCode: CodeLoginSessionMissing}
	}

	authz, err := p.client.Auth().SignIn(ctx, p.phone, NormalizeCode(rawCode), p.codeHash)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrPasswordAuthNeeded):
			return &LoginResult{RequiresPassword: true}
		case tgerr.Is(err, "PHONE_CODE_INVALID"):
			// Keep the pending login so the user can retype the code.
			return &LoginResult{Error: "invalid code", ErrorCode: CodePhoneCodeInvalid}
		case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
			m.dropPending(userID)
			return &LoginResult{Error: "code expired, restart login", ErrorCode: CodePhoneCodeExpired}
		default:
			m.dropPending(userID)
			return &LoginResult{Error: fmt.Sprintf("sign in: %v", err)}
		}
	}

	return m.finishLogin(ctx, userID, p, authz)
}

// Complete2FA confirms the account password for 2FA-protected accounts.
func (m *LoginManager) Complete2FA(ctx context.Context, userID, password string) *LoginResult {
	p := m.getPending(userID)
	if p == nil {
		return &LoginResult{Error: "no login in progress", ErrorCode: CodeLoginSessionMissing}
	}

	authz, err := p.client.Auth().Password(ctx, password)
	if err != nil {
		if tgerr.Is(err, "PASSWORD_HASH_INVALID") {
			return &LoginResult{Error: "invalid password", ErrorCode: CodePasswordInvalid}
		}
		m.dropPending(userID)
		return &LoginResult{Error: fmt.Sprintf("check password: %v", err)}
	}

	return m.finishLogin(ctx, userID, p, authz)
}

// CancelLogin abandons the pending login and disconnects its client.
func (m *LoginManager) CancelLogin(userID string) *LoginResult {
	m.dropPending(userID)
	return &LoginResult{Success: true}
}

// Stop abandons every pending login and disconnects their clients. Called
// on shutdown.
func (m *LoginManager) Stop() {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*pendingLogin)
	m.mu.Unlock()

	for userID, p := range pending {
		if err := p.stop(); err != nil {
			log.Printf("[Login] Error stopping pending client for user %s: %v", userID, err)
		}
	}
	m.runCancel()
}

// finishLogin persists the authorized session as an account row and tears
// down the temporary client.
func (m *LoginManager) finishLogin(ctx context.Context, userID string, p *pendingLogin, authz *tg.AuthAuthorization) *LoginResult {
	sessionData, err := p.session.LoadSession(ctx)
	if err != nil {
		m.dropPending(userID)
		return &LoginResult{Error: fmt.Sprintf("read session: %v", err)}
	}

	var user LoginUser
	if u, ok := authz.User.(*tg.User); ok {
		user = LoginUser{
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Username:  u.Username,
			Phone:     u.Phone,
		}
	}

	// Re-login of a known phone reactivates the account and clears any old
	// flood-wait state; the session is fresh.
	var accountID string
	err = m.db.QueryRowContext(ctx, `
		INSERT INTO telegram_accounts (
			id, user_id, phone_number, username, first_name, last_name,
			session_string, is_active, is_flood_wait, flood_wait_until,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, true, false, NULL, NOW(), NOW())
		ON CONFLICT (phone_number) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    username = EXCLUDED.username,
		    first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    session_string = EXCLUDED.session_string,
		    is_active = true,
		    is_flood_wait = false,
		    flood_wait_until = NULL,
		    updated_at = NOW()
		RETURNING id
	`, uuid.New(), userID, p.phone, user.Username, user.FirstName, user.LastName, string(sessionData)).Scan(&accountID)
	if err != nil {
		m.dropPending(userID)
		return &LoginResult{Error: fmt.Sprintf("save account: %v", err)}
	}

	m.dropPending(userID)
	if m.pool != nil {
		m.pool.Evict(accountID)
	}

	log.Printf("[Login] User %s signed in account %s (%s)", userID, accountID, logger.RedactPhone(p.phone))
	return &LoginResult{Success: true, User: &user}
}

func (m *LoginManager) getPending(userID string) *pendingLogin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[userID]
}

func (m *LoginManager) dropPending(userID string) {
	m.mu.Lock()
	p := m.pending[userID]
	delete(m.pending, userID)
	m.mu.Unlock()

	if p != nil {
		if err := p.stop(); err != nil {
			log.Printf("[Login] Error stopping login client for user %s: %v", userID, err)
		}
	}
}
