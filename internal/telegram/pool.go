package telegram

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gotd/contrib/bg"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ignite/telegram-broadcaster/internal/config"
	"github.com/ignite/telegram-broadcaster/internal/domain"
)

// =============================================================================
// CLIENT POOL - Warmed MTProto Clients per Account
// =============================================================================
// One connected gotd client per telegram account, created lazily on first
// send and kept until shutdown. First use warms the peer cache by paging
// through the account's dialogs, so sends can resolve chats the account has
// already joined without extra round trips.

// Pool owns the per-account MTProto clients.
type Pool struct {
	db  *sql.DB
	cfg config.TelegramConfig
	log *zap.Logger

	// runCtx is the lifetime of every pooled connection. Client run loops
	// hang off it, never off the job context that happened to build them.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.Mutex
	clients map[string]*pooledClient

	dialogs *dialogsCache
}

// pooledClient is one account's connection plus its warmed peer map.
type pooledClient struct {
	accountID string
	client    *telegram.Client
	api       *tg.Client
	stop      bg.StopFunc

	mu     sync.Mutex
	warmed bool
	peers  map[string]tg.InputPeerClass
}

// NewPool creates a client pool. Clients connect lazily on first use.
func NewPool(db *sql.DB, cfg config.TelegramConfig, rg config.RemoteGroupsConfig) *Pool {
	p := &Pool{
		db:      db,
		cfg:     cfg,
		log:     newMTProtoLogger(cfg),
		clients: make(map[string]*pooledClient),
	}
	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	p.dialogs = newDialogsCache(p, rg)
	return p
}

// newMTProtoLogger builds the logger handed to gotd. Silent unless a debug
// log path is configured; the file is rotated so long-running workers do
// not fill the disk with wire traces.
func newMTProtoLogger(cfg config.TelegramConfig) *zap.Logger {
	if cfg.DebugLogPath == "" {
		return zap.NewNop()
	}
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.DebugLogPath,
		MaxSize:    50, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, zapcore.DebugLevel)
	return zap.New(core)
}

// acquire returns the account's connected client, building it on first use.
// The pool mutex serializes first-time creation so two lanes cannot dial
// the same account twice.
func (p *Pool) acquire(ctx context.Context, accountID string) (*pooledClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.clients[accountID]; ok {
		return pc, nil
	}

	client := telegram.NewClient(p.cfg.APIID, p.cfg.APIHash, telegram.Options{
		SessionStorage: &accountSession{db: p.db, accountID: accountID},
		Logger:         p.log.Named("mtproto").With(zap.String("account_id", accountID)),
		NoUpdates:      true,
		Middlewares: []telegram.Middleware{
			// Client-side backstop under the executor's governor.
			ratelimit.New(rate.Every(p.cfg.InterSendDelay()), 1),
		},
	})

	stop, err := p.connect(client)
	if err != nil {
		return nil, &UnavailableError{AccountID: accountID, Err: err}
	}

	status, err := client.Auth().Status(ctx)
	if err != nil {
		_ = stop()
		return nil, &UnavailableError{AccountID: accountID, Err: err}
	}
	if !status.Authorized {
		_ = stop()
		return nil, &UnavailableError{AccountID: accountID, Err: fmt.Errorf("session not authorized")}
	}

	pc := &pooledClient{
		accountID: accountID,
		client:    client,
		api:       client.API(),
		stop:      stop,
		peers:     make(map[string]tg.InputPeerClass),
	}
	p.clients[accountID] = pc
	log.Printf("[ClientPool] Connected client for account %s", accountID)
	return pc, nil
}

// connect starts the client's background run loop on the pool's own
// lifetime. The send that builds a client returns long before the
// connection should close; only StopAll ends it.
func (p *Pool) connect(client bg.Client) (bg.StopFunc, error) {
	if err := p.runCtx.Err(); err != nil {
		return nil, err
	}
	return bg.Connect(client, bg.WithContext(p.runCtx))
}

// warm fills the client's peer map from the account's dialog list once.
func (pc *pooledClient) warm(ctx context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.warmed {
		return nil
	}

	chats, err := fetchDialogChats(ctx, pc.api)
	if err != nil {
		return fmt.Errorf("warm dialogs for account %s: %w", pc.accountID, err)
	}
	for _, entry := range chats {
		pc.peers[entry.chatID] = entry.peer
	}
	pc.warmed = true
	log.Printf("[ClientPool] Warmed %d peers for account %s", len(pc.peers), pc.accountID)
	return nil
}

// resolve builds the input peer for a normalized chat id, preferring the
// warmed map and falling back to the stored access hash for channels.
func (pc *pooledClient) resolve(target domain.TargetGroup) (tg.InputPeerClass, error) {
	pc.mu.Lock()
	peer, ok := pc.peers[target.ID]
	pc.mu.Unlock()
	if ok {
		return peer, nil
	}

	bare, isChannel, err := SplitChatID(target.ID)
	if err != nil {
		return nil, err
	}
	if !isChannel {
		return &tg.InputPeerChat{ChatID: bare}, nil
	}
	if target.AccessHash == "" {
		return nil, fmt.Errorf("no access hash for channel %s", target.ID)
	}
	hash, err := strconv.ParseInt(target.AccessHash, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse access hash for %s: %w", target.ID, err)
	}
	return &tg.InputPeerChannel{ChannelID: bare, AccessHash: hash}, nil
}

// Send delivers one text message from the account to the target group.
// Implements the broadcast executor's Sender.
func (p *Pool) Send(ctx context.Context, accountID string, target domain.TargetGroup, text string) error {
	pc, err := p.acquire(ctx, accountID)
	if err != nil {
		return err
	}

	if err := pc.warm(ctx); err != nil {
		// A failed warmup is not fatal when the stored access hash can
		// resolve the peer directly.
		log.Printf("[ClientPool] %v", err)
	}

	peer, err := pc.resolve(target)
	if err != nil {
		// Unresolvable peers read as terminal to the classifier.
		return &SendError{Type: "PEER_ID_INVALID", Code: 400, err: err}
	}

	_, err = pc.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rand.Int63(),
	})
	if err != nil {
		return wrapRPCError(err)
	}
	return nil
}

// ListGroupDialogs returns the user's current groups and supergroups as
// seen by their latest active account, through the TTL cache.
func (p *Pool) ListGroupDialogs(ctx context.Context, userID string) ([]domain.RemoteGroup, error) {
	return p.dialogs.list(ctx, userID)
}

// latestAccountID returns the user's most recently added active account.
func (p *Pool) latestAccountID(ctx context.Context, userID string) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `
		SELECT id FROM telegram_accounts
		WHERE user_id = $1 AND is_active = true
		ORDER BY created_at DESC
		LIMIT 1
	`, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no active account for user %s", userID)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Evict drops an account's client, closing its connection. Used after a
// fresh login replaces the session.
func (p *Pool) Evict(accountID string) {
	p.mu.Lock()
	pc, ok := p.clients[accountID]
	if ok {
		delete(p.clients, accountID)
	}
	p.mu.Unlock()

	if ok {
		if err := pc.stop(); err != nil {
			log.Printf("[ClientPool] Error stopping client for account %s: %v", accountID, err)
		}
	}
}

// StopAll disconnects every pooled client. Called on shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	clients := make([]*pooledClient, 0, len(p.clients))
	for _, pc := range p.clients {
		clients = append(clients, pc)
	}
	p.clients = make(map[string]*pooledClient)
	p.mu.Unlock()

	for _, pc := range clients {
		if err := pc.stop(); err != nil {
			log.Printf("[ClientPool] Error stopping client for account %s: %v", pc.accountID, err)
		}
	}
	p.runCancel()
	if len(clients) > 0 {
		log.Printf("[ClientPool] Stopped %d clients", len(clients))
	}
}

// Stats reports pool occupancy.
func (p *Pool) Stats() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	warmed := int64(0)
	for _, pc := range p.clients {
		pc.mu.Lock()
		if pc.warmed {
			warmed++
		}
		pc.mu.Unlock()
	}
	return map[string]int64{
		"clients": int64(len(p.clients)),
		"warmed":  warmed,
	}
}

// sleepJitter pauses between dialog pages so warming a large account does
// not look like API scraping.
func sleepJitter(ctx context.Context, min, max time.Duration) {
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
