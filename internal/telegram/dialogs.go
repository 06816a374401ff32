package telegram

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"github.com/ignite/telegram-broadcaster/internal/config"
	"github.com/ignite/telegram-broadcaster/internal/domain"
)

const dialogPageLimit = 100

// dialogChat is one chat discovered while paging an account's dialogs.
type dialogChat struct {
	chatID  string
	peer    tg.InputPeerClass
	title   string
	kind    domain.GroupKind
	members int
	// sendable marks chats a userbot broadcast can target: basic groups
	// and megagroups, not broadcast channels.
	sendable bool
}

// fetchDialogChats pages through the account's full dialog list and returns
// every chat with its resolved input peer.
func fetchDialogChats(ctx context.Context, api *tg.Client) ([]dialogChat, error) {
	var out []dialogChat
	seen := make(map[string]bool)

	offsetDate := 0
	offsetID := 0
	var offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}

	for {
		resp, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogPageLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("MessagesGetDialogs: %w", wrapRPCError(err))
		}

		var dialogs []tg.DialogClass
		var messages []tg.MessageClass
		var chats []tg.ChatClass
		switch batch := resp.(type) {
		case *tg.MessagesDialogs:
			dialogs, messages, chats = batch.Dialogs, batch.Messages, batch.Chats
		case *tg.MessagesDialogsSlice:
			dialogs, messages, chats = batch.Dialogs, batch.Messages, batch.Chats
		case *tg.MessagesDialogsNotModified:
			return out, nil
		default:
			return nil, fmt.Errorf("unexpected dialogs response: %T", resp)
		}
		if len(dialogs) == 0 {
			return out, nil
		}

		channelHashes := make(map[int64]int64)
		for _, entity := range chats {
			switch chat := entity.(type) {
			case *tg.Chat:
				if chat.Deactivated {
					continue
				}
				id := BasicChatID(chat.ID)
				if seen[id] {
					continue
				}
				seen[id] = true
				out = append(out, dialogChat{
					chatID:   id,
					peer:     &tg.InputPeerChat{ChatID: chat.ID},
					title:    chat.Title,
					kind:     domain.GroupKindGroup,
					members:  chat.ParticipantsCount,
					sendable: true,
				})
			case *tg.Channel:
				channelHashes[chat.ID] = chat.AccessHash
				id := ChannelChatID(chat.ID)
				if seen[id] {
					continue
				}
				seen[id] = true
				members, _ := chat.GetParticipantsCount()
				out = append(out, dialogChat{
					chatID:   id,
					peer:     &tg.InputPeerChannel{ChannelID: chat.ID, AccessHash: chat.AccessHash},
					title:    chat.Title,
					kind:     domain.GroupKindSupergroup,
					members:  members,
					sendable: chat.Megagroup,
				})
			}
		}

		// Advance pagination off the last dialog of the page.
		last := dialogs[len(dialogs)-1]
		dlg, ok := last.(*tg.Dialog)
		if !ok {
			return out, nil
		}
		offsetID = dlg.TopMessage
		if date := messageDate(messages, dlg.TopMessage); date > 0 {
			offsetDate = date
		}
		switch peer := dlg.Peer.(type) {
		case *tg.PeerChat:
			offsetPeer = &tg.InputPeerChat{ChatID: peer.ChatID}
		case *tg.PeerChannel:
			offsetPeer = &tg.InputPeerChannel{ChannelID: peer.ChannelID, AccessHash: channelHashes[peer.ChannelID]}
		default:
			offsetPeer = &tg.InputPeerEmpty{}
		}

		if len(dialogs) < dialogPageLimit {
			return out, nil
		}
		sleepJitter(ctx, 500*time.Millisecond, 1500*time.Millisecond)
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
	}
}

func messageDate(messages []tg.MessageClass, id int) int {
	for _, msg := range messages {
		if m, ok := msg.(*tg.Message); ok && m.ID == id {
			return m.Date
		}
	}
	return 0
}

// =============================================================================
// Remote-groups cache: TTL + min-refresh + failure cooldown + coalescing
// =============================================================================
// Dialog listing is the most expensive call the pool makes, and operators
// tend to refresh it repeatedly while picking targets. Results are served
// from cache inside the TTL, refetched at most once per min-refresh window,
// and backed off after failures. Concurrent callers for one user share a
// single in-flight fetch.

type dialogsCache struct {
	pool *Pool
	cfg  config.RemoteGroupsConfig

	mu      sync.Mutex
	entries map[string]*dialogsEntry
}

type dialogsEntry struct {
	groups    []domain.RemoteGroup
	fetchedAt time.Time
	failedAt  time.Time
	inflight  *dialogsFetch
}

type dialogsFetch struct {
	done   chan struct{}
	groups []domain.RemoteGroup
	err    error
}

func newDialogsCache(pool *Pool, cfg config.RemoteGroupsConfig) *dialogsCache {
	return &dialogsCache{
		pool:    pool,
		cfg:     cfg,
		entries: make(map[string]*dialogsEntry),
	}
}

func (c *dialogsCache) list(ctx context.Context, userID string) ([]domain.RemoteGroup, error) {
	now := time.Now()
	ttl := time.Duration(c.cfg.CacheTTLMS) * time.Millisecond
	minRefresh := time.Duration(c.cfg.MinRefreshMS) * time.Millisecond
	cooldown := time.Duration(c.cfg.FailureCooldownMS) * time.Millisecond

	c.mu.Lock()
	entry, ok := c.entries[userID]
	if !ok {
		entry = &dialogsEntry{}
		c.entries[userID] = entry
	}

	if !entry.fetchedAt.IsZero() && now.Sub(entry.fetchedAt) < ttl {
		groups := entry.groups
		c.mu.Unlock()
		return groups, nil
	}

	if f := entry.inflight; f != nil {
		stale := entry.groups
		hasStale := !entry.fetchedAt.IsZero()
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
		}
		if f.err != nil && hasStale {
			return stale, nil
		}
		return f.groups, f.err
	}

	// Stale-but-recent and failure-cooldown windows serve the old snapshot
	// instead of refetching.
	if !entry.fetchedAt.IsZero() && now.Sub(entry.fetchedAt) < minRefresh {
		groups := entry.groups
		c.mu.Unlock()
		return groups, nil
	}
	if !entry.failedAt.IsZero() && now.Sub(entry.failedAt) < cooldown {
		if !entry.fetchedAt.IsZero() {
			groups := entry.groups
			c.mu.Unlock()
			return groups, nil
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("remote group listing cooling down after failure")
	}

	f := &dialogsFetch{done: make(chan struct{})}
	entry.inflight = f
	c.mu.Unlock()

	groups, err := c.fetch(ctx, userID)

	c.mu.Lock()
	entry.inflight = nil
	if err != nil {
		entry.failedAt = time.Now()
	} else {
		entry.groups = groups
		entry.fetchedAt = time.Now()
		entry.failedAt = time.Time{}
	}
	c.mu.Unlock()

	f.groups, f.err = groups, err
	close(f.done)
	return groups, err
}

// fetch lists live dialogs through the user's latest active account and
// warms that client's peer map as a side effect.
func (c *dialogsCache) fetch(ctx context.Context, userID string) ([]domain.RemoteGroup, error) {
	accountID, err := c.pool.latestAccountID(ctx, userID)
	if err != nil {
		return nil, err
	}
	pc, err := c.pool.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}

	chats, err := fetchDialogChats(ctx, pc.api)
	if err != nil {
		return nil, err
	}

	pc.mu.Lock()
	for _, chat := range chats {
		pc.peers[chat.chatID] = chat.peer
	}
	pc.warmed = true
	pc.mu.Unlock()

	return remoteGroupsFromChats(chats), nil
}

// remoteGroupsFromChats filters dialog chats down to broadcast-capable
// groups, sorted by title for stable display.
func remoteGroupsFromChats(chats []dialogChat) []domain.RemoteGroup {
	groups := make([]domain.RemoteGroup, 0, len(chats))
	for _, chat := range chats {
		if !chat.sendable {
			continue
		}
		groups = append(groups, domain.RemoteGroup{
			ID:           chat.chatID,
			Title:        chat.title,
			Kind:         chat.kind,
			MembersCount: chat.members,
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Title < groups[j].Title })
	return groups
}
