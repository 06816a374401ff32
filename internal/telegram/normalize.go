package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ignite/telegram-broadcaster/internal/domain"
)

// Chat ids are stored in the bot-API convention: basic chats as "-<id>",
// supergroups and channels as "-100<id>". MTProto hands back bare positive
// ids, so everything that persists or compares an id goes through these
// helpers.

// NormalizeChatID canonicalizes a raw chat id for the given kind.
func NormalizeChatID(raw string, kind domain.GroupKind) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	if kind == domain.GroupKindSupergroup {
		if strings.HasPrefix(s, "-100") {
			return s
		}
		return "-100" + strings.TrimPrefix(s, "-")
	}
	if strings.HasPrefix(s, "-") {
		return s
	}
	return "-" + s
}

// ChannelChatID formats a bare MTProto channel id as "-100<id>".
func ChannelChatID(id int64) string {
	return fmt.Sprintf("-100%d", id)
}

// BasicChatID formats a bare MTProto chat id as "-<id>".
func BasicChatID(id int64) string {
	return fmt.Sprintf("-%d", id)
}

// SplitChatID parses a normalized chat id back into the bare MTProto id and
// whether it names a channel/supergroup.
func SplitChatID(id string) (int64, bool, error) {
	if strings.HasPrefix(id, "-100") {
		n, err := strconv.ParseInt(id[len("-100"):], 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("parse channel id %q: %w", id, err)
		}
		return n, true, nil
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(id, "-"), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse chat id %q: %w", id, err)
	}
	return n, false, nil
}

// NormalizePhone reduces a phone number to "+<digits>". Leading
// international "00" is folded into the plus.
func NormalizePhone(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	s := strings.TrimPrefix(digits.String(), "00")
	if len(s) < 10 || len(s) > 15 {
		return "", fmt.Errorf("phone number must have 10-15 digits, got %d", len(s))
	}
	return "+" + s, nil
}

// NormalizeCode strips everything but digits from a login code. Telegram
// sometimes formats codes with separators and users paste them verbatim.
func NormalizeCode(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String()
}
