// Package sendretry classifies provider send errors and computes retry
// timing for the broadcast executor: which errors are worth retrying, how
// long to wait, and the deterministic jitter used by the scheduler.
package sendretry

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Retriable tokens mark transient provider conditions; terminal tokens mark
// permanent per-target conditions. Matching is case-insensitive substring
// match on the normalized error message.
var retriableTokens = []string{
	"FLOOD_WAIT",
	"FLOOD",
	"SLOWMODE_WAIT",
	"TIMEOUT",
	"ETIMEDOUT",
}

var terminalTokens = []string{
	"CHAT_WRITE_FORBIDDEN",
	"USER_BANNED_IN_CHANNEL",
	"CHANNEL_PRIVATE",
	"CHAT_ADMIN_REQUIRED",
	"PEER_ID_INVALID",
	"USER_DEACTIVATED",
	"BOT_WAS_BLOCKED",
	"INPUT_USER_DEACTIVATED",
}

// RetriableCode is the terminal_reason_code recorded while an attempt is
// waiting out a transient provider condition.
const RetriableCode = "retriable-rate-limit"

// UnknownCode is the terminal_reason_code for errors matching no known token.
const UnknownCode = "unknown"

var (
	waitOfRe     = regexp.MustCompile(`WAIT OF\s+(\d+)\s+SECONDS`)
	waitSuffixRe = regexp.MustCompile(`(?:SLOWMODE_WAIT|FLOOD_WAIT)_([0-9]+)`)
)

// RetryAfterCarrier is implemented by errors that carry a provider-mandated
// wait (flood wait, slow mode). It is consulted before any message parsing.
type RetryAfterCarrier interface {
	RetryAfterSeconds() int
}

// Classification is the verdict on one send error.
type Classification struct {
	Retriable bool
	// TerminalCode is the reason code to record: RetriableCode for
	// transient errors, the lowercased provider token or UnknownCode for
	// terminal ones.
	TerminalCode string
	// RetryAfterSeconds is the provider-mandated wait, 0 if none observed.
	RetryAfterSeconds int
}

// Classify inspects a send error and decides whether it is retriable, what
// reason code to record, and how long the provider demands we wait.
// slowmodeDefaultSeconds fills in a wait for slow-mode errors that name no
// duration.
func Classify(err error, slowmodeDefaultSeconds int) Classification {
	msg := strings.ToUpper(err.Error())

	retryAfter := 0
	var carrier RetryAfterCarrier
	if errors.As(err, &carrier) && carrier.RetryAfterSeconds() > 0 {
		retryAfter = carrier.RetryAfterSeconds()
	}
	if retryAfter == 0 {
		if m := waitOfRe.FindStringSubmatch(msg); m != nil {
			retryAfter, _ = strconv.Atoi(m[1])
		}
	}
	if retryAfter == 0 {
		if m := waitSuffixRe.FindStringSubmatch(msg); m != nil {
			retryAfter, _ = strconv.Atoi(m[1])
		}
	}
	if retryAfter == 0 && strings.Contains(msg, "SLOWMODE_WAIT") {
		retryAfter = slowmodeDefaultSeconds
		if retryAfter < 1 {
			retryAfter = 1
		}
	}

	for _, token := range retriableTokens {
		if strings.Contains(msg, token) {
			return Classification{
				Retriable:         true,
				TerminalCode:      RetriableCode,
				RetryAfterSeconds: retryAfter,
			}
		}
	}

	for _, token := range terminalTokens {
		if strings.Contains(msg, token) {
			return Classification{TerminalCode: strings.ToLower(token)}
		}
	}

	return Classification{TerminalCode: UnknownCode}
}
