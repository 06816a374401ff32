package telegram

import (
	"fmt"

	"github.com/gotd/td/tgerr"
)

// SendError is a provider rejection surfaced to the retry classifier. The
// message carries the RPC error type verbatim (FLOOD_WAIT,
// CHAT_WRITE_FORBIDDEN, ...) so token matching works, and RetryAfter carries
// the provider-mandated wait when the error named one.
type SendError struct {
	Type       string
	Code       int
	RetryAfter int
	err        error
}

func (e *SendError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram rpc error %d: %s_%d", e.Code, e.Type, e.RetryAfter)
	}
	return fmt.Sprintf("telegram rpc error %d: %s", e.Code, e.Type)
}

func (e *SendError) Unwrap() error { return e.err }

// RetryAfterSeconds implements the classifier's wait carrier.
func (e *SendError) RetryAfterSeconds() int { return e.RetryAfter }

// UnavailableError means the account's client could not be built or
// connected. The executor defers the attempt instead of burning a retry.
type UnavailableError struct {
	AccountID string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("client unavailable for account %s: %v", e.AccountID, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ClientUnavailable marks this error for the executor's unavailable check.
func (e *UnavailableError) ClientUnavailable() bool { return true }

// wrapRPCError converts a gotd error into a SendError when it is an RPC
// rejection, or returns it untouched (network errors, context cancellation).
func wrapRPCError(err error) error {
	rpcErr, ok := tgerr.As(err)
	if !ok {
		return err
	}
	se := &SendError{
		Type: rpcErr.Type,
		Code: rpcErr.Code,
		err:  err,
	}
	if rpcErr.Argument > 0 {
		se.RetryAfter = rpcErr.Argument
	}
	return se
}
