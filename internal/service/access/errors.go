package access

import "errors"

// Sentinel errors for the access service layer.
var (
	ErrNotFound = errors.New("user not on the access list")
)

// Denial reasons returned by Check.
const (
	ReasonNotRegistered = "not-registered"
	ReasonBlocked       = "blocked"
	ReasonExpired       = "expired"
)
