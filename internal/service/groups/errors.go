package groups

import "errors"

// Sentinel errors for the group service layer.
var (
	ErrNotFound  = errors.New("group not found")
	ErrInvalidID = errors.New("group id is required")
)
