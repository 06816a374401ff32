package campaigns

import "errors"

// Sentinel errors for the campaign configuration service.
var (
	ErrNotFound        = errors.New("campaign not configured")
	ErrIntervalTooLow  = errors.New("interval must be at least 60 seconds")
	ErrIncompleteSetup = errors.New("campaign needs a message and an interval before activation")
)
