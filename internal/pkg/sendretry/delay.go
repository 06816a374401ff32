package sendretry

import (
	"math"
	"math/rand"
)

// DelayMS computes how long to wait before the next attempt, in
// milliseconds.
//
// Provider-mandated waits (flood wait, slow mode) are a hard lower bound:
// they are never clamped by maxDelayMS, otherwise a five-minute slow-mode
// window would get retried far too early. Exponential backoff applies when
// no provider wait was observed, and is clamped.
func DelayMS(retryCount, retryAfterSeconds, baseDelayMS, maxDelayMS int, jitterRatio float64) int {
	shift := uint(min(retryCount, 20))
	exponential := int64(baseDelayMS) << shift
	if exponential > int64(maxDelayMS) {
		exponential = int64(maxDelayMS)
	}

	if retryAfterSeconds > 0 {
		provider := int64(retryAfterSeconds) * 1000
		return int(provider + jitterFor(provider, jitterRatio))
	}

	delay := exponential + jitterFor(exponential, jitterRatio)
	if delay > int64(maxDelayMS) {
		delay = int64(maxDelayMS)
	}
	return int(delay)
}

func jitterFor(base int64, ratio float64) int64 {
	jitterRange := int64(math.Floor(float64(base) * ratio))
	if jitterRange <= 0 {
		return 0
	}
	return rand.Int63n(jitterRange + 1)
}

// IsExhausted reports whether one more failure pushes the attempt past its
// retry budget.
func IsExhausted(nextRetryCount, maxRetries int) bool {
	return nextRetryCount > maxRetries
}
