package sendretry

import "fmt"

// DeterministicJitterMS spreads scheduler emissions over [0, jitterMaxMS]
// without randomness: the same (user, run slot) pair yields the same value
// in every process, so a restarted scheduler cannot double-emit with a
// different delay.
func DeterministicJitterMS(userID string, runSlot int64, jitterMaxMS int) int {
	if jitterMaxMS <= 0 {
		return 0
	}
	raw := fmt.Sprintf("%s:%d", userID, runSlot)
	var h uint32
	for _, c := range raw {
		h = h*31 + uint32(c)
	}
	return int(h % uint32(jitterMaxMS+1))
}
