package backchannel

import "time"

// Throttled reports whether a redeem poll at now violates the minimum
// spacing since the previous poll. A request that has never been polled is
// never throttled.
func Throttled(lastPolledAt *time.Time, interval time.Duration, now time.Time) bool {
	if lastPolledAt == nil {
		return false
	}
	return now.Sub(*lastPolledAt) < interval
}

// RetryAfter returns how long a throttled caller should wait before the next
// poll. It returns zero when a poll at now would be accepted.
func RetryAfter(lastPolledAt *time.Time, interval time.Duration, now time.Time) time.Duration {
	if lastPolledAt == nil {
		return 0
	}
	remaining := interval - now.Sub(*lastPolledAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
