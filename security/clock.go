package security

import "time"

// Clock is the process-wide time source used by token expiration and
// rate-limit window arithmetic. Injecting a Clock makes every expiration
// decision deterministic in tests, with no reliance on wall-clock sleeps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the Clock backed by the real wall clock.
var SystemClock Clock = systemClock{}

// IsExpired reports whether a deadline has passed according to the given
// clock, after applying the grace period. A zero expiresAt means no
// expiration.
func IsExpired(clock Clock, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return clock.Now().After(expiresAt.Add(gracePeriod))
}

// ExpiresWithin reports whether the deadline falls inside the given threshold
// from now. Used to pre-warn callers that a token is about to age out.
func ExpiresWithin(clock Clock, expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return clock.Now().Add(threshold).After(expiresAt)
}
