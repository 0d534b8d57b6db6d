package storage

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable is returned (wrapped) when a storage backend cannot be
// reached. Callers must be able to distinguish this from a negative lookup:
// the CSRF engine fails closed on it, the throttler fails open. A silent zero
// result in its place would corrupt both policies.
var ErrStoreUnavailable = errors.New("storage backend unavailable")

// SweepResult reports the outcome of an expiry sweep.
type SweepResult struct {
	// Cleaned is the number of expired token entries removed
	Cleaned int

	// Remaining is the number of active token entries left after the sweep
	Remaining int
}

// TokenStats holds aggregate CSRF token statistics for the management API.
type TokenStats struct {
	ActiveSessions      int
	ActiveTokens        int
	AvgTokensPerSession float64
}

// RateResult is the outcome of a single windowed increment.
type RateResult struct {
	// TotalHits is the post-prune hit count, including the hit just recorded
	TotalHits int

	// Blocked is true when TotalHits exceeds the tier limit
	Blocked bool

	// TimeToExpire is how long until the oldest surviving hit ages out of the
	// window. Used to derive Retry-After hints.
	TimeToExpire time.Duration
}

// TokenStore owns the mapping from session to its set of currently-valid CSRF
// token hashes and each hash's expiration. It is a pure state container: the
// engine decides what to store, the store guarantees atomicity.
//
// All methods accept context.Context for tracing and cancellation. Backends
// performing network I/O must honor the context deadline and report
// unreachability via ErrStoreUnavailable.
type TokenStore interface {
	// PutToken inserts a token hash for a session with its expiration.
	// Capacity is enforced inside the store: when the session set is full, the
	// oldest entry (FIFO by insertion order) is evicted before the insert, and
	// its hash is returned. Eviction and insert are one atomic operation.
	PutToken(ctx context.Context, sessionID, tokenHash string, expiresAt time.Time) (evicted string, err error)

	// ConsumeToken atomically checks membership and removes the hash from the
	// session set and the expiration index (one-time use). Of two concurrent
	// consumes for the same hash, exactly one observes found=true.
	ConsumeToken(ctx context.Context, sessionID, tokenHash string) (found bool, err error)

	// ClearSession removes all tokens for a session and returns how many were
	// removed. Used on logout.
	ClearSession(ctx context.Context, sessionID string) (removed int, err error)

	// SweepExpired removes all and only entries whose expiration has passed,
	// and removes any session set left empty. Idempotent and safe to run
	// concurrently with PutToken/ConsumeToken.
	SweepExpired(ctx context.Context) (SweepResult, error)

	// TokenStats returns aggregate counts for the management API.
	TokenStats(ctx context.Context) (TokenStats, error)
}

// RateWindowStore owns per-key sliding-window hit counters, independent of
// CSRF state.
type RateWindowStore interface {
	// Increment appends a timestamped hit to the key's record, prunes hits
	// older than the window, and returns the post-prune state. Concurrent
	// increments for the same key must all be counted (no lost updates).
	Increment(ctx context.Context, key string, window time.Duration, limit int) (RateResult, error)

	// CleanupIdle removes records whose hits have all expired, returning the
	// number removed. Called periodically to bound memory for idle keys;
	// records are also pruned lazily on access.
	CleanupIdle(ctx context.Context) (removed int, err error)
}

// Unavailable wraps err as a distinguishable storage availability error.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrStoreUnavailable, err)
}

// IsUnavailable reports whether err indicates an unreachable backend,
// including context deadline expiry on a bounded storage call.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
