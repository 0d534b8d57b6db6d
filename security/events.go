package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// CSRF token lifecycle events

	// EventCSRFTokenIssued is logged when a new CSRF token is issued for a session
	EventCSRFTokenIssued = "csrf_token_issued"

	// EventCSRFValidationFailed is logged when a CSRF token fails validation.
	// The detail map carries the rejection reason; the raw token is never logged.
	EventCSRFValidationFailed = "csrf_validation_failed"

	// EventCSRFTokenConsumed is logged when a token validates successfully and
	// is atomically removed (one-time use)
	EventCSRFTokenConsumed = "csrf_token_consumed"

	// EventCSRFTokenEvicted is logged when issuing a token pushes a session over
	// capacity and the oldest token is evicted (FIFO)
	EventCSRFTokenEvicted = "csrf_token_evicted"

	// EventCSRFSessionCleared is logged when all tokens for a session are removed
	EventCSRFSessionCleared = "csrf_session_cleared"

	// EventCSRFSweepCompleted is logged when an expiry sweep finishes
	EventCSRFSweepCompleted = "csrf_sweep_completed"

	// Rate limiting events

	// EventRateLimitExceeded is logged when a windowed tier rejects a request
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventBurstLimitExceeded is logged when the per-origin burst smoother
	// rejects a request before the windowed tiers are consulted
	EventBurstLimitExceeded = "burst_limit_exceeded"

	// EventRateLimitBypassed is logged when an administrative identity skips
	// rate limiting entirely (for audit; no counters are touched)
	EventRateLimitBypassed = "rate_limit_bypassed"

	// Storage events

	// EventStoreFailure is logged when a storage backend is unreachable.
	// The CSRF engine fails closed on these; the throttler fails open.
	EventStoreFailure = "store_failure"

	// Request security events

	// EventAuthRequired is logged when a mutating request arrives without an
	// authenticated identity
	EventAuthRequired = "auth_required"
)
