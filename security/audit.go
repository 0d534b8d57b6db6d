package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// Session identifiers are hashed before they reach the log stream; raw tokens
// and signing secrets must never be passed to any Auditor method.
type Auditor struct {
	logger  *slog.Logger
	clock   Clock
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		clock:   SystemClock,
		enabled: enabled,
	}
}

// SetClock overrides the time source used to stamp events (for tests).
func (a *Auditor) SetClock(clock Clock) {
	if clock != nil {
		a.clock = clock
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	SessionID string
	TenantID  string
	IPAddress string
	Route     string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.clock.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"session_id_hash", HashForLogging(event.SessionID),
		"tenant_id", event.TenantID,
		"ip_address", event.IPAddress,
		"route", event.Route,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCSRFTokenIssued logs issuance of a new CSRF token
func (a *Auditor) LogCSRFTokenIssued(sessionID, tenantID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCSRFTokenIssued,
		SessionID: sessionID,
		TenantID:  tenantID,
		IPAddress: ipAddress,
	})
}

// LogCSRFValidationFailed logs a CSRF rejection with its reason code.
// The reason is for operators only and is never echoed to clients.
func (a *Auditor) LogCSRFValidationFailed(sessionID, tenantID, ipAddress, route, reason string) {
	a.LogEvent(Event{
		Type:      EventCSRFValidationFailed,
		SessionID: sessionID,
		TenantID:  tenantID,
		IPAddress: ipAddress,
		Route:     route,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCSRFSessionCleared logs removal of all tokens for a session (logout)
func (a *Auditor) LogCSRFSessionCleared(sessionID, tenantID string, removed int) {
	a.LogEvent(Event{
		Type:      EventCSRFSessionCleared,
		SessionID: sessionID,
		TenantID:  tenantID,
		Details: map[string]any{
			"removed": removed,
		},
	})
}

// LogSweepCompleted logs the outcome of an expiry sweep
func (a *Auditor) LogSweepCompleted(cleaned, remaining int) {
	a.LogEvent(Event{
		Type: EventCSRFSweepCompleted,
		Details: map[string]any{
			"cleaned":   cleaned,
			"remaining": remaining,
		},
	})
}

// LogRateLimitExceeded logs a windowed rate limit violation
func (a *Auditor) LogRateLimitExceeded(sessionID, tenantID, ipAddress, route, tier string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		SessionID: sessionID,
		TenantID:  tenantID,
		IPAddress: ipAddress,
		Route:     route,
		Details: map[string]any{
			"tier": tier,
		},
	})
}

// LogRateLimitBypassed logs an administrative bypass of the rate limiter
func (a *Auditor) LogRateLimitBypassed(sessionID, tenantID, ipAddress, route string) {
	a.LogEvent(Event{
		Type:      EventRateLimitBypassed,
		SessionID: sessionID,
		TenantID:  tenantID,
		IPAddress: ipAddress,
		Route:     route,
	})
}

// LogStoreFailure logs a storage backend failure together with the policy the
// calling guard applied (fail-open or fail-closed)
func (a *Auditor) LogStoreFailure(subsystem, operation, policy string) {
	a.LogEvent(Event{
		Type: EventStoreFailure,
		Details: map[string]any{
			"subsystem": subsystem,
			"operation": operation,
			"policy":    policy,
		},
	})
}

// HashForLogging creates a SHA256 hash of sensitive data for logging.
// Only the first 16 hex characters are kept, enough for correlation without
// enabling reversal of short identifiers by table lookup alone.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
