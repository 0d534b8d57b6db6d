package reqguard

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/edgewall/reqguard/csrf"
	"github.com/edgewall/reqguard/instrumentation"
	"github.com/edgewall/reqguard/security"
	"github.com/edgewall/reqguard/storage"
	"github.com/edgewall/reqguard/throttle"
)

// Config holds the guard chain configuration.
// Structured using composition: one block per subsystem.
type Config struct {
	// CSRF configures the token engine.
	CSRF CSRFConfig

	// RateLimit configures the tiered throttler.
	RateLimit RateLimitConfig

	// Security holds cross-cutting request handling settings.
	Security SecurityConfig

	// TokenStore persists CSRF token state. Defaults to an in-memory store;
	// supply the valkey store to share state across replicas.
	TokenStore storage.TokenStore

	// RateStore counts rate-limit hits. Defaults to the same in-memory
	// store as TokenStore when both are unset.
	RateStore storage.RateWindowStore

	// Clock is the time source for both subsystems. Defaults to the system
	// clock; tests inject a controllable one.
	Clock security.Clock

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Instrumentation provides metrics and tracing (optional).
	Instrumentation *instrumentation.Instrumentation
}

// CSRFConfig holds CSRF engine configuration
type CSRFConfig struct {
	// Secret is the HMAC master secret (required, at least 32 bytes).
	// Per-tenant signing keys are derived from it; rotating it invalidates
	// every outstanding token.
	Secret []byte

	// TokenTTL is the token lifetime. Default: 24 hours.
	TokenTTL time.Duration

	// MaxTokensPerSession bounds outstanding tokens per session; the oldest
	// is evicted when a full session issues another. Default: 10.
	MaxTokensPerSession int

	// SweepInterval is the background expiry sweep period. Default: 1 hour.
	// Negative disables the background sweeper.
	SweepInterval time.Duration

	// ClockSkewGrace tolerates clock drift between replicas sharing a
	// distributed store. Zero means strict expiry.
	ClockSkewGrace time.Duration
}

// RateLimitConfig holds throttler configuration
type RateLimitConfig struct {
	// Tiers are the sliding windows checked on every request. Defaults to
	// throttle.DefaultTiers (short/medium/long).
	Tiers []throttle.Tier

	// BurstRate and BurstBurst, when both positive, enable the per-caller
	// token-bucket burst smoother in front of the windowed tiers.
	BurstRate  int
	BurstBurst int

	// StoreTimeout bounds each rate-store call on the request path.
	// Default: 2 seconds.
	StoreTimeout time.Duration

	// FailClosed rejects requests when the rate store is unreachable
	// instead of admitting them. Off by default: admission must not
	// normally depend on the counting backend.
	FailClosed bool
}

// SecurityConfig holds cross-cutting security settings (secure by default)
type SecurityConfig struct {
	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is how many trailing proxies in X-Forwarded-For are
	// trusted when TrustProxy is enabled.
	TrustedProxyCount int

	// AdminRole names a role that carries the administrative capability,
	// resolved against Identity.Roles as an alternative to the IsAdmin
	// flag. Callers holding it bypass the rate limiter and may trigger
	// manual cleanup. Empty disables role-based resolution.
	AdminRole string

	// EnableAuditLogging enables security audit logging.
	// Logs token issuance, validation failures, rate-limit violations, and
	// store failures (session identifiers hashed).
	EnableAuditLogging bool

	// ExemptRoutes lists route patterns that skip one or both guards.
	ExemptRoutes []ExemptRoute
}

// Validate checks the configuration for errors that must fail startup.
func (c *Config) Validate() error {
	if len(c.CSRF.Secret) < csrf.MinSecretLength {
		return fmt.Errorf("CSRF secret must be at least %d bytes, got %d",
			csrf.MinSecretLength, len(c.CSRF.Secret))
	}
	if c.CSRF.TokenTTL < 0 {
		return fmt.Errorf("CSRF token TTL must not be negative")
	}
	if c.CSRF.MaxTokensPerSession < 0 {
		return fmt.Errorf("max tokens per session must not be negative")
	}
	if len(c.RateLimit.Tiers) > 0 {
		if err := throttle.ValidateTiers(c.RateLimit.Tiers); err != nil {
			return fmt.Errorf("rate limit tiers: %w", err)
		}
	}
	for _, route := range c.Security.ExemptRoutes {
		if route.Pattern == "" {
			return fmt.Errorf("exempt route pattern must not be empty")
		}
	}
	return nil
}
