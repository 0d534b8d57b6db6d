package reqguard

import (
	"context"
	"time"
)

// Identity is the authenticated identity context attached to a request by
// the embedding application's authentication layer before the guards run.
// The guards consume it without verifying it; identity verification is the
// application's job.
type Identity struct {
	// SessionID is the opaque session identifier. Required for CSRF
	// protection; a request without one cannot hold a token.
	SessionID string `json:"session_id"`

	// UserID identifies the user for rate-limit keying. Optional.
	UserID string `json:"user_id,omitempty"`

	// TenantID identifies the tenant. Optional; absent tenants share the
	// default namespace.
	TenantID string `json:"tenant_id,omitempty"`

	// Roles are the caller's role names, informational.
	Roles []string `json:"roles,omitempty"`

	// IsAdmin marks callers with the administrative capability: rate-limit
	// bypass and access to the manual cleanup endpoint.
	IsAdmin bool `json:"is_admin,omitempty"`
}

type contextKey string

const identityContextKey contextKey = "reqguard_identity"

// WithIdentity attaches an identity to the context. The embedding
// application's authentication middleware calls this before the guard chain.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext extracts the identity attached by WithIdentity.
// Returns nil when no identity is present.
func IdentityFromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityContextKey).(*Identity); ok {
		return id
	}
	return nil
}

// ErrorResponse is the JSON body of every guard rejection.
type ErrorResponse struct {
	// Error is the stable error code
	Error string `json:"error"`

	// ErrorDescription provides additional information. It is deliberately
	// generic for security rejections; detailed reasons go to the audit log
	// only.
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenResponse is the JSON body of the token issuance endpoint.
type TokenResponse struct {
	// Token is the opaque CSRF token to echo back on mutating requests
	Token string `json:"token"`

	// ExpiresAt is the token's expiration in epoch milliseconds
	ExpiresAt int64 `json:"expires_at"`
}

// StatsResponse is the JSON body of the statistics endpoint.
type StatsResponse struct {
	ActiveSessions      int     `json:"active_sessions"`
	ActiveTokens        int     `json:"active_tokens"`
	AvgTokensPerSession float64 `json:"avg_tokens_per_session"`
}

// CleanupResponse is the JSON body of the manual cleanup endpoint.
type CleanupResponse struct {
	Cleaned   int `json:"cleaned"`
	Remaining int `json:"remaining"`
}

// ClearResponse is the JSON body of the session clear endpoint.
type ClearResponse struct {
	Removed int `json:"removed"`
}

// ExemptRoute declares a route pattern that skips one or both guards.
// Patterns use path.Match syntax ("/healthz", "/static/*") and are consulted
// from a static table; there is no runtime route metadata lookup.
type ExemptRoute struct {
	Pattern       string
	SkipCSRF      bool
	SkipRateLimit bool
}

// Response header names set by the guard chain.
const (
	// HeaderCSRFToken carries the token: inbound as the client's candidate,
	// outbound as the freshly issued replacement.
	HeaderCSRFToken = "X-CSRF-Token"

	// HeaderCSRFTokenExpires carries the new token's expiration in epoch ms.
	HeaderCSRFTokenExpires = "X-CSRF-Token-Expires"

	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitPolicy    = "X-RateLimit-Policy"
	HeaderRetryAfter         = "Retry-After"
)

// FormFieldCSRFToken and QueryParamCSRFToken are the fallback token
// locations, consulted in that order after HeaderCSRFToken.
const (
	FormFieldCSRFToken  = "csrf_token"
	QueryParamCSRFToken = "csrf_token"
)

// epochMillis renders an instant the way the wire format expects it.
func epochMillis(t time.Time) int64 {
	return t.UnixMilli()
}
