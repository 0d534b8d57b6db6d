// Package security provides the shared security primitives for the request
// guard library: the injectable clock and random source, audit logging with
// PII hashing, client IP resolution behind trusted proxies, request ID
// propagation, and secure response headers.
//
// # Audit Logging
//
// The Auditor records security-relevant events (CSRF rejections, rate-limit
// violations, storage failures, admin bypasses) through a structured logger.
// Session identifiers are hashed before logging; raw tokens and signing
// secrets are never logged.
//
// # Clock and RandomSource
//
// Both guard subsystems take their notion of "now" from an injected Clock and
// their entropy from an injected RandomSource. Production wiring uses
// SystemClock and CryptoRand; tests substitute deterministic implementations
// so expiration and window-roll behavior can be exercised without sleeping.
//
// # Client IP Resolution
//
// ClientIP extracts the network origin used for fallback rate-limit keys.
// X-Forwarded-For and X-Real-IP are only honored when the caller explicitly
// trusts its reverse proxy chain; otherwise the connection's remote address
// is used, preventing origin spoofing by untrusted clients.
package security
