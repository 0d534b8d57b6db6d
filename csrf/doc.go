// Package csrf implements stateful, one-time-use CSRF token protection for
// multi-tenant applications.
//
// Tokens are HMAC-SHA256 signed envelopes binding a session, a tenant, an
// issuance instant, and an expiration. The signature proves a token came from
// this system; the server-side store proves it has not been used before.
// Both proofs are required: a token that verifies cryptographically but is
// absent from the store rejects, so eviction, sweeps, and restarts all err on
// the side of rejection.
//
// Signing keys are derived per tenant from one master secret via HKDF, so
// tokens issued under one tenant can never validate under another even when
// both belong to the same session.
//
// Each session holds a bounded set of outstanding tokens (capacity is
// enforced by the store, oldest-first eviction), and a background sweeper
// reclaims expired entries.
package csrf
