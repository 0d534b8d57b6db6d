// Package throttle implements a tiered, identity-aware rate limiter.
//
// Each request is checked against several sliding windows at once (short,
// medium, long by default) under every key that applies to the caller:
// tenant+user, tenant, user, and network origin. Blocking on any key under
// any tier rejects the request with a retry hint; satisfying all of them
// admits it. Administrative callers bypass evaluation without touching any
// counter.
//
// The throttler deliberately fails open: when the counting backend is
// unreachable, requests are admitted and the failure is logged, because
// availability of the application must not hinge on availability of the
// rate-limit store. The CSRF subsystem makes the opposite choice.
//
// An optional per-caller token-bucket burst smoother can run in front of the
// windowed tiers to reject instantaneous spikes that the coarser windows
// would tolerate.
package throttle
