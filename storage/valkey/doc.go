// Package valkey provides a Valkey-backed implementation of the storage
// interfaces for multi-instance deployments.
//
// CSRF session sets are sorted sets scored by insertion time; the global
// expiration index is a sorted set scored by expiry. Rate windows are sliding
// window logs in sorted sets with server-side TTLs. All check-and-mutate
// sequences run as Lua scripts so they stay atomic across concurrent guard
// instances.
//
// Transport failures are wrapped with storage.ErrStoreUnavailable: callers
// must not mistake an unreachable backend for an empty result. The CSRF
// engine fails closed on these errors; the throttler fails open.
package valkey
