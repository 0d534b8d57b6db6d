// Package storage defines the state-container interfaces shared by the CSRF
// engine and the throttler, plus the sentinel error used to distinguish
// backend unavailability from negative lookups.
//
// Implementations:
//   - storage/memory: sharded in-memory store for single-process deployments
//   - storage/valkey: Valkey-backed store for multi-instance deployments
//   - storage/mock: instrumented fake for tests (error injection, call counts)
package storage
