// Package instrumentation provides OpenTelemetry metrics and tracing for the
// reqguard library.
//
// The library records against whichever providers the embedding application
// supplies; when instrumentation is disabled, no-op providers keep the
// overhead at zero. Instruments cover both guard subsystems:
//
//   - CSRF: tokens issued, validations by result and reason, evictions,
//     sweep removals, session clears
//   - Throttling: admitted/blocked/bypassed requests, burst rejections,
//     storage failures absorbed by the fail-open policy
//   - Storage: operation counts and latencies, plus observable gauges for
//     active sessions, active tokens, and tracked rate records
//
// Never record raw tokens, full session identifiers, or the signing secret
// as metric attributes or span attributes; use the hashed forms provided by
// the security package.
package instrumentation
