package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY WARNING: Never put actual sensitive values (raw CSRF tokens, the
// signing secret, full session identifiers) in traces or metrics. Traces are
// persisted, replicated, and usually visible to a wider audience than the
// production system itself. Only metadata (hashed identifiers, reasons,
// tiers, results) belongs here.
const (
	// Guard attributes
	AttrSessionIDHash = "guard.session_id_hash" // SHA-256 prefix, never the raw session ID
	AttrTenantID      = "guard.tenant_id"       // Tenant identifier (non-secret)
	AttrReason        = "guard.reason"          // Rejection reason code
	AttrDecision      = "guard.decision"        // pass / reject / bypass
	AttrTier          = "guard.tier"            // Rate-limit tier name
	AttrRoute         = "guard.route"           // Request path

	// Security attributes
	AttrClientIP = "security.client_ip"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGuardAttributes adds common guard decision attributes to a span
// (nil-safe). The session ID must already be hashed by the caller.
func AddGuardAttributes(span trace.Span, sessionIDHash, tenantID, decision string) {
	if sessionIDHash != "" {
		SetSpanAttributes(span, attribute.String(AttrSessionIDHash, sessionIDHash))
	}
	if tenantID != "" {
		SetSpanAttributes(span, attribute.String(AttrTenantID, tenantID))
	}
	if decision != "" {
		SetSpanAttributes(span, attribute.String(AttrDecision, decision))
	}
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
