package security

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
)

// requestIDContextKey is the context key for storing request IDs
type requestIDContextKey struct{}

// RequestIDHeader is the HTTP header for request IDs
const RequestIDHeader = "X-Request-ID"

// requestIDPattern validates request IDs to prevent header injection attacks.
// Allows: alphanumeric, hyphens, underscores (1-128 chars). This accepts the
// common request ID formats emitted by upstream proxies (AWS, GCP, Cloudflare)
// while rejecting CRLF payloads and oversized values.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// GenerateRequestID generates a cryptographically secure random request ID:
// 16 bytes (128 bits) of entropy encoded as a 22-character base64url string.
//
// Request IDs correlate audit events across the guard chain. The function
// panics if the system RNG fails, which indicates a critical system-level
// security failure.
func GenerateRequestID() string {
	b, err := CryptoRand.Bytes(16)
	if err != nil {
		panic(fmt.Sprintf("request ID generation: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}

// isValidRequestID reports whether an upstream request ID is safe to reuse.
// Rejecting invalid IDs prevents CRLF header injection and memory abuse via
// oversized values.
func isValidRequestID(requestID string) bool {
	return requestIDPattern.MatchString(requestID)
}

// RequestIDMiddleware is HTTP middleware that generates and propagates
// request IDs.
//
// Behavior:
//   - Preserves valid request IDs from upstream proxies for audit trail continuity
//   - Generates a new cryptographically secure ID if the upstream ID is missing or invalid
//   - Adds the request ID to response headers for end-to-end correlation
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)

		if requestID == "" || !isValidRequestID(requestID) {
			requestID = GenerateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
