package reqguard

import (
	"fmt"
	"net/http"
)

// Guard error codes as constants
const (
	ErrorCodeAuthRequired      = "auth_required"
	ErrorCodeCSRFTokenRequired = "csrf_token_required"
	ErrorCodeCSRFInvalid       = "csrf_invalid"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrorCodeServerError       = "server_error"
)

// GuardError represents a guard rejection surfaced to the client.
// Descriptions stay generic on security rejections: the detailed reason is
// written to the audit log, never echoed to an untrusted caller.
type GuardError struct {
	Code        string // stable error code (e.g. "csrf_invalid")
	Description string // human-readable, deliberately vague for rejections
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *GuardError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewGuardError creates a new guard error
func NewGuardError(code, description string, status int) *GuardError {
	return &GuardError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common guard errors as reusable constructors
var (
	// ErrAuthRequired indicates a mutating request arrived without an
	// authenticated identity
	ErrAuthRequired = func(desc string) *GuardError {
		return NewGuardError(ErrorCodeAuthRequired, desc, http.StatusUnauthorized)
	}

	// ErrCSRFTokenRequired indicates no candidate token was found in the
	// header, body, or query parameter
	ErrCSRFTokenRequired = func(desc string) *GuardError {
		return NewGuardError(ErrorCodeCSRFTokenRequired, desc, http.StatusForbidden)
	}

	// ErrCSRFInvalid covers every validation failure without revealing
	// which check failed
	ErrCSRFInvalid = func(desc string) *GuardError {
		return NewGuardError(ErrorCodeCSRFInvalid, desc, http.StatusForbidden)
	}

	// ErrRateLimitExceeded indicates a tier budget was exhausted
	ErrRateLimitExceeded = func(desc string) *GuardError {
		return NewGuardError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrServerError indicates an internal failure unrelated to the request
	ErrServerError = func(desc string) *GuardError {
		return NewGuardError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)
