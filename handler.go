package reqguard

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"path"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/edgewall/reqguard/csrf"
	"github.com/edgewall/reqguard/instrumentation"
	"github.com/edgewall/reqguard/internal/util"
	"github.com/edgewall/reqguard/security"
	"github.com/edgewall/reqguard/storage/memory"
	"github.com/edgewall/reqguard/throttle"
)

// Management endpoint paths registered by RegisterManagementRoutes.
const (
	PathIssueToken   = "/csrf/token"
	PathStats        = "/csrf/stats"
	PathCleanup      = "/csrf/cleanup"
	PathClearSession = "/csrf/clear"
)

// safeMethods never require a CSRF token. They must not mutate state; a
// handler that mutates on GET is outside what this layer can protect.
var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// Handler wires the CSRF engine and the throttler into an HTTP middleware
// chain plus a small management API. It is the only piece that knows about
// http.Request; the guards underneath are plain request-in/decision-out
// functions.
type Handler struct {
	config  Config
	engine  *csrf.Engine
	guard   *throttle.Guard
	auditor *security.Auditor
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics

	csrfExempt []string

	// ownedStore is set when the handler created its own in-memory store
	// and is therefore responsible for stopping it.
	ownedStore *memory.Store
}

// NewHandler validates the configuration and builds the full guard chain.
// Callers must Close the handler on shutdown to stop the background
// goroutines (sweeper, cleanup loops).
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = security.SystemClock
	}

	h := &Handler{
		config: cfg,
		logger: logger,
	}

	// One in-memory store backs both subsystems when neither is supplied.
	tokenStore := cfg.TokenStore
	rateStore := cfg.RateStore
	if tokenStore == nil || rateStore == nil {
		mem := memory.New(
			memory.WithClock(clock),
			memory.WithMaxTokensPerSession(cfg.CSRF.MaxTokensPerSession),
			memory.WithLogger(logger),
		)
		h.ownedStore = mem
		if tokenStore == nil {
			tokenStore = mem
		}
		if rateStore == nil {
			rateStore = mem
		}
	}

	auditor := security.NewAuditor(logger, cfg.Security.EnableAuditLogging)
	auditor.SetClock(clock)
	h.auditor = auditor

	if cfg.Instrumentation != nil {
		h.metrics = cfg.Instrumentation.Metrics()
		h.tracer = cfg.Instrumentation.Tracer("http")
		if h.ownedStore != nil {
			h.ownedStore.SetInstrumentation(cfg.Instrumentation)
		}
	}

	engine, err := csrf.NewEngine(csrf.Config{
		Secret:         cfg.CSRF.Secret,
		Store:          tokenStore,
		TokenTTL:       cfg.CSRF.TokenTTL,
		SweepInterval:  cfg.CSRF.SweepInterval,
		ClockSkewGrace: cfg.CSRF.ClockSkewGrace,
		Clock:          clock,
		Logger:         logger,
		Auditor:        auditor,
		Metrics:        h.metrics,
	})
	if err != nil {
		h.stopOwnedStore()
		return nil, err
	}
	h.engine = engine

	var rateExempt []string
	for _, route := range cfg.Security.ExemptRoutes {
		if route.SkipRateLimit {
			rateExempt = append(rateExempt, route.Pattern)
		}
		if route.SkipCSRF {
			h.csrfExempt = append(h.csrfExempt, util.NormalizePattern(route.Pattern))
		}
	}

	guard, err := throttle.NewGuard(throttle.GuardConfig{
		Store:          rateStore,
		Tiers:          cfg.RateLimit.Tiers,
		ExemptPatterns: rateExempt,
		BurstRate:      cfg.RateLimit.BurstRate,
		BurstCapacity:  cfg.RateLimit.BurstBurst,
		StoreTimeout:   cfg.RateLimit.StoreTimeout,
		FailClosed:     cfg.RateLimit.FailClosed,
		Logger:         logger,
		Auditor:        auditor,
		Metrics:        h.metrics,
	})
	if err != nil {
		engine.Stop()
		h.stopOwnedStore()
		return nil, err
	}
	h.guard = guard

	return h, nil
}

// Middleware layers the full guard chain in front of next:
// request ID, security headers, throttling, then CSRF. The order matters:
// the throttler runs first so abusive traffic is shed before any token
// cryptography happens.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	chain := h.CSRFMiddleware(next)
	chain = h.ThrottleMiddleware(chain)
	chain = h.securityHeaders(chain)
	return security.RequestIDMiddleware(chain)
}

func (h *Handler) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w)
		next.ServeHTTP(w, r)
	})
}

// ThrottleMiddleware gates requests against the configured tiers and sets
// informational rate-limit headers on every evaluated request.
func (h *Handler) ThrottleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var span trace.Span
		if h.tracer != nil {
			ctx, span = h.tracer.Start(ctx, "guard.http.throttle")
			defer span.End()
			r = r.WithContext(ctx)
		}

		clientIP := security.ClientIP(r, h.config.Security.TrustProxy, h.config.Security.TrustedProxyCount)
		caller := throttle.Caller{Origin: clientIP}
		var sessionHash string
		if id := IdentityFromContext(ctx); id != nil {
			caller.SessionID = id.SessionID
			caller.TenantID = id.TenantID
			caller.UserID = id.UserID
			caller.Admin = h.hasAdminCapability(id)
			if id.SessionID != "" {
				sessionHash = security.HashForLogging(id.SessionID)
			}
		}
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrRoute, r.URL.Path),
			attribute.String(instrumentation.AttrClientIP, clientIP))

		decision := h.guard.Check(ctx, caller, r.URL.Path)
		if decision.Bypassed {
			instrumentation.AddGuardAttributes(span, sessionHash, caller.TenantID, "bypass")
			next.ServeHTTP(w, r)
			return
		}

		if decision.Limit > 0 {
			w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
			w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
			w.Header().Set(HeaderRateLimitPolicy, decision.Tier)
		}

		if !decision.Allowed {
			h.logger.Warn("Rate limit exceeded",
				"ip", clientIP,
				"tenant_id", caller.TenantID,
				"tier", decision.Tier,
				"route", r.URL.Path)
			instrumentation.AddGuardAttributes(span, sessionHash, caller.TenantID, "reject")
			instrumentation.SetSpanAttributes(span,
				attribute.String(instrumentation.AttrTier, decision.Tier))
			instrumentation.AddHTTPAttributes(span, r.Method, r.URL.Path, http.StatusTooManyRequests)
			w.Header().Set(HeaderRetryAfter, retryAfterSeconds(decision.RetryAfter))
			h.writeGuardError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
			return
		}

		instrumentation.AddGuardAttributes(span, sessionHash, caller.TenantID, "pass")
		next.ServeHTTP(w, r)
	})
}

// hasAdminCapability reports whether the identity carries the administrative
// capability, via the explicit flag or the configured admin role name.
func (h *Handler) hasAdminCapability(id *Identity) bool {
	if id == nil {
		return false
	}
	if id.IsAdmin {
		return true
	}
	role := h.config.Security.AdminRole
	return role != "" && slices.Contains(id.Roles, role)
}

// CSRFMiddleware enforces token validation on mutating requests and attaches
// a replacement token to the response on success.
func (h *Handler) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if safeMethods[r.Method] {
			next.ServeHTTP(w, r)
			return
		}
		if h.isCSRFExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		var span trace.Span
		if h.tracer != nil {
			ctx, span = h.tracer.Start(ctx, "guard.http.csrf")
			defer span.End()
			r = r.WithContext(ctx)
		}

		clientIP := security.ClientIP(r, h.config.Security.TrustProxy, h.config.Security.TrustedProxyCount)

		id := IdentityFromContext(ctx)
		if id == nil || id.SessionID == "" {
			h.logger.Warn("Mutating request without authenticated identity",
				"ip", clientIP, "route", r.URL.Path)
			instrumentation.SetSpanError(span, "auth required")
			h.writeGuardError(w, ErrAuthRequired("Authentication required"))
			return
		}

		token := h.extractToken(r)
		if token == "" {
			h.auditor.LogCSRFValidationFailed(id.SessionID, id.TenantID, clientIP, r.URL.Path, string(csrf.ReasonMissing))
			h.metrics.RecordCSRFValidation(ctx, false, string(csrf.ReasonMissing))
			instrumentation.SetSpanError(span, "token required")
			h.writeGuardError(w, ErrCSRFTokenRequired("CSRF token required"))
			return
		}

		res := h.engine.Validate(ctx, token, id.SessionID, id.TenantID)
		if !res.Valid {
			// The detailed reason stays in the audit log; clients only
			// learn that validation failed.
			h.logger.Warn("CSRF validation failed",
				"session_id_hash", security.HashForLogging(id.SessionID),
				"tenant_id", id.TenantID,
				"ip", clientIP,
				"route", r.URL.Path,
				"reason", res.Reason)
			instrumentation.AddGuardAttributes(span,
				security.HashForLogging(id.SessionID), id.TenantID, "reject")
			instrumentation.SetSpanAttributes(span,
				attribute.String(instrumentation.AttrReason, string(res.Reason)))
			instrumentation.SetSpanError(span, "csrf validation failed")
			h.writeGuardError(w, ErrCSRFInvalid("Invalid or missing CSRF token"))
			return
		}

		// One-time use: the presented token is consumed, so hand the client
		// its replacement before the business handler runs.
		newToken, expiresAt, err := h.engine.Issue(ctx, id.SessionID, id.TenantID)
		if err != nil {
			// The request itself already passed validation; losing the
			// reissue costs the client a round trip to the token endpoint
			// but is not grounds for rejection.
			h.logger.Error("Failed to issue replacement token",
				"session_id_hash", security.HashForLogging(id.SessionID),
				"error", err)
			instrumentation.RecordError(span, err)
		} else {
			w.Header().Set(HeaderCSRFToken, newToken)
			w.Header().Set(HeaderCSRFTokenExpires, strconv.FormatInt(epochMillis(expiresAt), 10))
		}

		instrumentation.SetSpanSuccess(span)
		next.ServeHTTP(w, r)
	})
}

// extractToken pulls the candidate token from the request, in order of
// precedence: custom header, form field, query parameter.
func (h *Handler) extractToken(r *http.Request) string {
	if token := r.Header.Get(HeaderCSRFToken); token != "" {
		return token
	}
	if token := r.PostFormValue(FormFieldCSRFToken); token != "" {
		return token
	}
	return r.URL.Query().Get(QueryParamCSRFToken)
}

func (h *Handler) isCSRFExempt(route string) bool {
	route = util.NormalizePattern(route)
	for _, pattern := range h.csrfExempt {
		if pattern == route {
			return true
		}
		if ok, err := path.Match(pattern, route); err == nil && ok {
			return true
		}
	}
	return false
}

// RegisterManagementRoutes registers the operator-facing endpoints on mux.
// The embedding application should place its authentication middleware in
// front of them; the cleanup endpoint additionally requires the admin flag.
func (h *Handler) RegisterManagementRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathIssueToken, h.ServeIssueToken)
	mux.HandleFunc(PathStats, h.ServeStats)
	mux.HandleFunc(PathCleanup, h.ServeCleanup)
	mux.HandleFunc(PathClearSession, h.ServeClearSession)
}

// ServeIssueToken issues a fresh token for the current session.
func (h *Handler) ServeIssueToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := IdentityFromContext(r.Context())
	if id == nil || id.SessionID == "" {
		h.recordHTTPMetrics(r.Context(), "issue_token", http.MethodPost, http.StatusUnauthorized, startTime)
		h.writeGuardError(w, ErrAuthRequired("Authentication required"))
		return
	}

	token, expiresAt, err := h.engine.Issue(r.Context(), id.SessionID, id.TenantID)
	if err != nil {
		h.logger.Error("Failed to issue token", "error", err)
		h.recordHTTPMetrics(r.Context(), "issue_token", http.MethodPost, http.StatusInternalServerError, startTime)
		h.writeGuardError(w, ErrServerError("Failed to issue token"))
		return
	}

	clientIP := security.ClientIP(r, h.config.Security.TrustProxy, h.config.Security.TrustedProxyCount)
	h.auditor.LogCSRFTokenIssued(id.SessionID, id.TenantID, clientIP)

	h.recordHTTPMetrics(r.Context(), "issue_token", http.MethodPost, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: epochMillis(expiresAt),
	})
}

// ServeStats reports aggregate token statistics.
func (h *Handler) ServeStats(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to read token stats", "error", err)
		h.recordHTTPMetrics(r.Context(), "stats", http.MethodGet, http.StatusInternalServerError, startTime)
		h.writeGuardError(w, ErrServerError("Failed to read statistics"))
		return
	}

	h.recordHTTPMetrics(r.Context(), "stats", http.MethodGet, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, StatsResponse{
		ActiveSessions:      stats.ActiveSessions,
		ActiveTokens:        stats.ActiveTokens,
		AvgTokensPerSession: stats.AvgTokensPerSession,
	})
}

// ServeCleanup triggers a manual expiry sweep. Admin only; the scheduled
// sweeper runs regardless of this endpoint.
func (h *Handler) ServeCleanup(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := IdentityFromContext(r.Context())
	if id == nil || id.SessionID == "" {
		h.recordHTTPMetrics(r.Context(), "cleanup", http.MethodPost, http.StatusUnauthorized, startTime)
		h.writeGuardError(w, ErrAuthRequired("Authentication required"))
		return
	}
	if !h.hasAdminCapability(id) {
		h.logger.Warn("Non-admin cleanup attempt",
			"session_id_hash", security.HashForLogging(id.SessionID))
		h.recordHTTPMetrics(r.Context(), "cleanup", http.MethodPost, http.StatusForbidden, startTime)
		h.writeError(w, ErrorCodeAuthRequired, "Administrative capability required", http.StatusForbidden)
		return
	}

	res, err := h.engine.Sweep(r.Context())
	if err != nil {
		h.logger.Error("Manual sweep failed", "error", err)
		h.recordHTTPMetrics(r.Context(), "cleanup", http.MethodPost, http.StatusInternalServerError, startTime)
		h.writeGuardError(w, ErrServerError("Cleanup failed"))
		return
	}

	h.recordHTTPMetrics(r.Context(), "cleanup", http.MethodPost, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, CleanupResponse{
		Cleaned:   res.Cleaned,
		Remaining: res.Remaining,
	})
}

// ServeClearSession removes all tokens for the current session (logout).
func (h *Handler) ServeClearSession(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := IdentityFromContext(r.Context())
	if id == nil || id.SessionID == "" {
		h.recordHTTPMetrics(r.Context(), "clear_session", http.MethodPost, http.StatusUnauthorized, startTime)
		h.writeGuardError(w, ErrAuthRequired("Authentication required"))
		return
	}

	removed, err := h.engine.ClearSession(r.Context(), id.SessionID, id.TenantID)
	if err != nil {
		h.logger.Error("Failed to clear session tokens", "error", err)
		h.recordHTTPMetrics(r.Context(), "clear_session", http.MethodPost, http.StatusInternalServerError, startTime)
		h.writeGuardError(w, ErrServerError("Failed to clear session"))
		return
	}

	h.recordHTTPMetrics(r.Context(), "clear_session", http.MethodPost, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, ClearResponse{Removed: removed})
}

// Close stops the background goroutines: the engine's sweeper, the burst
// limiter's cleanup, and the owned in-memory store's cleanup loop.
func (h *Handler) Close() {
	h.engine.Stop()
	h.guard.Stop()
	h.stopOwnedStore()
}

func (h *Handler) stopOwnedStore() {
	if h.ownedStore != nil {
		h.ownedStore.Stop()
	}
}

func (h *Handler) writeGuardError(w http.ResponseWriter, gerr *GuardError) {
	h.writeError(w, gerr.Code, gerr.Description, gerr.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, start time.Time) {
	if h.metrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
		attribute.String(instrumentation.AttrHTTPMethod, method),
		attribute.Int(instrumentation.AttrHTTPStatusCode, status),
	}
	if h.metrics.HTTPRequestsTotal != nil {
		h.metrics.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if h.metrics.HTTPRequestDuration != nil {
		h.metrics.HTTPRequestDuration.Record(ctx,
			float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	}
}

// retryAfterSeconds renders a Retry-After value, rounding up so a client
// never retries before the window actually frees a slot.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
