package csrf

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgewall/reqguard/instrumentation"
	"github.com/edgewall/reqguard/security"
	"github.com/edgewall/reqguard/storage"
)

const (
	// DefaultTokenTTL is the default token lifetime.
	DefaultTokenTTL = 24 * time.Hour

	// DefaultSweepInterval is the default period of the background expiry
	// sweeper.
	DefaultSweepInterval = time.Hour
)

// Reason identifies why a validation rejected a token. Reasons are for audit
// logs and metrics only; clients receive a uniform rejection regardless of
// reason, so they learn nothing about which check failed.
type Reason string

const (
	ReasonMissing         Reason = "missing"
	ReasonMalformed       Reason = "malformed"
	ReasonBadSignature    Reason = "bad-signature"
	ReasonSessionMismatch Reason = "session-mismatch"
	ReasonTenantMismatch  Reason = "tenant-mismatch"
	ReasonExpired         Reason = "expired"
	// ReasonReplayed covers both replay of a consumed token and presentation
	// of a token the store has no record of (evicted, swept, or fabricated
	// with a stolen key). The two are indistinguishable on purpose.
	ReasonReplayed Reason = "replayed-or-unknown"
	// ReasonStoreUnavailable is the fail-closed rejection used when the token
	// store cannot answer the consume. The token may or may not have been
	// valid; without the store there is no way to rule out replay.
	ReasonStoreUnavailable Reason = "store-unavailable"
)

// Result is the outcome of a single validation.
type Result struct {
	Valid  bool
	Reason Reason // empty when Valid
}

// Config configures an Engine.
type Config struct {
	// Secret is the master signing secret, at least MinSecretLength bytes.
	// Per-tenant signing keys are derived from it.
	Secret []byte

	// Store persists token state. Required.
	Store storage.TokenStore

	// TokenTTL is the lifetime of issued tokens. Defaults to DefaultTokenTTL.
	TokenTTL time.Duration

	// SweepInterval is the period of the background expiry sweeper. Zero
	// selects DefaultSweepInterval; negative disables the sweeper entirely
	// (the embedding application then calls Sweep itself).
	SweepInterval time.Duration

	// ClockSkewGrace extends expiry checks by a tolerance for clock drift
	// between nodes sharing a store. Zero means strict expiry.
	ClockSkewGrace time.Duration

	// Clock is the time source. Defaults to the system clock.
	Clock security.Clock

	// Rand is the randomness source for token nonces. Defaults to crypto/rand.
	Rand security.RandomSource

	Logger  *slog.Logger
	Auditor *security.Auditor
	Metrics *instrumentation.Metrics
}

// Engine issues and validates per-session, per-tenant, one-time-use CSRF
// tokens. Every validation path that cannot positively establish a token's
// authenticity, freshness, and non-reuse rejects: the engine fails closed.
type Engine struct {
	codec   *codec
	store   storage.TokenStore
	ttl     time.Duration
	grace   time.Duration
	clock   security.Clock
	rand    security.RandomSource
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics

	stopSweeper chan struct{}
	stopOnce    sync.Once
	sweeperWG   sync.WaitGroup
}

// NewEngine validates the configuration and starts the background sweeper
// unless it is disabled. Callers must Stop the engine when done with it.
func NewEngine(cfg Config) (*Engine, error) {
	c, err := newCodec(cfg.Secret)
	if err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("token store is required")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = security.SystemClock
	}
	rand := cfg.Rand
	if rand == nil {
		rand = security.CryptoRand
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		codec:       c,
		store:       cfg.Store,
		ttl:         ttl,
		grace:       cfg.ClockSkewGrace,
		clock:       clock,
		rand:        rand,
		logger:      logger,
		auditor:     cfg.Auditor,
		metrics:     cfg.Metrics,
		stopSweeper: make(chan struct{}),
	}

	sweepEvery := cfg.SweepInterval
	if sweepEvery == 0 {
		sweepEvery = DefaultSweepInterval
	}
	if sweepEvery > 0 {
		e.sweeperWG.Add(1)
		go e.sweepLoop(sweepEvery)
	}

	return e, nil
}

// Issue creates, signs, and stores a new token bound to the session and
// tenant. It returns the opaque wire token and its expiration. An empty
// tenant falls back to the shared default namespace; an empty session is an
// error because an unbound token would be valid for nobody.
func (e *Engine) Issue(ctx context.Context, sessionID, tenantID string) (string, time.Time, error) {
	if sessionID == "" {
		return "", time.Time{}, fmt.Errorf("session ID is required to issue a token")
	}
	tenantID = normalizeTenant(tenantID)

	nonce, err := e.rand.Bytes(nonceLength)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate nonce: %w", err)
	}

	now := e.clock.Now()
	expiresAt := now.Add(e.ttl)
	token, err := e.codec.encode(tokenPayload{
		SessionID: sessionID,
		TenantID:  tenantID,
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: expiresAt.UnixMilli(),
		Nonce:     base64.RawURLEncoding.EncodeToString(nonce),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode token: %w", err)
	}

	evicted, err := e.store.PutToken(ctx, sessionID, tokenHash(token), expiresAt)
	if err != nil {
		if storage.IsUnavailable(err) {
			e.auditor.LogStoreFailure("csrf", "put_token", "fail-closed")
		}
		return "", time.Time{}, fmt.Errorf("store token: %w", err)
	}
	if evicted != "" {
		e.logger.Debug("evicted oldest token for full session",
			"session_id_hash", security.HashForLogging(sessionID),
			"tenant_id", tenantID)
		if e.metrics != nil && e.metrics.CSRFTokensEvicted != nil {
			e.metrics.CSRFTokensEvicted.Add(ctx, 1)
		}
	}

	if e.metrics != nil && e.metrics.CSRFTokensIssued != nil {
		e.metrics.CSRFTokensIssued.Add(ctx, 1)
	}
	e.logger.Debug("issued CSRF token",
		"session_id_hash", security.HashForLogging(sessionID),
		"tenant_id", tenantID,
		"expires_at", expiresAt)

	return token, expiresAt, nil
}

// Validate checks a presented token against the caller's session and tenant
// and, if all checks pass, atomically consumes it. The checks run in a fixed
// order so that the cheapest structural failures short-circuit before any
// cryptography and the store is only touched for tokens already proven
// authentic:
//
//	missing -> malformed -> bad signature -> session mismatch ->
//	tenant mismatch -> expired -> replayed or unknown
//
// A valid result means the token existed, matched, was fresh, and has now
// been consumed; presenting it again rejects.
func (e *Engine) Validate(ctx context.Context, token, sessionID, tenantID string) Result {
	tenantID = normalizeTenant(tenantID)

	if token == "" || sessionID == "" {
		return e.reject(ctx, sessionID, tenantID, ReasonMissing)
	}

	payload, payloadB64, sig, err := e.codec.decode(token)
	if err != nil {
		return e.reject(ctx, sessionID, tenantID, ReasonMalformed)
	}

	ok, err := e.codec.verify(payloadB64, payload, sig)
	if err != nil || !ok {
		return e.reject(ctx, sessionID, tenantID, ReasonBadSignature)
	}

	if payload.SessionID != sessionID {
		return e.reject(ctx, sessionID, tenantID, ReasonSessionMismatch)
	}
	if payload.TenantID != tenantID {
		return e.reject(ctx, sessionID, tenantID, ReasonTenantMismatch)
	}

	if security.IsExpired(e.clock, time.UnixMilli(payload.ExpiresAt), e.grace) {
		return e.reject(ctx, sessionID, tenantID, ReasonExpired)
	}

	found, err := e.store.ConsumeToken(ctx, sessionID, tokenHash(token))
	if err != nil {
		e.logger.Error("token store unreachable during consume, rejecting",
			"session_id_hash", security.HashForLogging(sessionID),
			"error", err)
		e.auditor.LogStoreFailure("csrf", "consume_token", "fail-closed")
		return e.reject(ctx, sessionID, tenantID, ReasonStoreUnavailable)
	}
	if !found {
		return e.reject(ctx, sessionID, tenantID, ReasonReplayed)
	}

	e.metrics.RecordCSRFValidation(ctx, true, "")
	return Result{Valid: true}
}

func (e *Engine) reject(ctx context.Context, sessionID, tenantID string, reason Reason) Result {
	e.auditor.LogCSRFValidationFailed(sessionID, tenantID, "", "", string(reason))
	e.metrics.RecordCSRFValidation(ctx, false, string(reason))
	return Result{Valid: false, Reason: reason}
}

// ClearSession removes all tokens for a session, typically on logout, and
// returns how many were removed.
func (e *Engine) ClearSession(ctx context.Context, sessionID, tenantID string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("session ID is required")
	}
	removed, err := e.store.ClearSession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear session: %w", err)
	}
	e.auditor.LogCSRFSessionCleared(sessionID, normalizeTenant(tenantID), removed)
	if e.metrics != nil && e.metrics.CSRFSessionsCleared != nil {
		e.metrics.CSRFSessionsCleared.Add(ctx, 1)
	}
	return removed, nil
}

// Sweep removes expired tokens from the store. The background sweeper calls
// this periodically; it is also exposed for the management API. Idempotent.
func (e *Engine) Sweep(ctx context.Context) (storage.SweepResult, error) {
	res, err := e.store.SweepExpired(ctx)
	if err != nil {
		return res, fmt.Errorf("sweep expired tokens: %w", err)
	}
	if res.Cleaned > 0 && e.metrics != nil && e.metrics.CSRFTokensSwept != nil {
		e.metrics.CSRFTokensSwept.Add(ctx, int64(res.Cleaned))
	}
	e.auditor.LogSweepCompleted(res.Cleaned, res.Remaining)
	e.logger.Debug("expiry sweep completed",
		"cleaned", res.Cleaned, "remaining", res.Remaining)
	return res, nil
}

// Stats returns aggregate token counts for the management API.
func (e *Engine) Stats(ctx context.Context) (storage.TokenStats, error) {
	return e.store.TokenStats(ctx)
}

// Stop terminates the background sweeper. Safe to call multiple times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopSweeper)
	})
	e.sweeperWG.Wait()
}

func (e *Engine) sweepLoop(interval time.Duration) {
	defer e.sweeperWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.Sweep(context.Background()); err != nil {
				// A failed sweep only delays reclamation; expired tokens
				// still reject at validation time.
				e.logger.Error("background sweep failed", "error", err)
			}
		case <-e.stopSweeper:
			return
		}
	}
}
