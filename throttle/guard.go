package throttle

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"time"

	"github.com/edgewall/reqguard/instrumentation"
	"github.com/edgewall/reqguard/internal/util"
	"github.com/edgewall/reqguard/security"
	"github.com/edgewall/reqguard/storage"
)

// DefaultStoreTimeout bounds each storage call on the request path. A slow
// backend must degrade into the fail-open path, not stall requests.
const DefaultStoreTimeout = 2 * time.Second

var errStoreRequired = errors.New("rate window store is required")

// Decision is the outcome of one throttler evaluation, carrying everything
// the HTTP layer needs for response headers.
type Decision struct {
	// Allowed is the admission verdict.
	Allowed bool

	// Bypassed is true when an administrative caller skipped evaluation.
	Bypassed bool

	// Degraded is true when at least one storage call failed and the
	// fail-open policy substituted a PASS for it.
	Degraded bool

	// Tier names the governing tier: on rejection, the tier that blocked;
	// on admission, the tier with the least headroom.
	Tier string

	// Limit is the governing tier's limit.
	Limit int

	// Remaining is the best-effort headroom under the governing tier.
	Remaining int

	// RetryAfter is how long a rejected caller should wait before the
	// blocking window frees a slot. Zero on admission.
	RetryAfter time.Duration
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Store counts hits. Required.
	Store storage.RateWindowStore

	// Tiers are the sliding windows every request must satisfy
	// simultaneously. Defaults to DefaultTiers.
	Tiers []Tier

	// ExemptPatterns lists route patterns (path.Match syntax, or exact
	// paths) that skip throttling, for liveness and metrics endpoints.
	ExemptPatterns []string

	// BurstRate and BurstCapacity, when both positive, enable the
	// per-caller burst smoother in front of the windowed tiers.
	BurstRate     int
	BurstCapacity int

	// StoreTimeout bounds each storage call. Defaults to
	// DefaultStoreTimeout.
	StoreTimeout time.Duration

	// FailClosed inverts the degradation policy: reject when the store is
	// unreachable instead of admitting. Off by default; admission must not
	// normally depend on the counting backend's availability.
	FailClosed bool

	Logger  *slog.Logger
	Auditor *security.Auditor
	Metrics *instrumentation.Metrics
}

// Guard gates requests against the configured tiers. It composes the pure
// key derivation with the stateful window store and applies the bypass,
// exemption, and degradation policies. One Guard is shared by all requests.
type Guard struct {
	store        storage.RateWindowStore
	tiers        []Tier
	exempt       []string
	burst        *BurstLimiter
	storeTimeout time.Duration
	failClosed   bool
	logger       *slog.Logger
	auditor      *security.Auditor
	metrics      *instrumentation.Metrics
}

// NewGuard validates the configuration and builds a Guard. Callers must Stop
// it when done if the burst smoother is enabled.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Store == nil {
		return nil, errStoreRequired
	}
	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	if err := ValidateTiers(tiers); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}

	exempt := make([]string, 0, len(cfg.ExemptPatterns))
	for _, p := range cfg.ExemptPatterns {
		exempt = append(exempt, util.NormalizePattern(p))
	}

	g := &Guard{
		store:        cfg.Store,
		tiers:        tiers,
		exempt:       exempt,
		storeTimeout: timeout,
		failClosed:   cfg.FailClosed,
		logger:       logger,
		auditor:      cfg.Auditor,
		metrics:      cfg.Metrics,
	}

	if cfg.BurstRate > 0 && cfg.BurstCapacity > 0 {
		g.burst = NewBurstLimiter(cfg.BurstRate, cfg.BurstCapacity, 0, logger)
	}

	return g, nil
}

// Check evaluates every tier against every key derived for the caller and
// returns the admission decision. Administrative callers bypass evaluation
// entirely: no counter is touched, so a bypassed request never consumes
// another caller's budget. Storage failures are absorbed per the configured
// degradation policy.
func (g *Guard) Check(ctx context.Context, c Caller, route string) Decision {
	if c.Admin {
		g.auditor.LogRateLimitBypassed(c.SessionID, c.TenantID, c.Origin, route)
		if g.metrics != nil && g.metrics.RateLimitBypassed != nil {
			g.metrics.RateLimitBypassed.Add(ctx, 1)
		}
		return Decision{Allowed: true, Bypassed: true}
	}

	if g.isExempt(route) {
		return Decision{Allowed: true}
	}

	if g.burst != nil && !g.burst.Allow(c.burstKey()) {
		if g.metrics != nil && g.metrics.BurstLimitRejected != nil {
			g.metrics.BurstLimitRejected.Add(ctx, 1)
		}
		g.logger.Warn("burst limit exceeded",
			"session_id_hash", security.HashForLogging(c.SessionID),
			"tenant_id", c.TenantID,
			"route", route)
		return Decision{
			Allowed:    false,
			Tier:       "burst",
			RetryAfter: time.Second,
		}
	}

	decision := Decision{Allowed: true, Remaining: -1}

	for _, tier := range g.tiers {
		for _, key := range Keys(c, tier.Name) {
			res, err := g.increment(ctx, key, tier)
			if err != nil {
				decision.Degraded = true
				g.logger.Error("rate-limit store unreachable",
					"key", key, "tier", tier.Name, "error", err)
				if g.metrics != nil && g.metrics.RateLimitStoreFailures != nil {
					g.metrics.RateLimitStoreFailures.Add(ctx, 1)
				}
				if g.failClosed {
					g.auditor.LogStoreFailure("throttle", "increment", "fail-closed")
					g.metrics.RecordRateDecision(ctx, false, tier.Name)
					return Decision{
						Allowed:    false,
						Degraded:   true,
						Tier:       tier.Name,
						Limit:      tier.Limit,
						RetryAfter: tier.Window,
					}
				}
				g.auditor.LogStoreFailure("throttle", "increment", "fail-open")
				continue
			}

			remaining := tier.Limit - res.TotalHits
			if remaining < 0 {
				remaining = 0
			}
			if decision.Remaining < 0 || remaining < decision.Remaining {
				decision.Remaining = remaining
				decision.Tier = tier.Name
				decision.Limit = tier.Limit
			}

			if res.Blocked {
				if res.TimeToExpire > decision.RetryAfter {
					decision.RetryAfter = res.TimeToExpire
				}
				if decision.Allowed {
					decision.Allowed = false
					decision.Tier = tier.Name
					decision.Limit = tier.Limit
					decision.Remaining = 0
					g.auditor.LogRateLimitExceeded(
						c.SessionID, c.TenantID, c.Origin, route, tier.Name)
				}
			}
		}
	}

	if decision.Remaining < 0 {
		// Every increment failed; nothing to report.
		decision.Remaining = 0
	}
	g.metrics.RecordRateDecision(ctx, decision.Allowed, decision.Tier)
	return decision
}

func (g *Guard) increment(ctx context.Context, key string, tier Tier) (storage.RateResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	return g.store.Increment(opCtx, key, tier.Window, tier.Limit)
}

func (g *Guard) isExempt(route string) bool {
	route = util.NormalizePattern(route)
	for _, pattern := range g.exempt {
		if pattern == route {
			return true
		}
		if ok, err := path.Match(pattern, route); err == nil && ok {
			return true
		}
	}
	return false
}

// Tiers returns the configured tiers, for introspection and tests.
func (g *Guard) Tiers() []Tier {
	return g.tiers
}

// Stop terminates the burst smoother's background cleanup, if enabled.
func (g *Guard) Stop() {
	if g.burst != nil {
		g.burst.Stop()
	}
}
