package throttle

// Caller is the identity context the throttler keys on. It is derived from
// the authenticated request before the guard runs; the guard consumes it
// without verifying it.
type Caller struct {
	// SessionID is carried only for audit logging; it never becomes part of
	// a rate-limit key.
	SessionID string

	// TenantID is the caller's tenant, empty when unauthenticated.
	TenantID string

	// UserID is the caller's user identity, empty when unauthenticated.
	UserID string

	// Origin is the client network origin (IP address), always present.
	Origin string

	// Admin marks callers with the administrative bypass capability.
	Admin bool
}

// Keys derives the rate-limit keys for one tier, most specific first:
//
//	tenant:{tenant}:user:{user}:{tier}
//	tenant:{tenant}:{tier}
//	user:{user}:{tier}
//	ip:{origin}:{tier}
//
// Every applicable key is checked; blocking on ANY of them blocks the
// request. The layering means one abusive user cannot drain another tenant's
// budget, while anonymous traffic is still bounded by origin.
func Keys(c Caller, tier string) []string {
	keys := make([]string, 0, 4)
	if c.TenantID != "" && c.UserID != "" {
		keys = append(keys, "tenant:"+c.TenantID+":user:"+c.UserID+":"+tier)
	}
	if c.TenantID != "" {
		keys = append(keys, "tenant:"+c.TenantID+":"+tier)
	}
	if c.UserID != "" {
		keys = append(keys, "user:"+c.UserID+":"+tier)
	}
	keys = append(keys, "ip:"+c.Origin+":"+tier)
	return keys
}

// burstKey is the most specific tierless identifier for the caller, used by
// the burst smoother which tracks one token bucket per caller rather than
// one window per key.
func (c Caller) burstKey() string {
	switch {
	case c.TenantID != "" && c.UserID != "":
		return "tenant:" + c.TenantID + ":user:" + c.UserID
	case c.TenantID != "":
		return "tenant:" + c.TenantID
	case c.UserID != "":
		return "user:" + c.UserID
	default:
		return "ip:" + c.Origin
	}
}
