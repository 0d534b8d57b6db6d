package throttle

import (
	"fmt"
	"time"
)

// Tier is one sliding window and its admission limit. Tiers are evaluated
// together: a request must fit inside every tier to be admitted, so a short
// tier absorbs bursts while a long tier caps sustained volume.
type Tier struct {
	// Name identifies the tier in keys, headers, logs, and metrics.
	Name string

	// Window is the sliding window length.
	Window time.Duration

	// Limit is the maximum number of hits admitted inside one window.
	Limit int
}

// DefaultTiers returns the standard three-tier policy: a short window for
// burst suppression, a medium window for operational abuse, and a long window
// for sustained volume.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "short", Window: 10 * time.Second, Limit: 20},
		{Name: "medium", Window: 5 * time.Minute, Limit: 100},
		{Name: "long", Window: time.Hour, Limit: 2000},
	}
}

// ValidateTiers rejects tier sets that would misconfigure the throttler:
// empty sets, non-positive windows or limits, and duplicate names (tier names
// partition storage keys, so a collision would merge two windows).
func ValidateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	seen := make(map[string]bool, len(tiers))
	for i, t := range tiers {
		if t.Name == "" {
			return fmt.Errorf("tier %d: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tier name %q", t.Name)
		}
		seen[t.Name] = true
		if t.Window <= 0 {
			return fmt.Errorf("tier %q: window must be positive, got %s", t.Name, t.Window)
		}
		if t.Limit <= 0 {
			return fmt.Errorf("tier %q: limit must be positive, got %d", t.Name, t.Limit)
		}
	}
	return nil
}
