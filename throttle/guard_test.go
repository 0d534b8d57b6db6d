package throttle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/edgewall/reqguard/internal/testutil"
	"github.com/edgewall/reqguard/storage"
	"github.com/edgewall/reqguard/storage/mock"
)

func newTestGuard(t *testing.T, store storage.RateWindowStore, tiers []Tier) *Guard {
	t.Helper()
	g, err := NewGuard(GuardConfig{
		Store:  store,
		Tiers:  tiers,
		Logger: testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	t.Cleanup(g.Stop)
	return g
}

func TestCheckBlocksAtTierLimit(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	store := mock.New(clock)
	g := newTestGuard(t, store, []Tier{{Name: "short", Window: 10 * time.Second, Limit: 20}})
	ctx := context.Background()
	caller := Caller{Origin: "10.0.0.1"}

	for i := 0; i < 20; i++ {
		d := g.Check(ctx, caller, "/api/update")
		if !d.Allowed {
			t.Fatalf("call %d blocked below the limit", i+1)
		}
	}

	d := g.Check(ctx, caller, "/api/update")
	if d.Allowed {
		t.Fatal("21st call inside the window was admitted")
	}
	if d.Tier != "short" {
		t.Errorf("blocking tier = %q, want short", d.Tier)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", d.RetryAfter)
	}

	// After the window elapses the caller starts a fresh budget.
	clock.Advance(11 * time.Second)
	d = g.Check(ctx, caller, "/api/update")
	if !d.Allowed {
		t.Fatal("call after window elapse was blocked")
	}
	if d.Remaining != 19 {
		t.Errorf("Remaining after fresh window = %d, want 19", d.Remaining)
	}
}

func TestCheckTenantIsolation(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	store := mock.New(clock)
	g := newTestGuard(t, store, []Tier{{Name: "short", Window: 10 * time.Second, Limit: 5}})
	ctx := context.Background()

	tenantA := Caller{TenantID: "tenant-a", Origin: "10.0.0.1"}
	tenantB := Caller{TenantID: "tenant-b", Origin: "10.0.0.2"}

	for i := 0; i < 6; i++ {
		g.Check(ctx, tenantA, "/api/update")
	}
	if d := g.Check(ctx, tenantA, "/api/update"); d.Allowed {
		t.Fatal("tenant A should be exhausted")
	}

	if d := g.Check(ctx, tenantB, "/api/update"); !d.Allowed {
		t.Error("exhausting tenant A's budget affected tenant B")
	}
}

func TestCheckAdminBypassTouchesNoCounters(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	store := mock.New(clock)
	g := newTestGuard(t, store, nil)

	d := g.Check(context.Background(), Caller{
		TenantID: "tenant-a",
		UserID:   "admin-1",
		Origin:   "10.0.0.1",
		Admin:    true,
	}, "/api/update")

	if !d.Allowed || !d.Bypassed {
		t.Errorf("admin decision = %+v, want allowed bypass", d)
	}
	if store.IncrementCalls != 0 {
		t.Errorf("admin bypass recorded %d hits, want 0", store.IncrementCalls)
	}
}

func TestCheckExemptRouteSkipsEvaluation(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	store := mock.New(clock)
	g, err := NewGuard(GuardConfig{
		Store:          store,
		ExemptPatterns: []string{"/healthz", "/metrics/*"},
		Logger:         testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	defer g.Stop()
	ctx := context.Background()
	caller := Caller{Origin: "10.0.0.1"}

	for _, route := range []string{"/healthz", "/healthz/", "/metrics/otel"} {
		if d := g.Check(ctx, caller, route); !d.Allowed {
			t.Errorf("exempt route %q was throttled", route)
		}
	}
	if store.IncrementCalls != 0 {
		t.Errorf("exempt routes recorded %d hits, want 0", store.IncrementCalls)
	}

	g.Check(ctx, caller, "/api/update")
	if store.IncrementCalls == 0 {
		t.Error("non-exempt route recorded no hits")
	}
}

func TestCheckFailsOpenOnStoreError(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	store := mock.New(clock)
	store.RateErr = storage.Unavailable(errors.New("connection refused"))

	var buf bytes.Buffer
	g, err := NewGuard(GuardConfig{
		Store:  store,
		Logger: slog.New(slog.NewJSONHandler(&buf, nil)),
	})
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	defer g.Stop()

	d := g.Check(context.Background(), Caller{Origin: "10.0.0.1"}, "/api/update")
	if !d.Allowed {
		t.Fatal("Check() blocked while the store was unreachable (fail-open violated)")
	}
	if !d.Degraded {
		t.Error("Degraded = false, want true")
	}

	// The degradation must be visible to operators at error severity.
	out := buf.String()
	if !strings.Contains(out, `"level":"ERROR"`) {
		t.Error("store failure was not logged at error level")
	}
	if !strings.Contains(out, "rate-limit store unreachable") {
		t.Errorf("store failure log record missing, got: %s", out)
	}
}

func TestCheckFailClosedOption(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	store := mock.New(clock)
	store.RateErr = storage.Unavailable(errors.New("connection refused"))
	g, err := NewGuard(GuardConfig{
		Store:      store,
		FailClosed: true,
		Logger:     testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	defer g.Stop()

	d := g.Check(context.Background(), Caller{Origin: "10.0.0.1"}, "/api/update")
	if d.Allowed {
		t.Error("Check() admitted a request with FailClosed and an unreachable store")
	}
}

func TestCheckAllKeysEvaluated(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	store := mock.New(clock)
	g := newTestGuard(t, store, []Tier{{Name: "short", Window: 10 * time.Second, Limit: 20}})

	g.Check(context.Background(), Caller{
		TenantID: "tenant-a",
		UserID:   "user-1",
		Origin:   "10.0.0.1",
	}, "/api/update")

	// Four keys (tenant+user, tenant, user, ip) under one tier.
	if store.IncrementCalls != 4 {
		t.Errorf("IncrementCalls = %d, want 4", store.IncrementCalls)
	}
}

func TestCheckBlocksOnSharedKeyAcrossUsers(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	store := mock.New(clock)
	g := newTestGuard(t, store, []Tier{{Name: "short", Window: 10 * time.Second, Limit: 3}})
	ctx := context.Background()

	// Two users on one tenant share the tenant-level budget.
	u1 := Caller{TenantID: "tenant-a", UserID: "user-1", Origin: "10.0.0.1"}
	u2 := Caller{TenantID: "tenant-a", UserID: "user-2", Origin: "10.0.0.2"}

	g.Check(ctx, u1, "/api/update")
	g.Check(ctx, u1, "/api/update")
	g.Check(ctx, u2, "/api/update")

	if d := g.Check(ctx, u2, "/api/update"); d.Allowed {
		t.Error("shared tenant key admitted a 4th hit over limit 3")
	}
}

func TestBurstSmootherRejectsSpike(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	store := mock.New(clock)
	g, err := NewGuard(GuardConfig{
		Store:         store,
		BurstRate:     1,
		BurstCapacity: 2,
		Logger:        testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	defer g.Stop()
	ctx := context.Background()
	caller := Caller{Origin: "10.0.0.1"}

	blocked := false
	for i := 0; i < 5; i++ {
		if d := g.Check(ctx, caller, "/api/update"); !d.Allowed {
			blocked = true
			if d.Tier != "burst" {
				t.Errorf("blocking tier = %q, want burst", d.Tier)
			}
			break
		}
	}
	if !blocked {
		t.Error("an instantaneous 5-request spike passed a bucket of capacity 2")
	}
}
