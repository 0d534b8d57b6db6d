package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edgewall/reqguard/internal/testutil"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(opts...)
	t.Cleanup(s.Stop)
	return s
}

func TestPutTokenEvictsOldestAtCapacity(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	s := newTestStore(t, WithClock(clock), WithMaxTokensPerSession(3), WithLogger(testutil.DiscardLogger()))
	ctx := context.Background()
	expiresAt := clock.Now().Add(time.Hour)

	for i := 0; i < 3; i++ {
		evicted, err := s.PutToken(ctx, "sess-1", fmt.Sprintf("hash-%d", i), expiresAt)
		if err != nil {
			t.Fatalf("PutToken() error = %v", err)
		}
		if evicted != "" {
			t.Errorf("PutToken() evicted %q below capacity", evicted)
		}
	}

	evicted, err := s.PutToken(ctx, "sess-1", "hash-3", expiresAt)
	if err != nil {
		t.Fatalf("PutToken() error = %v", err)
	}
	if evicted != "hash-0" {
		t.Errorf("evicted = %q, want hash-0 (FIFO)", evicted)
	}

	// The evicted hash is gone; the newest is present.
	if found, _ := s.ConsumeToken(ctx, "sess-1", "hash-0"); found {
		t.Error("evicted hash still consumable")
	}
	if found, _ := s.ConsumeToken(ctx, "sess-1", "hash-3"); !found {
		t.Error("newest hash not consumable")
	}
}

func TestConsumeTokenExactlyOnce(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	s := newTestStore(t, WithClock(clock), WithLogger(testutil.DiscardLogger()))
	ctx := context.Background()

	if _, err := s.PutToken(ctx, "sess-1", "hash-a", clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PutToken() error = %v", err)
	}

	found, err := s.ConsumeToken(ctx, "sess-1", "hash-a")
	if err != nil || !found {
		t.Fatalf("first ConsumeToken() = (%v, %v), want (true, nil)", found, err)
	}
	found, err = s.ConsumeToken(ctx, "sess-1", "hash-a")
	if err != nil || found {
		t.Fatalf("second ConsumeToken() = (%v, %v), want (false, nil)", found, err)
	}
}

func TestConsumeTokenConcurrentSingleWinner(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	s := newTestStore(t, WithClock(clock), WithLogger(testutil.DiscardLogger()))
	ctx := context.Background()

	if _, err := s.PutToken(ctx, "sess-1", "hash-a", clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PutToken() error = %v", err)
	}

	const goroutines = 32
	var wg sync.WaitGroup
	wins := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			found, err := s.ConsumeToken(ctx, "sess-1", "hash-a")
			if err != nil {
				t.Errorf("ConsumeToken() error = %v", err)
				return
			}
			if found {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Errorf("%d concurrent consumes observed found=true, want exactly 1", winners)
	}
}

func TestSweepExpiredRemovesOnlyExpired(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	s := newTestStore(t, WithClock(clock), WithLogger(testutil.DiscardLogger()))
	ctx := context.Background()

	s.PutToken(ctx, "sess-1", "hash-old", clock.Now().Add(time.Minute))
	s.PutToken(ctx, "sess-1", "hash-new", clock.Now().Add(time.Hour))
	s.PutToken(ctx, "sess-2", "hash-only", clock.Now().Add(time.Minute))

	clock.Advance(30 * time.Minute)

	res, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if res.Cleaned != 2 || res.Remaining != 1 {
		t.Errorf("SweepExpired() = %+v, want {Cleaned:2 Remaining:1}", res)
	}

	// sess-2 lost its only token, so the session itself is gone.
	stats, err := s.TokenStats(ctx)
	if err != nil {
		t.Fatalf("TokenStats() error = %v", err)
	}
	if stats.ActiveSessions != 1 || stats.ActiveTokens != 1 {
		t.Errorf("stats after sweep = %+v, want 1 session / 1 token", stats)
	}

	// Idempotent: a second sweep with no new issuances cleans nothing.
	res, err = s.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("second SweepExpired() error = %v", err)
	}
	if res.Cleaned != 0 {
		t.Errorf("second sweep cleaned %d, want 0", res.Cleaned)
	}
}

func TestClearSession(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	s := newTestStore(t, WithClock(clock), WithLogger(testutil.DiscardLogger()))
	ctx := context.Background()
	expiresAt := clock.Now().Add(time.Hour)

	s.PutToken(ctx, "sess-1", "hash-a", expiresAt)
	s.PutToken(ctx, "sess-1", "hash-b", expiresAt)
	s.PutToken(ctx, "sess-2", "hash-c", expiresAt)

	removed, err := s.ClearSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	// The other session is untouched.
	if found, _ := s.ConsumeToken(ctx, "sess-2", "hash-c"); !found {
		t.Error("ClearSession removed another session's token")
	}

	// Clearing an unknown session is not an error.
	if removed, err := s.ClearSession(ctx, "sess-unknown"); err != nil || removed != 0 {
		t.Errorf("ClearSession(unknown) = (%d, %v), want (0, nil)", removed, err)
	}
}

func TestTokenStats(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	s := newTestStore(t, WithClock(clock), WithLogger(testutil.DiscardLogger()))
	ctx := context.Background()
	expiresAt := clock.Now().Add(time.Hour)

	s.PutToken(ctx, "sess-1", "hash-a", expiresAt)
	s.PutToken(ctx, "sess-1", "hash-b", expiresAt)
	s.PutToken(ctx, "sess-2", "hash-c", expiresAt)

	stats, err := s.TokenStats(ctx)
	if err != nil {
		t.Fatalf("TokenStats() error = %v", err)
	}
	if stats.ActiveSessions != 2 || stats.ActiveTokens != 3 {
		t.Errorf("stats = %+v, want 2 sessions / 3 tokens", stats)
	}
	if stats.AvgTokensPerSession != 1.5 {
		t.Errorf("AvgTokensPerSession = %v, want 1.5", stats.AvgTokensPerSession)
	}
}

func TestIncrementSlidingWindow(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	s := newTestStore(t, WithClock(clock), WithLogger(testutil.DiscardLogger()))
	ctx := context.Background()

	// 20 hits inside a 10s/20 window: none blocked.
	for i := 0; i < 20; i++ {
		res, err := s.Increment(ctx, "key-1", 10*time.Second, 20)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if res.Blocked {
			t.Fatalf("hit %d blocked below the limit", i+1)
		}
	}

	// The 21st hit within the window is over the limit.
	res, err := s.Increment(ctx, "key-1", 10*time.Second, 20)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if !res.Blocked || res.TotalHits != 21 {
		t.Errorf("21st hit = %+v, want blocked with 21 hits", res)
	}
	if res.TimeToExpire <= 0 || res.TimeToExpire > 10*time.Second {
		t.Errorf("TimeToExpire = %v, want within (0, 10s]", res.TimeToExpire)
	}

	// After the window elapses the old hits are pruned.
	clock.Advance(11 * time.Second)
	res, err = s.Increment(ctx, "key-1", 10*time.Second, 20)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if res.Blocked || res.TotalHits != 1 {
		t.Errorf("post-window hit = %+v, want unblocked with 1 hit", res)
	}
}

func TestIncrementIndependentKeys(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	s := newTestStore(t, WithClock(clock), WithLogger(testutil.DiscardLogger()))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Increment(ctx, "tenant:a:short", time.Minute, 3)
	}
	res, err := s.Increment(ctx, "tenant:b:short", time.Minute, 3)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if res.Blocked || res.TotalHits != 1 {
		t.Errorf("independent key = %+v, want fresh state", res)
	}
}

func TestIncrementConcurrentNoLostUpdates(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	s := newTestStore(t, WithClock(clock), WithLogger(testutil.DiscardLogger()))
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Increment(ctx, "key-1", time.Minute, 1000); err != nil {
				t.Errorf("Increment() error = %v", err)
			}
		}()
	}
	wg.Wait()

	res, err := s.Increment(ctx, "key-1", time.Minute, 1000)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if res.TotalHits != goroutines+1 {
		t.Errorf("TotalHits = %d, want %d (lost updates)", res.TotalHits, goroutines+1)
	}
}

func TestCleanupIdleRemovesDeadRecords(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	s := newTestStore(t, WithClock(clock), WithLogger(testutil.DiscardLogger()))
	ctx := context.Background()

	s.Increment(ctx, "key-dead", 10*time.Second, 5)
	s.Increment(ctx, "key-live", time.Hour, 5)

	clock.Advance(time.Minute)

	removed, err := s.CleanupIdle(ctx)
	if err != nil {
		t.Fatalf("CleanupIdle() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestContextCancellationPropagates(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	s := newTestStore(t, WithClock(clock), WithLogger(testutil.DiscardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.PutToken(ctx, "sess-1", "hash-a", clock.Now().Add(time.Hour)); err == nil {
		t.Error("PutToken() ignored a canceled context")
	}
	if _, err := s.Increment(ctx, "key-1", time.Minute, 5); err == nil {
		t.Error("Increment() ignored a canceled context")
	}
}
