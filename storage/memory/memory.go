// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgewall/reqguard/instrumentation"
	"github.com/edgewall/reqguard/security"
	"github.com/edgewall/reqguard/storage"
)

const (
	// shardCount is the number of lock shards for each map. Request-path
	// operations lock a single shard, so sweeps and cleanups never stall all
	// concurrent requests at once. Must be a power of two.
	shardCount = 64

	// DefaultMaxTokensPerSession bounds each session's token set. When full,
	// the oldest entry is evicted (FIFO by insertion order).
	DefaultMaxTokensPerSession = 10

	// DefaultCleanupInterval is how often the background task prunes idle
	// rate-limit records.
	DefaultCleanupInterval = time.Minute
)

// sessionTokens is the per-session token set: insertion order plus a
// hash -> expiration index. Both structures are mutated together under the
// shard lock, so every hash in order has exactly one expiry entry and vice
// versa.
type sessionTokens struct {
	order  []string
	expiry map[string]time.Time
}

type sessionShard struct {
	mu       sync.Mutex
	sessions map[string]*sessionTokens
}

// rateRecord holds the timestamped hits for one (key, tier) pair. The window
// is remembered so idle cleanup can tell when every hit has aged out.
type rateRecord struct {
	hits   []time.Time
	window time.Duration
}

type rateShard struct {
	mu      sync.Mutex
	records map[string]*rateRecord
}

// Store is the in-memory implementation of storage.TokenStore and
// storage.RateWindowStore. State is sharded by key hash; no operation takes a
// process-wide lock.
type Store struct {
	sessionShards [shardCount]*sessionShard
	rateShards    [shardCount]*rateShard

	maxTokensPerSession int
	clock               security.Clock
	logger              *slog.Logger

	// Lock-free counters for stats and metric gauges
	sessionCount atomic.Int64
	tokenCount   atomic.Int64
	recordCount  atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// Compile-time interface checks
var (
	_ storage.TokenStore      = (*Store)(nil)
	_ storage.RateWindowStore = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (for deterministic tests).
func WithClock(clock security.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMaxTokensPerSession overrides the per-session token capacity.
func WithMaxTokensPerSession(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTokensPerSession = n
		}
	}
}

// WithCleanupInterval overrides how often idle rate records are pruned.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an in-memory store and starts its idle-record cleanup task.
// Call Stop when the store is no longer needed.
func New(opts ...Option) *Store {
	s := &Store{
		maxTokensPerSession: DefaultMaxTokensPerSession,
		clock:               security.SystemClock,
		logger:              slog.Default(),
		cleanupInterval:     DefaultCleanupInterval,
		stopCleanup:         make(chan struct{}),
	}
	for i := range s.sessionShards {
		s.sessionShards[i] = &sessionShard{sessions: make(map[string]*sessionTokens)}
		s.rateShards[i] = &rateShard{records: make(map[string]*rateRecord)}
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Stop terminates the background cleanup task. Safe to call multiple times.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// SetInstrumentation registers size gauges with the given instrumentation.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	err := inst.RegisterStoreSizeCallbacks(
		func() int64 { return s.sessionCount.Load() },
		func() int64 { return s.tokenCount.Load() },
		func() int64 { return s.recordCount.Load() },
	)
	if err != nil {
		s.logger.Warn("Failed to register store size metrics", "error", err)
	}
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & (shardCount - 1))
}

func (s *Store) sessionShard(sessionID string) *sessionShard {
	return s.sessionShards[shardIndex(sessionID)]
}

func (s *Store) rateShard(key string) *rateShard {
	return s.rateShards[shardIndex(key)]
}

// ==================== TokenStore ====================

// PutToken inserts a token hash for a session, evicting the oldest entry
// first when the session set is at capacity. Eviction and insert happen under
// one shard lock, so callers never observe an over-capacity set.
func (s *Store) PutToken(ctx context.Context, sessionID, tokenHash string, expiresAt time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	shard := s.sessionShard(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	set, ok := shard.sessions[sessionID]
	if !ok {
		set = &sessionTokens{expiry: make(map[string]time.Time, s.maxTokensPerSession)}
		shard.sessions[sessionID] = set
		s.sessionCount.Add(1)
	}

	var evicted string
	if len(set.order) >= s.maxTokensPerSession {
		evicted = set.order[0]
		set.order = set.order[1:]
		delete(set.expiry, evicted)
		s.tokenCount.Add(-1)
	}

	set.order = append(set.order, tokenHash)
	set.expiry[tokenHash] = expiresAt
	s.tokenCount.Add(1)

	return evicted, nil
}

// ConsumeToken atomically removes the hash from the session set if present.
func (s *Store) ConsumeToken(ctx context.Context, sessionID, tokenHash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	shard := s.sessionShard(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	set, ok := shard.sessions[sessionID]
	if !ok {
		return false, nil
	}
	if _, ok := set.expiry[tokenHash]; !ok {
		return false, nil
	}

	s.removeTokenLocked(shard, sessionID, set, tokenHash)
	return true, nil
}

// removeTokenLocked removes one hash from a session set and drops the set if
// it became empty. Caller holds the shard lock.
func (s *Store) removeTokenLocked(shard *sessionShard, sessionID string, set *sessionTokens, tokenHash string) {
	delete(set.expiry, tokenHash)
	for i, h := range set.order {
		if h == tokenHash {
			set.order = append(set.order[:i], set.order[i+1:]...)
			break
		}
	}
	s.tokenCount.Add(-1)

	if len(set.order) == 0 {
		delete(shard.sessions, sessionID)
		s.sessionCount.Add(-1)
	}
}

// ClearSession removes all tokens for a session.
func (s *Store) ClearSession(ctx context.Context, sessionID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	shard := s.sessionShard(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	set, ok := shard.sessions[sessionID]
	if !ok {
		return 0, nil
	}

	removed := len(set.order)
	delete(shard.sessions, sessionID)
	s.tokenCount.Add(int64(-removed))
	s.sessionCount.Add(-1)

	return removed, nil
}

// SweepExpired removes all and only entries with a passed expiration. Shards
// are locked one at a time, so the sweep never stalls all request processing.
func (s *Store) SweepExpired(ctx context.Context) (storage.SweepResult, error) {
	now := s.clock.Now()
	var result storage.SweepResult

	for _, shard := range s.sessionShards {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		shard.mu.Lock()
		for sessionID, set := range shard.sessions {
			n := 0
			for _, h := range set.order {
				if expiresAt, ok := set.expiry[h]; ok && expiresAt.Before(now) {
					delete(set.expiry, h)
					result.Cleaned++
					s.tokenCount.Add(-1)
					continue
				}
				set.order[n] = h
				n++
			}
			set.order = set.order[:n]

			if len(set.order) == 0 {
				delete(shard.sessions, sessionID)
				s.sessionCount.Add(-1)
			}
		}
		shard.mu.Unlock()
	}

	result.Remaining = int(s.tokenCount.Load())
	return result, nil
}

// TokenStats returns aggregate counts from the lock-free counters.
func (s *Store) TokenStats(ctx context.Context) (storage.TokenStats, error) {
	if err := ctx.Err(); err != nil {
		return storage.TokenStats{}, err
	}

	stats := storage.TokenStats{
		ActiveSessions: int(s.sessionCount.Load()),
		ActiveTokens:   int(s.tokenCount.Load()),
	}
	if stats.ActiveSessions > 0 {
		stats.AvgTokensPerSession = float64(stats.ActiveTokens) / float64(stats.ActiveSessions)
	}
	return stats, nil
}

// ==================== RateWindowStore ====================

// Increment records a hit for the key, prunes hits outside the window, and
// reports the post-prune count. The append and the count happen under one
// shard lock, so concurrent increments are never lost.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration, limit int) (storage.RateResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.RateResult{}, err
	}

	now := s.clock.Now()
	windowStart := now.Add(-window)

	shard := s.rateShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec, ok := shard.records[key]
	if !ok {
		rec = &rateRecord{window: window}
		shard.records[key] = rec
		s.recordCount.Add(1)
	}
	rec.window = window

	// Prune in place, then record the new hit
	n := 0
	for _, t := range rec.hits {
		if t.After(windowStart) {
			rec.hits[n] = t
			n++
		}
	}
	rec.hits = rec.hits[:n]
	rec.hits = append(rec.hits, now)

	result := storage.RateResult{
		TotalHits:    len(rec.hits),
		Blocked:      len(rec.hits) > limit,
		TimeToExpire: rec.hits[0].Add(window).Sub(now),
	}
	return result, nil
}

// CleanupIdle removes records whose hits have all aged out of their window.
func (s *Store) CleanupIdle(ctx context.Context) (int, error) {
	now := s.clock.Now()
	removed := 0

	for _, shard := range s.rateShards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		shard.mu.Lock()
		for key, rec := range shard.records {
			live := false
			windowStart := now.Add(-rec.window)
			for _, t := range rec.hits {
				if t.After(windowStart) {
					live = true
					break
				}
			}
			if !live {
				delete(shard.records, key)
				s.recordCount.Add(-1)
				removed++
			}
		}
		shard.mu.Unlock()
	}

	if removed > 0 {
		s.logger.Debug("Idle rate records cleaned up",
			"removed", removed,
			"remaining", s.recordCount.Load())
	}
	return removed, nil
}

// cleanupLoop periodically prunes idle rate records to bound memory for keys
// that go idle.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.CleanupIdle(context.Background()); err != nil {
				s.logger.Warn("Idle rate record cleanup failed", "error", err)
			}
		case <-s.stopCleanup:
			return
		}
	}
}
