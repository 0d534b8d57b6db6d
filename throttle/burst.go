package throttle

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultBurstMaxTracked bounds how many distinct callers the burst
	// smoother tracks at once. Beyond it, the least recently seen caller's
	// bucket is dropped.
	DefaultBurstMaxTracked = 10000

	burstCleanupInterval = 5 * time.Minute
	burstMaxIdle         = 30 * time.Minute
)

// burstEntry tracks one caller's token bucket and its last access time.
type burstEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// BurstLimiter smooths instantaneous request spikes with per-caller token
// buckets, in front of the windowed tiers. Where a windowed tier answers
// "how many requests in the last N seconds", the bucket answers "how fast
// right now": a caller can be well inside every window yet still hammer
// the server in a single second.
//
// Tracked callers are held in an LRU so memory stays bounded regardless of
// key cardinality; buckets idle for a long time are also reclaimed by a
// background cleanup.
type BurstLimiter struct {
	entries    map[string]*list.Element // burst key -> list element
	lruList    *list.List               // LRU of *burstEntry
	mu         sync.RWMutex
	ratePerSec int
	capacity   int
	maxTracked int
	logger     *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once

	totalEvictions int64
	totalCleanups  int64
}

// NewBurstLimiter creates a burst smoother admitting ratePerSec sustained
// requests per second per caller with bursts up to capacity. maxTracked
// bounds the number of callers tracked; zero selects the default.
func NewBurstLimiter(ratePerSec, capacity, maxTracked int, logger *slog.Logger) *BurstLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTracked <= 0 {
		maxTracked = DefaultBurstMaxTracked
	}

	b := &BurstLimiter{
		entries:     make(map[string]*list.Element),
		lruList:     list.New(),
		ratePerSec:  ratePerSec,
		capacity:    capacity,
		maxTracked:  maxTracked,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go b.cleanupLoop()

	return b
}

// Allow reports whether the caller's bucket admits one more request now.
func (b *BurstLimiter) Allow(key string) bool {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if elem, exists := b.entries[key]; exists {
		b.lruList.MoveToFront(elem)
		entry := elem.Value.(*burstEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if len(b.entries) >= b.maxTracked {
		b.evictLRU()
	}

	entry := &burstEntry{
		key:        key,
		limiter:    rate.NewLimiter(rate.Limit(b.ratePerSec), b.capacity),
		lastAccess: now,
	}
	elem := b.lruList.PushFront(entry)
	b.entries[key] = elem

	return entry.limiter.Allow()
}

// evictLRU removes the least recently seen caller. Caller must hold the lock.
func (b *BurstLimiter) evictLRU() {
	elem := b.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*burstEntry)
	delete(b.entries, entry.key)
	b.lruList.Remove(elem)
	b.totalEvictions++

	b.logger.Debug("burst limiter LRU eviction",
		"key", entry.key,
		"total_evictions", b.totalEvictions,
		"tracked", len(b.entries))
}

func (b *BurstLimiter) cleanupLoop() {
	ticker := time.NewTicker(burstCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Cleanup(burstMaxIdle)
		case <-b.stopCleanup:
			return
		}
	}
}

// Cleanup removes buckets not accessed within maxIdle.
func (b *BurstLimiter) Cleanup(maxIdle time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := b.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*burstEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(b.entries, entry.key)
			b.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		b.totalCleanups++
		b.logger.Debug("burst limiter cleanup completed",
			"removed", removed,
			"remaining", len(b.entries),
			"total_cleanups", b.totalCleanups)
	}
}

// Stop terminates the background cleanup. Safe to call multiple times.
func (b *BurstLimiter) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCleanup)
	})
}

// BurstStats holds burst limiter statistics for monitoring.
type BurstStats struct {
	TrackedCallers int
	MaxTracked     int
	TotalEvictions int64
	TotalCleanups  int64
	MemoryPressure float64 // percentage of max capacity in use
}

// Stats returns current statistics, useful for tuning maxTracked.
func (b *BurstLimiter) Stats() BurstStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := BurstStats{
		TrackedCallers: len(b.entries),
		MaxTracked:     b.maxTracked,
		TotalEvictions: b.totalEvictions,
		TotalCleanups:  b.totalCleanups,
	}
	if b.maxTracked > 0 {
		s.MemoryPressure = float64(s.TrackedCallers) / float64(b.maxTracked) * 100.0
	}
	return s
}
