// Package mock provides instrumented fakes of the storage interfaces for
// tests: injectable failures and per-method call counts.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/edgewall/reqguard/security"
	"github.com/edgewall/reqguard/storage"
)

// Store is a mock implementation of storage.TokenStore and
// storage.RateWindowStore. Zero value is not usable; use New.
//
// Set TokenErr or RateErr to make the corresponding interface's methods fail,
// simulating an unreachable backend. Call counts are tracked per method so
// tests can assert, for example, that an admin bypass never touches counters.
type Store struct {
	mu sync.Mutex

	clock    security.Clock
	capacity int

	sessions map[string]*sessionEntry
	records  map[string][]time.Time

	// TokenErr, when non-nil, is returned by every TokenStore method.
	TokenErr error

	// RateErr, when non-nil, is returned by every RateWindowStore method.
	RateErr error

	// Call counts
	PutCalls       int
	ConsumeCalls   int
	ClearCalls     int
	SweepCalls     int
	StatsCalls     int
	IncrementCalls int
	CleanupCalls   int
}

type sessionEntry struct {
	order  []string
	expiry map[string]time.Time
}

var (
	_ storage.TokenStore      = (*Store)(nil)
	_ storage.RateWindowStore = (*Store)(nil)
)

// New creates a mock store using the given clock (SystemClock if nil).
func New(clock security.Clock) *Store {
	if clock == nil {
		clock = security.SystemClock
	}
	return &Store{
		clock:    clock,
		capacity: 10,
		sessions: make(map[string]*sessionEntry),
		records:  make(map[string][]time.Time),
	}
}

// SetCapacity overrides the per-session token capacity (default 10).
func (s *Store) SetCapacity(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.capacity = n
	}
}

func (s *Store) PutToken(_ context.Context, sessionID, tokenHash string, expiresAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutCalls++
	if s.TokenErr != nil {
		return "", s.TokenErr
	}

	set, ok := s.sessions[sessionID]
	if !ok {
		set = &sessionEntry{expiry: make(map[string]time.Time)}
		s.sessions[sessionID] = set
	}

	var evicted string
	if len(set.order) >= s.capacity {
		evicted = set.order[0]
		set.order = set.order[1:]
		delete(set.expiry, evicted)
	}
	set.order = append(set.order, tokenHash)
	set.expiry[tokenHash] = expiresAt
	return evicted, nil
}

func (s *Store) ConsumeToken(_ context.Context, sessionID, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConsumeCalls++
	if s.TokenErr != nil {
		return false, s.TokenErr
	}

	set, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	if _, ok := set.expiry[tokenHash]; !ok {
		return false, nil
	}
	delete(set.expiry, tokenHash)
	for i, h := range set.order {
		if h == tokenHash {
			set.order = append(set.order[:i], set.order[i+1:]...)
			break
		}
	}
	if len(set.order) == 0 {
		delete(s.sessions, sessionID)
	}
	return true, nil
}

func (s *Store) ClearSession(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCalls++
	if s.TokenErr != nil {
		return 0, s.TokenErr
	}

	set, ok := s.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	removed := len(set.order)
	delete(s.sessions, sessionID)
	return removed, nil
}

func (s *Store) SweepExpired(_ context.Context) (storage.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SweepCalls++
	if s.TokenErr != nil {
		return storage.SweepResult{}, s.TokenErr
	}

	now := s.clock.Now()
	var result storage.SweepResult
	for sessionID, set := range s.sessions {
		n := 0
		for _, h := range set.order {
			if expiresAt, ok := set.expiry[h]; ok && expiresAt.Before(now) {
				delete(set.expiry, h)
				result.Cleaned++
				continue
			}
			set.order[n] = h
			n++
		}
		set.order = set.order[:n]
		if len(set.order) == 0 {
			delete(s.sessions, sessionID)
		}
	}
	for _, set := range s.sessions {
		result.Remaining += len(set.order)
	}
	return result, nil
}

func (s *Store) TokenStats(_ context.Context) (storage.TokenStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StatsCalls++
	if s.TokenErr != nil {
		return storage.TokenStats{}, s.TokenErr
	}

	stats := storage.TokenStats{ActiveSessions: len(s.sessions)}
	for _, set := range s.sessions {
		stats.ActiveTokens += len(set.order)
	}
	if stats.ActiveSessions > 0 {
		stats.AvgTokensPerSession = float64(stats.ActiveTokens) / float64(stats.ActiveSessions)
	}
	return stats, nil
}

func (s *Store) Increment(_ context.Context, key string, window time.Duration, limit int) (storage.RateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IncrementCalls++
	if s.RateErr != nil {
		return storage.RateResult{}, s.RateErr
	}

	now := s.clock.Now()
	windowStart := now.Add(-window)

	hits := s.records[key]
	n := 0
	for _, t := range hits {
		if t.After(windowStart) {
			hits[n] = t
			n++
		}
	}
	hits = append(hits[:n], now)
	s.records[key] = hits

	return storage.RateResult{
		TotalHits:    len(hits),
		Blocked:      len(hits) > limit,
		TimeToExpire: hits[0].Add(window).Sub(now),
	}, nil
}

func (s *Store) CleanupIdle(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CleanupCalls++
	if s.RateErr != nil {
		return 0, s.RateErr
	}
	return 0, nil
}

// TokenHashes returns the current hash order for a session (test helper).
func (s *Store) TokenHashes(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, len(set.order))
	copy(out, set.order)
	return out
}
