package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/edgewall/reqguard/storage"
)

// luaIncrement implements the sliding window log atomically: prune hits that
// fell out of the window, record the new hit, refresh the key TTL, and report
// the post-prune count with the oldest surviving score. The hit is recorded
// even when the key is over its limit, matching the in-memory store.
//
// KEYS[1]=rate key
// ARGV: now (ms), window start (ms), window (ms), hit member
// Returns {count, oldest score}.
const luaIncrement = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
redis.call('ZADD', KEYS[1], tonumber(ARGV[1]), ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
local count = redis.call('ZCARD', KEYS[1])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local oldest_score = ARGV[1]
if oldest[2] then
	oldest_score = oldest[2]
end
return {count, tonumber(oldest_score)}
`

// Increment records a hit and evaluates the sliding window for the key.
// Each hit is a unique sorted-set member so concurrent increments in the same
// millisecond are all counted.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration, limit int) (storage.RateResult, error) {
	now := s.clock.Now()
	windowStart := now.Add(-window)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrement).
			Numkeys(1).
			Key(s.rateKey(key)).
			Arg(strconv.FormatInt(now.UnixMilli(), 10),
				strconv.FormatInt(windowStart.UnixMilli(), 10),
				strconv.FormatInt(window.Milliseconds(), 10),
				uuid.NewString()).
			Build(),
	).AsIntSlice()
	if err != nil {
		return storage.RateResult{}, unavailable("increment", err)
	}
	if len(result) != 2 {
		return storage.RateResult{}, fmt.Errorf("valkey increment: unexpected script result")
	}

	count := int(result[0])
	oldest := time.UnixMilli(result[1])

	return storage.RateResult{
		TotalHits:    count,
		Blocked:      count > limit,
		TimeToExpire: oldest.Add(window).Sub(now),
	}, nil
}

// CleanupIdle is a no-op for Valkey: PEXPIRE on each rate key makes the
// server drop idle records on its own.
func (s *Store) CleanupIdle(_ context.Context) (int, error) {
	return 0, nil
}
