package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/edgewall/reqguard/internal/util"
	"github.com/edgewall/reqguard/security"
	"github.com/edgewall/reqguard/storage"
)

// expiryMemberSep separates the session ID from the token hash in expiration
// index members. Unit separator: cannot appear in hex token hashes and is not
// expected in session identifiers.
const expiryMemberSep = "\x1f"

// sweepBatchSize is the number of expired index members processed per Lua
// invocation, bounding script execution time on the server.
const sweepBatchSize = 1000

// Lua scripts keep check-and-mutate sequences atomic on the server, so
// concurrent guards across instances cannot double-consume a token or
// overfill a session set.
const (
	// luaPutToken: evict the oldest member when at capacity, then insert.
	// KEYS[1]=session zset, KEYS[2]=expiry index
	// ARGV: hash, insert score (ms), expiry score (ms), capacity, member prefix
	// Returns the evicted hash, or an empty string.
	luaPutToken = `
local evicted = ''
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[4]) then
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0)
	if oldest[1] then
		evicted = oldest[1]
		redis.call('ZREM', KEYS[1], evicted)
		redis.call('ZREM', KEYS[2], ARGV[5] .. evicted)
	end
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[2]), ARGV[1])
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[5] .. ARGV[1])
return evicted
`

	// luaConsumeToken: remove the hash from the session set and, only if it
	// was present, from the expiry index. Exactly one concurrent caller can
	// observe 1.
	// KEYS[1]=session zset, KEYS[2]=expiry index
	// ARGV: hash, expiry index member
	luaConsumeToken = `
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 then
	redis.call('ZREM', KEYS[2], ARGV[2])
end
return removed
`

	// luaClearSession: drop every token of one session from both structures.
	// KEYS[1]=session zset, KEYS[2]=expiry index
	// ARGV: member prefix
	luaClearSession = `
local hashes = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, hash in ipairs(hashes) do
	redis.call('ZREM', KEYS[2], ARGV[1] .. hash)
end
redis.call('DEL', KEYS[1])
return #hashes
`

	// luaSweepExpired: remove one batch of expired index members and their
	// session-set counterparts. Emptied session zsets disappear on the last
	// ZREM. Returns {cleaned, remaining}.
	// KEYS[1]=expiry index
	// ARGV: now (ms, exclusive), separator, session key prefix, batch size
	luaSweepExpired = `
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
local cleaned = 0
for _, member in ipairs(expired) do
	local pos = string.find(member, ARGV[2], 1, true)
	if pos then
		local sess = string.sub(member, 1, pos - 1)
		local hash = string.sub(member, pos + 1)
		redis.call('ZREM', ARGV[3] .. sess, hash)
	end
	redis.call('ZREM', KEYS[1], member)
	cleaned = cleaned + 1
end
return {cleaned, redis.call('ZCARD', KEYS[1])}
`
)

// PutToken inserts a token hash for a session, evicting the oldest entry
// first when the session set is at capacity.
func (s *Store) PutToken(ctx context.Context, sessionID, tokenHash string, expiresAt time.Time) (string, error) {
	memberPrefix := sessionID + expiryMemberSep

	evicted, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaPutToken).
			Numkeys(2).
			Key(s.sessionKey(sessionID), s.expiryIndexKey()).
			Arg(tokenHash,
				strconv.FormatInt(s.clock.Now().UnixMilli(), 10),
				strconv.FormatInt(expiresAt.UnixMilli(), 10),
				strconv.Itoa(s.maxTokensPerSession),
				memberPrefix).
			Build(),
	).ToString()
	if err != nil {
		return "", unavailable("put token", err)
	}

	if evicted != "" {
		s.logger.Debug("Evicted oldest token from full session set",
			"session_id_hash", security.HashForLogging(sessionID),
			"evicted_hash_prefix", util.SafeTruncate(evicted, hashLogLength))
	}
	return evicted, nil
}

// ConsumeToken atomically removes the hash from the session set if present.
func (s *Store) ConsumeToken(ctx context.Context, sessionID, tokenHash string) (bool, error) {
	removed, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeToken).
			Numkeys(2).
			Key(s.sessionKey(sessionID), s.expiryIndexKey()).
			Arg(tokenHash, sessionID+expiryMemberSep+tokenHash).
			Build(),
	).ToInt64()
	if err != nil {
		return false, unavailable("consume token", err)
	}
	return removed == 1, nil
}

// ClearSession removes all tokens for a session.
func (s *Store) ClearSession(ctx context.Context, sessionID string) (int, error) {
	removed, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaClearSession).
			Numkeys(2).
			Key(s.sessionKey(sessionID), s.expiryIndexKey()).
			Arg(sessionID + expiryMemberSep).
			Build(),
	).ToInt64()
	if err != nil {
		return 0, unavailable("clear session", err)
	}
	return int(removed), nil
}

// SweepExpired removes expired entries in batches until none remain.
func (s *Store) SweepExpired(ctx context.Context) (storage.SweepResult, error) {
	now := strconv.FormatInt(s.clock.Now().UnixMilli(), 10)
	var result storage.SweepResult

	for {
		batch, err := s.client.Do(ctx,
			s.client.B().Eval().Script(luaSweepExpired).
				Numkeys(1).
				Key(s.expiryIndexKey()).
				Arg(now, expiryMemberSep, s.prefix+"csrf:sess:", strconv.Itoa(sweepBatchSize)).
				Build(),
		).AsIntSlice()
		if err != nil {
			return result, unavailable("sweep expired", err)
		}
		if len(batch) != 2 {
			return result, fmt.Errorf("valkey sweep expired: unexpected script result")
		}

		result.Cleaned += int(batch[0])
		result.Remaining = int(batch[1])

		if batch[0] < int64(sweepBatchSize) {
			return result, nil
		}
	}
}

// TokenStats counts active tokens from the expiration index and active
// sessions by scanning session keys.
func (s *Store) TokenStats(ctx context.Context) (storage.TokenStats, error) {
	tokens, err := s.client.Do(ctx,
		s.client.B().Zcard().Key(s.expiryIndexKey()).Build(),
	).ToInt64()
	if err != nil {
		return storage.TokenStats{}, unavailable("token stats", err)
	}

	sessions, err := s.countSessionKeys(ctx)
	if err != nil {
		return storage.TokenStats{}, err
	}

	stats := storage.TokenStats{
		ActiveSessions: sessions,
		ActiveTokens:   int(tokens),
	}
	if sessions > 0 {
		stats.AvgTokensPerSession = float64(tokens) / float64(sessions)
	}
	return stats, nil
}

// countSessionKeys counts session sets via SCAN, batching to avoid blocking
// the server.
func (s *Store) countSessionKeys(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0
	pattern := s.prefix + "csrf:sess:*"

	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			return 0, unavailable("count sessions", err)
		}

		count += len(result.Elements)
		cursor = result.Cursor
		if cursor == 0 {
			return count, nil
		}
	}
}
