// Package lock implements the single matching lock with stale takeover.
// The lock is two keys: the holder token and the acquisition time in milliseconds.
package lock

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/types"
)

const (
	acquiredFresh  = 1
	acquiredSeized = 2
)

// KEYS: holder, time. ARGV: token, now ms, stale after ms.
// A holder without a readable time is treated as stale.
var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	local t = tonumber(redis.call('GET', KEYS[2]))
	if t and tonumber(ARGV[2]) - t <= tonumber(ARGV[3]) then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SET', KEYS[2], ARGV[2])
	return 2
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
return 1
`)

// KEYS: holder, time. ARGV: token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
return 1
`)

// KEYS: holder, time. ARGV: now ms, stale after ms.
var clearStaleScript = redis.NewScript(`
local holder = redis.call('EXISTS', KEYS[1]) == 1
local raw = redis.call('GET', KEYS[2])
if not holder and not raw then
	return 0
end
local t = tonumber(raw)
if holder and t and tonumber(ARGV[1]) - t <= tonumber(ARGV[2]) then
	return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
return 1
`)

type Lock struct {
	s          *storage.Storage
	instanceID string
	log        zerolog.Logger
}

// New returns a lock whose tokens are prefixed with instanceID to make holders identifiable in the store.
func New(s *storage.Storage, instanceID string) *Lock {
	return &Lock{
		s:          s,
		instanceID: instanceID,
		log:        s.Log.With().Str("component", "lock").Logger(),
	}
}

// TryAcquire takes the lock, seizing it when the current holder is older than staleAfter.
// It fails with types.ErrLockUnavailable when a fresh holder exists.
func (l *Lock) TryAcquire(ctx context.Context, staleAfter time.Duration) (types.LockToken, error) {
	token := types.LockToken{Holder: l.newHolder(), AcquiredAt: l.s.NowMs()}
	keys := []string{l.s.Keys.Lock(), l.s.Keys.LockTime()}
	res, err := acquireScript.Run(ctx, l.s.Client, keys, token.Holder, token.AcquiredAt, staleAfter.Milliseconds()).Int64()
	if err != nil {
		return types.LockToken{}, storage.Unavailable(err, "failed to acquire matching lock")
	}
	switch res {
	case acquiredFresh:
		return token, nil
	case acquiredSeized:
		l.log.Warn().Str("holder", token.Holder).Msg("seized stale matching lock")
		return token, nil
	}
	return types.LockToken{}, eris.Wrap(types.ErrLockUnavailable, "matching lock is busy")
}

// Release frees the lock if token still holds it. Releasing a lost lock is a no-op.
func (l *Lock) Release(ctx context.Context, token types.LockToken) (bool, error) {
	keys := []string{l.s.Keys.Lock(), l.s.Keys.LockTime()}
	n, err := releaseScript.Run(ctx, l.s.Client, keys, token.Holder).Int64()
	if err != nil {
		return false, storage.Unavailable(err, "failed to release matching lock")
	}
	if n == 0 {
		l.log.Warn().Str("holder", token.Holder).Msg("matching lock was taken over before release")
	}
	return n == 1, nil
}

// Current returns the current holder, or false when the lock is free.
func (l *Lock) Current(ctx context.Context) (types.LockToken, bool, error) {
	vals, err := l.s.Client.MGet(ctx, l.s.Keys.Lock(), l.s.Keys.LockTime()).Result()
	if err != nil {
		return types.LockToken{}, false, storage.Unavailable(err, "failed to read matching lock")
	}
	holder, ok := vals[0].(string)
	if !ok {
		return types.LockToken{}, false, nil
	}
	token := types.LockToken{Holder: holder}
	if raw, ok := vals[1].(string); ok {
		token.AcquiredAt, _ = strconv.ParseInt(raw, 10, 64)
	}
	return token, true, nil
}

// ClearStale deletes the lock when its holder is older than staleAfter or the lock keys are inconsistent.
func (l *Lock) ClearStale(ctx context.Context, staleAfter time.Duration) (bool, error) {
	keys := []string{l.s.Keys.Lock(), l.s.Keys.LockTime()}
	n, err := clearStaleScript.Run(ctx, l.s.Client, keys, l.s.NowMs(), staleAfter.Milliseconds()).Int64()
	if err != nil {
		return false, storage.Unavailable(err, "failed to clear stale matching lock")
	}
	return n == 1, nil
}

func (l *Lock) newHolder() string {
	if l.instanceID == "" {
		return uuid.NewString()
	}
	return l.instanceID + "/" + uuid.NewString()
}
