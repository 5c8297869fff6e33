// Package presence tracks which users are alive through expiring heartbeat keys.
package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/types"
)

// KEYS: heartbeat, waiting, seen, in_call, match mirror. ARGV: userId, now ms, ttl ms, mirror ttl ms.
// The queue and in-call activity markers are only touched for users already present there.
// A live participant keeps its match mirror from expiring.
var heartbeatScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
	redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
end
redis.call('ZADD', KEYS[4], 'XX', ARGV[2], ARGV[1])
redis.call('PEXPIRE', KEYS[5], ARGV[4])
return 1
`)

type Monitor struct {
	s         *storage.Storage
	ttl       time.Duration
	mirrorTTL time.Duration
	log       zerolog.Logger
}

// New returns a monitor whose heartbeats last ttl and extend a held match mirror to mirrorTTL.
func New(s *storage.Storage, ttl, mirrorTTL time.Duration) *Monitor {
	return &Monitor{
		s:         s,
		ttl:       ttl,
		mirrorTTL: mirrorTTL,
		log:       s.Log.With().Str("component", "presence").Logger(),
	}
}

// Heartbeat records that userID is alive for the next ttl.
func (m *Monitor) Heartbeat(ctx context.Context, userID string) (types.HeartbeatRecord, error) {
	if userID == "" {
		return types.HeartbeatRecord{}, eris.Wrap(types.ErrInvalidInput, "user id must not be empty")
	}
	now := m.s.NowMs()
	keys := []string{
		m.s.Keys.Heartbeat(userID), m.s.Keys.WaitingQueue(), m.s.Keys.WaitingSeen(), m.s.Keys.InCall(),
		m.s.Keys.Match(userID),
	}
	err := heartbeatScript.Run(ctx, m.s.Client, keys, userID, now, m.ttl.Milliseconds(), m.mirrorTTL.Milliseconds()).Err()
	if err != nil {
		return types.HeartbeatRecord{}, storage.Unavailable(err, "failed to record heartbeat")
	}
	return types.HeartbeatRecord{UserID: userID, LastSeenAt: now}, nil
}

// IsAlive reports whether userID has an unexpired heartbeat.
func (m *Monitor) IsAlive(ctx context.Context, userID string) (bool, error) {
	n, err := m.s.Client.Exists(ctx, m.s.Keys.Heartbeat(userID)).Result()
	if err != nil {
		return false, storage.Unavailable(err, "failed to read heartbeat")
	}
	return n == 1, nil
}

// LastSeen returns the latest unexpired heartbeat of userID.
func (m *Monitor) LastSeen(ctx context.Context, userID string) (types.HeartbeatRecord, bool, error) {
	raw, err := m.s.Client.Get(ctx, m.s.Keys.Heartbeat(userID)).Result()
	if storage.IsNil(err) {
		return types.HeartbeatRecord{}, false, nil
	}
	if err != nil {
		return types.HeartbeatRecord{}, false, storage.Unavailable(err, "failed to read heartbeat")
	}
	ms, err := storage.ParseMillis(raw)
	if err != nil {
		// The key is alive even if its value is unreadable.
		m.log.Debug().Err(err).Str("user", userID).Msg("unreadable heartbeat value")
		return types.HeartbeatRecord{UserID: userID}, true, nil
	}
	return types.HeartbeatRecord{UserID: userID, LastSeenAt: ms}, true, nil
}

// Alive returns the liveness of every given user in one round trip.
func (m *Monitor) Alive(ctx context.Context, userIDs ...string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = m.s.Keys.Heartbeat(id)
	}
	vals, err := m.s.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storage.Unavailable(err, "failed to read heartbeats")
	}
	for i, v := range vals {
		out[userIDs[i]] = v != nil
	}
	return out, nil
}
