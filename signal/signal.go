// Package signal raises short lived disconnect flags for users and rooms and lets clients poll them.
// Raising a per user flag also publishes on the user's channel so push clients can poll right away.
package signal

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/types"
)

// KEYS: the per user flags in priority order, optionally followed by the room-deleted flag.
// ARGV: the matching signal kinds.
// Per user flags are all cleared on the first poll that sees any of them.
var pollScript = redis.NewScript(`
local reason = false
for i = 1, 3 do
	if not reason and redis.call('EXISTS', KEYS[i]) == 1 then
		reason = ARGV[i]
	end
end
if reason then
	redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
	return reason
end
if #KEYS >= 4 and redis.call('EXISTS', KEYS[4]) == 1 then
	return ARGV[4]
end
return ''
`)

// MatchLookup resolves the current room of a user when the client does not send one.
type MatchLookup interface {
	LookupByUser(ctx context.Context, userID string) (types.Match, error)
}

type Signaler struct {
	s       *storage.Storage
	ttl     time.Duration
	matches MatchLookup
	log     zerolog.Logger
}

func New(s *storage.Storage, ttl time.Duration, matches MatchLookup) *Signaler {
	return &Signaler{
		s:       s,
		ttl:     ttl,
		matches: matches,
		log:     s.Log.With().Str("component", "signal").Logger(),
	}
}

// Raise sets a per user flag that expires after the signal ttl and notifies the user's channel.
func (s *Signaler) Raise(ctx context.Context, userID string, kind types.SignalKind) error {
	if userID == "" {
		return eris.Wrap(types.ErrInvalidInput, "user id must not be empty")
	}
	if !kind.IsUserSignal() {
		return eris.Wrapf(types.ErrInvalidInput, "%s is not a per user signal", kind)
	}
	_, err := s.s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.s.Keys.Flag(kind, userID), s.s.NowMs(), s.ttl)
		pipe.Publish(ctx, s.s.Keys.SignalChannel(userID), kind.String())
		return nil
	})
	if err != nil {
		return storage.Unavailable(err, "failed to raise "+kind.String())
	}
	s.log.Debug().Str("user", userID).Str("signal", kind.String()).Msg("signal raised")
	return nil
}

// MarkRoomDeleted flags roomName so both former participants learn the room is gone.
func (s *Signaler) MarkRoomDeleted(ctx context.Context, roomName string, participants ...string) error {
	if roomName == "" {
		return eris.Wrap(types.ErrInvalidInput, "room name must not be empty")
	}
	_, err := s.s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.s.Keys.Flag(types.SignalRoomDeleted, roomName), s.s.NowMs(), s.ttl)
		for _, id := range participants {
			pipe.Publish(ctx, s.s.Keys.SignalChannel(id), types.SignalRoomDeleted.String())
		}
		return nil
	})
	if err != nil {
		return storage.Unavailable(err, "failed to mark room deleted")
	}
	return nil
}

// Poll reports whether userID should leave its room and why. Per user flags are consumed by the poll
// that observes them. The room-deleted flag is checked for roomName, or for the user's current room
// when roomName is empty, and is left for the other participant.
func (s *Signaler) Poll(ctx context.Context, userID, roomName string) (types.PollResult, error) {
	if userID == "" {
		return types.PollResult{}, eris.Wrap(types.ErrInvalidInput, "user id must not be empty")
	}
	if roomName == "" && s.matches != nil {
		m, err := s.matches.LookupByUser(ctx, userID)
		switch {
		case err == nil:
			roomName = m.RoomName
		case eris.Is(err, types.ErrNotFound), eris.Is(err, types.ErrCorruptRecord):
		default:
			return types.PollResult{}, err
		}
	}

	keys := make([]string, 0, len(types.UserSignals)+1)
	args := make([]any, 0, len(types.UserSignals)+1)
	for _, kind := range types.UserSignals {
		keys = append(keys, s.s.Keys.Flag(kind, userID))
		args = append(args, kind.String())
	}
	if roomName != "" {
		keys = append(keys, s.s.Keys.Flag(types.SignalRoomDeleted, roomName))
		args = append(args, types.SignalRoomDeleted.String())
	}

	reason, err := pollScript.Run(ctx, s.s.Client, keys, args...).Text()
	if err != nil {
		return types.PollResult{}, storage.Unavailable(err, "failed to poll signals")
	}
	if reason == "" {
		return types.PollResult{}, nil
	}
	return types.PollResult{Disconnected: true, Reason: types.SignalKind(reason)}, nil
}

// Subscribe opens the push channel of userID. The caller must close the subscription.
func (s *Signaler) Subscribe(ctx context.Context, userID string) *redis.PubSub {
	return s.s.Client.Subscribe(ctx, s.s.Keys.SignalChannel(userID))
}
