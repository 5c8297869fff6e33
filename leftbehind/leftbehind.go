// Package leftbehind remembers users whose partner left mid call so their client can explain what happened
// and show where they were placed next.
package leftbehind

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/pairing/codec"
	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/types"
)

// KEYS: state. ARGV: expected payload, new payload. The remaining ttl is kept.
var compareAndSetScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
return 1
`)

// KEYS: state. ARGV: expected payload.
var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
return redis.call('DEL', KEYS[1])
`)

// MatchLookup resolves the current match of a user.
type MatchLookup interface {
	LookupByUser(ctx context.Context, userID string) (types.Match, error)
}

type Tracker struct {
	s       *storage.Storage
	ttl     time.Duration
	matches MatchLookup
	log     zerolog.Logger
}

func New(s *storage.Storage, ttl time.Duration, matches MatchLookup) *Tracker {
	return &Tracker{
		s:       s,
		ttl:     ttl,
		matches: matches,
		log:     s.Log.With().Str("component", "leftbehind").Logger(),
	}
}

// Record stores that userID was left in previousRoom by peer. inQueue tells whether the user was re-enqueued.
func (t *Tracker) Record(
	ctx context.Context, userID, previousRoom, peer string, inQueue bool,
) (types.LeftBehindState, error) {
	state := types.NewLeftBehindState(userID, previousRoom, peer, t.s.NowMs())
	state.InQueue = inQueue
	payload, err := codec.EncodeString(state)
	if err != nil {
		return types.LeftBehindState{}, err
	}
	if err := t.s.Client.Set(ctx, t.s.Keys.LeftBehind(userID), payload, t.ttl).Err(); err != nil {
		return types.LeftBehindState{}, storage.Unavailable(err, "failed to record left-behind state")
	}
	t.log.Debug().Str("user", userID).Str("room", previousRoom).Msg("user left behind")
	return state, nil
}

// Get returns the state of userID, types.ErrNotFound when there is none or types.ErrCorruptRecord.
func (t *Tracker) Get(ctx context.Context, userID string) (types.LeftBehindState, error) {
	state, _, err := t.get(ctx, userID)
	return state, err
}

func (t *Tracker) get(ctx context.Context, userID string) (types.LeftBehindState, string, error) {
	payload, err := t.s.Client.Get(ctx, t.s.Keys.LeftBehind(userID)).Result()
	if storage.IsNil(err) {
		return types.LeftBehindState{}, "", eris.Wrapf(types.ErrNotFound, "user %s was not left behind", userID)
	}
	if err != nil {
		return types.LeftBehindState{}, "", storage.Unavailable(err, "failed to read left-behind state")
	}
	state, err := codec.DecodeString[types.LeftBehindState](payload)
	if err != nil {
		return types.LeftBehindState{}, payload, err
	}
	if state.UserID != userID {
		return types.LeftBehindState{}, payload, eris.Wrapf(types.ErrCorruptRecord,
			"left-behind key of %s holds state of %s", userID, state.UserID)
	}
	return state, payload, nil
}

// MarkProcessed records that userID was matched into m. It is a no-op when the user has no pending state.
func (t *Tracker) MarkProcessed(ctx context.Context, userID string, m types.Match) (bool, error) {
	state, payload, err := t.get(ctx, userID)
	switch {
	case eris.Is(err, types.ErrNotFound):
		return false, nil
	case eris.Is(err, types.ErrCorruptRecord):
		// Left for the reconciler.
		return false, nil
	case err != nil:
		return false, err
	}
	if state.Processed {
		return false, nil
	}

	partner, _ := m.Partner(userID)
	state.Processed = true
	state.InQueue = false
	state.MatchedWith = partner
	state.ReassignedRoom = m.RoomName
	state.ProcessedAt = t.s.NowMs()
	next, err := codec.EncodeString(state)
	if err != nil {
		return false, err
	}
	n, err := compareAndSetScript.Run(ctx, t.s.Client, []string{t.s.Keys.LeftBehind(userID)}, payload, next).Int64()
	if err != nil {
		return false, storage.Unavailable(err, "failed to update left-behind state")
	}
	return n == 1, nil
}

// Status tells a client whether it was left behind and, once rematched, where it went.
func (t *Tracker) Status(ctx context.Context, userID string) (types.LeftBehindStatus, types.LeftBehindState, error) {
	state, err := t.Get(ctx, userID)
	switch {
	case eris.Is(err, types.ErrNotFound), eris.Is(err, types.ErrCorruptRecord):
		return types.StatusNotLeftBehind, types.LeftBehindState{}, nil
	case err != nil:
		return "", types.LeftBehindState{}, err
	}
	if state.Processed {
		return types.StatusAlreadyMatched, state, nil
	}

	if t.matches != nil {
		m, err := t.matches.LookupByUser(ctx, userID)
		switch {
		case err == nil && m.RoomName != state.PreviousRoom:
			if _, err := t.MarkProcessed(ctx, userID, m); err != nil {
				return "", types.LeftBehindState{}, err
			}
			state, err = t.Get(ctx, userID)
			if err != nil {
				return "", types.LeftBehindState{}, err
			}
			return types.StatusAlreadyMatched, state, nil
		case err != nil && !eris.Is(err, types.ErrNotFound) && !eris.Is(err, types.ErrCorruptRecord):
			return "", types.LeftBehindState{}, err
		}
	}
	return types.StatusLeftBehind, state, nil
}

// Delete removes the state of userID if it still holds payload.
func (t *Tracker) Delete(ctx context.Context, userID, payload string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, t.s.Client, []string{t.s.Keys.LeftBehind(userID)}, payload).Int64()
	if err != nil {
		return false, storage.Unavailable(err, "failed to delete left-behind state")
	}
	return n == 1, nil
}

// Entry is one raw left-behind record.
type Entry struct {
	UserID  string
	Payload string
	State   types.LeftBehindState
	Err     error
}

// All returns every left-behind record currently stored.
func (t *Tracker) All(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := t.s.ScanKeys(ctx, t.s.Keys.LeftBehindPattern(), func(key string) error {
		userID := t.s.Keys.UserFromLeftBehindKey(key)
		state, payload, err := t.get(ctx, userID)
		if eris.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil && !eris.Is(err, types.ErrCorruptRecord) {
			return err
		}
		out = append(out, Entry{UserID: userID, Payload: payload, State: state, Err: err})
		return nil
	})
	return out, err
}
