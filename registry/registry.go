// Package registry is the source of truth for active matches.
// A match lives in the room keyed hash and in one mirror per participant for constant time lookups.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/pairing/codec"
	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/types"
)

const roomPrefix = "room-"

type Registry struct {
	s         *storage.Storage
	mirrorTTL time.Duration
	log       zerolog.Logger
}

func New(s *storage.Storage, mirrorTTL time.Duration) *Registry {
	return &Registry{
		s:         s,
		mirrorTTL: mirrorTTL,
		log:       s.Log.With().Str("component", "registry").Logger(),
	}
}

// CreateMatch pairs userA with userB in a fresh room. It fails with types.ErrDuplicateParticipant
// if either user already holds a match, in which case nothing is written.
func (r *Registry) CreateMatch(ctx context.Context, userA, userB string, demo bool) (types.Match, error) {
	return r.create(ctx, userA, userB, demo, false)
}

// CreateMatchFromQueue is CreateMatch for users taken from the waiting queue. It also fails with
// types.ErrNotQueued when either user left the queue since it was read.
func (r *Registry) CreateMatchFromQueue(ctx context.Context, userA, userB string, demo bool) (types.Match, error) {
	return r.create(ctx, userA, userB, demo, true)
}

func (r *Registry) create(ctx context.Context, userA, userB string, demo, fromQueue bool) (types.Match, error) {
	if userA == "" || userB == "" {
		return types.Match{}, eris.Wrap(types.ErrInvalidInput, "participants must not be empty")
	}
	if userA == userB {
		return types.Match{}, eris.Wrapf(types.ErrInvalidInput, "cannot match %s with itself", userA)
	}

	id := uuid.NewString()
	m := types.NewMatch(id, userA, userB, roomPrefix+id, r.s.NowMs(), demo)
	payload, err := codec.EncodeString(m)
	if err != nil {
		return types.Match{}, err
	}

	keys := []string{r.s.Keys.ActiveMatches(), r.s.Keys.Match(userA), r.s.Keys.Match(userB), r.s.Keys.InCall()}
	if fromQueue {
		keys = append(keys, r.s.Keys.WaitingQueue())
	}
	res, err := createScript.Run(ctx, r.s.Client, keys,
		m.RoomName, payload, userA, userB, r.mirrorTTL.Milliseconds(), m.CreatedAt).Int64()
	if err != nil {
		return types.Match{}, storage.Unavailable(err, "failed to create match")
	}
	switch res {
	case 0:
		return types.Match{}, eris.Wrapf(types.ErrDuplicateParticipant, "cannot match %s with %s", userA, userB)
	case -1:
		return types.Match{}, eris.Errorf("room %s already exists", m.RoomName)
	case -2:
		return types.Match{}, eris.Wrapf(types.ErrNotQueued, "cannot match %s with %s", userA, userB)
	}

	r.log.Info().Str("room", m.RoomName).Str("userA", userA).Str("userB", userB).Msg("match created")
	return m, nil
}

// LookupByUser returns the active match of userID, types.ErrNotFound if there is none and
// types.ErrCorruptRecord if the mirror cannot be decoded.
func (r *Registry) LookupByUser(ctx context.Context, userID string) (types.Match, error) {
	m, _, err := r.mirror(ctx, userID)
	return m, err
}

func (r *Registry) mirror(ctx context.Context, userID string) (types.Match, string, error) {
	payload, err := r.s.Client.Get(ctx, r.s.Keys.Match(userID)).Result()
	if storage.IsNil(err) {
		return types.Match{}, "", eris.Wrapf(types.ErrNotFound, "user %s has no match", userID)
	}
	if err != nil {
		return types.Match{}, "", storage.Unavailable(err, "failed to read match mirror")
	}
	m, err := codec.DecodeString[types.Match](payload)
	if err != nil {
		return types.Match{}, payload, err
	}
	if !m.Has(userID) {
		return types.Match{}, payload, eris.Wrapf(types.ErrCorruptRecord, "mirror of %s points at %s", userID, m.ID)
	}
	return m, payload, nil
}

// LookupByRoom returns the match in roomName or types.ErrNotFound.
func (r *Registry) LookupByRoom(ctx context.Context, roomName string) (types.Match, error) {
	m, _, err := r.room(ctx, roomName)
	return m, err
}

func (r *Registry) room(ctx context.Context, roomName string) (types.Match, string, error) {
	payload, err := r.s.Client.HGet(ctx, r.s.Keys.ActiveMatches(), roomName).Result()
	if storage.IsNil(err) {
		return types.Match{}, "", eris.Wrapf(types.ErrNotFound, "room %s has no match", roomName)
	}
	if err != nil {
		return types.Match{}, "", storage.Unavailable(err, "failed to read match")
	}
	m, err := codec.DecodeString[types.Match](payload)
	if err != nil {
		return types.Match{}, payload, err
	}
	if m.RoomName != roomName {
		return types.Match{}, payload, eris.Wrapf(types.ErrCorruptRecord, "room %s holds match of %s", roomName, m.RoomName)
	}
	return m, payload, nil
}

// IsMatched reports whether userID holds a mirror. A corrupt mirror still counts as matched.
func (r *Registry) IsMatched(ctx context.Context, userID string) (bool, error) {
	n, err := r.s.Client.Exists(ctx, r.s.Keys.Match(userID)).Result()
	if err != nil {
		return false, storage.Unavailable(err, "failed to read match mirror")
	}
	return n == 1, nil
}

// EndMatch removes the match in roomName. It reports false when there was nothing to end.
func (r *Registry) EndMatch(ctx context.Context, roomName string) (types.Match, bool, error) {
	m, payload, err := r.room(ctx, roomName)
	switch {
	case eris.Is(err, types.ErrNotFound):
		return types.Match{}, false, nil
	case eris.Is(err, types.ErrCorruptRecord):
		r.log.Warn().Err(err).Str("room", roomName).Msg("dropping corrupt match record")
		_, err := r.DropRoom(ctx, roomName, payload)
		return types.Match{}, false, err
	case err != nil:
		return types.Match{}, false, err
	}
	ended, err := r.EndRecord(ctx, m, payload)
	return m, ended, err
}

// EndMatchByUser removes the match held by userID. It reports false when there was nothing to end.
func (r *Registry) EndMatchByUser(ctx context.Context, userID string) (types.Match, bool, error) {
	m, payload, err := r.mirror(ctx, userID)
	switch {
	case eris.Is(err, types.ErrNotFound):
		return types.Match{}, false, nil
	case eris.Is(err, types.ErrCorruptRecord):
		r.log.Warn().Err(err).Str("user", userID).Msg("dropping corrupt match mirror")
		_, err := r.DropMirror(ctx, userID, payload)
		return types.Match{}, false, err
	case err != nil:
		return types.Match{}, false, err
	}
	ended, err := r.EndRecord(ctx, m, payload)
	return m, ended, err
}

// EndMatchByID removes the match with the given id.
func (r *Registry) EndMatchByID(ctx context.Context, matchID string) (types.Match, bool, error) {
	entries, err := r.All(ctx)
	if err != nil {
		return types.Match{}, false, err
	}
	for _, e := range entries {
		if e.Err == nil && e.Match.ID == matchID {
			ended, err := r.EndRecord(ctx, e.Match, e.Payload)
			return e.Match, ended, err
		}
	}
	return types.Match{}, false, nil
}

// EndRecord removes every structure that still holds exactly payload for m.
func (r *Registry) EndRecord(ctx context.Context, m types.Match, payload string) (bool, error) {
	keys := []string{r.s.Keys.ActiveMatches(), r.s.Keys.Match(m.UserA), r.s.Keys.Match(m.UserB), r.s.Keys.InCall()}
	n, err := endScript.Run(ctx, r.s.Client, keys, m.RoomName, payload, m.UserA, m.UserB).Int64()
	if err != nil {
		return false, storage.Unavailable(err, "failed to end match")
	}
	if n == 1 {
		r.log.Info().Str("room", m.RoomName).Str("match", m.ID).Msg("match ended")
	}
	return n == 1, nil
}

// DropMirror deletes the mirror of userID if it still holds payload.
func (r *Registry) DropMirror(ctx context.Context, userID, payload string) (bool, error) {
	keys := []string{r.s.Keys.Match(userID), r.s.Keys.InCall()}
	n, err := dropMirrorScript.Run(ctx, r.s.Client, keys, userID, payload).Int64()
	if err != nil {
		return false, storage.Unavailable(err, "failed to drop match mirror")
	}
	return n == 1, nil
}

// DropRoom deletes the match field of roomName if it still holds payload.
func (r *Registry) DropRoom(ctx context.Context, roomName, payload string) (bool, error) {
	n, err := dropRoomScript.Run(ctx, r.s.Client, []string{r.s.Keys.ActiveMatches()}, roomName, payload).Int64()
	if err != nil {
		return false, storage.Unavailable(err, "failed to drop match record")
	}
	return n == 1, nil
}

// DropInCall removes userID from the in-call set unless the user holds a mirror.
func (r *Registry) DropInCall(ctx context.Context, userID string) (bool, error) {
	keys := []string{r.s.Keys.InCall(), r.s.Keys.Match(userID)}
	n, err := dropInCallScript.Run(ctx, r.s.Client, keys, userID).Int64()
	if err != nil {
		return false, storage.Unavailable(err, "failed to drop in-call entry")
	}
	return n == 1, nil
}

// InCall returns every user in the in-call set with the last time they were seen.
func (r *Registry) InCall(ctx context.Context) (map[string]int64, error) {
	zs, err := r.s.Client.ZRangeWithScores(ctx, r.s.Keys.InCall(), 0, -1).Result()
	if err != nil {
		return nil, storage.Unavailable(err, "failed to read in-call set")
	}
	out := make(map[string]int64, len(zs))
	for _, z := range zs {
		if id, ok := z.Member.(string); ok {
			out[id] = int64(z.Score)
		}
	}
	return out, nil
}

func (r *Registry) Count(ctx context.Context) (int64, error) {
	n, err := r.s.Client.HLen(ctx, r.s.Keys.ActiveMatches()).Result()
	if err != nil {
		return 0, storage.Unavailable(err, "failed to count matches")
	}
	return n, nil
}
