package registry

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/pairing/codec"
	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/types"
)

// Entry is one raw record read from the registry, keyed by room for the hash and by user for mirrors.
type Entry struct {
	Key     string
	Payload string
	Match   types.Match
	Err     error
}

// All returns every record of the room keyed hash ordered by room name.
func (r *Registry) All(ctx context.Context) ([]Entry, error) {
	raw, err := r.s.Client.HGetAll(ctx, r.s.Keys.ActiveMatches()).Result()
	if err != nil {
		return nil, storage.Unavailable(err, "failed to read matches")
	}
	out := make([]Entry, 0, len(raw))
	for room, payload := range raw {
		e := Entry{Key: room, Payload: payload}
		e.Match, e.Err = codec.DecodeString[types.Match](payload)
		if e.Err == nil && e.Match.RoomName != room {
			e.Err = eris.Wrapf(types.ErrCorruptRecord, "room %s holds match of %s", room, e.Match.RoomName)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Mirrors returns every per user mirror keyed by user id.
func (r *Registry) Mirrors(ctx context.Context) (map[string]Entry, error) {
	out := make(map[string]Entry)
	err := r.s.ScanKeys(ctx, r.s.Keys.MatchPattern(), func(key string) error {
		userID := r.s.Keys.UserFromMatchKey(key)
		m, payload, err := r.mirror(ctx, userID)
		if eris.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil && !eris.Is(err, types.ErrCorruptRecord) {
			return err
		}
		out[userID] = Entry{Key: userID, Payload: payload, Match: m, Err: err}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MirrorRecord returns the decoded mirror of userID together with its raw payload.
func (r *Registry) MirrorRecord(ctx context.Context, userID string) (types.Match, string, error) {
	return r.mirror(ctx, userID)
}

// RoomRecord returns the decoded match of roomName together with its raw payload.
func (r *Registry) RoomRecord(ctx context.Context, roomName string) (types.Match, string, error) {
	return r.room(ctx, roomName)
}
