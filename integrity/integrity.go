// Package integrity validates active matches on demand and tears down the ones that are inconsistent.
package integrity

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/pairing/presence"
	"pkg.world.dev/world-engine/pairing/queue"
	"pkg.world.dev/world-engine/pairing/registry"
	"pkg.world.dev/world-engine/pairing/room"
	"pkg.world.dev/world-engine/pairing/signal"
	"pkg.world.dev/world-engine/pairing/statsd"
	"pkg.world.dev/world-engine/pairing/types"
)

// Result summarizes one validation run.
type Result struct {
	Valid         int      `json:"valid"`
	Invalid       int      `json:"invalid"`
	UsersRequeued int      `json:"usersRequeued"`
	Problems      []string `json:"problems,omitempty"`
}

type Validator struct {
	registry *registry.Registry
	presence *presence.Monitor
	queue    *queue.Queue
	signals  *signal.Signaler
	rooms    room.Provider
	log      zerolog.Logger
}

func New(
	r *registry.Registry,
	p *presence.Monitor,
	q *queue.Queue,
	sig *signal.Signaler,
	rooms room.Provider,
	logger zerolog.Logger,
) *Validator {
	if rooms == nil {
		rooms = room.NopProvider{}
	}
	return &Validator{
		registry: r,
		presence: p,
		queue:    q,
		signals:  sig,
		rooms:    rooms,
		log:      logger.With().Str("component", "integrity").Logger(),
	}
}

// ValidateMatches checks that every room record decodes, is filed under its own room and is mirrored by
// both participants. Invalid matches are removed and their reachable participants requeued.
func (v *Validator) ValidateMatches(ctx context.Context) (Result, error) {
	var res Result
	entries, err := v.registry.All(ctx)
	if err != nil {
		return res, err
	}
	for _, e := range entries {
		problem, err := v.check(ctx, e)
		if err != nil {
			return res, err
		}
		if problem == "" {
			res.Valid++
			continue
		}
		res.Invalid++
		res.Problems = append(res.Problems, e.Key+": "+problem)
		v.log.Warn().Str("room", e.Key).Str("problem", problem).Msg("invalid match")

		requeued, err := v.teardown(ctx, e)
		if err != nil {
			return res, err
		}
		res.UsersRequeued += requeued
	}
	statsd.Count("integrity.invalid", int64(res.Invalid))
	return res, nil
}

func (v *Validator) check(ctx context.Context, e registry.Entry) (string, error) {
	if e.Err != nil {
		return "record does not decode", nil
	}
	for _, id := range e.Match.Participants() {
		m, payload, err := v.registry.MirrorRecord(ctx, id)
		switch {
		case eris.Is(err, types.ErrNotFound):
			return "no mirror for " + id, nil
		case eris.Is(err, types.ErrCorruptRecord):
			return "corrupt mirror for " + id, nil
		case err != nil:
			return "", err
		}
		if m.ID != e.Match.ID || m.RoomName != e.Key || payload != e.Payload {
			return "mirror of " + id + " points at another match", nil
		}
	}
	return "", nil
}

func (v *Validator) teardown(ctx context.Context, e registry.Entry) (int, error) {
	if e.Err != nil {
		dropped, err := v.registry.DropRoom(ctx, e.Key, e.Payload)
		if err != nil || !dropped {
			return 0, err
		}
		return 0, v.release(ctx, e.Key)
	}
	if _, err := v.registry.EndRecord(ctx, e.Match, e.Payload); err != nil {
		return 0, err
	}
	// Mirrors that reference this match with a drifted payload are not removed by EndRecord.
	for _, id := range e.Match.Participants() {
		m, payload, err := v.registry.MirrorRecord(ctx, id)
		if err == nil && m.ID == e.Match.ID {
			if _, err := v.registry.DropMirror(ctx, id, payload); err != nil {
				return 0, err
			}
		} else if err != nil && !eris.Is(err, types.ErrNotFound) && !eris.Is(err, types.ErrCorruptRecord) {
			return 0, err
		}
	}
	participants := e.Match.Participants()
	if err := v.release(ctx, e.Key, participants[:]...); err != nil {
		return 0, err
	}

	requeued := 0
	for _, id := range e.Match.Participants() {
		alive, err := v.presence.IsAlive(ctx, id)
		if err != nil {
			return requeued, err
		}
		if !alive {
			continue
		}
		ok, err := v.queue.Requeue(ctx, id, types.Metadata{Demo: e.Match.Demo})
		if err != nil {
			return requeued, err
		}
		if ok {
			requeued++
		}
	}
	return requeued, nil
}

func (v *Validator) release(ctx context.Context, roomName string, participants ...string) error {
	if err := v.signals.MarkRoomDeleted(ctx, roomName, participants...); err != nil {
		return err
	}
	if err := v.rooms.DeleteRoom(ctx, roomName); err != nil {
		v.log.Warn().Err(err).Str("room", roomName).Msg("failed to delete room at provider")
	}
	return nil
}
