// Package alone evicts users who stay by themselves in a room after their partner vanished.
package alone

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/pairing/leftbehind"
	"pkg.world.dev/world-engine/pairing/presence"
	"pkg.world.dev/world-engine/pairing/queue"
	"pkg.world.dev/world-engine/pairing/registry"
	"pkg.world.dev/world-engine/pairing/room"
	"pkg.world.dev/world-engine/pairing/signal"
	"pkg.world.dev/world-engine/pairing/statsd"
	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/types"
)

type Transition string

const (
	NoChange     Transition = "no_change"
	TimerStarted Transition = "timer_started"
	TimerCleared Transition = "timer_cleared"
	Evicted      Transition = "evicted"
)

type Detector struct {
	s          *storage.Storage
	registry   *registry.Registry
	presence   *presence.Monitor
	queue      *queue.Queue
	signals    *signal.Signaler
	leftBehind *leftbehind.Tracker
	rooms      room.Provider
	threshold  time.Duration
	log        zerolog.Logger
}

func New(
	s *storage.Storage,
	r *registry.Registry,
	p *presence.Monitor,
	q *queue.Queue,
	sig *signal.Signaler,
	lb *leftbehind.Tracker,
	rooms room.Provider,
	threshold time.Duration,
) *Detector {
	return &Detector{
		s:          s,
		registry:   r,
		presence:   p,
		queue:      q,
		signals:    sig,
		leftBehind: lb,
		rooms:      rooms,
		threshold:  threshold,
		log:        s.Log.With().Str("component", "alone").Logger(),
	}
}

// Evaluate applies one observation of roomName, present being the participants currently in it.
// One participant starts the alone timer or evicts them once it is older than the threshold,
// two participants clear it. Evaluating a room whose match is gone only clears leftover timers.
func (d *Detector) Evaluate(ctx context.Context, roomName string, present []string) (Transition, error) {
	m, err := d.registry.LookupByRoom(ctx, roomName)
	if eris.Is(err, types.ErrNotFound) || eris.Is(err, types.ErrCorruptRecord) {
		return d.Clear(ctx, roomName)
	}
	if err != nil {
		return NoChange, err
	}

	inRoom := make([]string, 0, len(present))
	for _, id := range present {
		if m.Has(id) {
			inRoom = append(inRoom, id)
		}
	}

	switch len(inRoom) {
	case 0:
		return NoChange, nil
	case 1:
	default:
		return d.Clear(ctx, roomName)
	}

	now := d.s.NowMs()
	started, err := d.s.Client.SetNX(ctx, d.s.Keys.Alone(roomName), now, 0).Result()
	if err != nil {
		return NoChange, storage.Unavailable(err, "failed to start alone timer")
	}
	if started {
		d.log.Debug().Str("room", roomName).Str("user", inRoom[0]).Msg("participant alone")
		return TimerStarted, nil
	}

	raw, err := d.s.Client.Get(ctx, d.s.Keys.Alone(roomName)).Result()
	if storage.IsNil(err) {
		return NoChange, nil
	}
	if err != nil {
		return NoChange, storage.Unavailable(err, "failed to read alone timer")
	}
	since, err := storage.ParseMillis(raw)
	if err != nil {
		// Restart a corrupt timer from now.
		if err := d.s.Client.Set(ctx, d.s.Keys.Alone(roomName), now, 0).Err(); err != nil {
			return NoChange, storage.Unavailable(err, "failed to reset alone timer")
		}
		return TimerStarted, nil
	}
	if now-since < d.threshold.Milliseconds() {
		return NoChange, nil
	}
	return d.evict(ctx, m, inRoom[0])
}

func (d *Detector) evict(ctx context.Context, m types.Match, lone string) (Transition, error) {
	_, ended, err := d.registry.EndMatch(ctx, m.RoomName)
	if err != nil {
		return NoChange, err
	}
	if !ended {
		return d.Clear(ctx, m.RoomName)
	}
	gone, _ := m.Partner(lone)

	if err := d.signals.MarkRoomDeleted(ctx, m.RoomName, m.UserA, m.UserB); err != nil {
		return NoChange, err
	}
	requeued, err := d.queue.Requeue(ctx, lone, types.Metadata{Demo: m.Demo})
	if err != nil {
		return NoChange, err
	}
	if _, err := d.leftBehind.Record(ctx, lone, m.RoomName, gone, requeued); err != nil {
		d.log.Warn().Err(err).Str("user", lone).Msg("failed to record left-behind state")
	}
	if err := d.s.Client.Del(ctx, d.s.Keys.Alone(m.RoomName)).Err(); err != nil {
		return NoChange, storage.Unavailable(err, "failed to clear alone timer")
	}
	if err := d.rooms.DeleteRoom(ctx, m.RoomName); err != nil {
		d.log.Warn().Err(err).Str("room", m.RoomName).Msg("failed to delete room at provider")
	}

	statsd.Count("alone.evicted", 1)
	d.log.Info().Str("room", m.RoomName).Str("user", lone).Msg("evicted lone participant")
	return Evicted, nil
}

// Clear drops the alone timer of roomName.
func (d *Detector) Clear(ctx context.Context, roomName string) (Transition, error) {
	n, err := d.s.Client.Del(ctx, d.s.Keys.Alone(roomName)).Result()
	if err != nil {
		return NoChange, storage.Unavailable(err, "failed to clear alone timer")
	}
	if n == 0 {
		return NoChange, nil
	}
	return TimerCleared, nil
}

// SweepResult counts the transitions of one sweep.
type SweepResult struct {
	Checked     int
	Transitions map[Transition]int
}

// Sweep evaluates every active match using live heartbeats as the participant signal.
func (d *Detector) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Transitions: make(map[Transition]int)}
	entries, err := d.registry.All(ctx)
	if err != nil {
		return res, err
	}
	for _, e := range entries {
		if e.Err != nil {
			continue
		}
		alive, err := d.presence.Alive(ctx, e.Match.UserA, e.Match.UserB)
		if err != nil {
			return res, err
		}
		var present []string
		for _, id := range e.Match.Participants() {
			if alive[id] {
				present = append(present, id)
			}
		}
		tr, err := d.Evaluate(ctx, e.Key, present)
		if err != nil {
			return res, err
		}
		res.Checked++
		res.Transitions[tr]++
	}
	return res, nil
}

// Run sweeps every interval until ctx is done.
func (d *Detector) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Msg("alone sweep failed")
		}
	}
}
