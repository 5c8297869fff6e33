// Package reconcile periodically scans every structure of the coordinator and repairs drift.
// Every repair is conditional on the record still being in the state that was read, so a pass can run
// concurrently with live traffic and with other passes.
package reconcile

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	ddotel "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/opentelemetry"
	ddtracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"pkg.world.dev/world-engine/pairing/codec"
	"pkg.world.dev/world-engine/pairing/leftbehind"
	"pkg.world.dev/world-engine/pairing/lock"
	"pkg.world.dev/world-engine/pairing/presence"
	"pkg.world.dev/world-engine/pairing/queue"
	"pkg.world.dev/world-engine/pairing/registry"
	"pkg.world.dev/world-engine/pairing/room"
	"pkg.world.dev/world-engine/pairing/signal"
	"pkg.world.dev/world-engine/pairing/statsd"
	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/types"
)

// KEYS: alone timer, active matches. ARGV: expected value, room, mode.
// Mode 'corrupt' deletes while the value is unchanged, 'stale' also requires the room to have no match.
var dropTimerScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[3] == 'stale' and redis.call('HEXISTS', KEYS[2], ARGV[2]) == 1 then
	return 0
end
return redis.call('DEL', KEYS[1])
`)

type Config struct {
	LockStaleAfter   time.Duration
	AbandonAfter     time.Duration
	LeftBehindMaxAge time.Duration
	ReportTTL        time.Duration
}

type Reconciler struct {
	s          *storage.Storage
	queue      *queue.Queue
	registry   *registry.Registry
	lock       *lock.Lock
	presence   *presence.Monitor
	leftBehind *leftbehind.Tracker
	signals    *signal.Signaler
	rooms      room.Provider
	cfg        Config
	tracer     trace.Tracer
	log        zerolog.Logger
}

func New(
	s *storage.Storage,
	q *queue.Queue,
	r *registry.Registry,
	l *lock.Lock,
	p *presence.Monitor,
	lb *leftbehind.Tracker,
	sig *signal.Signaler,
	rooms room.Provider,
	cfg Config,
) *Reconciler {
	if rooms == nil {
		rooms = room.NopProvider{}
	}
	return &Reconciler{
		s:          s,
		queue:      q,
		registry:   r,
		lock:       l,
		presence:   p,
		leftBehind: lb,
		signals:    sig,
		rooms:      rooms,
		cfg:        cfg,
		tracer:     otel.Tracer("reconcile"),
		log:        s.Log.With().Str("component", "reconcile").Logger(),
	}
}

type pass struct {
	*Reconciler
	report Report
	now    int64
}

// Run performs one full reconciliation pass and persists its report.
func (r *Reconciler) Run(ctx context.Context) (report Report, err error) {
	ctx, span := r.tracer.Start(ddotel.ContextWithStartOptions(ctx, ddtracer.Measured()), "reconcile.run")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, eris.ToString(err, true))
			span.RecordError(err)
		}
		span.End()
	}()
	start := time.Now()

	p := &pass{Reconciler: r, now: r.s.NowMs()}
	p.report = newReport(p.now)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"locks", p.locks},
		{"matches", p.matches},
		{"in_call", p.inCall},
		{"queue", p.queueEntries},
		{"left_behind", p.leftBehindStates},
		{"alone_timers", p.aloneTimers},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return p.report, eris.Wrapf(err, "reconcile step %s failed", step.name)
		}
	}

	p.report.FinishedAt = r.s.NowMs()
	p.report.DurationMs = p.report.FinishedAt - p.report.StartedAt
	if err := r.persist(ctx, p.report); err != nil {
		return p.report, err
	}

	for _, issue := range p.report.Issues() {
		if issue.Counts.Found > 0 {
			statsd.Count("reconcile.found", int64(issue.Counts.Found), "issue:"+issue.Name)
			statsd.Count("reconcile.fixed", int64(issue.Counts.Fixed), "issue:"+issue.Name)
		}
	}
	statsd.Count("reconcile.requeued", int64(p.report.UsersRequeued))
	statsd.EmitDuration(start, "reconcile")

	r.log.Info().
		Int("found", p.report.TotalFound()).
		Int("fixed", p.report.TotalFixed()).
		Int("requeued", p.report.UsersRequeued).
		Msg("reconciliation finished")
	return p.report, nil
}

// LastReport returns the report of the most recent pass, or types.ErrNotFound.
func (r *Reconciler) LastReport(ctx context.Context) (Report, error) {
	payload, err := r.s.Client.Get(ctx, r.s.Keys.LastReport()).Bytes()
	if storage.IsNil(err) {
		return Report{}, eris.Wrap(types.ErrNotFound, "no reconciliation has run yet")
	}
	if err != nil {
		return Report{}, storage.Unavailable(err, "failed to read last report")
	}
	return codec.Decode[Report](payload)
}

func (r *Reconciler) persist(ctx context.Context, report Report) error {
	payload, err := codec.Encode(report)
	if err != nil {
		return err
	}
	if err := r.s.Client.Set(ctx, r.s.Keys.LastReport(), payload, r.cfg.ReportTTL).Err(); err != nil {
		return storage.Unavailable(err, "failed to persist report")
	}
	return nil
}

// RunEvery reconciles every interval until ctx is done.
func (r *Reconciler) RunEvery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := r.Run(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("reconciliation failed")
		}
	}
}

func (p *pass) locks(ctx context.Context) error {
	cleared, err := p.lock.ClearStale(ctx, p.cfg.LockStaleAfter)
	if err != nil {
		return err
	}
	if cleared {
		p.report.StaleLocks.add(true)
	}
	return nil
}

// matches repairs corrupt records, orphaned matches whose mirrors disagree with the room record and
// matches whose participants are both gone.
func (p *pass) matches(ctx context.Context) error {
	entries, err := p.registry.All(ctx)
	if err != nil {
		return err
	}
	rooms := make(map[string]registry.Entry, len(entries))
	for _, e := range entries {
		if e.Err != nil {
			p.log.Warn().Err(e.Err).Str("room", e.Key).Msg("corrupt match record")
			dropped, err := p.registry.DropRoom(ctx, e.Key, e.Payload)
			if err != nil {
				return err
			}
			p.report.CorruptedData.add(dropped)
			continue
		}
		rooms[e.Key] = e
	}

	mirrors, err := p.registry.Mirrors(ctx)
	if err != nil {
		return err
	}
	orphanMirrors := make(map[string][]registry.Entry)
	for userID, e := range mirrors {
		if e.Err != nil {
			p.log.Warn().Err(e.Err).Str("user", userID).Msg("corrupt match mirror")
			dropped, err := p.registry.DropMirror(ctx, userID, e.Payload)
			if err != nil {
				return err
			}
			p.report.CorruptedData.add(dropped)
			if dropped {
				if err := p.requeue(ctx, userID, false); err != nil {
					return err
				}
			}
			continue
		}
		if rec, ok := rooms[e.Match.RoomName]; ok && rec.Payload == e.Payload {
			continue
		}
		orphanMirrors[e.Match.RoomName] = append(orphanMirrors[e.Match.RoomName], e)
	}
	if err := p.orphanMirrors(ctx, orphanMirrors); err != nil {
		return err
	}

	inCall, err := p.registry.InCall(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Err != nil {
			continue
		}
		healthy := true
		for _, id := range e.Match.Participants() {
			if mirror, ok := mirrors[id]; !ok || mirror.Payload != e.Payload {
				healthy = false
			}
		}
		if !healthy {
			if err := p.orphanMatch(ctx, e); err != nil {
				return err
			}
			continue
		}
		if err := p.abandonedMatch(ctx, e, inCall); err != nil {
			return err
		}
	}
	return nil
}

// orphanMirrors removes mirrors whose room record is missing or holds a different match.
func (p *pass) orphanMirrors(ctx context.Context, byRoom map[string][]registry.Entry) error {
	for roomName, mirrors := range byRoom {
		_, roomPayload, roomErr := p.registry.RoomRecord(ctx, roomName)
		if roomErr != nil && !eris.Is(roomErr, types.ErrNotFound) && !eris.Is(roomErr, types.ErrCorruptRecord) {
			return roomErr
		}
		var stale, freed []registry.Entry
		for _, m := range mirrors {
			// A mirror that matches the room record now was written after the snapshot.
			if roomErr == nil && roomPayload == m.Payload {
				continue
			}
			stale = append(stale, m)
		}
		if len(stale) == 0 {
			continue
		}
		p.log.Warn().Str("room", roomName).Msg("orphaned match mirror")
		for _, m := range stale {
			dropped, err := p.registry.DropMirror(ctx, m.Key, m.Payload)
			if err != nil {
				return err
			}
			if dropped {
				freed = append(freed, m)
			}
		}
		p.report.OrphanedMatches.add(len(freed) > 0)
		if len(freed) == 0 {
			continue
		}
		users := make([]string, 0, len(freed))
		for _, m := range freed {
			users = append(users, m.Key)
		}
		if err := p.release(ctx, roomName, users...); err != nil {
			return err
		}
		for _, m := range freed {
			if err := p.requeue(ctx, m.Key, m.Match.Demo); err != nil {
				return err
			}
		}
	}
	return nil
}

// orphanMatch tears down a room record whose participants do not both point back at it.
func (p *pass) orphanMatch(ctx context.Context, e registry.Entry) error {
	_, current, err := p.registry.RoomRecord(ctx, e.Key)
	if eris.Is(err, types.ErrNotFound) || (err == nil && current != e.Payload) {
		// Ended or replaced since the snapshot.
		return nil
	}
	if err != nil && !eris.Is(err, types.ErrCorruptRecord) {
		return err
	}
	for _, id := range e.Match.Participants() {
		_, payload, err := p.registry.MirrorRecord(ctx, id)
		if err != nil && !eris.Is(err, types.ErrNotFound) && !eris.Is(err, types.ErrCorruptRecord) {
			return err
		}
		if err != nil || payload != e.Payload {
			p.log.Warn().Str("room", e.Key).Str("user", id).Msg("orphaned match record")
			ended, err := p.registry.EndRecord(ctx, e.Match, e.Payload)
			if err != nil {
				return err
			}
			p.report.OrphanedMatches.add(ended)
			if !ended {
				return nil
			}
			participants := e.Match.Participants()
			if err := p.release(ctx, e.Key, participants[:]...); err != nil {
				return err
			}
			for _, user := range e.Match.Participants() {
				if err := p.requeue(ctx, user, e.Match.Demo); err != nil {
					return err
				}
			}
			return nil
		}
	}
	// Both mirrors caught up since the snapshot.
	return nil
}

// abandonedMatch ends a healthy match when neither participant has been seen for the abandon window.
func (p *pass) abandonedMatch(ctx context.Context, e registry.Entry, inCall map[string]int64) error {
	alive, err := p.presence.Alive(ctx, e.Match.UserA, e.Match.UserB)
	if err != nil {
		return err
	}
	if alive[e.Match.UserA] || alive[e.Match.UserB] {
		return nil
	}
	last := e.Match.CreatedAt
	for _, id := range e.Match.Participants() {
		if seen := inCall[id]; seen > last {
			last = seen
		}
	}
	if p.now-last <= p.cfg.AbandonAfter.Milliseconds() {
		return nil
	}
	p.log.Info().Str("room", e.Key).Msg("ending abandoned match")
	ended, err := p.registry.EndRecord(ctx, e.Match, e.Payload)
	if err != nil {
		return err
	}
	p.report.AbandonedMatches.add(ended)
	if !ended {
		return nil
	}
	participants := e.Match.Participants()
	return p.release(ctx, e.Key, participants[:]...)
}

// inCall drops in-call entries of users without a match.
func (p *pass) inCall(ctx context.Context) error {
	inCall, err := p.registry.InCall(ctx)
	if err != nil {
		return err
	}
	for userID := range inCall {
		dropped, err := p.registry.DropInCall(ctx, userID)
		if err != nil {
			return err
		}
		if dropped {
			p.report.StaleInCall.add(true)
		}
	}
	return nil
}

// queueEntries removes corrupt, conflicting and abandoned waiting entries.
func (p *pass) queueEntries(ctx context.Context) error {
	snap, err := p.queue.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, slot := range snap.Slots {
		if slot.Err != nil {
			p.log.Warn().Err(slot.Err).Str("user", slot.UserID).Msg("corrupt waiting entry")
			removed, err := p.queue.RemoveIfPayload(ctx, slot.UserID, slot.Payload)
			if err != nil {
				return err
			}
			p.report.CorruptedData.add(removed)
			continue
		}

		matched, err := p.registry.IsMatched(ctx, slot.UserID)
		if err != nil {
			return err
		}
		if matched {
			removed, err := p.queue.RemoveIfMatched(ctx, slot.UserID)
			if err != nil {
				return err
			}
			p.report.QueueMatchConflicts.add(removed)
			continue
		}

		alive, err := p.presence.IsAlive(ctx, slot.UserID)
		if err != nil {
			return err
		}
		last := max(slot.Entry.JoinedAt, slot.LastSeen)
		if alive || p.now-last <= p.cfg.AbandonAfter.Milliseconds() {
			continue
		}
		removed, err := p.queue.RemoveIfSilent(ctx, slot.UserID)
		if err != nil {
			return err
		}
		p.report.AbandonedQueueEntries.add(removed)
	}
	for _, userID := range snap.OrphanMeta {
		dropped, err := p.queue.DropOrphanMeta(ctx, userID)
		if err != nil {
			return err
		}
		if dropped {
			p.report.CorruptedData.add(true)
		}
	}
	return nil
}

func (p *pass) leftBehindStates(ctx context.Context) error {
	entries, err := p.leftBehind.All(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch {
		case e.Err != nil:
			deleted, err := p.leftBehind.Delete(ctx, e.UserID, e.Payload)
			if err != nil {
				return err
			}
			p.report.CorruptedData.add(deleted)
		case p.now-e.State.Timestamp > p.cfg.LeftBehindMaxAge.Milliseconds():
			deleted, err := p.leftBehind.Delete(ctx, e.UserID, e.Payload)
			if err != nil {
				return err
			}
			p.report.ExpiredLeftBehind.add(deleted)
		}
	}
	return nil
}

func (p *pass) aloneTimers(ctx context.Context) error {
	return p.s.ScanKeys(ctx, p.s.Keys.AlonePattern(), func(key string) error {
		roomName := p.s.Keys.RoomFromAloneKey(key)
		raw, err := p.s.Client.Get(ctx, key).Result()
		if storage.IsNil(err) {
			return nil
		}
		if err != nil {
			return storage.Unavailable(err, "failed to read alone timer")
		}
		mode := "stale"
		if _, err := storage.ParseMillis(raw); err != nil {
			mode = "corrupt"
		}
		n, err := dropTimerScript.Run(ctx, p.s.Client, []string{key, p.s.Keys.ActiveMatches()}, raw, roomName, mode).Int64()
		if err != nil {
			return storage.Unavailable(err, "failed to drop alone timer")
		}
		switch {
		case mode == "corrupt":
			p.report.CorruptedData.add(n == 1)
		case n == 1:
			p.report.StaleAloneTimers.add(true)
		}
		return nil
	})
}

// release flags roomName as deleted for its former participants and frees it at the room provider.
// Provider failures are only logged.
func (p *pass) release(ctx context.Context, roomName string, participants ...string) error {
	if err := p.signals.MarkRoomDeleted(ctx, roomName, participants...); err != nil {
		return err
	}
	if err := p.rooms.DeleteRoom(ctx, roomName); err != nil {
		p.log.Warn().Err(err).Str("room", roomName).Msg("failed to delete room at provider")
	}
	return nil
}

// requeue puts a freed participant back in the queue if they are still around.
func (p *pass) requeue(ctx context.Context, userID string, demo bool) error {
	alive, err := p.presence.IsAlive(ctx, userID)
	if err != nil || !alive {
		return err
	}
	ok, err := p.queue.Requeue(ctx, userID, types.Metadata{Demo: demo})
	if err != nil {
		return err
	}
	if ok {
		p.report.UsersRequeued++
	}
	return nil
}
