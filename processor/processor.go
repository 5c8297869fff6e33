// Package processor pairs waiting users. Each pass runs under the matching lock so at most one pass
// mutates the queue and the registry at a time.
package processor

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	ddotel "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/opentelemetry"
	ddtracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"pkg.world.dev/world-engine/pairing/lock"
	"pkg.world.dev/world-engine/pairing/queue"
	"pkg.world.dev/world-engine/pairing/registry"
	"pkg.world.dev/world-engine/pairing/statsd"
	"pkg.world.dev/world-engine/pairing/types"
)

// MatchObserver is told about every match a pass creates.
type MatchObserver interface {
	MarkProcessed(ctx context.Context, userID string, m types.Match) (bool, error)
}

type Processor struct {
	lock       *lock.Lock
	queue      *queue.Queue
	registry   *registry.Registry
	observer   MatchObserver
	staleAfter time.Duration
	batchSize  int
	tracer     trace.Tracer
	log        zerolog.Logger
}

func New(
	l *lock.Lock, q *queue.Queue, r *registry.Registry, observer MatchObserver,
	staleAfter time.Duration, batchSize int, logger zerolog.Logger,
) *Processor {
	return &Processor{
		lock:       l,
		queue:      q,
		registry:   r,
		observer:   observer,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		tracer:     otel.Tracer("processor"),
		log:        logger.With().Str("component", "processor").Logger(),
	}
}

// Result describes one processing pass.
type Result struct {
	// Skipped is set when another holder had the lock and nothing was done.
	Skipped bool
	Matches []types.Match
	// Drifted lists waiting users that already held a match and were left for the reconciler.
	Drifted []string
	// Waiting is the user left without a partner, if any.
	Waiting string
}

// ProcessOnce runs one pass: take the lock, pair the oldest waiting users two by two and release the lock.
// A busy lock is not an error.
func (p *Processor) ProcessOnce(ctx context.Context) (res Result, err error) {
	ctx, span := p.tracer.Start(ddotel.ContextWithStartOptions(ctx, ddtracer.Measured()), "processor.process_once")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, eris.ToString(err, true))
			span.RecordError(err)
		}
		span.End()
	}()
	start := time.Now()

	token, err := p.lock.TryAcquire(ctx, p.staleAfter)
	if eris.Is(err, types.ErrLockUnavailable) {
		tag := "outcome:skipped"
		span.SetAttributes(statsd.Attributes(tag)...)
		statsd.Count("processor.passes", 1, tag)
		return Result{Skipped: true}, nil
	}
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if _, relErr := p.lock.Release(context.WithoutCancel(ctx), token); relErr != nil {
			p.log.Error().Err(relErr).Msg("failed to release matching lock")
		}
	}()

	res, err = p.pass(ctx)
	tags := []string{"outcome:processed", "matches:" + strconv.Itoa(len(res.Matches))}
	span.SetAttributes(statsd.Attributes(tags...)...)
	statsd.Count("processor.passes", 1, tags[0])
	statsd.EmitDuration(start, "process")
	return res, err
}

func (p *Processor) pass(ctx context.Context) (Result, error) {
	entries, err := p.queue.Peek(ctx, p.batchSize)
	if err != nil {
		return Result{}, err
	}

	var res Result
	matched := make(map[string]bool, len(entries))
	for _, e := range entries {
		ok, err := p.registry.IsMatched(ctx, e.UserID)
		if err != nil {
			return res, err
		}
		matched[e.UserID] = ok
	}

	pairs, drifted, leftover := Pair(entries, func(id string) bool { return matched[id] })
	res.Drifted = drifted
	if leftover != nil {
		res.Waiting = leftover.UserID
	}
	for _, id := range drifted {
		p.log.Warn().Str("user", id).Msg("waiting user already holds a match")
	}

	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		m, err := p.registry.CreateMatchFromQueue(ctx, a.UserID, b.UserID, a.Demo || b.Demo)
		if eris.Is(err, types.ErrDuplicateParticipant) || eris.Is(err, types.ErrNotQueued) {
			p.log.Warn().Err(err).Str("userA", a.UserID).Str("userB", b.UserID).Msg("pair became invalid before matching")
			continue
		}
		if err != nil {
			return res, err
		}
		if err := p.queue.Remove(ctx, a.UserID, b.UserID); err != nil {
			return res, err
		}
		for _, id := range m.Participants() {
			if _, err := p.observer.MarkProcessed(ctx, id, m); err != nil {
				p.log.Warn().Err(err).Str("user", id).Msg("failed to update left-behind state")
			}
		}
		res.Matches = append(res.Matches, m)
	}

	statsd.Count("matches.created", int64(len(res.Matches)))
	if size, err := p.queue.Len(ctx); err == nil {
		statsd.Gauge("queue.size", float64(size))
	}
	if len(res.Matches) > 0 {
		p.log.Info().Int("matches", len(res.Matches)).Msg("processed queue")
	}
	return res, nil
}

// Pair walks entries in order and pairs consecutive eligible users. Users for which matched returns true are
// reported as drifted. The last eligible user is returned when the count is odd.
func Pair(
	entries []types.WaitingEntry, matched func(userID string) bool,
) ([][2]types.WaitingEntry, []string, *types.WaitingEntry) {
	var (
		pairs   [][2]types.WaitingEntry
		drifted []string
		pending *types.WaitingEntry
		seen    = make(map[string]struct{}, len(entries))
	)
	for i := range entries {
		e := entries[i]
		if _, dup := seen[e.UserID]; dup {
			continue
		}
		seen[e.UserID] = struct{}{}
		if matched(e.UserID) {
			drifted = append(drifted, e.UserID)
			continue
		}
		if pending == nil {
			pending = &e
			continue
		}
		pairs = append(pairs, [2]types.WaitingEntry{*pending, e})
		pending = nil
	}
	return pairs, drifted, pending
}

// Run processes the queue every interval until ctx is done. Trigger requests an extra pass right away.
func (p *Processor) Run(ctx context.Context, interval time.Duration, trigger <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-trigger:
		}
		if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("queue processing failed")
		}
	}
}
