// Package service exposes the coordinator operations used by clients and operators.
// It composes the queue, the registry and the background components on top of one store.
package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/pairing/alone"
	"pkg.world.dev/world-engine/pairing/integrity"
	"pkg.world.dev/world-engine/pairing/leftbehind"
	"pkg.world.dev/world-engine/pairing/lock"
	"pkg.world.dev/world-engine/pairing/presence"
	"pkg.world.dev/world-engine/pairing/processor"
	"pkg.world.dev/world-engine/pairing/queue"
	"pkg.world.dev/world-engine/pairing/reconcile"
	"pkg.world.dev/world-engine/pairing/registry"
	"pkg.world.dev/world-engine/pairing/room"
	"pkg.world.dev/world-engine/pairing/signal"
	"pkg.world.dev/world-engine/pairing/statsd"
	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/types"
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusMatched Status = "matched"
	StatusIdle    Status = "idle"
	StatusLeft    Status = "left"
)

type Config struct {
	HeartbeatTTL     time.Duration
	SignalTTL        time.Duration
	MatchTTL         time.Duration
	LeftBehindTTL    time.Duration
	LeftBehindMaxAge time.Duration
	LockStaleAfter   time.Duration
	ProcessBatch     int
	AloneThreshold   time.Duration
	AbandonAfter     time.Duration
	ReportTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatTTL:     10 * time.Second,
		SignalTTL:        30 * time.Second,
		MatchTTL:         2 * time.Hour,
		LeftBehindTTL:    10 * time.Minute,
		LeftBehindMaxAge: 5 * time.Minute,
		LockStaleAfter:   10 * time.Second,
		ProcessBatch:     100,
		AloneThreshold:   5 * time.Second,
		AbandonAfter:     time.Minute,
		ReportTTL:        24 * time.Hour,
	}
}

type Service struct {
	storage    *storage.Storage
	queue      *queue.Queue
	registry   *registry.Registry
	presence   *presence.Monitor
	signals    *signal.Signaler
	leftBehind *leftbehind.Tracker
	alone      *alone.Detector
	processor  *processor.Processor
	reconciler *reconcile.Reconciler
	validator  *integrity.Validator
	rooms      room.Provider

	// trigger asks the processor loop for an extra pass. It holds at most one pending request.
	trigger chan struct{}
	log     zerolog.Logger
}

// New wires every component on top of s. instanceID tags the lock tokens written by this process.
func New(s *storage.Storage, rooms room.Provider, cfg Config, instanceID string) *Service {
	if rooms == nil {
		rooms = room.NopProvider{}
	}
	q := queue.New(s)
	r := registry.New(s, cfg.MatchTTL)
	l := lock.New(s, instanceID)
	p := presence.New(s, cfg.HeartbeatTTL, cfg.MatchTTL)
	sig := signal.New(s, cfg.SignalTTL, r)
	lb := leftbehind.New(s, cfg.LeftBehindTTL, r)

	return &Service{
		storage:    s,
		queue:      q,
		registry:   r,
		presence:   p,
		signals:    sig,
		leftBehind: lb,
		alone:      alone.New(s, r, p, q, sig, lb, rooms, cfg.AloneThreshold),
		processor:  processor.New(l, q, r, lb, cfg.LockStaleAfter, cfg.ProcessBatch, s.Log),
		reconciler: reconcile.New(s, q, r, l, p, lb, sig, rooms, reconcile.Config{
			LockStaleAfter:   cfg.LockStaleAfter,
			AbandonAfter:     cfg.AbandonAfter,
			LeftBehindMaxAge: cfg.LeftBehindMaxAge,
			ReportTTL:        cfg.ReportTTL,
		}),
		validator: integrity.New(r, p, q, sig, rooms, s.Log),
		rooms:     rooms,
		trigger:   make(chan struct{}, 1),
		log:       s.Log.With().Str("component", "service").Logger(),
	}
}

// JoinResult is the answer to a join request.
type JoinResult struct {
	Status   Status       `json:"status"`
	Position int          `json:"position,omitempty"`
	Match    *types.Match `json:"match,omitempty"`
}

// JoinQueue puts userID in the waiting queue. A user that is already waiting gets its current position
// and a user that is already matched gets its match.
func (s *Service) JoinQueue(ctx context.Context, userID string, demo bool) (JoinResult, error) {
	if userID == "" {
		return JoinResult{}, eris.Wrap(types.ErrInvalidInput, "userId is required")
	}

	meta := types.Metadata{Demo: demo}
	_, err := s.queue.Enqueue(ctx, userID, meta)
	if eris.Is(err, types.ErrDuplicateParticipant) {
		m, lookupErr := s.registry.LookupByUser(ctx, userID)
		switch {
		case lookupErr == nil:
			return JoinResult{Status: StatusMatched, Match: &m}, nil
		case eris.Is(lookupErr, types.ErrCorruptRecord), eris.Is(lookupErr, types.ErrNotFound):
			// The mirror is unreadable or expired since the enqueue. Drop it and join afresh.
			s.log.Warn().Err(lookupErr).Str("user", userID).Msg("dropping unusable match mirror on join")
			if _, _, err := s.registry.EndMatchByUser(ctx, userID); err != nil {
				return JoinResult{}, err
			}
			_, err = s.queue.Enqueue(ctx, userID, meta)
		default:
			return JoinResult{}, lookupErr
		}
	}
	switch {
	case err == nil:
		statsd.Count("queue.joined", 1)
	case eris.Is(err, types.ErrDuplicateParticipant):
		// Paired or mirrored concurrently with the retry.
		m, err := s.registry.LookupByUser(ctx, userID)
		if err != nil {
			return JoinResult{}, eris.Wrapf(types.ErrDuplicateParticipant, "user %s is being matched", userID)
		}
		return JoinResult{Status: StatusMatched, Match: &m}, nil
	case eris.Is(err, types.ErrAlreadyQueued):
	default:
		return JoinResult{}, err
	}

	if _, err := s.presence.Heartbeat(ctx, userID); err != nil {
		return JoinResult{}, err
	}
	s.requestProcessing()

	pos, queued, err := s.queue.PositionOf(ctx, userID)
	if err != nil {
		return JoinResult{}, err
	}
	if !queued {
		// Paired by a concurrent pass between the enqueue and now.
		if m, err := s.registry.LookupByUser(ctx, userID); err == nil {
			return JoinResult{Status: StatusMatched, Match: &m}, nil
		}
		return JoinResult{Status: StatusIdle}, nil
	}
	return JoinResult{Status: StatusWaiting, Position: pos}, nil
}

// LeaveQueue removes userID from the waiting queue. Leaving twice is not an error.
func (s *Service) LeaveQueue(ctx context.Context, userID string) (Status, error) {
	if userID == "" {
		return "", eris.Wrap(types.ErrInvalidInput, "userId is required")
	}
	if err := s.queue.Remove(ctx, userID); err != nil {
		return "", err
	}
	return StatusLeft, nil
}

// MatchStatus is the answer to a match status request.
type MatchStatus struct {
	Status    Status       `json:"status"`
	Match     *types.Match `json:"match,omitempty"`
	PartnerID string       `json:"partnerId,omitempty"`
	Position  int          `json:"position,omitempty"`
}

// CheckMatchStatus tells whether userID is matched, waiting or idle.
func (s *Service) CheckMatchStatus(ctx context.Context, userID string) (MatchStatus, error) {
	if userID == "" {
		return MatchStatus{}, eris.Wrap(types.ErrInvalidInput, "userId is required")
	}
	m, err := s.registry.LookupByUser(ctx, userID)
	switch {
	case err == nil:
		partner, _ := m.Partner(userID)
		return MatchStatus{Status: StatusMatched, Match: &m, PartnerID: partner}, nil
	case eris.Is(err, types.ErrCorruptRecord):
		s.log.Warn().Err(err).Str("user", userID).Msg("ignoring corrupt match mirror")
	case !eris.Is(err, types.ErrNotFound):
		return MatchStatus{}, err
	}

	pos, queued, err := s.queue.PositionOf(ctx, userID)
	if err != nil {
		return MatchStatus{}, err
	}
	if queued {
		return MatchStatus{Status: StatusWaiting, Position: pos}, nil
	}
	return MatchStatus{Status: StatusIdle}, nil
}

func (s *Service) SendHeartbeat(ctx context.Context, userID string) (types.HeartbeatRecord, error) {
	if userID == "" {
		return types.HeartbeatRecord{}, eris.Wrap(types.ErrInvalidInput, "userId is required")
	}
	return s.presence.Heartbeat(ctx, userID)
}

// LeaveResult describes the match a disconnect or skip ended.
type LeaveResult struct {
	Ended           bool         `json:"ended"`
	Match           *types.Match `json:"match,omitempty"`
	PartnerID       string       `json:"partnerId,omitempty"`
	PartnerRequeued bool         `json:"partnerRequeued"`
	Requeued        bool         `json:"requeued"`
}

// SignalDisconnect ends the match of userID, tells the partner to leave and puts the partner back in the
// queue. A user without a match is removed from the queue instead.
func (s *Service) SignalDisconnect(ctx context.Context, userID string) (LeaveResult, error) {
	return s.leave(ctx, userID, types.SignalForceDisconnect, false)
}

// SignalSkip ends the match of userID and puts both participants back in the queue.
func (s *Service) SignalSkip(ctx context.Context, userID string) (LeaveResult, error) {
	return s.leave(ctx, userID, types.SignalSkipInProgress, true)
}

func (s *Service) leave(ctx context.Context, userID string, kind types.SignalKind, requeue bool) (LeaveResult, error) {
	if userID == "" {
		return LeaveResult{}, eris.Wrap(types.ErrInvalidInput, "userId is required")
	}
	m, ended, err := s.registry.EndMatchByUser(ctx, userID)
	if err != nil {
		return LeaveResult{}, err
	}
	if !ended {
		if !requeue {
			if err := s.queue.Remove(ctx, userID); err != nil {
				return LeaveResult{}, err
			}
		}
		return LeaveResult{}, nil
	}

	partner, _ := m.Partner(userID)
	res := LeaveResult{Ended: true, Match: &m, PartnerID: partner}
	if err := s.signals.Raise(ctx, partner, kind); err != nil {
		return res, err
	}
	if err := s.signals.MarkRoomDeleted(ctx, m.RoomName, m.UserA, m.UserB); err != nil {
		return res, err
	}
	if res.PartnerRequeued, err = s.queue.Requeue(ctx, partner, types.Metadata{Demo: m.Demo}); err != nil {
		return res, err
	}
	if _, err := s.leftBehind.Record(ctx, partner, m.RoomName, userID, res.PartnerRequeued); err != nil {
		return res, err
	}
	if requeue {
		if res.Requeued, err = s.queue.Requeue(ctx, userID, types.Metadata{Demo: m.Demo}); err != nil {
			return res, err
		}
	}
	if _, err := s.alone.Clear(ctx, m.RoomName); err != nil {
		return res, err
	}
	s.requestProcessing()

	if err := s.rooms.DeleteRoom(ctx, m.RoomName); err != nil {
		s.log.Warn().Err(err).Str("room", m.RoomName).Msg("failed to delete room at provider")
	}
	statsd.Count("matches.ended", 1, "reason:"+kind.String())
	s.log.Info().Str("user", userID).Str("room", m.RoomName).Str("signal", kind.String()).Msg("match ended by participant")
	return res, nil
}

// SignalPreSkip warns the partner of userID that a skip is about to happen. The match stays active.
func (s *Service) SignalPreSkip(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, eris.Wrap(types.ErrInvalidInput, "userId is required")
	}
	m, err := s.registry.LookupByUser(ctx, userID)
	if eris.Is(err, types.ErrNotFound) || eris.Is(err, types.ErrCorruptRecord) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	partner, _ := m.Partner(userID)
	if err := s.signals.Raise(ctx, partner, types.SignalPreSkip); err != nil {
		return false, err
	}
	return true, nil
}

// PollDisconnect consumes the pending signal of userID. roomName may be empty.
func (s *Service) PollDisconnect(ctx context.Context, userID, roomName string) (types.PollResult, error) {
	return s.signals.Poll(ctx, userID, roomName)
}

// LeftBehindResult is the left-behind status of a user.
type LeftBehindResult struct {
	Status types.LeftBehindStatus `json:"status"`
	State  *types.LeftBehindState `json:"state,omitempty"`
}

func (s *Service) LeftBehindStatus(ctx context.Context, userID string) (LeftBehindResult, error) {
	if userID == "" {
		return LeftBehindResult{}, eris.Wrap(types.ErrInvalidInput, "userId is required")
	}
	status, state, err := s.leftBehind.Status(ctx, userID)
	if err != nil {
		return LeftBehindResult{}, err
	}
	res := LeftBehindResult{Status: status}
	if status != types.StatusNotLeftBehind {
		res.State = &state
	}
	return res, nil
}

// VerifyRoomAccess returns the match of roomName when userID is one of its participants and
// types.ErrRoomAccessDenied otherwise.
func (s *Service) VerifyRoomAccess(ctx context.Context, userID, roomName string) (types.Match, error) {
	if userID == "" || roomName == "" {
		return types.Match{}, eris.Wrap(types.ErrInvalidInput, "userId and roomName are required")
	}
	m, err := s.registry.LookupByRoom(ctx, roomName)
	switch {
	case eris.Is(err, types.ErrNotFound), eris.Is(err, types.ErrCorruptRecord):
		return types.Match{}, eris.Wrapf(types.ErrRoomAccessDenied, "room %s is not active", roomName)
	case err != nil:
		return types.Match{}, err
	}
	if !m.Has(userID) {
		return types.Match{}, eris.Wrapf(types.ErrRoomAccessDenied, "user %s is not a participant of %s", userID, roomName)
	}
	return m, nil
}

func (s *Service) RunConsistencyCheck(ctx context.Context) (reconcile.Report, error) {
	return s.reconciler.Run(ctx)
}

func (s *Service) LastReport(ctx context.Context) (reconcile.Report, error) {
	return s.reconciler.LastReport(ctx)
}

func (s *Service) ValidateMatches(ctx context.Context) (integrity.Result, error) {
	return s.validator.ValidateMatches(ctx)
}

// ProcessQueue runs one pairing pass right away.
func (s *Service) ProcessQueue(ctx context.Context) (processor.Result, error) {
	return s.processor.ProcessOnce(ctx)
}

// SweepAlone evaluates every active room once.
func (s *Service) SweepAlone(ctx context.Context) (alone.SweepResult, error) {
	return s.alone.Sweep(ctx)
}

// Health reports whether the store answers.
func (s *Service) Health(ctx context.Context) error {
	return s.storage.Ping(ctx)
}

// SubscribeSignals opens the push channel of userID. The caller must close it.
func (s *Service) SubscribeSignals(ctx context.Context, userID string) *redis.PubSub {
	return s.signals.Subscribe(ctx, userID)
}

func (s *Service) RunProcessor(ctx context.Context, interval time.Duration) error {
	return s.processor.Run(ctx, interval, s.trigger)
}

func (s *Service) RunAloneSweep(ctx context.Context, interval time.Duration) error {
	return s.alone.Run(ctx, interval)
}

func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) error {
	return s.reconciler.RunEvery(ctx, interval)
}

func (s *Service) requestProcessing() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}
