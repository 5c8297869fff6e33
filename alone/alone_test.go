package alone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkg.world.dev/world-engine/pairing/leftbehind"
	"pkg.world.dev/world-engine/pairing/presence"
	"pkg.world.dev/world-engine/pairing/queue"
	"pkg.world.dev/world-engine/pairing/registry"
	"pkg.world.dev/world-engine/pairing/signal"
	"pkg.world.dev/world-engine/pairing/testutils"
	"pkg.world.dev/world-engine/pairing/types"
)

const threshold = 5 * time.Second

type recordingRooms struct {
	mu      sync.Mutex
	deleted []string
}

func (r *recordingRooms) DeleteRoom(_ context.Context, roomName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, roomName)
	return nil
}

type fixture struct {
	env      *testutils.Env
	registry *registry.Registry
	presence *presence.Monitor
	queue    *queue.Queue
	signals  *signal.Signaler
	tracker  *leftbehind.Tracker
	rooms    *recordingRooms
	detector *Detector
}

func newFixture(t *testing.T) *fixture {
	env := testutils.NewEnv(t)
	r := registry.New(env.Storage, 2*time.Hour)
	p := presence.New(env.Storage, time.Minute, 2*time.Hour)
	q := queue.New(env.Storage)
	sig := signal.New(env.Storage, 30*time.Second, r)
	tr := leftbehind.New(env.Storage, 10*time.Minute, r)
	rooms := &recordingRooms{}
	return &fixture{
		env:      env,
		registry: r,
		presence: p,
		queue:    q,
		signals:  sig,
		tracker:  tr,
		rooms:    rooms,
		detector: New(env.Storage, r, p, q, sig, tr, rooms, threshold),
	}
}

func TestLoneParticipantIsEvictedAfterThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.registry.CreateMatch(ctx, "alice", "bob", false)
	require.NoError(t, err)

	tr, err := f.detector.Evaluate(ctx, m.RoomName, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, TimerStarted, tr)

	f.env.Clock.Advance(threshold - time.Second)
	tr, err = f.detector.Evaluate(ctx, m.RoomName, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, NoChange, tr)

	f.env.Clock.Advance(time.Second)
	tr, err = f.detector.Evaluate(ctx, m.RoomName, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, Evicted, tr)

	_, err = f.registry.LookupByRoom(ctx, m.RoomName)
	assert.True(t, eris.Is(err, types.ErrNotFound))

	queued, err := f.queue.Contains(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, []string{m.RoomName}, f.rooms.deleted)
	assert.False(t, f.env.Redis.Exists(f.env.Storage.Keys.Alone(m.RoomName)))

	res, err := f.signals.Poll(ctx, "bob", m.RoomName)
	require.NoError(t, err)
	assert.Equal(t, types.SignalRoomDeleted, res.Reason)

	status, state, err := f.tracker.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StatusLeftBehind, status)
	assert.Equal(t, "bob", state.DisconnectedPeer)

	// A second evaluation of the evicted room does nothing.
	tr, err = f.detector.Evaluate(ctx, m.RoomName, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, NoChange, tr)
	assert.Len(t, f.rooms.deleted, 1)
}

func TestReturningPartnerClearsTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.registry.CreateMatch(ctx, "alice", "bob", false)
	require.NoError(t, err)

	_, err = f.detector.Evaluate(ctx, m.RoomName, []string{"bob"})
	require.NoError(t, err)
	f.env.Clock.Advance(threshold - time.Second)

	tr, err := f.detector.Evaluate(ctx, m.RoomName, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, TimerCleared, tr)

	// The timer starts over, so the old observation does not count.
	f.env.Clock.Advance(2 * time.Second)
	tr, err = f.detector.Evaluate(ctx, m.RoomName, []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, TimerStarted, tr)
}

func TestEvaluateIgnoresStrangers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.registry.CreateMatch(ctx, "alice", "bob", false)
	require.NoError(t, err)

	tr, err := f.detector.Evaluate(ctx, m.RoomName, []string{"mallory"})
	require.NoError(t, err)
	assert.Equal(t, NoChange, tr)
}

func TestSweepUsesHeartbeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.registry.CreateMatch(ctx, "alice", "bob", false)
	require.NoError(t, err)
	_, err = f.presence.Heartbeat(ctx, "alice")
	require.NoError(t, err)

	res, err := f.detector.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Transitions[TimerStarted])

	f.env.Clock.Advance(threshold)
	_, err = f.presence.Heartbeat(ctx, "alice")
	require.NoError(t, err)

	res, err = f.detector.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transitions[Evicted])

	_, err = f.registry.LookupByRoom(ctx, m.RoomName)
	assert.True(t, eris.Is(err, types.ErrNotFound))
}
