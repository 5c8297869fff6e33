package processor

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkg.world.dev/world-engine/pairing/leftbehind"
	"pkg.world.dev/world-engine/pairing/lock"
	"pkg.world.dev/world-engine/pairing/queue"
	"pkg.world.dev/world-engine/pairing/registry"
	"pkg.world.dev/world-engine/pairing/statsd"
	"pkg.world.dev/world-engine/pairing/testutils"
	"pkg.world.dev/world-engine/pairing/types"
)

type fixture struct {
	env       *testutils.Env
	queue     *queue.Queue
	registry  *registry.Registry
	lock      *lock.Lock
	tracker   *leftbehind.Tracker
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	env := testutils.NewEnv(t)
	q := queue.New(env.Storage)
	r := registry.New(env.Storage, 2*time.Hour)
	l := lock.New(env.Storage, "test")
	tr := leftbehind.New(env.Storage, 10*time.Minute, r)
	return &fixture{
		env:       env,
		queue:     q,
		registry:  r,
		lock:      l,
		tracker:   tr,
		processor: New(l, q, r, tr, 10*time.Second, 100, zerolog.Nop()),
	}
}

func (f *fixture) join(t *testing.T, ids ...string) {
	for _, id := range ids {
		_, err := f.queue.Enqueue(context.Background(), id, types.Metadata{})
		require.NoError(t, err)
		f.env.Clock.Advance(time.Millisecond)
	}
}

func TestPair(t *testing.T) {
	entries := []types.WaitingEntry{
		types.NewWaitingEntry("a", 1, 1, false),
		types.NewWaitingEntry("b", 2, 2, false),
		types.NewWaitingEntry("c", 3, 3, false),
		types.NewWaitingEntry("d", 4, 4, false),
		types.NewWaitingEntry("e", 5, 5, false),
	}
	pairs, drifted, leftover := Pair(entries, func(id string) bool { return id == "b" })

	require.Len(t, pairs, 2)
	assert.Equal(t, "a", pairs[0][0].UserID)
	assert.Equal(t, "c", pairs[0][1].UserID)
	assert.Equal(t, "d", pairs[1][0].UserID)
	assert.Equal(t, "e", pairs[1][1].UserID)
	assert.Equal(t, []string{"b"}, drifted)
	assert.Nil(t, leftover)

	_, _, leftover = Pair(entries[:1], func(string) bool { return false })
	require.NotNil(t, leftover)
	assert.Equal(t, "a", leftover.UserID)
}

func TestProcessOncePairsTwoUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "alice", "bob")

	res, err := f.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, "alice", m.UserA)
	assert.Equal(t, "bob", m.UserB)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	byA, err := f.registry.LookupByUser(ctx, "alice")
	require.NoError(t, err)
	byB, err := f.registry.LookupByUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, byA.RoomName, byB.RoomName)

	_, held, err := f.lock.Current(ctx)
	require.NoError(t, err)
	assert.False(t, held, "lock is released after the pass")
}

func TestProcessOnceLeavesOddUserWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "alice", "bob", "carol")

	res, err := f.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Matches, 1)
	assert.Equal(t, "carol", res.Waiting)

	pos, ok, err := f.queue.PositionOf(ctx, "carol")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, pos)
}

func TestProcessOnceSkipsWhenLockIsBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "alice", "bob")

	token, err := f.lock.TryAcquire(ctx, 10*time.Second)
	require.NoError(t, err)

	res, err := f.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = f.lock.Release(ctx, token)
	require.NoError(t, err)
}

func TestProcessOnceSeizesStaleLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.lock.TryAcquire(ctx, 10*time.Second)
	require.NoError(t, err)
	f.env.Clock.Advance(11 * time.Second)
	f.join(t, "alice", "bob")

	res, err := f.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Len(t, res.Matches, 1)
}

func TestProcessOnceSkipsDriftedUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.join(t, "alice", "bob", "carol")
	require.NoError(t, f.env.Redis.Set(f.env.Storage.Keys.Match("bob"), "{}"))

	res, err := f.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "alice", res.Matches[0].UserA)
	assert.Equal(t, "carol", res.Matches[0].UserB)
	assert.Equal(t, []string{"bob"}, res.Drifted)
}

func TestProcessOnceMarksLeftBehindUsersProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tracker.Record(ctx, "bob", "room-old", "alice", true)
	require.NoError(t, err)
	f.join(t, "bob", "carol")

	res, err := f.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)

	status, state, err := f.tracker.Status(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAlreadyMatched, status)
	assert.Equal(t, "carol", state.MatchedWith)
	assert.Equal(t, res.Matches[0].RoomName, state.ReassignedRoom)
}

func TestProcessOnceReportsQueueSize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, statsd.Init(conn.LocalAddr().String(), nil))

	f.join(t, "alice", "bob", "carol")
	res, err := f.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	require.NoError(t, statsd.Close())

	want := []string{"pairing.queue.size:1|g", "pairing.processor.passes:1|c|#outcome:processed"}
	var received strings.Builder
	buf := make([]byte, 65536)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for _, metric := range want {
		for !strings.Contains(received.String(), metric) {
			n, _, err := conn.ReadFrom(buf)
			require.NoError(t, err, "waiting for %s, received %q", metric, received.String())
			received.Write(buf[:n])
		}
	}
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	trigger := make(chan struct{}, 1)
	f.join(t, "alice", "bob")

	done := make(chan error, 1)
	go func() { done <- f.processor.Run(ctx, time.Hour, trigger) }()
	trigger <- struct{}{}

	require.Eventually(t, func() bool {
		n, err := f.queue.Len(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
