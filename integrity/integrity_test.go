package integrity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkg.world.dev/world-engine/pairing/codec"
	"pkg.world.dev/world-engine/pairing/presence"
	"pkg.world.dev/world-engine/pairing/queue"
	"pkg.world.dev/world-engine/pairing/registry"
	"pkg.world.dev/world-engine/pairing/signal"
	"pkg.world.dev/world-engine/pairing/testutils"
	"pkg.world.dev/world-engine/pairing/types"
)

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

func TestValidateMatches(t *testing.T) {
	env := testutils.NewEnv(t)
	ctx := context.Background()
	r := registry.New(env.Storage, time.Hour)
	p := presence.New(env.Storage, time.Minute, time.Hour)
	q := queue.New(env.Storage)
	sig := signal.New(env.Storage, time.Minute, r)
	rooms := &recordingRooms{}
	v := New(r, p, q, sig, rooms, zerolog.Nop())

	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		_, err := p.Heartbeat(ctx, id)
		require.NoError(t, err)
	}
	_, err := r.CreateMatch(ctx, "alice", "bob", false)
	require.NoError(t, err)
	broken, err := r.CreateMatch(ctx, "carol", "dave", false)
	require.NoError(t, err)
	// dave's mirror points at a different match.
	other := types.NewMatch("other", "dave", "erin", "room-other", 1, false)
	require.NoError(t, env.Redis.Set(env.Storage.Keys.Match("dave"), mustJSON(t, other)))
	env.Redis.HSet(env.Storage.Keys.ActiveMatches(), "room-junk", "junk")

	res, err := v.ValidateMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Valid)
	assert.Equal(t, 2, res.Invalid)
	assert.Equal(t, 1, res.UsersRequeued, "carol is freed, dave still holds a mirror")
	assert.Len(t, res.Problems, 2)

	_, err = r.LookupByRoom(ctx, broken.RoomName)
	assert.True(t, eris.Is(err, types.ErrNotFound))
	queued, err := q.Contains(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, queued)

	// Both participants of the torn down room are told it is gone.
	for _, id := range []string{"carol", "dave"} {
		poll, err := sig.Poll(ctx, id, broken.RoomName)
		require.NoError(t, err)
		assert.Equal(t, types.PollResult{Disconnected: true, Reason: types.SignalRoomDeleted}, poll, id)
	}
	assert.ElementsMatch(t, []string{broken.RoomName, "room-junk"}, rooms.deleted)

	res, err = v.ValidateMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Valid: 1}, res)
}

func mustJSON(t *testing.T, m types.Match) string {
	t.Helper()
	bz, err := codec.EncodeString(m)
	require.NoError(t, err)
	return bz
}
