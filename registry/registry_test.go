package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkg.world.dev/world-engine/pairing/testutils"
	"pkg.world.dev/world-engine/pairing/types"
)

const mirrorTTL = 2 * time.Hour

func TestCreateMatchIsVisibleFromEveryLookup(t *testing.T) {
	env := testutils.NewEnv(t)
	r := New(env.Storage, mirrorTTL)
	ctx := context.Background()

	m, err := r.CreateMatch(ctx, "alice", "bob", false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.RoomName, "room-"))
	assert.Equal(t, env.Clock.Now().UnixMilli(), m.CreatedAt)

	byA, err := r.LookupByUser(ctx, "alice")
	require.NoError(t, err)
	byB, err := r.LookupByUser(ctx, "bob")
	require.NoError(t, err)
	byRoom, err := r.LookupByRoom(ctx, m.RoomName)
	require.NoError(t, err)
	assert.Equal(t, m, byA)
	assert.Equal(t, m, byB)
	assert.Equal(t, m, byRoom)

	partner, ok := byA.Partner("alice")
	assert.True(t, ok)
	assert.Equal(t, "bob", partner)

	inCall, err := r.InCall(ctx)
	require.NoError(t, err)
	assert.Len(t, inCall, 2)

	ttl := env.Redis.TTL(env.Storage.Keys.Match("alice"))
	assert.Equal(t, mirrorTTL, ttl)
}

func TestCreateMatchRejectsMatchedParticipant(t *testing.T) {
	env := testutils.NewEnv(t)
	r := New(env.Storage, mirrorTTL)
	ctx := context.Background()

	_, err := r.CreateMatch(ctx, "alice", "bob", false)
	require.NoError(t, err)

	_, err = r.CreateMatch(ctx, "carol", "bob", false)
	require.Error(t, err)
	assert.True(t, eris.Is(err, types.ErrDuplicateParticipant))

	_, err = r.LookupByUser(ctx, "carol")
	assert.True(t, eris.Is(err, types.ErrNotFound), "nothing is written on conflict")

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCreateMatchFromQueueRequiresBothUsersQueued(t *testing.T) {
	env := testutils.NewEnv(t)
	r := New(env.Storage, mirrorTTL)
	ctx := context.Background()

	_, err := env.Redis.ZAdd(env.Storage.Keys.WaitingQueue(), 1, "alice")
	require.NoError(t, err)

	_, err = r.CreateMatchFromQueue(ctx, "alice", "bob", false)
	assert.True(t, eris.Is(err, types.ErrNotQueued))
	for _, id := range []string{"alice", "bob"} {
		matched, err := r.IsMatched(ctx, id)
		require.NoError(t, err)
		assert.False(t, matched, id)
	}
	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = env.Redis.ZAdd(env.Storage.Keys.WaitingQueue(), 2, "bob")
	require.NoError(t, err)
	m, err := r.CreateMatchFromQueue(ctx, "alice", "bob", false)
	require.NoError(t, err)
	assert.True(t, m.Has("bob"))
}

func TestCreateMatchRejectsSelfMatch(t *testing.T) {
	env := testutils.NewEnv(t)
	_, err := New(env.Storage, mirrorTTL).CreateMatch(context.Background(), "alice", "alice", false)
	assert.True(t, eris.Is(err, types.ErrInvalidInput))
}

func TestEndMatchIsIdempotent(t *testing.T) {
	env := testutils.NewEnv(t)
	r := New(env.Storage, mirrorTTL)
	ctx := context.Background()

	m, err := r.CreateMatch(ctx, "alice", "bob", true)
	require.NoError(t, err)
	assert.True(t, m.Demo)

	ended, ok, err := r.EndMatch(ctx, m.RoomName)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, m.ID, ended.ID)

	_, ok, err = r.EndMatch(ctx, m.RoomName)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, id := range []string{"alice", "bob"} {
		_, err := r.LookupByUser(ctx, id)
		assert.True(t, eris.Is(err, types.ErrNotFound))
	}
	inCall, err := r.InCall(ctx)
	require.NoError(t, err)
	assert.Empty(t, inCall)

	// Both users are free to be matched again.
	_, err = r.CreateMatch(ctx, "bob", "alice", false)
	require.NoError(t, err)
}

func TestEndMatchByUserAndByID(t *testing.T) {
	env := testutils.NewEnv(t)
	r := New(env.Storage, mirrorTTL)
	ctx := context.Background()

	m1, err := r.CreateMatch(ctx, "alice", "bob", false)
	require.NoError(t, err)
	m2, err := r.CreateMatch(ctx, "carol", "dave", false)
	require.NoError(t, err)

	_, ok, err := r.EndMatchByUser(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = r.LookupByRoom(ctx, m1.RoomName)
	assert.True(t, eris.Is(err, types.ErrNotFound))

	_, ok, err = r.EndMatchByID(ctx, m2.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = r.EndMatchByUser(ctx, "erin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptMirrorIsReportedAndDroppable(t *testing.T) {
	env := testutils.NewEnv(t)
	r := New(env.Storage, mirrorTTL)
	ctx := context.Background()

	require.NoError(t, env.Redis.Set(env.Storage.Keys.Match("alice"), "garbage"))

	_, err := r.LookupByUser(ctx, "alice")
	assert.True(t, eris.Is(err, types.ErrCorruptRecord))

	matched, err := r.IsMatched(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, matched)

	mirrors, err := r.Mirrors(ctx)
	require.NoError(t, err)
	require.Contains(t, mirrors, "alice")
	assert.Error(t, mirrors["alice"].Err)

	_, ok, err := r.EndMatchByUser(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	matched, err = r.IsMatched(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestConditionalDropsLeaveChangedRecords(t *testing.T) {
	env := testutils.NewEnv(t)
	r := New(env.Storage, mirrorTTL)
	ctx := context.Background()

	m, err := r.CreateMatch(ctx, "alice", "bob", false)
	require.NoError(t, err)

	dropped, err := r.DropMirror(ctx, "alice", "stale payload")
	require.NoError(t, err)
	assert.False(t, dropped)

	dropped, err = r.DropRoom(ctx, m.RoomName, "stale payload")
	require.NoError(t, err)
	assert.False(t, dropped)

	dropped, err = r.DropInCall(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, dropped, "alice still holds a mirror")

	entries, err := r.All(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NoError(t, entries[0].Err)
}
