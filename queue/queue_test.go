package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkg.world.dev/world-engine/pairing/testutils"
	"pkg.world.dev/world-engine/pairing/types"
)

func TestEnqueueRejectsDuplicates(t *testing.T) {
	env := testutils.NewEnv(t)
	q := New(env.Storage)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, "alice", types.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, "alice", entry.UserID)
	assert.Equal(t, env.Clock.Now().UnixMilli(), entry.JoinedAt)

	_, err = q.Enqueue(ctx, "alice", types.Metadata{})
	require.Error(t, err)
	assert.True(t, eris.Is(err, types.ErrAlreadyQueued))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnqueueRejectsMatchedUser(t *testing.T) {
	env := testutils.NewEnv(t)
	q := New(env.Storage)
	ctx := context.Background()

	require.NoError(t, env.Redis.Set(env.Storage.Keys.Match("alice"), "{}"))

	_, err := q.Enqueue(ctx, "alice", types.Metadata{})
	require.Error(t, err)
	assert.True(t, eris.Is(err, types.ErrDuplicateParticipant))

	ok, err := q.Contains(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnqueueRejectsEmptyUser(t *testing.T) {
	env := testutils.NewEnv(t)
	_, err := New(env.Storage).Enqueue(context.Background(), "", types.Metadata{})
	assert.True(t, eris.Is(err, types.ErrInvalidInput))
}

func TestPeekOrdersByJoinTimeThenSequence(t *testing.T) {
	env := testutils.NewEnv(t)
	q := New(env.Storage)
	ctx := context.Background()

	// carol and dave join in the same millisecond, so the sequence decides.
	for _, id := range []string{"alice", "bob"} {
		_, err := q.Enqueue(ctx, id, types.Metadata{})
		require.NoError(t, err)
		env.Clock.Advance(time.Millisecond)
	}
	for _, id := range []string{"carol", "dave"} {
		_, err := q.Enqueue(ctx, id, types.Metadata{})
		require.NoError(t, err)
	}

	entries, err := q.Peek(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, userIDs(entries))

	entries, err = q.Peek(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, userIDs(entries))

	for i, id := range []string{"alice", "bob", "carol", "dave"} {
		pos, ok, err := q.PositionOf(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i+1, pos, id)
	}

	_, ok, err := q.PositionOf(ctx, "erin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPeekBreaksTiesAtTheBatchEdgeBySequence(t *testing.T) {
	env := testutils.NewEnv(t)
	q := New(env.Storage)
	ctx := context.Background()

	// Same millisecond, joined in reverse name order.
	for _, id := range []string{"zoe", "yuri", "xena"} {
		_, err := q.Enqueue(ctx, id, types.Metadata{})
		require.NoError(t, err)
	}

	entries, err := q.Peek(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"zoe", "yuri"}, userIDs(entries))

	dequeued, err := q.DequeueOldest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"zoe"}, userIDs(dequeued))
}

func TestDequeueOldestSkipsMatchedUsers(t *testing.T) {
	env := testutils.NewEnv(t)
	q := New(env.Storage)
	ctx := context.Background()

	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := q.Enqueue(ctx, id, types.Metadata{})
		require.NoError(t, err)
		env.Clock.Advance(time.Millisecond)
	}
	// bob got matched behind the queue's back.
	require.NoError(t, env.Redis.Set(env.Storage.Keys.Match("bob"), "{}"))

	entries, err := q.DequeueOldest(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, userIDs(entries))

	ok, err := q.Contains(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok, "matched users are left for the reconciler")

	ok, err = q.Contains(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveIsIdempotent(t *testing.T) {
	env := testutils.NewEnv(t)
	q := New(env.Storage)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "alice", types.Metadata{Demo: true})
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, "alice"))
	require.NoError(t, q.Remove(ctx, "alice"))
	require.NoError(t, q.Remove(ctx))

	_, err = q.Get(ctx, "alice")
	assert.True(t, eris.Is(err, types.ErrNotFound))

	// Leaving frees the user to join again.
	entry, err := q.Enqueue(ctx, "alice", types.Metadata{})
	require.NoError(t, err)
	assert.False(t, entry.Demo)
}

func TestSnapshotFlagsCorruptEntries(t *testing.T) {
	env := testutils.NewEnv(t)
	q := New(env.Storage)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "alice", types.Metadata{})
	require.NoError(t, err)
	_, err = env.Redis.ZAdd(env.Storage.Keys.WaitingQueue(), 5, "mallory")
	require.NoError(t, err)
	env.Redis.HSet(env.Storage.Keys.WaitingMeta(), "mallory", "not json")
	env.Redis.HSet(env.Storage.Keys.WaitingMeta(), "ghost", "{}")

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Slots, 2)
	assert.Equal(t, []string{"ghost"}, snap.OrphanMeta)

	for _, slot := range snap.Slots {
		switch slot.UserID {
		case "alice":
			assert.NoError(t, slot.Err)
		case "mallory":
			assert.True(t, eris.Is(slot.Err, types.ErrCorruptRecord))
		}
	}

	// Peek never surfaces the corrupt member.
	entries, err := q.Peek(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, userIDs(entries))

	removed, err := q.RemoveIfPayload(ctx, "mallory", "something else")
	require.NoError(t, err)
	assert.False(t, removed)
	removed, err = q.RemoveIfPayload(ctx, "mallory", "not json")
	require.NoError(t, err)
	assert.True(t, removed)

	dropped, err := q.DropOrphanMeta(ctx, "ghost")
	require.NoError(t, err)
	assert.True(t, dropped)
	dropped, err = q.DropOrphanMeta(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, dropped, "queued users keep their metadata")
}

func TestGuardedRemoval(t *testing.T) {
	env := testutils.NewEnv(t)
	q := New(env.Storage)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "alice", types.Metadata{})
	require.NoError(t, err)
	require.NoError(t, env.Redis.Set(env.Storage.Keys.Heartbeat("alice"), "1"))

	removed, err := q.RemoveIfMatched(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = q.RemoveIfSilent(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, removed)

	env.Redis.Del(env.Storage.Keys.Heartbeat("alice"))
	removed, err = q.RemoveIfSilent(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, removed)
}

func userIDs(entries []types.WaitingEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.UserID)
	}
	return out
}
