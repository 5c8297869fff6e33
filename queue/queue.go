// Package queue holds users waiting to be paired, ordered by join time with a store assigned tie breaker.
package queue

import (
	"context"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/pairing/codec"
	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/types"
)

type Queue struct {
	s   *storage.Storage
	log zerolog.Logger
}

func New(s *storage.Storage) *Queue {
	return &Queue{
		s:   s,
		log: s.Log.With().Str("component", "queue").Logger(),
	}
}

// Enqueue adds userID to the waiting queue. It fails with types.ErrAlreadyQueued when the user is already
// waiting and with types.ErrDuplicateParticipant when the user holds an active match.
func (q *Queue) Enqueue(ctx context.Context, userID string, meta types.Metadata) (types.WaitingEntry, error) {
	if userID == "" {
		return types.WaitingEntry{}, eris.Wrap(types.ErrInvalidInput, "user id must not be empty")
	}
	seq, err := q.s.Client.Incr(ctx, q.s.Keys.QueueSeq()).Result()
	if err != nil {
		return types.WaitingEntry{}, storage.Unavailable(err, "failed to allocate queue sequence")
	}

	entry := types.NewWaitingEntry(userID, q.s.NowMs(), seq, meta.Demo)
	payload, err := codec.EncodeString(entry)
	if err != nil {
		return types.WaitingEntry{}, err
	}

	keys := []string{q.s.Keys.WaitingQueue(), q.s.Keys.WaitingMeta(), q.s.Keys.Match(userID)}
	res, err := enqueueScript.Run(ctx, q.s.Client, keys, userID, entry.JoinedAt, payload).Int64()
	if err != nil {
		return types.WaitingEntry{}, storage.Unavailable(err, "failed to enqueue "+userID)
	}
	switch res {
	case enqueueAlreadyQueued:
		return types.WaitingEntry{}, eris.Wrapf(types.ErrAlreadyQueued, "user %s", userID)
	case enqueueMatched:
		return types.WaitingEntry{}, eris.Wrapf(types.ErrDuplicateParticipant, "user %s", userID)
	}

	q.log.Debug().Str("user", userID).Int64("seq", seq).Msg("user joined queue")
	return entry, nil
}

// Requeue enqueues userID and reports whether a new entry was written.
// Users that are already waiting or already matched are left alone.
func (q *Queue) Requeue(ctx context.Context, userID string, meta types.Metadata) (bool, error) {
	_, err := q.Enqueue(ctx, userID, meta)
	switch {
	case err == nil:
		return true, nil
	case eris.Is(err, types.ErrAlreadyQueued), eris.Is(err, types.ErrDuplicateParticipant):
		return false, nil
	}
	return false, err
}

// Peek returns up to n waiting entries in queue order without removing them. n <= 0 returns every entry.
// Entries with corrupt metadata are skipped.
func (q *Queue) Peek(ctx context.Context, n int) ([]types.WaitingEntry, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n) - 1
	}
	zs, err := q.s.Client.ZRangeWithScores(ctx, q.s.Keys.WaitingQueue(), 0, stop).Result()
	if err != nil {
		return nil, storage.Unavailable(err, "failed to read queue")
	}
	members := make([]string, 0, len(zs))
	seen := make(map[string]struct{}, len(zs))
	for _, z := range zs {
		if id, ok := z.Member.(string); ok {
			members = append(members, id)
			seen[id] = struct{}{}
		}
	}
	// Equal scores come back in member order, so pull in everyone tied with the last entry
	// and let the sequence decide.
	if n > 0 && len(zs) == n {
		edge := formatScore(zs[n-1].Score)
		tied, err := q.s.Client.ZRangeByScore(ctx, q.s.Keys.WaitingQueue(), &redis.ZRangeBy{Min: edge, Max: edge}).Result()
		if err != nil {
			return nil, storage.Unavailable(err, "failed to read tied entries")
		}
		for _, id := range tied {
			if _, ok := seen[id]; !ok {
				members = append(members, id)
			}
		}
	}

	entries, err := q.load(ctx, members)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// DequeueOldest atomically removes and returns up to n of the oldest entries.
// Users that hold a match are not returned and are left for the reconciler.
func (q *Queue) DequeueOldest(ctx context.Context, n int) ([]types.WaitingEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	candidates, err := q.Peek(ctx, n)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	keys := []string{q.s.Keys.WaitingQueue(), q.s.Keys.WaitingMeta(), q.s.Keys.WaitingSeen()}
	args := make([]any, 0, len(candidates))
	for _, c := range candidates {
		keys = append(keys, q.s.Keys.Match(c.UserID))
		args = append(args, c.UserID)
	}
	payloads, err := dequeueScript.Run(ctx, q.s.Client, keys, args...).StringSlice()
	if err != nil && !storage.IsNil(err) {
		return nil, storage.Unavailable(err, "failed to dequeue")
	}

	out := make([]types.WaitingEntry, 0, len(payloads))
	for _, p := range payloads {
		entry, err := codec.DecodeString[types.WaitingEntry](p)
		if err != nil {
			q.log.Warn().Err(err).Msg("dropping corrupt waiting entry during dequeue")
			continue
		}
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

// PositionOf returns the 1-based position of userID in the queue, or false if the user is not waiting.
func (q *Queue) PositionOf(ctx context.Context, userID string) (int, bool, error) {
	score, err := q.s.Client.ZScore(ctx, q.s.Keys.WaitingQueue(), userID).Result()
	if storage.IsNil(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storage.Unavailable(err, "failed to read queue score")
	}

	ahead, err := q.s.Client.ZCount(ctx, q.s.Keys.WaitingQueue(), "-inf", "("+formatScore(score)).Result()
	if err != nil {
		return 0, false, storage.Unavailable(err, "failed to count queue")
	}

	tied, err := q.s.Client.ZRangeByScore(ctx, q.s.Keys.WaitingQueue(), &redis.ZRangeBy{
		Min: formatScore(score),
		Max: formatScore(score),
	}).Result()
	if err != nil {
		return 0, false, storage.Unavailable(err, "failed to read tied entries")
	}
	if len(tied) > 1 {
		entries, err := q.load(ctx, tied)
		if err != nil {
			return 0, false, err
		}
		sortEntries(entries)
		for _, e := range entries {
			if e.UserID == userID {
				break
			}
			ahead++
		}
	}
	return int(ahead) + 1, true, nil
}

// Get returns the waiting entry of userID or types.ErrNotFound.
func (q *Queue) Get(ctx context.Context, userID string) (types.WaitingEntry, error) {
	payload, err := q.s.Client.HGet(ctx, q.s.Keys.WaitingMeta(), userID).Result()
	if storage.IsNil(err) {
		return types.WaitingEntry{}, eris.Wrapf(types.ErrNotFound, "user %s is not queued", userID)
	}
	if err != nil {
		return types.WaitingEntry{}, storage.Unavailable(err, "failed to read waiting entry")
	}
	return codec.DecodeString[types.WaitingEntry](payload)
}

func (q *Queue) Contains(ctx context.Context, userID string) (bool, error) {
	_, err := q.s.Client.ZScore(ctx, q.s.Keys.WaitingQueue(), userID).Result()
	if storage.IsNil(err) {
		return false, nil
	}
	if err != nil {
		return false, storage.Unavailable(err, "failed to read queue score")
	}
	return true, nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.s.Client.ZCard(ctx, q.s.Keys.WaitingQueue()).Result()
	if err != nil {
		return 0, storage.Unavailable(err, "failed to read queue length")
	}
	return n, nil
}

// Remove deletes the given users from the queue. Removing an absent user is not an error.
func (q *Queue) Remove(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]any, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	_, err := q.s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.s.Keys.WaitingQueue(), members...)
		pipe.HDel(ctx, q.s.Keys.WaitingMeta(), userIDs...)
		pipe.HDel(ctx, q.s.Keys.WaitingSeen(), userIDs...)
		return nil
	})
	if err != nil {
		return storage.Unavailable(err, "failed to remove users from queue")
	}
	return nil
}

func (q *Queue) load(ctx context.Context, members []string) ([]types.WaitingEntry, error) {
	if len(members) == 0 {
		return nil, nil
	}
	values, err := q.s.Client.HMGet(ctx, q.s.Keys.WaitingMeta(), members...).Result()
	if err != nil {
		return nil, storage.Unavailable(err, "failed to read waiting metadata")
	}
	entries := make([]types.WaitingEntry, 0, len(members))
	for i, v := range values {
		payload, ok := v.(string)
		if !ok {
			q.log.Debug().Str("user", members[i]).Msg("queue member has no metadata")
			continue
		}
		entry, err := codec.DecodeString[types.WaitingEntry](payload)
		if err != nil || entry.UserID != members[i] {
			q.log.Debug().Str("user", members[i]).Msg("queue member has corrupt metadata")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func sortEntries(entries []types.WaitingEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Before(entries[j])
	})
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
