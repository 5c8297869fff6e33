package queue

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/pairing/codec"
	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/types"
)

// Slot is one raw queue position as stored, before any validation.
type Slot struct {
	UserID string
	Score  float64
	// Payload is the raw metadata, empty when the metadata field is missing.
	Payload string
	// LastSeen is the last heartbeat recorded while queued, zero when absent or unparsable.
	LastSeen int64
	Entry    types.WaitingEntry
	Err      error
}

// Snapshot is a full read of the queue structures used by the reconciler.
type Snapshot struct {
	Slots []Slot
	// OrphanMeta lists metadata or seen fields whose user has no queue member.
	OrphanMeta []string
}

func (q *Queue) Snapshot(ctx context.Context) (Snapshot, error) {
	members, err := q.s.Client.ZRangeWithScores(ctx, q.s.Keys.WaitingQueue(), 0, -1).Result()
	if err != nil {
		return Snapshot{}, storage.Unavailable(err, "failed to read queue")
	}
	meta, err := q.s.Client.HGetAll(ctx, q.s.Keys.WaitingMeta()).Result()
	if err != nil {
		return Snapshot{}, storage.Unavailable(err, "failed to read waiting metadata")
	}
	seen, err := q.s.Client.HGetAll(ctx, q.s.Keys.WaitingSeen()).Result()
	if err != nil {
		return Snapshot{}, storage.Unavailable(err, "failed to read waiting heartbeats")
	}

	snap := Snapshot{Slots: make([]Slot, 0, len(members))}
	queued := make(map[string]struct{}, len(members))
	for _, z := range members {
		userID, _ := z.Member.(string)
		queued[userID] = struct{}{}
		slot := Slot{UserID: userID, Score: z.Score, Payload: meta[userID]}
		if raw, ok := seen[userID]; ok {
			if ms, err := storage.ParseMillis(raw); err == nil {
				slot.LastSeen = ms
			}
		}
		slot.Entry, slot.Err = validateSlot(slot)
		snap.Slots = append(snap.Slots, slot)
	}
	orphans := make(map[string]struct{})
	for userID := range meta {
		if _, ok := queued[userID]; !ok {
			orphans[userID] = struct{}{}
		}
	}
	for userID := range seen {
		if _, ok := queued[userID]; !ok {
			orphans[userID] = struct{}{}
		}
	}
	for userID := range orphans {
		snap.OrphanMeta = append(snap.OrphanMeta, userID)
	}
	return snap, nil
}

func validateSlot(slot Slot) (types.WaitingEntry, error) {
	if slot.Score <= 0 || math.IsNaN(slot.Score) || math.IsInf(slot.Score, 0) {
		return types.WaitingEntry{}, invalidSlot("queue member %s has invalid score %v", slot.UserID, slot.Score)
	}
	if slot.Payload == "" {
		return types.WaitingEntry{}, invalidSlot("queue member %s has no metadata", slot.UserID)
	}
	entry, err := codec.DecodeString[types.WaitingEntry](slot.Payload)
	if err != nil {
		return types.WaitingEntry{}, err
	}
	if entry.UserID != slot.UserID {
		return types.WaitingEntry{}, invalidSlot("queue member %s carries metadata for %s", slot.UserID, entry.UserID)
	}
	return entry, nil
}

// RemoveIfPayload removes userID only while its metadata still equals payload.
// An empty payload matches a missing metadata field.
func (q *Queue) RemoveIfPayload(ctx context.Context, userID, payload string) (bool, error) {
	keys := []string{q.s.Keys.WaitingQueue(), q.s.Keys.WaitingMeta(), q.s.Keys.WaitingSeen()}
	n, err := removeIfPayloadScript.Run(ctx, q.s.Client, keys, userID, payload).Int64()
	if err != nil {
		return false, storage.Unavailable(err, "failed to remove corrupt queue entry")
	}
	return n == 1, nil
}

// RemoveIfMatched removes userID only while the user still holds a match mirror.
func (q *Queue) RemoveIfMatched(ctx context.Context, userID string) (bool, error) {
	return q.removeGuarded(ctx, userID, q.s.Keys.Match(userID), "exists")
}

// RemoveIfSilent removes userID only while the user has no live heartbeat.
func (q *Queue) RemoveIfSilent(ctx context.Context, userID string) (bool, error) {
	return q.removeGuarded(ctx, userID, q.s.Keys.Heartbeat(userID), "missing")
}

func (q *Queue) removeGuarded(ctx context.Context, userID, guard, mode string) (bool, error) {
	keys := []string{q.s.Keys.WaitingQueue(), q.s.Keys.WaitingMeta(), q.s.Keys.WaitingSeen(), guard}
	n, err := removeGuardedScript.Run(ctx, q.s.Client, keys, userID, mode).Int64()
	if err != nil {
		return false, storage.Unavailable(err, "failed to remove queue entry")
	}
	return n == 1, nil
}

// DropOrphanMeta removes metadata and heartbeat fields of a user that has no queue member.
func (q *Queue) DropOrphanMeta(ctx context.Context, userID string) (bool, error) {
	keys := []string{q.s.Keys.WaitingQueue(), q.s.Keys.WaitingMeta(), q.s.Keys.WaitingSeen()}
	n, err := dropOrphanMetaScript.Run(ctx, q.s.Client, keys, userID).Int64()
	if err != nil {
		return false, storage.Unavailable(err, "failed to drop orphan queue metadata")
	}
	return n > 0, nil
}

func invalidSlot(format string, args ...any) error {
	return eris.Wrapf(types.ErrCorruptRecord, format, args...)
}
