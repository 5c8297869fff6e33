package redis

import (
	"strings"

	"pkg.world.dev/world-engine/pairing/types"
)

// Keys builds every key used by the coordinator. All keys share the namespace prefix.
type Keys struct {
	prefix string
}

func NewKeys(namespace string) Keys {
	if namespace == "" {
		return Keys{}
	}
	return Keys{prefix: namespace + ":"}
}

func (k Keys) key(s string) string {
	return k.prefix + s
}

// WaitingQueue is the sorted set of waiting users scored by join time in milliseconds.
func (k Keys) WaitingQueue() string { return k.key("queue:waiting") }

// WaitingMeta maps a waiting user to the JSON encoded types.WaitingEntry.
func (k Keys) WaitingMeta() string { return k.key("queue:waiting:meta") }

// WaitingSeen maps a waiting user to the last heartbeat seen while queued.
func (k Keys) WaitingSeen() string { return k.key("queue:waiting:seen") }

func (k Keys) QueueSeq() string { return k.key("queue:seq") }

// InCall is the sorted set of matched users scored by their last heartbeat.
func (k Keys) InCall() string { return k.key("queue:in_call") }

// ActiveMatches maps a room name to the JSON encoded types.Match.
func (k Keys) ActiveMatches() string { return k.key("matches:active") }

// Match is the per user mirror of the active match.
func (k Keys) Match(userID string) string { return k.key("match:" + userID) }

func (k Keys) MatchPattern() string { return k.key("match:*") }

func (k Keys) UserFromMatchKey(key string) string {
	return strings.TrimPrefix(key, k.key("match:"))
}

func (k Keys) Lock() string { return k.key("lock:match") }

func (k Keys) LockTime() string { return k.key("lock:match:time") }

func (k Keys) Heartbeat(userID string) string { return k.key("heartbeat:" + userID) }

func (k Keys) LeftBehind(userID string) string { return k.key("left_behind:" + userID) }

func (k Keys) LeftBehindPattern() string { return k.key("left_behind:*") }

func (k Keys) UserFromLeftBehindKey(key string) string {
	return strings.TrimPrefix(key, k.key("left_behind:"))
}

// Flag is the key of a signal flag. Per user signals take a user id, room-deleted takes a room name.
func (k Keys) Flag(kind types.SignalKind, id string) string {
	return k.key(kind.String() + ":" + id)
}

func (k Keys) Alone(roomName string) string { return k.key("alone:" + roomName) }

func (k Keys) AlonePattern() string { return k.key("alone:*") }

func (k Keys) RoomFromAloneKey(key string) string {
	return strings.TrimPrefix(key, k.key("alone:"))
}

func (k Keys) LastReport() string { return k.key("reconcile:last_report") }

// SignalChannel is the pub/sub channel a user's event stream listens on.
func (k Keys) SignalChannel(userID string) string { return k.key("signals:" + userID) }
