package types

// WaitingEntry is the payload stored for every user in the waiting queue.
// Entries are ordered by JoinedAt and then by Seq, which is handed out by the store on every enqueue.
type WaitingEntry struct {
	Kind     RecordKind `json:"kind"`
	UserID   string     `json:"userId"`
	JoinedAt int64      `json:"joinedAt"`
	Seq      int64      `json:"seq"`
	Demo     bool       `json:"demo,omitempty"`
}

func NewWaitingEntry(userID string, joinedAt, seq int64, demo bool) WaitingEntry {
	return WaitingEntry{
		Kind:     KindWaitingEntry,
		UserID:   userID,
		JoinedAt: joinedAt,
		Seq:      seq,
		Demo:     demo,
	}
}

func (w WaitingEntry) RecordKind() RecordKind { return KindWaitingEntry }

func (w WaitingEntry) Validate() error {
	if err := checkKind(w.Kind, KindWaitingEntry); err != nil {
		return err
	}
	if w.UserID == "" {
		return invalid("waiting entry has an empty user id")
	}
	if w.JoinedAt <= 0 {
		return invalid("waiting entry for %s has invalid joinedAt %d", w.UserID, w.JoinedAt)
	}
	if w.Seq < 0 {
		return invalid("waiting entry for %s has negative seq %d", w.UserID, w.Seq)
	}
	return nil
}

// Before reports whether w is ahead of other in queue order.
func (w WaitingEntry) Before(other WaitingEntry) bool {
	if w.JoinedAt != other.JoinedAt {
		return w.JoinedAt < other.JoinedAt
	}
	if w.Seq != other.Seq {
		return w.Seq < other.Seq
	}
	return w.UserID < other.UserID
}

// Metadata is the caller-supplied part of a waiting entry.
type Metadata struct {
	Demo bool `json:"demo,omitempty"`
}
