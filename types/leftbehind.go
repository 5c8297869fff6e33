package types

// LeftBehindState records that a user's partner left them mid call.
type LeftBehindState struct {
	Kind             RecordKind `json:"kind"`
	UserID           string     `json:"userId"`
	PreviousRoom     string     `json:"previousRoomName"`
	DisconnectedPeer string     `json:"disconnectedUserId"`
	InQueue          bool       `json:"inQueue"`
	Processed        bool       `json:"processed"`
	MatchedWith      string     `json:"matchedWith,omitempty"`
	ReassignedRoom   string     `json:"newRoomName,omitempty"`
	Timestamp        int64      `json:"timestamp"`
	ProcessedAt      int64      `json:"processedAt,omitempty"`
}

func NewLeftBehindState(userID, previousRoom, peer string, timestamp int64) LeftBehindState {
	return LeftBehindState{
		Kind:             KindLeftBehind,
		UserID:           userID,
		PreviousRoom:     previousRoom,
		DisconnectedPeer: peer,
		Timestamp:        timestamp,
	}
}

func (l LeftBehindState) RecordKind() RecordKind { return KindLeftBehind }

func (l LeftBehindState) Validate() error {
	if err := checkKind(l.Kind, KindLeftBehind); err != nil {
		return err
	}
	if l.UserID == "" {
		return invalid("left-behind state has an empty user id")
	}
	if l.Timestamp <= 0 {
		return invalid("left-behind state for %s has invalid timestamp %d", l.UserID, l.Timestamp)
	}
	if l.Processed && l.ProcessedAt <= 0 {
		return invalid("processed left-behind state for %s is missing processedAt", l.UserID)
	}
	return nil
}

type LeftBehindStatus string

const (
	StatusNotLeftBehind  LeftBehindStatus = "not_left_behind"
	StatusLeftBehind     LeftBehindStatus = "left_behind"
	StatusAlreadyMatched LeftBehindStatus = "already_matched"
)
