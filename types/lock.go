package types

// LockToken identifies one acquisition of the matching lock.
type LockToken struct {
	Holder     string `json:"holder"`
	AcquiredAt int64  `json:"acquiredAt"`
}

// HeartbeatRecord is the last liveness report seen for a user.
type HeartbeatRecord struct {
	UserID     string `json:"userId"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

// AloneTimer marks when a room was first observed with a single participant.
type AloneTimer struct {
	RoomName   string `json:"roomName"`
	AloneSince int64  `json:"aloneSince"`
}
