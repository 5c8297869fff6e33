package types

// Match pairs exactly two distinct users in one room.
type Match struct {
	Kind      RecordKind `json:"kind"`
	ID        string     `json:"matchId"`
	UserA     string     `json:"userA"`
	UserB     string     `json:"userB"`
	RoomName  string     `json:"roomName"`
	CreatedAt int64      `json:"createdAt"`
	Demo      bool       `json:"demo,omitempty"`
}

func NewMatch(id, userA, userB, roomName string, createdAt int64, demo bool) Match {
	return Match{
		Kind:      KindMatch,
		ID:        id,
		UserA:     userA,
		UserB:     userB,
		RoomName:  roomName,
		CreatedAt: createdAt,
		Demo:      demo,
	}
}

func (m Match) RecordKind() RecordKind { return KindMatch }

func (m Match) Validate() error {
	if err := checkKind(m.Kind, KindMatch); err != nil {
		return err
	}
	switch {
	case m.ID == "":
		return invalid("match has an empty id")
	case m.RoomName == "":
		return invalid("match %s has an empty room name", m.ID)
	case m.UserA == "" || m.UserB == "":
		return invalid("match %s has an empty participant", m.ID)
	case m.UserA == m.UserB:
		return invalid("match %s pairs %s with itself", m.ID, m.UserA)
	case m.CreatedAt <= 0:
		return invalid("match %s has invalid createdAt %d", m.ID, m.CreatedAt)
	}
	return nil
}

func (m Match) Has(userID string) bool {
	return userID != "" && (m.UserA == userID || m.UserB == userID)
}

// Partner returns the other participant of the match.
func (m Match) Partner(userID string) (string, bool) {
	switch userID {
	case m.UserA:
		return m.UserB, true
	case m.UserB:
		return m.UserA, true
	}
	return "", false
}

func (m Match) Participants() [2]string {
	return [2]string{m.UserA, m.UserB}
}
