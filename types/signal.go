package types

import "github.com/rotisserie/eris"

type SignalKind string

const (
	SignalForceDisconnect SignalKind = "force-disconnect"
	SignalSkipInProgress  SignalKind = "skip-in-progress"
	SignalPreSkip         SignalKind = "pre-skip"
	// SignalRoomDeleted is keyed by room rather than by user.
	SignalRoomDeleted SignalKind = "room-deleted"
)

// UserSignals lists the per-user flags in the order a poll reports them.
var UserSignals = []SignalKind{SignalForceDisconnect, SignalSkipInProgress, SignalPreSkip}

func (k SignalKind) String() string { return string(k) }

func (k SignalKind) IsUserSignal() bool {
	for _, s := range UserSignals {
		if s == k {
			return true
		}
	}
	return false
}

func ParseSignalKind(s string) (SignalKind, error) {
	switch k := SignalKind(s); k {
	case SignalForceDisconnect, SignalSkipInProgress, SignalPreSkip, SignalRoomDeleted:
		return k, nil
	}
	return "", eris.Wrapf(ErrInvalidInput, "unknown signal kind %q", s)
}

// PollResult is what a client receives when asking whether it should leave its room.
type PollResult struct {
	Disconnected bool       `json:"shouldDisconnect"`
	Reason       SignalKind `json:"reason,omitempty"`
}
