package types

import "github.com/rotisserie/eris"

var (
	// ErrAlreadyQueued is returned when a user that already has a waiting entry tries to join again.
	ErrAlreadyQueued = eris.New("user is already queued")

	// ErrDuplicateParticipant is returned when a user cannot be placed because they already hold a match.
	ErrDuplicateParticipant = eris.New("user already holds an active match")

	ErrNotFound = eris.New("record not found")

	// ErrNotQueued is returned when a user picked for a match left the waiting queue before the match was written.
	ErrNotQueued = eris.New("user is no longer queued")

	// ErrLockUnavailable is returned when the matching lock is held by someone else and is not stale.
	ErrLockUnavailable = eris.New("matching lock is held by another holder")

	// ErrCorruptRecord is returned when a stored record fails to decode or validate.
	ErrCorruptRecord = eris.New("stored record is corrupt")

	ErrStoreUnavailable = eris.New("store is unavailable")

	ErrRoomAccessDenied = eris.New("user is not a participant of this room")

	ErrInvalidInput = eris.New("invalid input")
)
