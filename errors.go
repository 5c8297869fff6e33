package pairing

import "pkg.world.dev/world-engine/pairing/types"

// Errors returned by the coordinator. Match them with eris.Is.
var (
	ErrAlreadyQueued        = types.ErrAlreadyQueued
	ErrDuplicateParticipant = types.ErrDuplicateParticipant
	ErrNotFound             = types.ErrNotFound
	ErrNotQueued            = types.ErrNotQueued
	ErrLockUnavailable      = types.ErrLockUnavailable
	ErrCorruptRecord        = types.ErrCorruptRecord
	ErrStoreUnavailable     = types.ErrStoreUnavailable
	ErrRoomAccessDenied     = types.ErrRoomAccessDenied
	ErrInvalidInput         = types.ErrInvalidInput
)
