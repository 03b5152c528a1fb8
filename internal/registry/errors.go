package registry

import "errors"

// Admission and room errors. All but ErrDuplicateConnection are recoverable
// and reported back to the requester.
var (
	ErrDuplicateConnection = errors.New("identity already has a live connection")
	ErrSessionClosed       = errors.New("session is no longer registered")
	ErrAlreadyInRoom       = errors.New("session already joined a room")
	ErrInvalidCapacity     = errors.New("room capacity out of range")
	ErrInvalidPIN          = errors.New("no room with that pin")
	ErrRoomFull            = errors.New("room is full")
	ErrNotInRoom           = errors.New("session has not joined a room")
	ErrPINSpaceExhausted   = errors.New("every pin is in use")
)
