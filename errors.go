package fiberloop

import "errors"

// Standard errors.
var (
	// ErrEventRegistered is returned by AddEvent when the direction is
	// already registered on the fd. Registration is one-shot; a direction
	// must fire (or be cancelled) before it can be registered again.
	ErrEventRegistered = errors.New("fiberloop: event already registered on fd")

	// ErrFDOutOfRange is returned for negative file descriptors.
	ErrFDOutOfRange = errors.New("fiberloop: fd out of range")

	// ErrIOManagerClosed is returned when operations are attempted on a
	// closed IOManager.
	ErrIOManagerClosed = errors.New("fiberloop: iomanager closed")
)
