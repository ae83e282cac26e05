package world

import "errors"

var (
	// ErrInvalidInput marks malformed join, move or consume requests.
	ErrInvalidInput = errors.New("world: invalid input")
	// ErrUnknownPlayer is returned when the connection has no live player.
	ErrUnknownPlayer = errors.New("world: unknown player")
	// ErrConnectionInUse is returned when a connection joins twice.
	ErrConnectionInUse = errors.New("world: connection already has a player")
	// ErrBelowEscapeThreshold is returned when an exit is requested too early.
	ErrBelowEscapeThreshold = errors.New("world: score below escape threshold")
)
