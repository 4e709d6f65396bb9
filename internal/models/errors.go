package models

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrCapacityExceeded  = errors.New("pool capacity exceeded")
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrInvalidRide       = errors.New("invalid ride request")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict is returned by stores when a pool was modified since it was read.
	ErrConflict = errors.New("concurrent modification")
)
