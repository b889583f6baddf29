package event

import "errors"

var (
	// ErrBusClosed is returned when publishing to a closed bus.
	ErrBusClosed = errors.New("event: bus is closed")
)
