package config

import "errors"

var (
	// ErrNilConfig is returned when Load is called with a nil pointer.
	ErrNilConfig = errors.New("config: nil config pointer")

	// ErrParseFailed is returned when environment variable parsing fails.
	ErrParseFailed = errors.New("config: failed to parse environment variables")
)
