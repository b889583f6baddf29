package channel

import "errors"

var (
	// ErrNotConnected is returned when a request is attempted while the
	// channel is not connected, or when the connection drops before the
	// response arrives.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrTimeout is returned when a request's deadline passes unanswered.
	ErrTimeout = errors.New("channel: request timed out")

	// ErrHandshake is returned when the server rejects the connection
	// handshake with an authentication failure. It is terminal: the
	// channel does not retry until the caller reconnects with fresh
	// credentials.
	ErrHandshake = errors.New("channel: handshake rejected")

	// ErrClosed is returned when operating on a closed channel.
	ErrClosed = errors.New("channel: closed")

	// ErrAlreadyConnected is returned by Connect when the channel is
	// already connected or connecting.
	ErrAlreadyConnected = errors.New("channel: already connected")

	// ErrURLRequired is returned by New when no server URL is configured.
	ErrURLRequired = errors.New("channel: server URL is required")

	// ErrTokenProviderRequired is returned by New when no token provider
	// is supplied.
	ErrTokenProviderRequired = errors.New("channel: token provider is required")
)
