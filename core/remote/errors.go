package remote

import "errors"

var (
	// ErrConnectivity is returned when tunnel establishment fails after
	// exhausting the retry budget. The orchestrator then waits for an
	// explicit reconnect trigger.
	ErrConnectivity = errors.New("remote: tunnel establishment failed")

	// ErrCertificateSourceRequired is returned by New when no certificate
	// source is supplied.
	ErrCertificateSourceRequired = errors.New("remote: certificate source is required")

	// ErrTunnelRequired is returned by New when no tunnel is supplied.
	ErrTunnelRequired = errors.New("remote: tunnel is required")

	// ErrTokenSourceRequired is returned by New when no token source is
	// supplied.
	ErrTokenSourceRequired = errors.New("remote: token source is required")
)
