package certificate

import "errors"

var (
	// ErrAcme is returned when the ACME protocol negotiation with the
	// certificate authority fails.
	ErrAcme = errors.New("acme protocol error")

	// ErrDNSUpdate is returned when the DNS TXT record for a challenge
	// cannot be created or deleted.
	ErrDNSUpdate = errors.New("dns challenge update failed")

	// ErrCertificateLoad is returned when certificate material on disk
	// cannot be read or parsed.
	ErrCertificateLoad = errors.New("certificate load failed")

	// ErrSSLContext is returned when the private key does not match the
	// certificate chain.
	ErrSSLContext = errors.New("ssl context error")

	// ErrInvalidTransition is returned when a status change is requested
	// along an undefined state-machine edge.
	ErrInvalidTransition = errors.New("invalid certificate status transition")

	// ErrDomainRequired is returned when the subject domain is not configured.
	ErrDomainRequired = errors.New("domain is required")

	// ErrEmailRequired is returned when the ACME account email is not configured.
	ErrEmailRequired = errors.New("email is required for the ACME account")

	// ErrCertDirRequired is returned when the certificate directory is not configured.
	ErrCertDirRequired = errors.New("certificate directory is required")
)
