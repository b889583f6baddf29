// Package certificate manages the TLS certificate for the remote connection:
// it loads and validates the on-disk certificate and drives the ACME DNS-01
// issuance/renewal flow against the configured certificate authority when
// the certificate is missing, expired or inside the renewal window.
//
// The lifecycle is modeled as a closed status state machine. Status values
// change only through the internal transition function, which validates
// each edge against the defined transition table and notifies the
// registered status observer, so external reporting always sees a
// consistent progression (e.g. challenge_dns_updating -> challenge_dns_updated
// -> challenge_dns_propagating during a challenge).
//
// Basic usage:
//
//	manager, err := certificate.New(certificate.Config{
//		Domain:  "abcdefgh.ui.nabu.casa",
//		Email:   "user@example.com",
//		CertDir: "/data/.cloud",
//	}, dnsUpdater)
//	if err != nil {
//		return err
//	}
//
//	cert, err := manager.EnsureValid(ctx)
//
// EnsureValid is safe for concurrent use: calls issued while an issuance
// flow is in flight attach to that flow and share its outcome, so a burst
// of callers never triggers duplicate orders against the CA.
//
// Certificate material is persisted with owner-only permissions using
// atomic writes; a crash mid-write never leaves a partially written file.
// The challenge TXT record is always cleaned up, also on failure and
// cancellation.
package certificate
