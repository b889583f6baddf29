package certificate

import (
	"context"
	"crypto"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	legocert "github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/cloudagent/pkg/logger"
)

// Stored file names. The account key and registration survive certificate
// renewals; the private key and fullchain are replaced on each issuance.
const (
	FileAccountKey   = "acme_account.pem"
	FilePrivateKey   = "remote_private.pem"
	FileFullchain    = "remote_fullchain.pem"
	FileRegistration = "acme_reg.json"
)

const (
	// RenewIfExpiresDays is the renewal window: a certificate with fewer
	// days than this before expiry is classified expiring_soon.
	RenewIfExpiresDays = 25

	cleanupTimeout = 30 * time.Second

	userAgent = "cloudagent"
)

// Config holds configuration for the certificate manager.
type Config struct {
	// Domain is the certificate subject domain.
	Domain string `env:"CERT_DOMAIN"`

	// Email is the contact email for the ACME account.
	Email string `env:"CERT_EMAIL"`

	// CertDir is the directory to store certificate material.
	CertDir string `env:"CERT_DIR" envDefault:".cloud"`

	// DirectoryURL is the ACME directory endpoint.
	DirectoryURL string `env:"ACME_DIRECTORY_URL" envDefault:"https://acme-v02.api.letsencrypt.org/directory"`

	// KeyType selects the certificate key type (RSA 2048 by default).
	KeyType certcrypto.KeyType `env:"CERT_KEY_TYPE" envDefault:"2048"`

	// PropagationWait is the fixed delay between publishing the challenge
	// TXT record and asking the CA to validate it.
	PropagationWait time.Duration `env:"CERT_DNS_PROPAGATION_WAIT" envDefault:"60s"`
}

// Certificate describes the currently loaded certificate.
type Certificate struct {
	CommonName  string
	ExpireDate  time.Time
	Fingerprint string
}

// Manager owns the certificate lifecycle: loading and validating the
// on-disk certificate, and driving the ACME DNS-01 issuance/renewal flow
// when the certificate is missing, expired or expiring soon.
//
// At most one issuance flow runs per domain at any time; concurrent
// EnsureValid calls attach to the in-flight flow and share its outcome.
type Manager struct {
	cfg     Config
	storage *Storage
	dns     DNSUpdater
	logger  *slog.Logger

	clientFactory clientFactory
	observer      func(Status)
	now           func() time.Time

	mu     sync.RWMutex
	status Status
	x509   *x509.Certificate
	client acmeClient

	flight singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger configures structured logging for the manager.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.logger = log
		}
	}
}

// WithStatusObserver registers a callback invoked on every status
// transition. The callback runs outside the manager's lock and must not
// call back into the manager synchronously from another goroutine's
// critical section.
func WithStatusObserver(fn func(Status)) Option {
	return func(m *Manager) {
		m.observer = fn
	}
}

// WithClock overrides the time source used for expiry classification.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a certificate manager for a single domain.
func New(cfg Config, dns DNSUpdater, opts ...Option) (*Manager, error) {
	if cfg.Domain == "" {
		return nil, ErrDomainRequired
	}
	if cfg.Email == "" {
		return nil, ErrEmailRequired
	}
	if cfg.CertDir == "" {
		return nil, ErrCertDirRequired
	}
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = lego.LEDirectoryProduction
	}
	if cfg.KeyType == "" {
		cfg.KeyType = certcrypto.RSA2048
	}

	storage, err := NewStorage(cfg.CertDir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:           cfg,
		storage:       storage,
		dns:           dns,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		clientFactory: defaultClientFactory,
		now:           time.Now,
		status:        StatusNoCertificate,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Status returns the current lifecycle status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Certificate returns details of the loaded certificate, or nil if none.
func (m *Manager) Certificate() *Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.x509 == nil {
		return nil
	}

	fingerprint := sha1.Sum(m.x509.Raw)
	return &Certificate{
		CommonName:  m.x509.Subject.CommonName,
		ExpireDate:  m.x509.NotAfter.UTC(),
		Fingerprint: hex.EncodeToString(fingerprint[:]),
	}
}

// PrivateKeyPath returns the on-disk path of the certificate private key.
func (m *Manager) PrivateKeyPath() string {
	return m.storage.Path(FilePrivateKey)
}

// FullchainPath returns the on-disk path of the certificate chain.
func (m *Manager) FullchainPath() string {
	return m.storage.Path(FileFullchain)
}

// transition moves the status machine along a defined edge and notifies the
// status observer. It is the only mutator of the status field. Requesting
// the current status again is a no-op.
func (m *Manager) transition(next Status) error {
	m.mu.Lock()
	cur := m.status
	if cur == next {
		m.mu.Unlock()
		return nil
	}
	if !canTransition(cur, next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	m.status = next
	observer := m.observer
	m.mu.Unlock()

	m.logger.Debug("certificate status changed",
		slog.String("from", cur.String()),
		logger.Status(next.String()),
		logger.Domain(m.cfg.Domain),
		logger.Component("certificate"))

	if observer != nil {
		observer(next)
	}
	return nil
}

// EnsureValid returns the current certificate when it is ready and not
// expiring soon; otherwise it runs the issuance/renewal flow and returns
// its result. Concurrent calls share a single in-flight flow per domain.
func (m *Manager) EnsureValid(ctx context.Context) (*Certificate, error) {
	result, err, _ := m.flight.Do(m.cfg.Domain, func() (any, error) {
		status, verr := m.Validate(ctx)
		if verr == nil && status == StatusReady {
			return m.Certificate(), nil
		}
		if verr != nil {
			m.logger.WarnContext(ctx, "certificate validation failed, starting issuance",
				logger.Error(verr), logger.Domain(m.cfg.Domain), logger.Component("certificate"))
		}
		return m.issue(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Certificate), nil
}

// Validate re-evaluates the on-disk/in-memory certificate against expiry
// and domain-correctness rules without forcing issuance. It returns the
// resulting classification.
func (m *Manager) Validate(ctx context.Context) (Status, error) {
	m.mu.RLock()
	cert := m.x509
	m.mu.RUnlock()

	if cert == nil {
		if !m.storage.Exists(FileFullchain) {
			return StatusNoCertificate, nil
		}

		if err := m.transition(StatusLoading); err != nil {
			return m.Status(), err
		}
		loaded, err := m.readX509()
		if err != nil {
			_ = m.transition(StatusCertificateLoadError)
			return StatusCertificateLoadError, fmt.Errorf("%w: %w", ErrCertificateLoad, err)
		}
		m.mu.Lock()
		m.x509 = loaded
		m.mu.Unlock()
		if err := m.transition(StatusLoaded); err != nil {
			return m.Status(), err
		}
		cert = loaded
	}

	if err := m.transition(StatusValidating); err != nil {
		return m.Status(), err
	}

	now := m.now()
	switch {
	case cert.Subject.CommonName != m.cfg.Domain:
		m.logger.WarnContext(ctx, "certificate subject does not match configured domain",
			slog.String("common_name", cert.Subject.CommonName),
			logger.Domain(m.cfg.Domain), logger.Component("certificate"))
		_ = m.transition(StatusDomainValidationFailed)
		return StatusDomainValidationFailed, nil
	case cert.NotAfter.Before(now):
		_ = m.transition(StatusExpired)
		return StatusExpired, nil
	case cert.NotAfter.Before(now.Add(RenewIfExpiresDays * 24 * time.Hour)):
		_ = m.transition(StatusExpiringSoon)
		return StatusExpiringSoon, nil
	default:
		if err := m.transition(StatusReady); err != nil {
			return m.Status(), err
		}
		return StatusReady, nil
	}
}

// issue runs one full DNS-01 issuance/renewal flow. Callers hold the
// single-flight guard.
func (m *Manager) issue(ctx context.Context) (*Certificate, error) {
	initial := !m.storage.Exists(FileFullchain)

	start := StatusRenewalGenerating
	if initial {
		start = StatusInitialGenerating
	}
	if err := m.transition(start); err != nil {
		return nil, err
	}

	client, err := m.ensureClient(ctx)
	if err != nil {
		_ = m.transition(StatusError)
		return nil, m.failIssue(ctx, initial, err)
	}

	if err := m.transition(StatusCSRGenerating); err != nil {
		return nil, err
	}
	key, err := m.loadOrCreateKey()
	if err != nil {
		_ = m.transition(StatusError)
		return nil, m.failIssue(ctx, initial, err)
	}

	solver := &dnsSolver{
		m:    m,
		dns:  m.dns,
		wait: m.cfg.PropagationWait,
		ctx:  ctx,
	}
	// The solver owns the propagation delay, so the library-side pre-check
	// is bypassed entirely.
	skipCheck := dns01.WrapPreCheck(func(domain, fqdn, value string, check dns01.PreCheckFunc) (bool, error) {
		return true, nil
	})
	if err := client.SetDNS01Provider(solver, skipCheck); err != nil {
		_ = m.transition(StatusError)
		return nil, m.failIssue(ctx, initial, fmt.Errorf("%w: %w", ErrAcme, err))
	}

	if err := m.transition(StatusChallengePending); err != nil {
		return nil, err
	}

	res, err := client.Obtain(legocert.ObtainRequest{
		Domains:    []string{m.cfg.Domain},
		Bundle:     true,
		PrivateKey: key,
	})
	if err != nil {
		switch m.Status() {
		case StatusChallengeDNSFailed:
			// Status already reflects the DNS failure.
		case StatusChallengeCleanup, StatusChallengeAnswering:
			_ = m.transition(StatusChallengeAnswerFailed)
		default:
			if !m.Status().IsError() {
				_ = m.transition(StatusChallengeUnexpectedError)
			}
		}
		_ = m.transition(StatusError)
		return nil, m.failIssue(ctx, initial, fmt.Errorf("%w: %w", ErrAcme, err))
	}

	if err := m.transition(StatusCertificateFinalizing); err != nil {
		return nil, err
	}

	if err := m.storage.Write(FileFullchain, res.Certificate, 0600); err != nil {
		_ = m.transition(StatusCertificateFinalizationFailed)
		_ = m.transition(StatusError)
		return nil, m.failIssue(ctx, initial, err)
	}

	if err := m.transition(StatusLoading); err != nil {
		return nil, err
	}
	loaded, err := m.readX509()
	if err != nil {
		_ = m.transition(StatusCertificateLoadError)
		_ = m.transition(StatusError)
		return nil, m.failIssue(ctx, initial, fmt.Errorf("%w: %w", ErrCertificateLoad, err))
	}
	m.mu.Lock()
	m.x509 = loaded
	m.mu.Unlock()

	loadedStatus := StatusRenewalLoaded
	if initial {
		loadedStatus = StatusInitialLoaded
	}
	if err := m.transition(loadedStatus); err != nil {
		return nil, err
	}
	if err := m.transition(StatusValidating); err != nil {
		return nil, err
	}
	if err := m.transition(StatusReady); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "certificate issued",
		logger.Domain(m.cfg.Domain),
		slog.Time("expire_date", loaded.NotAfter),
		logger.Component("certificate"))

	return m.Certificate(), nil
}

// failIssue resolves the aggregate error state into its initial/renewal
// flavor and returns the cause. The current status must already be
// StatusError when called.
func (m *Manager) failIssue(ctx context.Context, initial bool, cause error) error {
	terminal := StatusRenewalFailed
	if initial {
		terminal = StatusInitialCertError
	}
	_ = m.transition(terminal)

	m.logger.ErrorContext(ctx, "certificate issuance failed",
		logger.Error(cause),
		logger.Status(terminal.String()),
		logger.Domain(m.cfg.Domain),
		logger.Component("certificate"))

	return cause
}

// ensureClient creates or reuses the ACME client and account. The stored
// registration is reused only when it was created against the configured
// directory server; a mismatch resets the account.
func (m *Manager) ensureClient(ctx context.Context) (acmeClient, error) {
	if err := m.transition(StatusAcmeAccountCreating); err != nil {
		return nil, err
	}

	m.mu.RLock()
	cached := m.client
	m.mu.RUnlock()
	if cached != nil {
		if err := m.transition(StatusAcmeAccountCreated); err != nil {
			return nil, err
		}
		return cached, nil
	}

	var record *accountRecord
	if m.storage.Exists(FileRegistration) {
		data, err := m.storage.Read(FileRegistration)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAcme, err)
		}
		rec, err := parseAccountRecord(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAcme, err)
		}
		if rec.matchesServer(m.cfg.DirectoryURL) {
			record = &rec
		} else {
			m.logger.InfoContext(ctx, "directory server changed, resetting ACME account",
				logger.Component("certificate"))
			if err := m.storage.Delete(FileRegistration); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrAcme, err)
			}
			if err := m.storage.Delete(FileAccountKey); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrAcme, err)
			}
		}
	}

	accountKey, err := m.loadOrCreateAccountKey()
	if err != nil {
		return nil, err
	}

	user := &accountUser{email: m.cfg.Email, key: accountKey}
	if record != nil {
		user.registration = &registration.Resource{URI: record.URI}
	}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = m.cfg.DirectoryURL
	legoCfg.Certificate.KeyType = m.cfg.KeyType
	legoCfg.UserAgent = userAgent

	client, err := m.clientFactory(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcme, err)
	}

	if user.registration == nil {
		regr, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAcme, err)
		}
		user.registration = regr

		rec := accountRecord{URI: regr.URI, Server: m.cfg.DirectoryURL, Email: m.cfg.Email}
		data, err := rec.marshal()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAcme, err)
		}
		if err := m.storage.Write(FileRegistration, data, 0600); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAcme, err)
		}
		m.logger.InfoContext(ctx, "registered new ACME account", logger.Component("certificate"))
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	if err := m.transition(StatusAcmeAccountCreated); err != nil {
		return nil, err
	}
	return client, nil
}

// loadOrCreateAccountKey loads the persisted ACME account key, creating and
// persisting a fresh one when absent.
func (m *Manager) loadOrCreateAccountKey() (crypto.PrivateKey, error) {
	if m.storage.Exists(FileAccountKey) {
		pemBytes, err := m.storage.Read(FileAccountKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAcme, err)
		}
		key, err := certcrypto.ParsePEMPrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAcme, err)
		}
		return key, nil
	}

	key, err := generateKey(certcrypto.RSA2048)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcme, err)
	}
	if err := m.storage.Write(FileAccountKey, certcrypto.PEMEncode(key), 0600); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcme, err)
	}
	return key, nil
}

// loadOrCreateKey loads the certificate private key, creating and
// persisting a fresh one when absent. The key is reused across renewals.
func (m *Manager) loadOrCreateKey() (crypto.PrivateKey, error) {
	if m.storage.Exists(FilePrivateKey) {
		pemBytes, err := m.storage.Read(FilePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCertificateLoad, err)
		}
		key, err := certcrypto.ParsePEMPrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCertificateLoad, err)
		}
		return key, nil
	}

	key, err := generateKey(m.cfg.KeyType)
	if err != nil {
		return nil, err
	}
	if err := m.storage.Write(FilePrivateKey, certcrypto.PEMEncode(key), 0600); err != nil {
		return nil, err
	}
	return key, nil
}

// readX509 parses the leaf certificate from the stored fullchain.
func (m *Manager) readX509() (*x509.Certificate, error) {
	data, err := m.storage.Read(FileFullchain)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", FileFullchain)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// TLSConfig builds a TLS server configuration from the stored key and
// chain. A key/chain mismatch is reported as ErrSSLContext.
func (m *Manager) TLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.FullchainPath(), m.PrivateKeyPath())
	if err != nil {
		_ = m.transition(StatusSSLContextError)
		return nil, fmt.Errorf("%w: %w", ErrSSLContext, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// HardenFiles forces owner-only permissions on all stored material.
func (m *Manager) HardenFiles() error {
	return m.storage.Harden(FileAccountKey, FileRegistration, FilePrivateKey, FileFullchain)
}

// Reset revokes the current certificate, deactivates the ACME account and
// removes all stored material. The next EnsureValid starts from scratch.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client != nil {
		if m.storage.Exists(FileFullchain) {
			data, err := m.storage.Read(FileFullchain)
			if err == nil {
				if err := client.Revoke(data); err != nil {
					m.logger.WarnContext(ctx, "failed to revoke certificate",
						logger.Error(err), logger.Component("certificate"))
				}
			}
		}
		if err := client.DeleteRegistration(); err != nil {
			m.logger.WarnContext(ctx, "failed to deactivate ACME account",
				logger.Error(err), logger.Component("certificate"))
		}
	}

	for _, name := range []string{FileFullchain, FilePrivateKey, FileRegistration, FileAccountKey} {
		if err := m.storage.Delete(name); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.client = nil
	m.x509 = nil
	m.mu.Unlock()

	_ = m.transition(StatusLoading)
	_ = m.transition(StatusNoCertificate)

	m.logger.InfoContext(ctx, "ACME account and certificate reset",
		logger.Domain(m.cfg.Domain), logger.Component("certificate"))
	return nil
}
