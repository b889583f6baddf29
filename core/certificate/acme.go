package certificate

import (
	"crypto"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/go-acme/lego/v4/certcrypto"
	legocert "github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
)

// acmeClient is the subset of the ACME client surface the manager needs.
// This abstraction allows testing without real ACME requests and enables
// swapping providers (e.g., for staging environments).
type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetDNS01Provider(provider challenge.Provider, opts ...dns01.ChallengeOption) error
	Obtain(request legocert.ObtainRequest) (*legocert.Resource, error)
	Revoke(cert []byte) error
	DeleteRegistration() error
}

type clientFactory func(*lego.Config) (acmeClient, error)

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (l *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClientAdapter) SetDNS01Provider(provider challenge.Provider, opts ...dns01.ChallengeOption) error {
	return l.client.Challenge.SetDNS01Provider(provider, opts...)
}

func (l *legoClientAdapter) Obtain(request legocert.ObtainRequest) (*legocert.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

func (l *legoClientAdapter) Revoke(cert []byte) error {
	return l.client.Certificate.Revoke(cert)
}

func (l *legoClientAdapter) DeleteRegistration() error {
	return l.client.Registration.DeleteRegistration()
}

// accountUser implements registration.User for the ACME account.
type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string {
	return u.email
}

func (u *accountUser) GetRegistration() *registration.Resource {
	return u.registration
}

func (u *accountUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}

// accountRecord is the persisted ACME registration, keyed by the directory
// server it was created against. A server mismatch on load invalidates the
// stored account so a fresh one is registered.
type accountRecord struct {
	URI    string `json:"uri"`
	Server string `json:"server"`
	Email  string `json:"email"`
}

func (r accountRecord) matchesServer(directoryURL string) bool {
	stored, err := url.Parse(r.Server)
	if err != nil {
		return false
	}
	current, err := url.Parse(directoryURL)
	if err != nil {
		return false
	}
	return stored.Scheme == current.Scheme && stored.Host == current.Host
}

func (r accountRecord) marshal() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode account record: %w", err)
	}
	return data, nil
}

func parseAccountRecord(data []byte) (accountRecord, error) {
	var rec accountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return accountRecord{}, fmt.Errorf("failed to decode account record: %w", err)
	}
	return rec, nil
}

// generateKey creates a new private key of the configured type.
func generateKey(keyType certcrypto.KeyType) (crypto.PrivateKey, error) {
	key, err := certcrypto.GeneratePrivateKey(keyType)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return key, nil
}
