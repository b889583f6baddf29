package remote

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dmitrymomot/cloudagent/core/certificate"
	"github.com/dmitrymomot/cloudagent/core/channel"
	"github.com/dmitrymomot/cloudagent/core/event"
	"github.com/dmitrymomot/cloudagent/pkg/logger"
)

// State represents the remote connectivity state.
type State int

const (
	StateDisabled State = iota
	StateCertificatePending
	StateTunnelEstablishing
	StateConnected
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateCertificatePending:
		return "certificate_pending"
	case StateTunnelEstablishing:
		return "tunnel_establishing"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Event names published on the configured event bus.
const (
	EventRemoteConnect     = "remote_connect"
	EventRemoteDisconnect  = "remote_disconnect"
	EventBackendUp         = "remote_backend_up"
	EventBackendDown       = "remote_backend_down"
	EventCertificateStatus = "certificate_status"
)

// cloudMessageType is the channel push type carrying connectivity commands.
const cloudMessageType = "cloud"

// Cloud command actions.
const (
	actionDisconnectRemote = "disconnect_remote"
	actionEvaluateSecurity = "evaluate_remote_security"
)

const (
	// validationJitterMax spreads the daily validation run across the hour
	// after midnight so a fleet of agents does not hit the CA at once.
	validationJitterMax = time.Hour

	// Security re-evaluation reconnects are delayed by a random interval
	// in [securityEvalMinDelay, securityEvalMaxDelay).
	securityEvalMinDelay = 60 * time.Second
	securityEvalMaxDelay = 7200 * time.Second
)

// Config holds configuration for the connectivity orchestrator.
type Config struct {
	// TunnelRetryInitialInterval is the first tunnel retry delay.
	TunnelRetryInitialInterval time.Duration `env:"REMOTE_TUNNEL_RETRY_INITIAL_INTERVAL" envDefault:"1s"`

	// TunnelRetryMaxInterval caps the tunnel retry delay.
	TunnelRetryMaxInterval time.Duration `env:"REMOTE_TUNNEL_RETRY_MAX_INTERVAL" envDefault:"60s"`

	// TunnelRetryMaxAttempts bounds retries per connect session; when
	// exhausted the failure is terminal until the next explicit trigger.
	TunnelRetryMaxAttempts uint64 `env:"REMOTE_TUNNEL_RETRY_MAX_ATTEMPTS" envDefault:"5"`

	// TokenExpiryMargin is how close to expiry a cached connectivity
	// token is considered stale.
	TokenExpiryMargin time.Duration `env:"REMOTE_TOKEN_EXPIRY_MARGIN" envDefault:"30s"`
}

// Token is a short-lived connectivity token. It is held in memory only and
// never persisted.
type Token struct {
	Value      string
	ValidUntil time.Time
}

// TokenSource fetches fresh connectivity tokens from the cloud backend.
type TokenSource interface {
	FetchToken(ctx context.Context) (Token, error)
}

// Tunnel establishes and tears down the encrypted transport to the cloud
// edge. Connect blocks until the tunnel is up or fails.
type Tunnel interface {
	Connect(ctx context.Context, tlsCfg *tls.Config, token string) error
	Disconnect(ctx context.Context) error
}

// CertificateSource supplies the always-valid certificate the tunnel is
// established with. *certificate.Manager satisfies it.
type CertificateSource interface {
	EnsureValid(ctx context.Context) (*certificate.Certificate, error)
	Validate(ctx context.Context) (certificate.Status, error)
	TLSConfig() (*tls.Config, error)
}

// CommandChannel is the subset of the cloud channel used to receive
// cloud-pushed connectivity commands.
type CommandChannel interface {
	Handle(msgType string, fn channel.HandlerFunc)
}

// Orchestrator sequences certificate readiness and tunnel establishment,
// runs the daily certificate validation loop and reacts to cloud-pushed
// connectivity commands. Cross-component signaling goes through the event
// bus, never shared state.
type Orchestrator struct {
	cfg    Config
	certs  CertificateSource
	tunnel Tunnel
	tokens TokenSource
	logger *slog.Logger
	bus    *event.Bus

	now    func() time.Time
	jitter func(max time.Duration) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// opMu serializes connect/disconnect sequences.
	opMu sync.Mutex

	mu      sync.RWMutex
	state   State
	token   *Token
	started bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger configures structured logging for the orchestrator.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithBus publishes connectivity events on the given bus.
func WithBus(bus *event.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithClock overrides the time source used for token expiry and daily
// validation scheduling.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates a connectivity orchestrator.
func New(cfg Config, certs CertificateSource, tunnel Tunnel, tokens TokenSource, opts ...Option) (*Orchestrator, error) {
	if certs == nil {
		return nil, ErrCertificateSourceRequired
	}
	if tunnel == nil {
		return nil, ErrTunnelRequired
	}
	if tokens == nil {
		return nil, ErrTokenSourceRequired
	}
	if cfg.TunnelRetryInitialInterval <= 0 {
		cfg.TunnelRetryInitialInterval = time.Second
	}
	if cfg.TunnelRetryMaxInterval <= 0 {
		cfg.TunnelRetryMaxInterval = 60 * time.Second
	}
	if cfg.TunnelRetryMaxAttempts == 0 {
		cfg.TunnelRetryMaxAttempts = 5
	}
	if cfg.TokenExpiryMargin <= 0 {
		cfg.TokenExpiryMargin = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:    cfg,
		certs:  certs,
		tunnel: tunnel,
		tokens: tokens,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
		jitter: func(max time.Duration) time.Duration { return rand.N(max) },
		ctx:    ctx,
		cancel: cancel,
		state:  StateDisabled,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// State returns the current connectivity state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// AttachChannel subscribes the orchestrator to cloud-pushed connectivity
// commands delivered over the message channel.
func (o *Orchestrator) AttachChannel(ch CommandChannel) {
	ch.Handle(cloudMessageType, o.HandleCloudCommand)
}

// Start launches the daily certificate validation loop.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.validationLoop()
	}()
}

// Close stops all background loops. It does not tear down an established
// tunnel; call Disconnect first for a clean shutdown.
func (o *Orchestrator) Close() error {
	o.cancel()
	o.wg.Wait()
	return nil
}

// Connect obtains a valid certificate and establishes the tunnel with it
// plus a freshly fetched short-lived token. Tunnel failures retry with
// exponential backoff up to the configured attempt budget; exhaustion is
// reported as ErrConnectivity and the orchestrator waits for the next
// explicit trigger. Calling Connect while connected is a no-op.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if o.State() == StateConnected {
		return nil
	}
	o.setState(StateCertificatePending)

	cert, err := o.certs.EnsureValid(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain a valid certificate: %w", err)
	}
	tlsCfg, err := o.certs.TLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS configuration: %w", err)
	}

	o.setState(StateTunnelEstablishing)

	token, err := o.currentToken(ctx)
	if err != nil {
		o.setState(StateCertificatePending)
		return fmt.Errorf("%w: %w", ErrConnectivity, err)
	}

	op := func() error {
		return o.tunnel.Connect(ctx, tlsCfg, token.Value)
	}
	if err := backoff.Retry(op, backoff.WithContext(o.tunnelBackoff(), ctx)); err != nil {
		o.setState(StateCertificatePending)
		o.logger.ErrorContext(ctx, "tunnel establishment failed, waiting for explicit reconnect",
			logger.Error(err), logger.Component("remote"))
		return fmt.Errorf("%w: %w", ErrConnectivity, err)
	}

	o.setState(StateConnected)
	o.publish(ctx, EventRemoteConnect, nil)
	o.publish(ctx, EventBackendUp, nil)
	o.logger.InfoContext(ctx, "remote connection established",
		logger.Domain(cert.CommonName), logger.Component("remote"))
	return nil
}

// Disconnect tears the tunnel down. The cached certificate is retained so
// the next Connect does not re-run issuance.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if s := o.State(); s != StateConnected && s != StateTunnelEstablishing {
		return nil
	}

	err := o.tunnel.Disconnect(ctx)
	o.setState(StateDisabled)
	o.publish(ctx, EventRemoteDisconnect, nil)
	o.publish(ctx, EventBackendDown, nil)
	o.logger.InfoContext(ctx, "remote connection closed", logger.Component("remote"))
	return err
}

// HandleCloudCommand processes a cloud-pushed connectivity command. It is
// registered as the channel handler for the "cloud" message type.
func (o *Orchestrator) HandleCloudCommand(ctx context.Context, payload json.RawMessage) (any, error) {
	var cmd struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("failed to decode cloud command: %w", err)
	}

	switch cmd.Action {
	case actionDisconnectRemote:
		o.clearToken()
		if err := o.Disconnect(ctx); err != nil {
			return nil, err
		}
	case actionEvaluateSecurity:
		delay := securityEvalMinDelay + o.jitter(securityEvalMaxDelay-securityEvalMinDelay)
		o.logger.InfoContext(ctx, "scheduling security re-evaluation reconnect",
			logger.Duration(delay), logger.Component("remote"))
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.delayedReconnect(delay)
		}()
	default:
		o.logger.Warn("unknown cloud command",
			slog.String("action", cmd.Action), logger.Component("remote"))
	}
	return nil, nil
}

func (o *Orchestrator) delayedReconnect(delay time.Duration) {
	select {
	case <-o.ctx.Done():
		return
	case <-time.After(delay):
	}

	_ = o.Disconnect(o.ctx)
	if err := o.Connect(o.ctx); err != nil {
		o.logger.Error("security re-evaluation reconnect failed",
			logger.Error(err), logger.Component("remote"))
	}
}

// validationLoop re-validates the certificate daily, shortly after
// midnight.
func (o *Orchestrator) validationLoop() {
	for {
		timer := time.NewTimer(untilNextValidation(o.now(), o.jitter))
		select {
		case <-o.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		o.runDailyValidation(o.ctx)
	}
}

// untilNextValidation computes the delay to the next daily validation run:
// the coming midnight plus a random jitter.
func untilNextValidation(now time.Time, jitter func(time.Duration) time.Duration) time.Duration {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return midnight.Sub(now) + jitter(validationJitterMax)
}

// runDailyValidation re-checks the certificate and, when renewal is due,
// renews it and recycles an established tunnel onto the fresh certificate.
func (o *Orchestrator) runDailyValidation(ctx context.Context) {
	status, err := o.certs.Validate(ctx)
	if err != nil {
		o.logger.ErrorContext(ctx, "daily certificate validation failed",
			logger.Error(err), logger.Component("remote"))
	}
	o.publish(ctx, EventCertificateStatus, status)

	if status == certificate.StatusReady {
		return
	}

	wasConnected := o.State() == StateConnected

	if _, err := o.certs.EnsureValid(ctx); err != nil {
		o.logger.ErrorContext(ctx, "certificate renewal failed",
			logger.Error(err), logger.Status(status.String()), logger.Component("remote"))
		return
	}

	if wasConnected {
		_ = o.Disconnect(ctx)
		if err := o.Connect(ctx); err != nil {
			o.logger.ErrorContext(ctx, "failed to re-establish tunnel after renewal",
				logger.Error(err), logger.Component("remote"))
		}
	}
}

// currentToken returns the cached connectivity token when still fresh, or
// fetches a new one. Tokens never touch disk.
func (o *Orchestrator) currentToken(ctx context.Context) (Token, error) {
	o.mu.RLock()
	cached := o.token
	o.mu.RUnlock()

	if cached != nil && o.now().Add(o.cfg.TokenExpiryMargin).Before(cached.ValidUntil) {
		return *cached, nil
	}

	fresh, err := o.tokens.FetchToken(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("failed to fetch connectivity token: %w", err)
	}

	o.mu.Lock()
	o.token = &fresh
	o.mu.Unlock()
	return fresh, nil
}

func (o *Orchestrator) clearToken() {
	o.mu.Lock()
	o.token = nil
	o.mu.Unlock()
}

func (o *Orchestrator) tunnelBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.TunnelRetryInitialInterval
	b.MaxInterval = o.cfg.TunnelRetryMaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, o.cfg.TunnelRetryMaxAttempts)
}

func (o *Orchestrator) setState(next State) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	o.mu.Unlock()

	if prev != next {
		o.logger.Debug("remote state changed",
			slog.String("from", prev.String()),
			slog.String("to", next.String()),
			logger.Component("remote"))
	}
}

func (o *Orchestrator) publish(ctx context.Context, name string, payload any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, event.New(name, payload)); err != nil {
		o.logger.Debug("failed to publish connectivity event",
			slog.String("event", name), logger.Error(err))
	}
}
