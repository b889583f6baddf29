package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/cloudagent/core/event"
	"github.com/dmitrymomot/cloudagent/pkg/logger"
)

// ConnState represents the channel connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
)

// String implements fmt.Stringer.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// Event names published on the configured event bus.
const (
	EventConnected    = "cloud_connected"
	EventDisconnected = "cloud_disconnected"
)

// Config holds configuration for the cloud channel.
type Config struct {
	// URL is the websocket endpoint of the cloud backend.
	URL string `env:"CLOUD_WS_URL"`

	// HandshakeTimeout bounds the websocket upgrade handshake.
	HandshakeTimeout time.Duration `env:"CLOUD_WS_HANDSHAKE_TIMEOUT" envDefault:"15s"`

	// HeartbeatInterval is the liveness ping period while connected.
	HeartbeatInterval time.Duration `env:"CLOUD_WS_HEARTBEAT_INTERVAL" envDefault:"55s"`

	// HeartbeatTimeout is how long to wait for a pong before the
	// connection is considered dead.
	HeartbeatTimeout time.Duration `env:"CLOUD_WS_HEARTBEAT_TIMEOUT" envDefault:"10s"`

	// RequestTimeout is the default deadline for request/response
	// exchanges.
	RequestTimeout time.Duration `env:"CLOUD_WS_REQUEST_TIMEOUT" envDefault:"30s"`

	// ReconnectMaxInterval caps the reconnect backoff delay.
	ReconnectMaxInterval time.Duration `env:"CLOUD_WS_RECONNECT_MAX_INTERVAL" envDefault:"512s"`

	// QueueSize is the inbound dispatch queue depth. Messages arriving
	// while the queue is full are dropped.
	QueueSize int `env:"CLOUD_WS_QUEUE_SIZE" envDefault:"64"`
}

// TokenProvider supplies the bearer token presented during the websocket
// handshake. A token is fetched per connection attempt and never stored by
// the channel.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// HandlerFunc processes an inbound message for a registered type. Handlers
// run sequentially on the dispatch goroutine and must not block; slow work
// should be offloaded so reads and heartbeats are not starved. For a
// server-initiated request the returned value is sent back as the response
// payload; a returned error is reported to the server instead.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Channel maintains one logical duplex connection to the cloud backend. It
// multiplexes request/response exchanges by correlation id, dispatches push
// messages to registered handlers and keeps the connection alive with
// heartbeats and a jittered reconnect loop. Message delivery does not
// resume across reconnects: each connection starts a fresh session.
type Channel struct {
	cfg    Config
	tokens TokenProvider
	logger *slog.Logger
	bus    *event.Bus

	ctx    context.Context
	cancel context.CancelFunc

	pending *pendingTable
	queue   chan Message

	// writeMu serializes data frames; the websocket library allows at
	// most one concurrent writer.
	writeMu sync.Mutex

	mu           sync.RWMutex
	state        ConnState
	conn         *websocket.Conn
	handlers     map[string]HandlerFunc
	reconnecting bool
	closed       bool

	wg sync.WaitGroup
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger configures structured logging for the channel.
func WithLogger(log *slog.Logger) Option {
	return func(c *Channel) {
		if log != nil {
			c.logger = log
		}
	}
}

// WithBus publishes connect/disconnect notifications on the given bus.
func WithBus(bus *event.Bus) Option {
	return func(c *Channel) {
		c.bus = bus
	}
}

// New creates a cloud channel. The channel starts disconnected; call
// Connect to establish the connection.
func New(cfg Config, tokens TokenProvider, opts ...Option) (*Channel, error) {
	if cfg.URL == "" {
		return nil, ErrURLRequired
	}
	if tokens == nil {
		return nil, ErrTokenProviderRequired
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 55 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ReconnectMaxInterval <= 0 {
		cfg.ReconnectMaxInterval = 512 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:      cfg,
		tokens:   tokens,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:      ctx,
		cancel:   cancel,
		pending:  newPendingTable(),
		queue:    make(chan Message, cfg.QueueSize),
		handlers: make(map[string]HandlerFunc),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchLoop()
	}()

	return c, nil
}

// State returns the current connection state.
func (c *Channel) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Handle registers the handler for a message type. Registering a type
// again replaces the previous handler. Inbound messages of types with no
// registered handler are logged and dropped.
func (c *Channel) Handle(msgType string, fn HandlerFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.handlers[msgType] = fn
	c.mu.Unlock()
}

// Connect establishes the connection. It returns once the handshake
// resolves; after a successful Connect the channel keeps itself connected
// until Close, reconnecting with backoff on any unexpected drop.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected || c.reconnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return err
	}

	if !c.attach(conn) {
		return ErrClosed
	}
	return nil
}

// Close shuts the channel down: the connection is closed, pending requests
// fail and all loops stop. A closed channel cannot be reused.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosing
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.pending.drop()
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("cloud channel closed", logger.Component("channel"))
	return nil
}

// Request sends a correlated request and waits for the matching response.
// The response is matched strictly by id, independent of arrival order.
// The channel never retries a request; retry policy belongs to the caller.
func (c *Channel) Request(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	waiter := c.pending.add(id)
	defer c.pending.remove(id)

	if err := c.send(Message{ID: id, Type: msgType, Payload: data}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrTimeout, msgType)
	case res, ok := <-waiter:
		if !ok {
			// The connection dropped before the response arrived.
			return nil, ErrNotConnected
		}
		if res.Error != "" {
			return nil, fmt.Errorf("channel: server error: %s", res.Error)
		}
		return res.Payload, nil
	}
}

// Notify sends a fire-and-forget message carrying no correlation id.
func (c *Channel) Notify(ctx context.Context, msgType string, payload any) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return c.send(Message{Type: msgType, Payload: data})
}

func (c *Channel) send(msg Message) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch access token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrHandshake, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// attach takes ownership of a freshly dialed connection and starts its
// read and heartbeat loops. It reports false when the channel was closed
// while the dial was in flight; the connection is discarded and no loops
// start, so Close's guarantees hold even against a racing dial.
func (c *Channel) attach(conn *websocket.Conn) bool {
	done := make(chan struct{})

	// The pong handler must be installed before the read loop starts.
	pong := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("cloud channel connected", logger.Component("channel"))
	c.publish(EventConnected)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(conn, done)
	}()
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(conn, done, pong)
	}()
	return true
}

// readLoop consumes inbound frames until the connection fails. Responses
// resolve their pending requests directly; everything else is queued for
// the dispatch goroutine so handlers never block reading.
func (c *Channel) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleConnLost(conn, err)
			return
		}

		if msg.ID != "" && c.pending.resolve(msg.ID, msg) {
			continue
		}

		select {
		case c.queue <- msg:
		default:
			c.logger.Warn("dispatch queue full, dropping message",
				logger.MessageType(msg.Type), logger.Component("channel"))
		}
	}
}

// heartbeatLoop pings the server on a fixed interval and forces a
// disconnect when no pong arrives within the timeout.
func (c *Channel) heartbeatLoop(conn *websocket.Conn, done chan struct{}, pong <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		deadline := time.Now().Add(c.cfg.HeartbeatTimeout)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			_ = conn.Close()
			return
		}

		select {
		case <-pong:
		case <-done:
			return
		case <-time.After(c.cfg.HeartbeatTimeout):
			c.logger.Warn("heartbeat timed out, dropping connection",
				logger.Component("channel"))
			_ = conn.Close()
			return
		}
	}
}

// handleConnLost records the disconnect and starts the reconnect loop,
// unless the drop was an explicit shutdown.
func (c *Channel) handleConnLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.conn == conn {
		c.conn = nil
	}
	c.state = StateDisconnected
	already := c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	c.pending.drop()
	c.publish(EventDisconnected)
	c.logger.Warn("cloud channel connection lost",
		logger.Error(err), logger.Component("channel"))

	if already {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnectLoop()
	}()
}

// reconnectLoop re-dials with jittered exponential backoff until the
// channel reconnects, is closed, or the server rejects the handshake.
func (c *Channel) reconnectLoop() {
	b := newReconnectBackoff(c.cfg.ReconnectMaxInterval)

	for attempt := 1; ; attempt++ {
		delay := reconnectDelay(b, c.cfg.ReconnectMaxInterval)
		c.logger.Info("scheduling reconnect",
			slog.Duration("delay", delay), logger.Attempt(attempt), logger.Component("channel"))

		select {
		case <-c.ctx.Done():
			c.clearReconnecting()
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		conn, err := c.dial(c.ctx)
		if err != nil {
			c.mu.Lock()
			if c.state == StateConnecting {
				c.state = StateDisconnected
			}
			c.mu.Unlock()

			if errors.Is(err, ErrHandshake) {
				c.logger.Error("handshake rejected, abandoning reconnection",
					logger.Error(err), logger.Component("channel"))
				c.clearReconnecting()
				return
			}
			c.logger.Warn("reconnect attempt failed",
				logger.Error(err), logger.Attempt(attempt), logger.Component("channel"))
			continue
		}

		c.clearReconnecting()
		c.attach(conn)
		return
	}
}

func (c *Channel) clearReconnecting() {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

// dispatchLoop processes queued inbound messages in strict arrival order.
func (c *Channel) dispatchLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.queue:
			c.dispatch(msg)
		}
	}
}

func (c *Channel) dispatch(msg Message) {
	c.mu.RLock()
	handler := c.handlers[msg.Type]
	c.mu.RUnlock()

	if handler == nil {
		c.logger.Debug("no handler for message type, dropping",
			logger.MessageType(msg.Type), logger.Component("channel"))
		return
	}

	result, err := handler(c.ctx, msg.Payload)

	// A message without an id is a push; the handler result is not
	// reported anywhere.
	if msg.ID == "" {
		if err != nil {
			c.logger.Error("push handler failed",
				logger.MessageType(msg.Type), logger.Error(err), logger.Component("channel"))
		}
		return
	}

	// Server-initiated request: send the handler outcome back under the
	// same correlation id.
	reply := Message{ID: msg.ID}
	if err != nil {
		reply.Error = err.Error()
	} else {
		data, merr := encodePayload(result)
		if merr != nil {
			reply.Error = merr.Error()
		} else {
			reply.Payload = data
		}
	}
	if err := c.send(reply); err != nil {
		c.logger.Error("failed to send handler reply",
			logger.MessageType(msg.Type), logger.Error(err), logger.Component("channel"))
	}
}

func (c *Channel) publish(name string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(context.Background(), event.New(name, nil)); err != nil {
		c.logger.Debug("failed to publish channel event",
			slog.String("event", name), logger.Error(err))
	}
}
