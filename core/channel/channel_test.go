package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens string

func (s staticTokens) AccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}

// wsServer is a minimal cloud backend double. Each accepted connection is
// handed to the configured per-connection handler.
type wsServer struct {
	srv          *httptest.Server
	requireToken string

	mu    sync.Mutex
	conns int
}

func newWSServer(t *testing.T, handler func(*websocket.Conn)) *wsServer {
	t.Helper()

	s := &wsServer{}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.requireToken != "" && r.Header.Get("Authorization") != "Bearer "+s.requireToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func newTestChannel(t *testing.T, url string, opts ...Option) *Channel {
	t.Helper()

	c, err := New(Config{
		URL:               url,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  time.Second,
		RequestTimeout:    2 * time.Second,
	}, staticTokens("test-token"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, staticTokens("x"))
	assert.ErrorIs(t, err, ErrURLRequired)

	_, err = New(Config{URL: "ws://localhost"}, nil)
	assert.ErrorIs(t, err, ErrTokenProviderRequired)
}

func TestRequestResponse(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			_ = conn.WriteJSON(Message{ID: msg.ID, Payload: json.RawMessage(`{"ok":true}`)})
		}
	})

	c := newTestChannel(t, srv.url())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	resp, err := c.Request(context.Background(), "system/status", map[string]string{"q": "all"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp))
}

func TestRequestResolvedByCorrelationID(t *testing.T) {
	t.Parallel()

	// The server answers the two requests in reverse arrival order; each
	// caller must still receive its own response.
	srv := newWSServer(t, func(conn *websocket.Conn) {
		var first, second Message
		if err := conn.ReadJSON(&first); err != nil {
			return
		}
		if err := conn.ReadJSON(&second); err != nil {
			return
		}
		_ = conn.WriteJSON(Message{ID: second.ID, Payload: json.RawMessage(`{"for":"` + second.Type + `"}`)})
		_ = conn.WriteJSON(Message{ID: first.ID, Payload: json.RawMessage(`{"for":"` + first.Type + `"}`)})
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
		}
	})

	c := newTestChannel(t, srv.url())
	require.NoError(t, c.Connect(context.Background()))

	type result struct {
		msgType string
		payload json.RawMessage
		err     error
	}
	results := make(chan result, 2)

	send := func(msgType string) {
		resp, err := c.Request(context.Background(), msgType, nil)
		results <- result{msgType: msgType, payload: resp, err: err}
	}
	go send("request/a")
	// Give request A the first slot on the wire.
	time.Sleep(50 * time.Millisecond)
	go send("request/b")

	for range 2 {
		res := <-results
		require.NoError(t, res.err)
		assert.JSONEq(t, `{"for":"`+res.msgType+`"}`, string(res.payload))
	}
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			// Never answer.
		}
	})

	c, err := New(Config{
		URL:            srv.url(),
		RequestTimeout: 50 * time.Millisecond,
	}, staticTokens("test-token"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background()))

	_, err = c.Request(context.Background(), "slow/op", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRequestNotConnected(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, func(conn *websocket.Conn) {})
	c := newTestChannel(t, srv.url())

	_, err := c.Request(context.Background(), "system/status", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Notify(context.Background(), "system/status", nil), ErrNotConnected)
}

func TestConnectWhileConnected(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestChannel(t, srv.url())
	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnectUnauthorized(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, func(conn *websocket.Conn) {})
	srv.requireToken = "other-token"

	c := newTestChannel(t, srv.url())
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrHandshake)
	assert.Equal(t, StateDisconnected, c.State())
}

// gatedTokens blocks AccessToken until released, pinning a Connect call
// inside its dial.
type gatedTokens struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTokens) AccessToken(ctx context.Context) (string, error) {
	g.entered <- struct{}{}
	<-g.release
	return "test-token", nil
}

func TestCloseDuringConnect(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	gate := &gatedTokens{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c, err := New(Config{URL: srv.url()}, gate)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Connect(context.Background())
	}()

	// Close finishes while Connect is still dialing; the late dial must
	// not bring the channel back up.
	<-gate.entered
	require.NoError(t, c.Close())
	close(gate.release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectAfterClose(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, func(conn *websocket.Conn) {})
	c := newTestChannel(t, srv.url())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestPushDispatch(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(Message{Type: "mystery/unknown", Payload: json.RawMessage(`{}`)})
		_ = conn.WriteJSON(Message{Type: "cloud", Payload: json.RawMessage(`{"action":"disconnect_remote"}`)})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	received := make(chan json.RawMessage, 1)
	c := newTestChannel(t, srv.url())
	c.Handle("cloud", func(ctx context.Context, payload json.RawMessage) (any, error) {
		received <- payload
		return nil, nil
	})
	require.NoError(t, c.Connect(context.Background()))

	select {
	case payload := <-received:
		// The unknown type before it was dropped without breaking dispatch.
		assert.JSONEq(t, `{"action":"disconnect_remote"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("push message was not dispatched")
	}
}

func TestServerInitiatedRequest(t *testing.T) {
	t.Parallel()

	reply := make(chan Message, 1)
	srv := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(Message{ID: "srv-req-1", Type: "system/ping_info"})
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		reply <- msg
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestChannel(t, srv.url())
	c.Handle("system/ping_info", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return map[string]bool{"alive": true}, nil
	})
	require.NoError(t, c.Connect(context.Background()))

	select {
	case msg := <-reply:
		assert.Equal(t, "srv-req-1", msg.ID)
		assert.Empty(t, msg.Error)
		assert.JSONEq(t, `{"alive":true}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no reply to the server-initiated request")
	}
}

func TestHeartbeatTimeoutForcesDisconnect(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, func(conn *websocket.Conn) {
		// Swallow pings instead of answering them.
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := New(Config{
		URL:               srv.url(),
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatTimeout:  30 * time.Millisecond,
	}, staticTokens("test-token"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 1, srv.connCount())

	// The missed pong must force the connection down and schedule a
	// reconnect attempt.
	require.Eventually(t, func() bool {
		return c.State() != StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.reconnecting || c.state == StateConnected
	}, time.Second, 10*time.Millisecond, "a reconnect must be scheduled after the forced disconnect")
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, func(conn *websocket.Conn) {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		// Drop the connection with the request still pending.
		_ = conn.Close()
	})

	c := newTestChannel(t, srv.url())
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Request(context.Background(), "system/status", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}
