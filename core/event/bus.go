package event

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

const (
	// DefaultBufferSize is the default buffer size for the in-memory bus.
	DefaultBufferSize = 100
)

// Handler processes a dispatched event. Handlers run sequentially on the
// bus's single dispatch goroutine and must not block; long-running work
// should be offloaded to its own goroutine.
type Handler func(ctx context.Context, evt Event)

// Bus is a simple in-memory event dispatcher suitable for single-instance
// applications. Publishers and subscribers are decoupled: components
// communicate via named events instead of shared mutable state.
//
// Bus is thread-safe and can handle concurrent publishers. It uses a
// buffered channel to prevent blocking publishers when handlers are slow.
type Bus struct {
	ch     chan Event
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	done chan struct{}
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the buffer size for the event channel.
// Default is 100. A larger buffer allows more events to be queued
// before publishers block.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.ch = make(chan Event, size)
		}
	}
}

// WithLogger configures structured logging for the bus.
// Use slog.New(slog.NewTextHandler(io.Discard, nil)) to disable logging.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates a new in-memory event bus and starts its dispatch loop.
//
//	bus := event.NewBus(event.WithBufferSize(100))
//	defer bus.Close()
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		ch:       make(chan Event, DefaultBufferSize),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	go b.dispatch()

	return b
}

// Subscribe registers a handler for the named event. Multiple handlers may
// subscribe to the same name; they are invoked in registration order.
func (b *Bus) Subscribe(name string, h Handler) {
	if h == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish sends the event to the dispatch loop. If the bus is closed,
// it returns an error.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- evt:
		b.logger.DebugContext(ctx, "event published",
			slog.String("event", evt.Name))
		return nil
	}
}

// Close gracefully shuts down the bus. After Close is called, Publish
// returns an error. Close waits until all queued events are dispatched.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()

	<-b.done
	return nil
}

// dispatch consumes queued events and invokes subscribed handlers
// sequentially, preserving publish order per bus.
func (b *Bus) dispatch() {
	defer close(b.done)

	for evt := range b.ch {
		b.mu.RLock()
		handlers := b.handlers[evt.Name]
		b.mu.RUnlock()

		if len(handlers) == 0 {
			b.logger.Debug("no handlers for event", slog.String("event", evt.Name))
			continue
		}

		for _, h := range handlers {
			h(context.Background(), evt)
		}
	}
}
