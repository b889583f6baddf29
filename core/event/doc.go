// Package event provides a minimal in-memory event bus for cross-component
// signaling inside a single process. It decouples publishers from
// subscribers: the connectivity orchestrator announces state changes
// ("remote_connect", "certificate_status", ...) without knowing who listens.
//
//	bus := event.NewBus()
//	defer bus.Close()
//
//	bus.Subscribe("remote_connect", func(ctx context.Context, evt event.Event) {
//		// react to the remote connection coming up
//	})
//
//	bus.Publish(ctx, event.New("remote_connect", nil))
//
// Handlers run sequentially on a single dispatch goroutine in publish order
// and must not block.
package event
