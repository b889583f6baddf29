// Package channel maintains the persistent multiplexed message channel to
// the cloud backend.
//
// A Channel owns one logical websocket connection. Outbound requests carry
// a unique correlation id and are resolved by the matching response id,
// not by arrival order, so any number of exchanges can be in flight at
// once. Inbound messages without a pending id are dispatched in strict
// arrival order to handlers registered per message type; unknown types are
// logged and dropped.
//
// The channel supervises itself: a heartbeat ping runs while connected and
// forces a disconnect when unacknowledged, and any unexpected drop
// schedules reconnection with jittered exponential backoff until Close.
// Sessions are not resumed across reconnects.
//
//	ch, err := channel.New(cfg, tokens, channel.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	defer ch.Close()
//
//	ch.Handle("cloud", handleCloudCommand)
//	if err := ch.Connect(ctx); err != nil {
//		return err
//	}
//	resp, err := ch.Request(ctx, "system/status", nil)
package channel
