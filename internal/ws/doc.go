// Package ws streams kernel events to WebSocket subscribers.
//
// The Hub implements kernel.EventSink: the kernel publishes scheduler and
// lifecycle events (wakeups, context switches, blocks, endpoint closes,
// process spawn/terminate, interrupts) and the hub fans them out to every
// connected client. Delivery is best effort; a subscriber that falls
// behind loses events rather than slowing the kernel.
//
// Message Types (Server → Client):
//   - system: connection established, carries the subscriber id
//   - one JSON object per kernel event, keyed by "kind"
//
// Example Usage:
//
//	hub := ws.NewHub(logger, metrics)
//	k := kernel.New(params, logger, metrics, nil, hub)
//	router.GET("/stream", hub.HandleConnection)
package ws
