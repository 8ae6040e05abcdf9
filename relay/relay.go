// Package relay provides the cross-process publish/subscribe transport
// used by the event broadcaster. Every server process publishes change and
// lock frames to a shared relay so that clients connected to other
// processes see them too. Backends: Redis pub/sub, NATS, Kafka, and a
// process-local memory relay for tests and degraded single-node operation.
package relay

import "context"

// Well-known channels. Fine-grained topics (per-resource lock updates)
// ride inside the envelope rather than as dedicated channels, so backends
// never create or tear down per-resource subscriptions.
const (
	// EventsChannel carries entity change notifications for all clients.
	EventsChannel = "collab:events"
	// LockChannel carries per-resource lock status updates.
	LockChannel = "collab:lock"
)

// Relay is a payload-carrying pub/sub bus shared by all server processes.
type Relay interface {
	// Publish sends payload to every subscriber of channel, across
	// processes.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel receiving payloads published to channel
	// until the context is canceled or Unsubscribe is called. Slow
	// receivers lose messages rather than block the relay.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	// Unsubscribe stops delivery to ch and closes it.
	Unsubscribe(ctx context.Context, channel string, ch <-chan []byte) error
	// Close releases backend resources.
	Close() error
}

// Metrics reports publish and delivery counts for a relay backend.
type Metrics struct {
	Published uint64
	Delivered uint64
}
