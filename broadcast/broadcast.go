// Package broadcast fans change notifications and lock status updates out
// to connected clients. Frames travel through the shared relay so that
// clients on other server processes receive them too; when the relay is
// unreachable the broadcaster degrades to process-local delivery, which
// preserves correctness within this process and is observable through logs
// and metrics.
package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	hashiuuid "github.com/hashicorp/go-uuid"

	"github.com/parishworks/collab/hub"
	"github.com/parishworks/collab/lock"
	"github.com/parishworks/collab/metrics"
	"github.com/parishworks/collab/relay"
)

// ChangeKind tags what happened to an entity.
type ChangeKind string

const (
	Create ChangeKind = "CREATE"
	Update ChangeKind = "UPDATE"
	Delete ChangeKind = "DELETE"
)

// EntityTypes enumerates the broadcastable entity types.
var EntityTypes = map[string]bool{
	"member":   true,
	"donation": true,
	"user":     true,
	"settings": true,
}

// envelope is the relay wire format. Node and ID exist so a process can
// recognize the relay echo of a frame it already delivered locally while
// degraded and not deliver it twice.
type envelope struct {
	ID    string          `json:"id"`
	Node  string          `json:"node"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// frame is what clients receive on the socket.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// changePayload is the data of a global change frame.
type changePayload struct {
	Type ChangeKind      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Broadcaster delivers frames to local sessions and relays them to other
// processes. It implements lock.Notifier so the lock manager's state
// transitions reach interested clients.
type Broadcaster struct {
	hub    *hub.Hub
	relay  relay.Relay
	node   string
	logger *log.Logger

	degradedOnce sync.Once

	mu         sync.Mutex
	local      map[string]struct{}
	localOrder []string
	pumps      map[string]bool
}

// localSuppressionCap bounds the echo-suppression set.
const localSuppressionCap = 1024

// New returns a broadcaster bound to h and r.
func New(h *hub.Hub, r relay.Relay, logger *log.Logger) (*Broadcaster, error) {
	node, err := hashiuuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{
		hub:    h,
		relay:  r,
		node:   node,
		logger: logger,
		local:  make(map[string]struct{}),
		pumps:  make(map[string]bool),
	}, nil
}

// Start subscribes to the relay channels and begins pumping deliveries
// into the hub. A relay that cannot be subscribed leaves the broadcaster
// in process-local mode; it never fails Start.
func (b *Broadcaster) Start(ctx context.Context) {
	for _, channel := range []string{relay.EventsChannel, relay.LockChannel} {
		ch, err := b.relay.Subscribe(ctx, channel)
		if err != nil {
			metrics.RelayDegradedCounter.Inc()
			b.degraded(err)
			continue
		}
		b.setPumping(channel, true)
		go b.pump(channel, ch)
	}
}

// PublishChange announces that an entity changed. Every connected client
// receives it; scoping is deliberately left to the client, which refetches
// whatever it displays. Called by the REST layer after its own write
// succeeds; the broadcast is not transactional with that write.
func (b *Broadcaster) PublishChange(ctx context.Context, entityType string, kind ChangeKind, payload json.RawMessage) error {
	data, err := json.Marshal(changePayload{Type: kind, Data: payload})
	if err != nil {
		return err
	}
	metrics.BroadcastCounter.Inc()
	b.publish(ctx, relay.EventsChannel, entityType+":update", data)
	return nil
}

// PublishLockUpdate pushes a lock status change to clients watching that
// specific resource.
func (b *Broadcaster) PublishLockUpdate(ctx context.Context, resourceType, resourceID string, st lock.Status) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	b.publish(ctx, relay.LockChannel, LockTopic(resourceType, resourceID), data)
}

// LockUpdate implements lock.Notifier.
func (b *Broadcaster) LockUpdate(ctx context.Context, resourceType, resourceID string, st lock.Status) {
	b.PublishLockUpdate(ctx, resourceType, resourceID, st)
}

// LockTopic names the scoped channel for one resource's lock updates.
func LockTopic(resourceType, resourceID string) string {
	return "lock:update:" + resourceType + ":" + resourceID
}

func (b *Broadcaster) publish(ctx context.Context, channel, topic string, data json.RawMessage) {
	id, err := hashiuuid.GenerateUUID()
	if err != nil {
		id = topic
	}
	env := envelope{ID: id, Node: b.node, Topic: topic, Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := b.relay.Publish(ctx, channel, payload); err != nil {
		metrics.RelayDegradedCounter.Inc()
		b.degraded(err)
		b.markLocal(env.ID)
		b.deliver(channel, env)
		return
	}
	// The publish went out, but with no pump on this channel the relay will
	// never echo the frame back, so local sessions must be fed directly.
	if !b.pumping(channel) {
		b.deliver(channel, env)
	}
}

// pump drains one relay subscription into the hub.
func (b *Broadcaster) pump(channel string, ch <-chan []byte) {
	defer b.setPumping(channel, false)
	for payload := range ch {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}
		if b.wasLocal(env.ID) {
			continue
		}
		b.deliver(channel, env)
	}
}

func (b *Broadcaster) deliver(channel string, env envelope) {
	f, err := json.Marshal(frame{Type: env.Topic, Data: env.Data})
	if err != nil {
		return
	}
	if channel == relay.LockChannel {
		b.hub.DeliverTopic(env.Topic, f)
		return
	}
	b.hub.Broadcast(f)
}

func (b *Broadcaster) degraded(err error) {
	b.degradedOnce.Do(func() {
		b.logger.Printf("relay unreachable, falling back to process-local delivery: %v", err)
	})
}

func (b *Broadcaster) setPumping(channel string, on bool) {
	b.mu.Lock()
	b.pumps[channel] = on
	b.mu.Unlock()
}

func (b *Broadcaster) pumping(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pumps[channel]
}

// markLocal remembers a frame delivered without the relay so a late echo
// is not delivered twice. Eviction is oldest-first, so a frame marked just
// before its echo arrives stays suppressed.
func (b *Broadcaster) markLocal(id string) {
	b.mu.Lock()
	b.local[id] = struct{}{}
	b.localOrder = append(b.localOrder, id)
	for len(b.local) > localSuppressionCap && len(b.localOrder) > 0 {
		oldest := b.localOrder[0]
		b.localOrder = b.localOrder[1:]
		delete(b.local, oldest)
	}
	// Entries consumed by wasLocal leave stale ids behind in the order
	// slice; compact it before it outgrows the map it indexes.
	if len(b.localOrder) > 2*localSuppressionCap {
		kept := make([]string, 0, len(b.local))
		for _, v := range b.localOrder {
			if _, ok := b.local[v]; ok {
				kept = append(kept, v)
			}
		}
		b.localOrder = kept
	}
	b.mu.Unlock()
}

func (b *Broadcaster) wasLocal(id string) bool {
	b.mu.Lock()
	_, ok := b.local[id]
	if ok {
		delete(b.local, id)
	}
	b.mu.Unlock()
	return ok
}
