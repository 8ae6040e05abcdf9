// Package hub tracks live client sessions and fans frames out to them.
// The hub is purely process-local: it maps connection IDs to identities
// for the lifetime of each socket and delivers frames either to every
// session or to sessions interested in a specific topic. It holds no lock
// state, and a disconnect does not release any locks the client held.
package hub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/parishworks/collab/gate"
	"github.com/parishworks/collab/metrics"
)

// sendBuffer bounds the per-session outbound queue. A client that cannot
// drain it loses frames rather than stalling the fan-out; consumers treat
// every frame as "something changed, refetch", so a drop is recoverable.
const sendBuffer = 32

// Session is one live client connection with its resolved identity.
type Session struct {
	ID       string
	Identity gate.Identity

	mu     sync.Mutex
	send   chan []byte
	topics map[string]struct{}
	closed bool
}

// NewSession creates a session for an authenticated connection.
func NewSession(id gate.Identity) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Identity: id,
		send:     make(chan []byte, sendBuffer),
		topics:   make(map[string]struct{}),
	}
}

// Send exposes the outbound frame queue; the transport's write pump drains
// it. The channel is closed when the session is unregistered.
func (s *Session) Send() <-chan []byte {
	return s.send
}

// Subscribe registers interest in a topic. Interest lives and dies with
// the session.
func (s *Session) Subscribe(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

// Subscribed reports whether the session listens on topic.
func (s *Session) Subscribed(topic string) bool {
	s.mu.Lock()
	_, ok := s.topics[topic]
	s.mu.Unlock()
	return ok
}

// Push queues a frame for this session only. The transport uses it for
// request responses; like fan-out delivery it drops rather than blocks
// when the buffer is full.
func (s *Session) Push(frame []byte) {
	s.deliver(frame)
}

func (s *Session) deliver(frame []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.send <- frame:
	default:
		metrics.DroppedFrameCounter.Inc()
	}
	s.mu.Unlock()
}

func (s *Session) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	s.mu.Unlock()
}

// Hub is the session registry.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{sessions: make(map[string]*Session)}
}

// Register adds a session after a successful handshake.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	metrics.ConnectionsGauge.Inc()
}

// Unregister removes the session and closes its send queue. Idempotent, so
// the transport can call it unconditionally on every disconnect path.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		s.close()
		metrics.ConnectionsGauge.Dec()
	}
}

// Broadcast delivers frame to every registered session.
func (h *Hub) Broadcast(frame []byte) {
	for _, s := range h.snapshot() {
		s.deliver(frame)
	}
}

// DeliverTopic delivers frame to sessions subscribed to topic.
func (h *Hub) DeliverTopic(topic string, frame []byte) {
	for _, s := range h.snapshot() {
		if s.Subscribed(topic) {
			s.deliver(frame)
		}
	}
}

// Len reports the number of live sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	h.mu.RUnlock()
	return out
}
