package hub

import (
	"testing"
	"time"

	"github.com/parishworks/collab/gate"
)

func recv(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case frame, ok := <-s.Send():
		if !ok {
			t.Fatal("send channel closed")
		}
		return frame
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return nil
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	h := New()
	a := NewSession(gate.Identity{UserID: 1, Username: "admin"})
	b := NewSession(gate.Identity{UserID: 2, Username: "editor"})
	h.Register(a)
	h.Register(b)

	h.Broadcast([]byte("change"))
	if got := recv(t, a); string(got) != "change" {
		t.Fatalf("unexpected frame %s", got)
	}
	if got := recv(t, b); string(got) != "change" {
		t.Fatalf("unexpected frame %s", got)
	}
}

func TestBroadcastSkipsUnregistered(t *testing.T) {
	h := New()
	a := NewSession(gate.Identity{UserID: 1, Username: "admin"})
	b := NewSession(gate.Identity{UserID: 2, Username: "editor"})
	h.Register(a)
	h.Register(b)
	h.Unregister(b.ID)

	h.Broadcast([]byte("change"))
	if got := recv(t, a); string(got) != "change" {
		t.Fatalf("unexpected frame %s", got)
	}
	if _, ok := <-b.Send(); ok {
		t.Fatal("unregistered session should have a closed send channel")
	}
	if h.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", h.Len())
	}
}

func TestDeliverTopicScoping(t *testing.T) {
	h := New()
	watching := NewSession(gate.Identity{UserID: 1, Username: "admin"})
	other := NewSession(gate.Identity{UserID: 2, Username: "editor"})
	h.Register(watching)
	h.Register(other)

	watching.Subscribe("lock:update:member:M1")
	other.Subscribe("lock:update:member:M2")

	h.DeliverTopic("lock:update:member:M1", []byte("locked"))
	if got := recv(t, watching); string(got) != "locked" {
		t.Fatalf("unexpected frame %s", got)
	}
	select {
	case frame := <-other.Send():
		t.Fatalf("session watching M2 must not receive M1 updates, got %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := New()
	s := NewSession(gate.Identity{UserID: 1, Username: "admin"})
	h.Register(s)
	h.Unregister(s.ID)
	h.Unregister(s.ID)
	if h.Len() != 0 {
		t.Fatalf("expected empty hub, got %d", h.Len())
	}
}

func TestSlowSessionDropsFrames(t *testing.T) {
	h := New()
	s := NewSession(gate.Identity{UserID: 1, Username: "admin"})
	h.Register(s)

	// Nothing drains the send queue; overflow must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*2; i++ {
			h.Broadcast([]byte("frame"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow session")
	}
}
