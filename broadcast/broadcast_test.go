package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/parishworks/collab/gate"
	"github.com/parishworks/collab/hub"
	"github.com/parishworks/collab/lock"
	"github.com/parishworks/collab/relay"
)

func newBroadcaster(t *testing.T, r relay.Relay) (*Broadcaster, *hub.Hub) {
	t.Helper()
	h := hub.New()
	b, err := New(h, r, nil)
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.Start(ctx)
	return b, h
}

func recvFrame(t *testing.T, s *hub.Session) frame {
	t.Helper()
	select {
	case raw, ok := <-s.Send():
		if !ok {
			t.Fatal("send channel closed")
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return frame{}
}

func TestPublishChangeReachesEveryone(t *testing.T) {
	b, h := newBroadcaster(t, relay.NewMemory())
	a := hub.NewSession(gate.Identity{UserID: 1, Username: "admin"})
	e := hub.NewSession(gate.Identity{UserID: 2, Username: "editor"})
	h.Register(a)
	h.Register(e)

	if err := b.PublishChange(context.Background(), "member", Create, json.RawMessage(`{"id":"M1"}`)); err != nil {
		t.Fatalf("publish change: %v", err)
	}

	for _, s := range []*hub.Session{a, e} {
		f := recvFrame(t, s)
		if f.Type != "member:update" {
			t.Fatalf("unexpected frame type %q", f.Type)
		}
		var p changePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.Type != Create {
			t.Fatalf("unexpected change kind %q", p.Type)
		}
	}
}

func TestLockUpdateIsScoped(t *testing.T) {
	b, h := newBroadcaster(t, relay.NewMemory())
	watching := hub.NewSession(gate.Identity{UserID: 1, Username: "admin"})
	other := hub.NewSession(gate.Identity{UserID: 2, Username: "editor"})
	h.Register(watching)
	h.Register(other)

	watching.Subscribe(LockTopic("member", "M1"))
	other.Subscribe(LockTopic("member", "M2"))

	b.PublishLockUpdate(context.Background(), "member", "M1",
		lock.Status{IsLocked: true, LockedBy: "admin"})

	f := recvFrame(t, watching)
	if f.Type != "lock:update:member:M1" {
		t.Fatalf("unexpected frame type %q", f.Type)
	}
	var st lock.Status
	if err := json.Unmarshal(f.Data, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.IsLocked || st.LockedBy != "admin" {
		t.Fatalf("unexpected status %+v", st)
	}

	select {
	case raw := <-other.Send():
		t.Fatalf("M2 watcher must not see M1 updates, got %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

type downRelay struct{}

func (downRelay) Publish(context.Context, string, []byte) error { return errors.New("relay down") }
func (downRelay) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("relay down")
}
func (downRelay) Unsubscribe(context.Context, string, <-chan []byte) error { return nil }
func (downRelay) Close() error                                             { return nil }

func TestDegradesToLocalDeliveryWhenRelayDown(t *testing.T) {
	b, h := newBroadcaster(t, downRelay{})
	s := hub.NewSession(gate.Identity{UserID: 1, Username: "admin"})
	h.Register(s)
	s.Subscribe(LockTopic("member", "M1"))

	if err := b.PublishChange(context.Background(), "member", Update, json.RawMessage(`{"id":"M1"}`)); err != nil {
		t.Fatalf("publish change: %v", err)
	}
	if f := recvFrame(t, s); f.Type != "member:update" {
		t.Fatalf("unexpected frame type %q", f.Type)
	}

	b.PublishLockUpdate(context.Background(), "member", "M1", lock.Status{IsLocked: false})
	if f := recvFrame(t, s); f.Type != "lock:update:member:M1" {
		t.Fatalf("unexpected frame type %q", f.Type)
	}
}

// deafRelay accepts publishes but refuses subscriptions, the shape of a
// backend that is writable yet cannot deliver anything back.
type deafRelay struct{}

func (deafRelay) Publish(context.Context, string, []byte) error { return nil }
func (deafRelay) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("subscribe refused")
}
func (deafRelay) Unsubscribe(context.Context, string, <-chan []byte) error { return nil }
func (deafRelay) Close() error                                             { return nil }

func TestDeliversLocallyWhenSubscribeFails(t *testing.T) {
	b, h := newBroadcaster(t, deafRelay{})
	s := hub.NewSession(gate.Identity{UserID: 1, Username: "admin"})
	h.Register(s)
	s.Subscribe(LockTopic("member", "M1"))

	// With no pump draining the channel, a successful publish never echoes
	// back; local sessions must still see the frame.
	if err := b.PublishChange(context.Background(), "member", Update, json.RawMessage(`{"id":"M1"}`)); err != nil {
		t.Fatalf("publish change: %v", err)
	}
	if f := recvFrame(t, s); f.Type != "member:update" {
		t.Fatalf("unexpected frame type %q", f.Type)
	}

	b.PublishLockUpdate(context.Background(), "member", "M1",
		lock.Status{IsLocked: true, LockedBy: "admin"})
	if f := recvFrame(t, s); f.Type != "lock:update:member:M1" {
		t.Fatalf("unexpected frame type %q", f.Type)
	}
}

func TestLocalSuppressionEvictsOldestFirst(t *testing.T) {
	b, _ := newBroadcaster(t, relay.NewMemory())

	for i := 0; i < localSuppressionCap+5; i++ {
		b.markLocal(fmt.Sprintf("id-%d", i))
	}
	if b.wasLocal("id-0") {
		t.Fatal("oldest id should have been evicted")
	}
	recent := fmt.Sprintf("id-%d", localSuppressionCap+4)
	if !b.wasLocal(recent) {
		t.Fatalf("%s must still be suppressed", recent)
	}
}

func TestRelayEchoOfLocalFrameIsSkipped(t *testing.T) {
	b, h := newBroadcaster(t, relay.NewMemory())
	s := hub.NewSession(gate.Identity{UserID: 1, Username: "admin"})
	h.Register(s)

	env := envelope{ID: "dup-1", Node: b.node, Topic: "member:update", Data: json.RawMessage(`{}`)}
	b.markLocal(env.ID)
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.relay.Publish(context.Background(), relay.EventsChannel, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case raw := <-s.Send():
		t.Fatalf("echo of locally delivered frame must be skipped, got %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}
