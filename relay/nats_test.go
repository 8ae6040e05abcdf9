package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSRelay(t *testing.T) (*NATS, context.Context) {
	t.Helper()
	addr := os.Getenv("COLLAB_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	r := NewNATS(conn)
	t.Cleanup(func() {
		_ = r.Close()
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return r, context.Background()
}

func TestNATSRelayPublishSubscribe(t *testing.T) {
	r, ctx := newNATSRelay(t)

	ch, err := r.Subscribe(ctx, EventsChannel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Publish(ctx, EventsChannel, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("unexpected payload %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	m := r.Metrics()
	if m.Published != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestNATSRelayUnsubscribe(t *testing.T) {
	r, ctx := newNATSRelay(t)

	ch, err := r.Subscribe(ctx, LockChannel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Unsubscribe(ctx, LockChannel, ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}
