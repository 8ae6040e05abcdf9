package relay

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	collaberrors "github.com/parishworks/collab/errors"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan []byte
}

// NATS implements Relay on a NATS connection.
type NATS struct {
	conn *nats.Conn

	mu        sync.Mutex
	subs      map[string]*natsSubscription
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATS returns a NATS-backed relay using the provided connection.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn, subs: make(map[string]*natsSubscription)}
}

// subject maps a relay channel to a NATS subject. Channel names use ":"
// separators, which are legal in subject tokens, so this is the identity
// mapping kept as a seam for future hierarchical subjects.
func (n *NATS) subject(channel string) string { return channel }

// Publish implements Relay.Publish.
func (n *NATS) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return collaberrors.ErrRelayClosed
	}
	n.mu.Unlock()

	if err := n.conn.Publish(n.subject(channel), payload); err != nil {
		return err
	}
	n.published.Add(1)
	return nil
}

// Subscribe implements Relay.Subscribe.
func (n *NATS) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, collaberrors.ErrRelayClosed
	}
	sub := n.subs[channel]
	if sub == nil {
		ns, err := n.conn.Subscribe(n.subject(channel), func(msg *nats.Msg) {
			n.mu.Lock()
			cur := n.subs[channel]
			if cur == nil {
				n.mu.Unlock()
				return
			}
			chans := append([]chan []byte(nil), cur.chans...)
			n.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- msg.Data:
					n.delivered.Add(1)
				default:
				}
			}
		})
		if err != nil {
			n.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		n.subs[channel] = sub
	}
	sub.chans = append(sub.chans, ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = n.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Relay.Unsubscribe.
func (n *NATS) Unsubscribe(ctx context.Context, channel string, ch <-chan []byte) error {
	n.mu.Lock()
	sub := n.subs[channel]
	if sub == nil {
		n.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(n.subs, channel)
		n.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	n.mu.Unlock()
	return nil
}

// Close implements Relay.Close.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for channel, sub := range n.subs {
		_ = sub.sub.Unsubscribe()
		for _, c := range sub.chans {
			close(c)
		}
		delete(n.subs, channel)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (n *NATS) Metrics() Metrics {
	return Metrics{Published: n.published.Load(), Delivered: n.delivered.Load()}
}
