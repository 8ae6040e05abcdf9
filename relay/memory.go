package relay

import (
	"context"
	"sync"
	"sync/atomic"

	collaberrors "github.com/parishworks/collab/errors"
)

// Memory is a process-local Relay, used in tests and when no external
// relay is configured. Delivery never crosses process boundaries.
type Memory struct {
	mu        sync.Mutex
	subs      map[string][]chan []byte
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewMemory returns a new in-process relay.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]chan []byte)}
}

// Publish implements Relay.Publish.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return collaberrors.ErrRelayClosed
	}
	chans := append([]chan []byte(nil), m.subs[channel]...)
	m.mu.Unlock()

	m.published.Add(1)
	for _, ch := range chans {
		select {
		case ch <- payload:
			m.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe implements Relay.Subscribe.
func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, collaberrors.ErrRelayClosed
	}
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = m.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Relay.Unsubscribe.
func (m *Memory) Unsubscribe(ctx context.Context, channel string, ch <-chan []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[channel]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			m.subs[channel] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(m.subs, channel)
	}
	return nil
}

// Close implements Relay.Close.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for channel, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.subs, channel)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (m *Memory) Metrics() Metrics {
	return Metrics{Published: m.published.Load(), Delivered: m.delivered.Load()}
}
