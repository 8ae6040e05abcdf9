package relay

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	collaberrors "github.com/parishworks/collab/errors"
)

const redisRelayTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/parishworks/collab/relay")

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan []byte
}

// Redis implements Relay on Redis pub/sub. One PubSub connection is held
// per subscribed channel and fanned out to local receivers.
type Redis struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedis returns a Redis-backed relay using the provided client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Relay.Publish.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "relay.Publish",
		trace.WithAttributes(attribute.String("collab.relay.channel", channel)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return collaberrors.ErrRelayClosed
	}
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, redisRelayTimeout)
	defer cancel()
	if err := r.client.Publish(cctx, channel, payload).Err(); err != nil {
		return err
	}
	r.published.Add(1)
	return nil
}

// Subscribe implements Relay.Subscribe. The first receiver for a channel
// opens the backend subscription; later receivers share it. A single
// bounded attempt is made: the caller decides whether an unreachable
// relay means retry or degraded local-only delivery.
func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, collaberrors.ErrRelayClosed
	}
	sub, ok := r.subs[channel]
	if ok {
		sub.chans = append(sub.chans, ch)
		r.mu.Unlock()
	} else {
		r.mu.Unlock()
		cctx, cancel := context.WithTimeout(ctx, redisRelayTimeout)
		ps := r.client.Subscribe(cctx, channel)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		r.mu.Lock()
		if racer, ok := r.subs[channel]; ok {
			// Another subscriber won the race for this channel.
			racer.chans = append(racer.chans, ch)
			r.mu.Unlock()
			_ = ps.Close()
		} else {
			sub = &redisSubscription{pubsub: ps, chans: []chan []byte{ch}}
			r.subs[channel] = sub
			r.mu.Unlock()
			go r.dispatch(channel, sub)
		}
	}

	go func() {
		<-ctx.Done()
		_ = r.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

func (r *Redis) dispatch(channel string, sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		r.mu.Lock()
		chans := append([]chan []byte(nil), sub.chans...)
		r.mu.Unlock()
		payload := []byte(msg.Payload)
		for _, c := range chans {
			select {
			case c <- payload:
				r.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Relay.Unsubscribe.
func (r *Redis) Unsubscribe(ctx context.Context, channel string, ch <-chan []byte) error {
	r.mu.Lock()
	sub := r.subs[channel]
	if sub == nil {
		r.mu.Unlock()
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
		delete(r.subs, channel)
		r.mu.Unlock()
		cctx, cancel := context.WithTimeout(ctx, redisRelayTimeout)
		defer cancel()
		_ = sub.pubsub.Unsubscribe(cctx, channel)
		if err := sub.pubsub.Close(); err != nil {
			if stdErrors.Is(err, redis.ErrClosed) {
				return nil
			}
			return err
		}
		return nil
	}
	r.mu.Unlock()
	return nil
}

// Close implements Relay.Close.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for channel, sub := range r.subs {
		_ = sub.pubsub.Close()
		for _, c := range sub.chans {
			close(c)
		}
		delete(r.subs, channel)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (r *Redis) Metrics() Metrics {
	return Metrics{Published: r.published.Load(), Delivered: r.delivered.Load()}
}
