package relay

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"

	collaberrors "github.com/parishworks/collab/errors"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan []byte
}

// Kafka implements Relay on a Kafka cluster via sarama. Channels map to
// topics with ":" rewritten to ".", since colons are not legal in Kafka
// topic names.
type Kafka struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafka returns a Kafka-backed relay connecting to the given brokers.
func NewKafka(brokers []string, cfg *sarama.Config) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &Kafka{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

func kafkaTopic(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// Publish implements Relay.Publish.
func (k *Kafka) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return collaberrors.ErrRelayClosed
	}
	k.mu.Unlock()

	msg := &sarama.ProducerMessage{
		Topic: kafkaTopic(channel),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return err
	}
	k.published.Add(1)
	return nil
}

// Subscribe implements Relay.Subscribe.
func (k *Kafka) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, collaberrors.ErrRelayClosed
	}
	sub := k.subs[channel]
	if sub == nil {
		pc, err := k.consumer.ConsumePartition(kafkaTopic(channel), 0, sarama.OffsetNewest)
		if err != nil {
			k.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		k.subs[channel] = sub
		go k.dispatch(channel, sub)
	}
	sub.chans = append(sub.chans, ch)
	k.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = k.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

func (k *Kafka) dispatch(channel string, sub *kafkaSubscription) {
	for msg := range sub.pc.Messages() {
		k.mu.Lock()
		cur := k.subs[channel]
		if cur == nil {
			k.mu.Unlock()
			continue
		}
		chans := append([]chan []byte(nil), cur.chans...)
		k.mu.Unlock()
		for _, c := range chans {
			select {
			case c <- msg.Value:
				k.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Relay.Unsubscribe.
func (k *Kafka) Unsubscribe(ctx context.Context, channel string, ch <-chan []byte) error {
	k.mu.Lock()
	sub := k.subs[channel]
	if sub == nil {
		k.mu.Unlock()
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
		delete(k.subs, channel)
		k.mu.Unlock()
		return sub.pc.Close()
	}
	k.mu.Unlock()
	return nil
}

// Close implements Relay.Close.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	subs := k.subs
	k.subs = make(map[string]*kafkaSubscription)
	k.mu.Unlock()

	for _, sub := range subs {
		_ = sub.pc.Close()
		for _, c := range sub.chans {
			close(c)
		}
	}
	err := k.producer.Close()
	if cerr := k.consumer.Close(); err == nil {
		err = cerr
	}
	return err
}

// Metrics returns the published and delivered counts.
func (k *Kafka) Metrics() Metrics {
	return Metrics{Published: k.published.Load(), Delivered: k.delivered.Load()}
}
