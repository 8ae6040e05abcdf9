package relay

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

func newKafkaRelay(t *testing.T) (*Kafka, context.Context) {
	t.Helper()
	addr := os.Getenv("COLLAB_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("COLLAB_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	t.Logf("using real Kafka at %s", addr)

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	r, err := NewKafka([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("NewKafka: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, context.Background()
}

func TestKafkaRelayPublishSubscribe(t *testing.T) {
	r, ctx := newKafkaRelay(t)
	channel := "collab:test:" + uuid.NewString()

	ch, err := r.Subscribe(ctx, channel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Give the partition consumer a moment to start tailing.
	time.Sleep(500 * time.Millisecond)

	if err := r.Publish(ctx, channel, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("unexpected payload %s", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestKafkaTopicSanitizesChannel(t *testing.T) {
	if got := kafkaTopic("collab:lock"); got != "collab.lock" {
		t.Fatalf("unexpected topic %q", got)
	}
}
