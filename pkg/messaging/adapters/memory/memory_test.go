package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/weelo/dispatch-core/pkg/messaging"
	"github.com/weelo/dispatch-core/pkg/messaging/adapters/memory"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_PublishConsume(t *testing.T) {
	broker := memory.New(memory.Config{BufferSize: 100})
	defer broker.Close()

	consumer, err := broker.Consumer("events", "test-group")
	require.NoError(t, err)
	defer consumer.Close()

	producer, err := broker.Producer("events")
	require.NoError(t, err)
	defer producer.Close()

	received := make(chan *messaging.Message, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_ = consumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
			received <- msg
			return nil
		})
	}()

	require.NoError(t, producer.Publish(context.Background(), &messaging.Message{
		Topic:   "events",
		Payload: []byte(`{"type":"booking.created"}`),
	}))

	select {
	case msg := <-received:
		require.Equal(t, `{"type":"booking.created"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBroker_HealthyUntilClosed(t *testing.T) {
	broker := memory.New(memory.Config{})
	require.True(t, broker.Healthy(context.Background()))
	require.NoError(t, broker.Close())
	require.False(t, broker.Healthy(context.Background()))
}
