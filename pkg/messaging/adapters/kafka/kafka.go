// Package kafka implements messaging.Broker on top of sarama.
package kafka

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/weelo/dispatch-core/pkg/messaging"
)

// Config configures the Kafka broker connection.
type Config struct {
	Brokers           []string      `env:"KAFKA_BROKERS" validate:"required"`
	ClientID          string        `env:"KAFKA_CLIENT_ID" env-default:"system-design-library"`
	ProducerTimeout   time.Duration `env:"KAFKA_PRODUCER_TIMEOUT" env-default:"10s"`
	ConsumerReturnErr bool          `env:"KAFKA_CONSUMER_RETURN_ERRORS" env-default:"true"`
}

// Broker manages a sarama client along with producers and consumer groups
// created from it.
type Broker struct {
	cfg    Config
	client sarama.Client
}

// New dials the configured Kafka cluster and returns a ready Broker.
func New(cfg Config) (*Broker, error) {
	scfg := sarama.NewConfig()
	scfg.ClientID = cfg.ClientID
	scfg.Producer.Return.Successes = true
	scfg.Producer.Timeout = cfg.ProducerTimeout
	scfg.Consumer.Return.Errors = cfg.ConsumerReturnErr

	client, err := sarama.NewClient(cfg.Brokers, scfg)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}
	return &Broker{cfg: cfg, client: client}, nil
}

// Producer creates a synchronous producer bound to topic.
func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	sp, err := sarama.NewSyncProducerFromClient(b.client)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}
	return &producer{broker: b, topic: topic, producer: sp}, nil
}

// Consumer creates a consumer group consumer bound to topic.
func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	cg, err := sarama.NewConsumerGroupFromClient(group, b.client)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}
	return &consumer{topic: topic, group: cg}, nil
}

// Close shuts down the underlying sarama client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Healthy reports whether the broker can still reach its controller.
func (b *Broker) Healthy(ctx context.Context) bool {
	if b.client.Closed() {
		return false
	}
	_, err := b.client.Controller()
	return err == nil
}

// consumer adapts a sarama ConsumerGroup to messaging.Consumer.
type consumer struct {
	topic string
	group sarama.ConsumerGroup
}

func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	h := &groupHandler{handler: handler}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			return messaging.ErrConsumeFailed(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *consumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	handler messaging.MessageHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		m := &messaging.Message{
			Topic:     msg.Topic,
			Key:       msg.Key,
			Payload:   msg.Value,
			Timestamp: msg.Timestamp,
			Metadata: messaging.MessageMetadata{
				Partition: msg.Partition,
				Offset:    msg.Offset,
			},
		}
		for _, rh := range msg.Headers {
			if m.Headers == nil {
				m.Headers = make(map[string]string)
			}
			m.Headers[string(rh.Key)] = string(rh.Value)
		}
		if err := h.handler(sess.Context(), m); err != nil {
			continue
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
