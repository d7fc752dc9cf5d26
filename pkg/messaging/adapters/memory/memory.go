// Package memory implements messaging.Broker with in-process channels, for
// tests and single-instance development.
package memory

import (
	"context"
	"sync"

	"github.com/weelo/dispatch-core/pkg/messaging"
	"github.com/google/uuid"
)

// Config configures the in-memory broker.
type Config struct {
	// BufferSize sets the channel capacity for every topic created by this
	// broker.
	BufferSize int
}

// Broker is a process-local, topic-per-channel messaging.Broker.
type Broker struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	subscribers []chan *messaging.Message
	mu          sync.Mutex
}

// New builds an in-memory broker.
func New(cfg Config) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	return &Broker{cfg: cfg, topics: make(map[string]*topic)}
}

func (b *Broker) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}
	return t
}

// Producer returns a producer that fans messages out to every subscriber of
// topicName.
func (b *Broker) Producer(topicName string) (messaging.Producer, error) {
	if b.isClosed() {
		return nil, messaging.ErrClosed(nil)
	}
	return &producer{broker: b, topic: topicName}, nil
}

// Consumer subscribes to topicName; group is accepted for interface parity
// but ignored since every subscriber receives every message.
func (b *Broker) Consumer(topicName string, group string) (messaging.Consumer, error) {
	if b.isClosed() {
		return nil, messaging.ErrClosed(nil)
	}
	t := b.topicFor(topicName)
	ch := make(chan *messaging.Message, b.cfg.BufferSize)

	t.mu.Lock()
	t.subscribers = append(t.subscribers, ch)
	t.mu.Unlock()

	return &consumer{topic: t, ch: ch, stop: make(chan struct{})}, nil
}

// Close marks the broker closed. In-flight channels are left for readers to
// drain.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Healthy reports true until the broker is closed; there is no network
// dependency to fail.
func (b *Broker) Healthy(ctx context.Context) bool {
	return !b.isClosed()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type producer struct {
	broker *Broker
	topic  string
}

func (p *producer) Publish(ctx context.Context, msg *messaging.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	topicName := p.topic
	if msg.Topic != "" {
		topicName = msg.Topic
	}
	t := p.broker.topicFor(topicName)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- msg:
		default:
			return messaging.ErrQueueFull(nil)
		}
	}
	return nil
}

func (p *producer) PublishBatch(ctx context.Context, msgs []*messaging.Message) error {
	for _, m := range msgs {
		if err := p.Publish(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	topic  *topic
	ch     chan *messaging.Message
	stop   chan struct{}
	once   sync.Once
}

func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case msg := <-c.ch:
			if err := handler(ctx, msg); err != nil {
				return messaging.ErrConsumeFailed(err)
			}
		}
	}
}

// Close stops Consume from blocking further; the channel itself is left
// open since producers may still hold a reference to the topic.
func (c *consumer) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}
