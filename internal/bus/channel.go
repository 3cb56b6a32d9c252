package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultChannelBuffer = 1000

// ChannelBus delivers events in-process. Each subscription owns a buffered
// queue drained by one goroutine, so a subscriber sees messages in publish
// order. Publish blocks while a queue is full: a slow worker slows the batch
// run instead of losing cases.
type ChannelBus struct {
	mu     sync.RWMutex
	size   int
	topics map[string]map[string]*queue
	closed bool
	logger *slog.Logger
}

// queue is one subscription.
type queue struct {
	id      string
	topic   string
	handler domain.MessageHandler
	ch      chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus creates a channel bus with bufferSize slots per subscription.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = defaultChannelBuffer
	}
	return &ChannelBus{
		size:   bufferSize,
		topics: make(map[string]map[string]*queue),
		logger: slog.Default().With("component", "bus", "backend", "channel"),
	}
}

// Publish hands the message to every current subscriber of topic. With no
// subscribers the message is dropped.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*queue, 0, len(b.topics[topic]))
	for _, q := range b.topics[topic] {
		targets = append(targets, q)
	}
	b.mu.RUnlock()

	msg := newMessage(topic, payload)
	for _, q := range targets {
		select {
		case q.ch <- msg:
		case <-q.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe starts a queue for topic. It ends on Unsubscribe, Close or when
// ctx is cancelled.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	qctx, cancel := context.WithCancel(ctx)
	q := &queue{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		ch:      make(chan *domain.Message, b.size),
		ctx:     qctx,
		cancel:  cancel,
		bus:     b,
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*queue)
	}
	b.topics[topic][q.id] = q

	go q.drain(b.logger)
	return q, nil
}

func (q *queue) drain(logger *slog.Logger) {
	for {
		select {
		case <-q.ctx.Done():
			return
		case msg := <-q.ch:
			if err := q.handler(q.ctx, msg); err != nil {
				logger.Warn("handler failed", "topic", q.topic, "message_id", msg.ID, "error", err)
			}
		}
	}
}

// Ping reports ErrClosed after Close.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription. Queued messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, qs := range b.topics {
		for _, q := range qs {
			q.cancel()
		}
	}
	b.topics = nil
	return nil
}

// Unsubscribe stops the queue and detaches it from the bus.
func (q *queue) Unsubscribe() error {
	q.cancel()
	q.bus.mu.Lock()
	delete(q.bus.topics[q.topic], q.id)
	q.bus.mu.Unlock()
	return nil
}

// Topic returns the subscribed topic.
func (q *queue) Topic() string {
	return q.topic
}
