package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultKafkaGroup = "kestrel"

// KafkaBus implements EventBus on Kafka. Publishing is synchronous; each
// subscription runs its own consumer group session.
type KafkaBus struct {
	mu            sync.Mutex
	producer      sarama.SyncProducer
	brokers       []string
	groupID       string
	config        *sarama.Config
	subscriptions map[string]*kafkaSubscription
	logger        *slog.Logger
}

type kafkaSubscription struct {
	id     string
	topic  string
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	wg     sync.WaitGroup
	bus    *KafkaBus
}

// NewKafkaBus connects a producer to the configured brokers.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("%w: kafka_brokers is required", domain.ErrConfiguration)
	}

	config := newSaramaConfig()
	producer, err := sarama.NewSyncProducer(cfg.KafkaBrokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	b := newKafkaBus(producer, cfg.KafkaBrokers, cfg.KafkaGroupID, config)
	b.logger.Info("kafka producer connected", "brokers", cfg.KafkaBrokers)
	return b, nil
}

func newKafkaBus(producer sarama.SyncProducer, brokers []string, groupID string, config *sarama.Config) *KafkaBus {
	if groupID == "" {
		groupID = defaultKafkaGroup
	}
	return &KafkaBus{
		producer:      producer,
		brokers:       brokers,
		groupID:       groupID,
		config:        config,
		subscriptions: make(map[string]*kafkaSubscription),
		logger:        slog.Default().With("component", "kafka"),
	}
}

func newSaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_8_0_0
	return config
}

// Publish writes the message envelope to topic, keyed by message id.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := newMessage(topic, payload)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(msg.ID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the bus consumer group for topic and hands each message to
// handler. Offsets are marked after the handler returns, errors included.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	group, err := sarama.NewConsumerGroup(b.brokers, b.groupID, b.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		group:  group,
		cancel: cancel,
		bus:    b,
	}

	h := &groupHandler{handler: handler, logger: b.logger, ready: make(chan struct{})}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		for {
			if err := group.Consume(subCtx, []string{topic}, h); err != nil {
				b.logger.Error("kafka consume failed", "topic", topic, "error", err)
			}
			if subCtx.Err() != nil {
				return
			}
		}
	}()

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Ping reports whether the producer can still reach a broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	client, err := sarama.NewClient(b.brokers, b.config)
	if err != nil {
		return fmt.Errorf("kafka unreachable: %w", err)
	}
	return client.Close()
}

// Close stops every subscription and the producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	subs := make([]*kafkaSubscription, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		subs = append(subs, s)
	}
	b.subscriptions = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.stop()
	}
	return b.producer.Close()
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	s.wg.Wait()
	return s.group.Close()
}

// Unsubscribe leaves the consumer group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	handler domain.MessageHandler
	logger  *slog.Logger
	ready   chan struct{}
	once    sync.Once
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) handle(ctx context.Context, message *sarama.ConsumerMessage) {
	var msg domain.Message
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		h.logger.Error("failed to unmarshal kafka message",
			"topic", message.Topic,
			"offset", message.Offset,
			"error", err,
		)
		return
	}
	if err := h.handler(ctx, &msg); err != nil {
		h.logger.Error("handler error",
			"topic", message.Topic,
			"message_id", msg.ID,
			"error", err,
		)
	}
}
