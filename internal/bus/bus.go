// Package bus carries pipeline events over in-process channels, NATS or Kafka.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// New builds the configured bus. Type "none" (or empty) returns a nil bus;
// publishers treat nil as events disabled.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	case "kafka":
		return NewKafkaBus(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported event bus type: %s", domain.ErrConfiguration, cfg.Type)
	}
}

// PublishJSON encodes v and publishes it on topic. A nil bus is a no-op.
func PublishJSON(ctx context.Context, b domain.EventBus, topic string, v any) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, topic, payload)
}

// newMessage stamps payload with a time-ordered id and the publish time.
func newMessage(topic string, payload []byte) *domain.Message {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &domain.Message{
		ID:        id.String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	}
}
