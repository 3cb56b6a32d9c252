package domain

import (
	"context"
	"time"
)

// Topics published by the pipeline. Payloads are JSON:
//
//	kestrel.alert       Alert, one per fired rule
//	kestrel.case.built  EnrichedCase, ready for a policy decision
//	kestrel.decision    PolicyDecision
//	kestrel.audit       AuditRecord
const (
	TopicAlert     = "kestrel.alert"
	TopicCaseBuilt = "kestrel.case.built"
	TopicDecision  = "kestrel.decision"
	TopicAudit     = "kestrel.audit"
)

// EventBus carries pipeline events between the batch runner, the API and
// case workers. Backends: in-process channels, NATS or Kafka.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe delivers every message on topic to handler until the
	// subscription or ctx ends. Handler errors are logged, not redelivered.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes one delivered message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is a delivered event with its transport metadata.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds at publish
}

// PublishedAt returns the publish instant.
func (m *Message) PublishedAt() time.Time {
	return time.Unix(0, m.Timestamp).UTC()
}

// Subscription is an active subscription on one topic.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and configures the event bus.
type EventBusConfig struct {
	// Type is "channel", "nats", "kafka" or "none".
	Type string `yaml:"type"`

	ChannelBufferSize int `yaml:"channel_buffer_size"`

	NATSUrl           string `yaml:"nats_url"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait"` // seconds
	// NATSQueueGroup is shared by all replicas so each case is decided once.
	NATSQueueGroup string `yaml:"nats_queue_group"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaGroupID string   `yaml:"kafka_group_id"`
}
