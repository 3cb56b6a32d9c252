package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	defaultQueueGroup    = "kestrel-workers"
	defaultNATSAttempts  = 10
	defaultNATSRetryWait = 5 // seconds

	// Message fields travel as headers so the NATS payload is the bare event.
	headerPublished  = "Kestrel-Published"
	headerMetaPrefix = "Kestrel-Meta-"

	drainTimeout = 10 * time.Second
)

// NATSBus publishes events as NATS messages on the topic subject.
// Subscribers join a queue group, so with several replicas each case is
// decided by one of them.
type NATSBus struct {
	mu     sync.Mutex
	conn   *nats.Conn
	group  string
	subs   map[string]*natsSubscription
	closed chan struct{}
	logger *slog.Logger
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to cfg.NATSUrl, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	b := &NATSBus{
		group:  cfg.NATSQueueGroup,
		subs:   make(map[string]*natsSubscription),
		closed: make(chan struct{}),
		logger: slog.Default().With("component", "bus", "backend", "nats"),
	}
	if b.group == "" {
		b.group = defaultQueueGroup
	}

	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = defaultNATSAttempts
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = defaultNATSRetryWait * time.Second
	}

	opts := b.options(attempts, wait)
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		b.conn, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		b.logger.Warn("connection attempt failed", "attempt", attempt, "max_attempts", attempts, "error", err)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s after %d attempts: %w", url, attempts, err)
	}

	b.logger.Info("connected", "url", b.conn.ConnectedUrl(), "server_id", b.conn.ConnectedServerId(), "queue_group", b.group)
	return b, nil
}

func (b *NATSBus) options(attempts int, wait time.Duration) []nats.Option {
	return []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			b.logger.Warn("disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			select {
			case <-b.closed:
			default:
				close(b.closed)
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			b.logger.Error("async error", "subject", subject, "error", err)
		}),
	}
}

// Publish sends payload on the topic subject.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.PublishMsg(encodeNATS(newMessage(topic, payload))); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the bus queue group on topic.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(topic, b.group, func(m *nats.Msg) {
		msg := decodeNATS(m)
		if err := handler(ctx, msg); err != nil {
			b.logger.Warn("handler failed", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	s := &natsSubscription{id: uuid.NewString(), topic: topic, sub: sub, bus: b}
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return s, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions, letting in-flight handlers finish, then closes
// the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]*natsSubscription)
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	select {
	case <-b.closed:
	case <-time.After(drainTimeout + time.Second):
		b.conn.Close()
	}
	return nil
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}

// encodeNATS maps a message onto a NATS message. The id uses the JetStream
// dedup header so streams capturing the subject drop republished events.
func encodeNATS(msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Payload
	m.Header.Set(nats.MsgIdHdr, msg.ID)
	m.Header.Set(headerPublished, strconv.FormatInt(msg.Timestamp, 10))
	for k, v := range msg.Metadata {
		m.Header.Set(headerMetaPrefix+k, v)
	}
	return m
}

// decodeNATS rebuilds a message. Messages from publishers that set no
// headers get a fresh id and the receive time.
func decodeNATS(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Topic:   m.Subject,
		Payload: m.Data,
	}
	if m.Header != nil {
		msg.ID = m.Header.Get(nats.MsgIdHdr)
		msg.Timestamp, _ = strconv.ParseInt(m.Header.Get(headerPublished), 10, 64)
		for k, vs := range m.Header {
			if key, ok := strings.CutPrefix(k, headerMetaPrefix); ok && len(vs) > 0 {
				if msg.Metadata == nil {
					msg.Metadata = make(map[string]string)
				}
				msg.Metadata[key] = vs[0]
			}
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixNano()
	}
	return msg
}
