package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitFor(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timeout waiting for message")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var receivedMsg *domain.Message
		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicCaseBuilt, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicCaseBuilt, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, &wg, time.Second)

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != domain.TopicCaseBuilt {
			t.Errorf("expected topic %s, got %s", domain.TopicCaseBuilt, receivedMsg.Topic)
		}
		if receivedMsg.ID == "" {
			t.Error("expected message id")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var decisions, audits atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		bus.Subscribe(ctx, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
			decisions.Add(1)
			wg.Done()
			return nil
		})
		bus.Subscribe(ctx, domain.TopicAudit, func(ctx context.Context, msg *domain.Message) error {
			audits.Add(1)
			return nil
		})

		bus.Publish(ctx, domain.TopicDecision, []byte("msg1"))
		waitFor(t, &wg, time.Second)
		time.Sleep(20 * time.Millisecond)

		if decisions.Load() != 1 {
			t.Errorf("decision subscriber should receive 1 message, got %d", decisions.Load())
		}
		if audits.Load() != 0 {
			t.Errorf("audit subscriber should receive 0 messages, got %d", audits.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			wg.Done()
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		waitFor(t, &wg, time.Second)

		sub.Unsubscribe()

		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			wg.Done()
			return nil
		})
		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			wg.Done()
			return nil
		})

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		waitFor(t, &wg, time.Second)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusBackpressure(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(context.Background(), "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		<-release
		return nil
	})

	// One message in the handler, one in the buffer; the third must wait.
	_ = bus.Publish(context.Background(), "slow.topic", []byte("1"))
	_ = bus.Publish(context.Background(), "slow.topic", []byte("2"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, "slow.topic", []byte("3"))
	close(release)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected publish to block until deadline, got %v", err)
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", []byte("data")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "close.topic", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on subscribe, got %v", err)
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 500

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	// More messages than buffer slots; none may be lost.
	for i := 0; i < messageCount; i++ {
		if err := bus.Publish(ctx, "load.topic", []byte("msg")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	waitFor(t, &wg, 5*time.Second)
	if received.Load() != messageCount {
		t.Errorf("expected %d messages, got %d", messageCount, received.Load())
	}
}

func TestPublishJSON(t *testing.T) {
	if err := PublishJSON(context.Background(), nil, domain.TopicDecision, map[string]string{"a": "b"}); err != nil {
		t.Errorf("nil bus should be a no-op, got %v", err)
	}

	bus := NewChannelBus(10)
	defer bus.Close()

	var got map[string]string
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		defer wg.Done()
		return json.Unmarshal(msg.Payload, &got)
	})

	if err := PublishJSON(context.Background(), bus, domain.TopicDecision, map[string]string{"case_id": "case-1"}); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}
	waitFor(t, &wg, time.Second)
	if got["case_id"] != "case-1" {
		t.Errorf("unexpected payload: %v", got)
	}
}

func TestKafkaBusPublish(t *testing.T) {
	config := newSaramaConfig()
	producer := mocks.NewSyncProducer(t, config)
	bus := newKafkaBus(producer, []string{"localhost:9092"}, "", config)

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var msg domain.Message
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		if msg.Topic != domain.TopicDecision || string(msg.Payload) != `{"decision":"L1_REVIEW"}` {
			return fmt.Errorf("unexpected envelope: %+v", msg)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	ctx := context.Background()
	if err := bus.Publish(ctx, domain.TopicDecision, []byte(`{"decision":"L1_REVIEW"}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := bus.Publish(ctx, domain.TopicDecision, []byte(`{}`)); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("expected broker error, got %v", err)
	}

	if bus.groupID != defaultKafkaGroup {
		t.Errorf("expected default group %s, got %s", defaultKafkaGroup, bus.groupID)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
}

func TestKafkaGroupHandler(t *testing.T) {
	var got []string
	h := &groupHandler{
		handler: func(ctx context.Context, msg *domain.Message) error {
			got = append(got, string(msg.Payload))
			return errors.New("handler errors are logged, not fatal")
		},
		logger: newKafkaBus(nil, nil, "", newSaramaConfig()).logger,
		ready:  make(chan struct{}),
	}

	envelope, _ := json.Marshal(&domain.Message{ID: "m1", Topic: domain.TopicCaseBuilt, Payload: []byte("case")})
	h.handle(context.Background(), &sarama.ConsumerMessage{Topic: domain.TopicCaseBuilt, Value: envelope})
	h.handle(context.Background(), &sarama.ConsumerMessage{Topic: domain.TopicCaseBuilt, Value: []byte("not json")})

	if len(got) != 1 || got[0] != "case" {
		t.Errorf("expected one decoded message, got %v", got)
	}

	if err := h.Setup(nil); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := h.Setup(nil); err != nil {
		t.Fatalf("second setup failed: %v", err)
	}
	select {
	case <-h.ready:
	default:
		t.Error("expected ready to be closed after setup")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("NoneType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "none"})
		if err != nil || bus != nil {
			t.Errorf("expected nil bus, got %v, %v", bus, err)
		}
	})

	t.Run("KafkaWithoutBrokers", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected configuration error, got %v", err)
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "rabbitmq"})
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected configuration error, got %v", err)
		}
	})
}

func TestNATSMessageHeaders(t *testing.T) {
	msg := newMessage(domain.TopicCaseBuilt, []byte(`{"case_id":"c1"}`))
	msg.Metadata = map[string]string{"Run": "run-7"}

	m := encodeNATS(msg)
	if m.Subject != domain.TopicCaseBuilt || string(m.Data) != `{"case_id":"c1"}` {
		t.Fatalf("expected bare payload on the topic subject, got %s %s", m.Subject, m.Data)
	}
	if m.Header.Get(nats.MsgIdHdr) != msg.ID {
		t.Errorf("expected dedup header %s, got %q", msg.ID, m.Header.Get(nats.MsgIdHdr))
	}

	got := decodeNATS(m)
	if got.ID != msg.ID || got.Timestamp != msg.Timestamp || got.Topic != msg.Topic {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Metadata["Run"] != "run-7" {
		t.Errorf("expected metadata to survive, got %v", got.Metadata)
	}
	if got.PublishedAt().IsZero() {
		t.Error("expected publish time")
	}
}

func TestNATSForeignMessage(t *testing.T) {
	got := decodeNATS(&nats.Msg{Subject: domain.TopicAlert, Data: []byte("raw")})
	if got.ID == "" || got.Timestamp == 0 {
		t.Errorf("expected generated id and timestamp, got %+v", got)
	}
	if string(got.Payload) != "raw" || got.Metadata != nil {
		t.Errorf("unexpected message %+v", got)
	}
}
