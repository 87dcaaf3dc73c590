package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/infra/config"
)

type fakeAsyncProducer struct {
	input  chan *sarama.ProducerMessage
	errors chan *sarama.ProducerError
}

func newFakeAsyncProducer() *fakeAsyncProducer {
	return &fakeAsyncProducer{
		input:  make(chan *sarama.ProducerMessage, 1),
		errors: make(chan *sarama.ProducerError, 1),
	}
}

func (f *fakeAsyncProducer) AsyncClose() {}

func (f *fakeAsyncProducer) Close() error { return nil }

func (f *fakeAsyncProducer) Input() chan<- *sarama.ProducerMessage { return f.input }

func (f *fakeAsyncProducer) Successes() <-chan *sarama.ProducerMessage { return nil }

func (f *fakeAsyncProducer) Errors() <-chan *sarama.ProducerError { return f.errors }

func (f *fakeAsyncProducer) IsTransactional() bool { return false }

func (f *fakeAsyncProducer) BeginTxn() error { return nil }

func (f *fakeAsyncProducer) CommitTxn() error { return nil }

func (f *fakeAsyncProducer) AbortTxn() error { return nil }

func (f *fakeAsyncProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupID string) error {
	return nil
}

func (f *fakeAsyncProducer) AddMessageToTxn(msg *sarama.ConsumerMessage, groupID string, metadata *string) error {
	return nil
}

func (f *fakeAsyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnStatusFlag(0)
}

func newTestPublisher(t *testing.T) (*EventPublisher, *fakeAsyncProducer) {
	t.Helper()

	asyncProducer := newFakeAsyncProducer()
	producer := newProducer(asyncProducer, config.KafkaSettings{TopicPrefix: "anticheat"}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = producer.Close() })

	publisher := NewEventPublisher(producer, config.AppSettings{
		Name: "anticheat-authz",
		Env:  "test",
	}, zaptest.NewLogger(t))

	return publisher, asyncProducer
}

func TestPublishPermissionsInvalidated(t *testing.T) {
	publisher, asyncProducer := newTestPublisher(t)

	occurredAt := time.Date(2025, 10, 31, 12, 0, 0, 0, time.UTC)
	event := domain.PermissionsInvalidatedEvent{
		EventID:    "event-123",
		Scope:      domain.InvalidationScopeUser,
		UserID:     42,
		Origin:     "authz-1",
		Reason:     "user_updated",
		ActorID:    1,
		OccurredAt: occurredAt,
	}

	if err := publisher.PublishPermissionsInvalidated(context.Background(), event); err != nil {
		t.Fatalf("PublishPermissionsInvalidated returned error: %v", err)
	}

	var msg *sarama.ProducerMessage
	select {
	case msg = <-asyncProducer.input:
	default:
		t.Fatalf("expected message to be enqueued")
	}

	if msg.Topic != "anticheat.authz.permissions.invalidated" {
		t.Fatalf("unexpected topic: %s", msg.Topic)
	}
	key, err := msg.Key.Encode()
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	if string(key) != "42" {
		t.Fatalf("expected user id partition key, got %q", key)
	}

	value, err := msg.Value.Encode()
	if err != nil {
		t.Fatalf("encode value: %v", err)
	}

	var envelope map[string]any
	if err := json.Unmarshal(value, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope["event_type"] != EventPermissionsInvalidated {
		t.Fatalf("unexpected event type: %v", envelope["event_type"])
	}
	if envelope["version"] != schemaVersion {
		t.Fatalf("unexpected version: %v", envelope["version"])
	}
	metadata, ok := envelope["metadata"].(map[string]any)
	if !ok || metadata["service"] != "anticheat-authz" {
		t.Fatalf("unexpected metadata: %v", envelope["metadata"])
	}

	decoded, err := decodePermissionsInvalidated(value)
	if err != nil {
		t.Fatalf("decodePermissionsInvalidated returned error: %v", err)
	}
	if !decoded.OccurredAt.Equal(occurredAt) {
		t.Fatalf("expected occurred at %s, got %s", occurredAt, decoded.OccurredAt)
	}
	decoded.OccurredAt = event.OccurredAt
	if decoded != event {
		t.Fatalf("expected decoded event %+v, got %+v", event, decoded)
	}
}

func TestPublishPermissionsInvalidatedAllScopeKey(t *testing.T) {
	publisher, asyncProducer := newTestPublisher(t)

	err := publisher.PublishPermissionsInvalidated(context.Background(), domain.PermissionsInvalidatedEvent{
		Scope:  domain.InvalidationScopeAll,
		Origin: "authz-1",
	})
	if err != nil {
		t.Fatalf("PublishPermissionsInvalidated returned error: %v", err)
	}

	msg := <-asyncProducer.input
	key, _ := msg.Key.Encode()
	if string(key) != "all" {
		t.Fatalf("expected scope partition key, got %q", key)
	}

	decoded, err := decodePermissionsInvalidated(mustEncode(t, msg.Value))
	if err != nil {
		t.Fatalf("decodePermissionsInvalidated returned error: %v", err)
	}
	if decoded.EventID == "" {
		t.Fatalf("expected generated event id")
	}
	if decoded.OccurredAt.IsZero() {
		t.Fatalf("expected generated timestamp")
	}
}

func TestPublishPermissionsInvalidatedHonoursContext(t *testing.T) {
	publisher, asyncProducer := newTestPublisher(t)
	asyncProducer.input <- &sarama.ProducerMessage{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := publisher.PublishPermissionsInvalidated(ctx, domain.PermissionsInvalidatedEvent{Scope: domain.InvalidationScopeAll})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTopicName(t *testing.T) {
	cases := []struct {
		prefix string
		event  string
		want   string
	}{
		{prefix: "", event: EventPermissionsInvalidated, want: EventPermissionsInvalidated},
		{prefix: "prod", event: EventPermissionsInvalidated, want: "prod.authz.permissions.invalidated"},
		{prefix: "prod", event: "prod.authz.permissions.invalidated", want: "prod.authz.permissions.invalidated"},
	}

	for _, tc := range cases {
		if got := topicName(tc.prefix, tc.event); got != tc.want {
			t.Fatalf("topicName(%q, %q) = %q, want %q", tc.prefix, tc.event, got, tc.want)
		}
	}
}

func TestStubPublisher(t *testing.T) {
	publisher := NewStubPublisher(zaptest.NewLogger(t))
	if err := publisher.PublishPermissionsInvalidated(context.Background(), domain.PermissionsInvalidatedEvent{Scope: domain.InvalidationScopeAll}); err != nil {
		t.Fatalf("stub publisher returned error: %v", err)
	}
}

func mustEncode(t *testing.T, encoder sarama.Encoder) []byte {
	t.Helper()
	value, err := encoder.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return value
}
