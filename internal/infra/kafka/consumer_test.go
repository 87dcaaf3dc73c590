package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/anticheat-authz/internal/core/domain"
)

type recordingInvalidator struct {
	users []int64
	all   int
}

func (r *recordingInvalidator) Invalidate(userID int64) { r.users = append(r.users, userID) }

func (r *recordingInvalidator) InvalidateAll() { r.all++ }

func encodeInvalidation(t *testing.T, event domain.PermissionsInvalidatedEvent) []byte {
	t.Helper()

	payload, err := json.Marshal(permissionsInvalidatedPayload{
		Scope:   string(event.Scope),
		UserID:  event.UserID,
		Origin:  event.Origin,
		Reason:  event.Reason,
		ActorID: event.ActorID,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	value, err := json.Marshal(eventEnvelope{
		EventID:   event.EventID,
		EventType: EventPermissionsInvalidated,
		Timestamp: event.OccurredAt,
		Version:   schemaVersion,
		Payload:   payload,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return value
}

func TestInvalidationConsumerAppliesRemoteEvents(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	invalidator := &recordingInvalidator{}

	consumer := NewInvalidationConsumer(invalidator, InvalidationConsumerOptions{
		Origin:      "authz-1",
		MaxEventLag: time.Second,
		Logger:      zaptest.NewLogger(t),
	}).WithClock(func() time.Time { return base })

	user := &sarama.ConsumerMessage{Value: encodeInvalidation(t, domain.PermissionsInvalidatedEvent{
		EventID:    "evt-1",
		Scope:      domain.InvalidationScopeUser,
		UserID:     42,
		Origin:     "authz-2",
		OccurredAt: base.Add(-5 * time.Second),
	})}
	if err := consumer.HandleMessage(ctx, user); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(invalidator.users) != 1 || invalidator.users[0] != 42 {
		t.Fatalf("expected user 42 to be invalidated, got %v", invalidator.users)
	}

	all := &sarama.ConsumerMessage{Value: encodeInvalidation(t, domain.PermissionsInvalidatedEvent{
		EventID:    "evt-2",
		Scope:      domain.InvalidationScopeAll,
		Origin:     "authz-2",
		OccurredAt: base,
	})}
	if err := consumer.HandleMessage(ctx, all); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if invalidator.all != 1 {
		t.Fatalf("expected full invalidation, got %d", invalidator.all)
	}
}

func TestInvalidationConsumerSkipsOwnEvents(t *testing.T) {
	invalidator := &recordingInvalidator{}
	consumer := NewInvalidationConsumer(invalidator, InvalidationConsumerOptions{Origin: "authz-1"})

	err := consumer.HandleEvent(context.Background(), domain.PermissionsInvalidatedEvent{
		Scope:  domain.InvalidationScopeAll,
		Origin: "authz-1",
	})
	if err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}
	if invalidator.all != 0 {
		t.Fatalf("expected own event to be ignored")
	}
}

func TestInvalidationConsumerRejectsMalformedMessages(t *testing.T) {
	invalidator := &recordingInvalidator{}
	consumer := NewInvalidationConsumer(invalidator, InvalidationConsumerOptions{Origin: "authz-1"})
	ctx := context.Background()

	if err := consumer.HandleMessage(ctx, nil); err == nil {
		t.Fatalf("expected error for nil message")
	}
	if err := consumer.HandleMessage(ctx, &sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatalf("expected error for invalid json")
	}

	other, _ := json.Marshal(eventEnvelope{EventType: "authz.other", Payload: json.RawMessage(`{}`)})
	if err := consumer.HandleMessage(ctx, &sarama.ConsumerMessage{Value: other}); err == nil {
		t.Fatalf("expected error for foreign event type")
	}

	if err := consumer.HandleEvent(ctx, domain.PermissionsInvalidatedEvent{Scope: domain.InvalidationScopeUser}); err == nil {
		t.Fatalf("expected error for user scope without id")
	}
	if err := consumer.HandleEvent(ctx, domain.PermissionsInvalidatedEvent{Scope: "role"}); err == nil {
		t.Fatalf("expected error for unknown scope")
	}

	if len(invalidator.users) != 0 || invalidator.all != 0 {
		t.Fatalf("expected malformed messages to change nothing")
	}
}
