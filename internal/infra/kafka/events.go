package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/core/port"
	"github.com/arklim/anticheat-authz/internal/infra/config"
)

const (
	schemaVersion = "1.0"

	// EventPermissionsInvalidated is the event type, and unprefixed topic, of cache invalidations.
	EventPermissionsInvalidated = "authz.permissions.invalidated"
)

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   json.RawMessage  `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

type permissionsInvalidatedPayload struct {
	Scope   string `json:"scope"`
	UserID  int64  `json:"user_id,omitempty"`
	Origin  string `json:"origin"`
	Reason  string `json:"reason,omitempty"`
	ActorID int64  `json:"actor_id,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, key string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	envelope := eventEnvelope{
		EventID:   eventID,
		EventType: eventType,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   body,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case p.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishPermissionsInvalidated publishes authz.permissions.invalidated events.
func (p *EventPublisher) PublishPermissionsInvalidated(ctx context.Context, event domain.PermissionsInvalidatedEvent) error {
	payload := permissionsInvalidatedPayload{
		Scope:   string(event.Scope),
		UserID:  event.UserID,
		Origin:  event.Origin,
		Reason:  event.Reason,
		ActorID: event.ActorID,
	}

	key := string(event.Scope)
	if event.Scope == domain.InvalidationScopeUser {
		key = strconv.FormatInt(event.UserID, 10)
	}

	return p.publish(ctx, event.EventID, EventPermissionsInvalidated, key, event.OccurredAt, payload)
}

// decodePermissionsInvalidated parses an envelope produced by PublishPermissionsInvalidated.
func decodePermissionsInvalidated(value []byte) (domain.PermissionsInvalidatedEvent, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return domain.PermissionsInvalidatedEvent{}, fmt.Errorf("decode event envelope: %w", err)
	}
	if envelope.EventType != EventPermissionsInvalidated {
		return domain.PermissionsInvalidatedEvent{}, fmt.Errorf("unexpected event type %q", envelope.EventType)
	}

	var payload permissionsInvalidatedPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return domain.PermissionsInvalidatedEvent{}, fmt.Errorf("decode invalidation payload: %w", err)
	}

	return domain.PermissionsInvalidatedEvent{
		EventID:    envelope.EventID,
		Scope:      domain.InvalidationScope(payload.Scope),
		UserID:     payload.UserID,
		Origin:     payload.Origin,
		Reason:     payload.Reason,
		ActorID:    payload.ActorID,
		OccurredAt: envelope.Timestamp,
	}, nil
}

var _ port.EventPublisher = (*EventPublisher)(nil)
