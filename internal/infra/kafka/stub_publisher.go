package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/core/port"
)

// StubPublisher logs events instead of sending them to Kafka. Used when Kafka is disabled.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a logging event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubPublisher{logger: logger}
}

// PublishPermissionsInvalidated logs authz.permissions.invalidated events.
func (p *StubPublisher) PublishPermissionsInvalidated(_ context.Context, event domain.PermissionsInvalidatedEvent) error {
	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.logger.Info("Stub event published",
		zap.String("event_type", EventPermissionsInvalidated),
		zap.String("event_id", event.EventID),
		zap.String("scope", string(event.Scope)),
		zap.Int64("user_id", event.UserID),
		zap.String("reason", event.Reason),
		zap.Time("timestamp", at.UTC()),
	)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
