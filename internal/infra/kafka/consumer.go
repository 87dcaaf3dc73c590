package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/infra/config"
)

// PermissionInvalidator drops cached permission sets.
type PermissionInvalidator interface {
	Invalidate(userID int64)
	InvalidateAll()
}

// InvalidationConsumerOptions configures an InvalidationConsumer.
type InvalidationConsumerOptions struct {
	// Origin is this instance's identifier; events it published itself are skipped.
	Origin      string
	MaxEventLag time.Duration
	Logger      *zap.Logger
}

// InvalidationConsumer applies permission invalidations published by other
// instances to the local resolver cache.
type InvalidationConsumer struct {
	invalidator PermissionInvalidator
	origin      string
	maxEventLag time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewInvalidationConsumer constructs a consumer bound to invalidator.
func NewInvalidationConsumer(invalidator PermissionInvalidator, opts InvalidationConsumerOptions) *InvalidationConsumer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvalidationConsumer{
		invalidator: invalidator,
		origin:      opts.Origin,
		maxEventLag: opts.MaxEventLag,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the consumer clock for deterministic testing.
func (c *InvalidationConsumer) WithClock(clock func() time.Time) *InvalidationConsumer {
	if clock != nil {
		c.now = clock
	}
	return c
}

// HandleMessage decodes a Kafka message prior to processing.
func (c *InvalidationConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	event, err := decodePermissionsInvalidated(msg.Value)
	if err != nil {
		return err
	}
	return c.HandleEvent(ctx, event)
}

// HandleEvent applies one invalidation. Events from this instance were already
// applied locally and are ignored.
func (c *InvalidationConsumer) HandleEvent(_ context.Context, event domain.PermissionsInvalidatedEvent) error {
	if c.origin != "" && event.Origin == c.origin {
		return nil
	}

	if !event.OccurredAt.IsZero() && c.maxEventLag > 0 {
		if lag := c.now().Sub(event.OccurredAt); lag > c.maxEventLag {
			c.logger.Warn("permission invalidation event lag exceeds threshold",
				zap.Duration("lag", lag),
				zap.Duration("threshold", c.maxEventLag),
				zap.String("event_id", event.EventID),
			)
		}
	}

	switch event.Scope {
	case domain.InvalidationScopeUser:
		if event.UserID <= 0 {
			return fmt.Errorf("invalidation event %s: user id is required", event.EventID)
		}
		c.invalidator.Invalidate(event.UserID)
	case domain.InvalidationScopeAll:
		c.invalidator.InvalidateAll()
	default:
		return fmt.Errorf("invalidation event %s: unknown scope %q", event.EventID, event.Scope)
	}

	c.logger.Debug("applied remote permission invalidation",
		zap.String("event_id", event.EventID),
		zap.String("scope", string(event.Scope)),
		zap.String("origin", event.Origin),
	)
	return nil
}

// Setup implements sarama.ConsumerGroupHandler.
func (c *InvalidationConsumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler.
func (c *InvalidationConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler. Undecodable messages are
// logged and committed so a poison message cannot stall the partition.
func (c *InvalidationConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.HandleMessage(session.Context(), msg); err != nil {
				c.logger.Warn("skip invalid permission invalidation message",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// ConsumerGroup runs an InvalidationConsumer inside a Sarama consumer group.
type ConsumerGroup struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler sarama.ConsumerGroupHandler
	logger  *zap.Logger
}

// NewConsumerGroup joins groupID on the configured brokers. Every instance needs
// its own group id so each one receives every invalidation.
func NewConsumerGroup(cfg config.KafkaSettings, groupID string, handler sarama.ConsumerGroupHandler, logger *zap.Logger) (*ConsumerGroup, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	saramaConfig := newSaramaConfig()
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	logger.Info("Kafka consumer group initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group_id", groupID),
	)

	return &ConsumerGroup{
		group:   group,
		topics:  []string{topicName(cfg.TopicPrefix, EventPermissionsInvalidated)},
		handler: handler,
		logger:  logger,
	}, nil
}

// Run consumes until ctx is cancelled, rejoining the group after rebalances.
func (g *ConsumerGroup) Run(ctx context.Context) error {
	go func() {
		for err := range g.group.Errors() {
			g.logger.Warn("Kafka consumer error", zap.Error(err))
		}
	}()

	for {
		if err := g.group.Consume(ctx, g.topics, g.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			g.logger.Warn("Kafka consume session ended with error", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (g *ConsumerGroup) Close() error {
	if err := g.group.Close(); err != nil {
		return fmt.Errorf("close kafka consumer group: %w", err)
	}
	return nil
}
