package domain

import "time"

// InvalidationScope selects which cached permission sets an event drops.
type InvalidationScope string

const (
	InvalidationScopeUser InvalidationScope = "user"
	InvalidationScopeAll  InvalidationScope = "all"
)

// PermissionsInvalidatedEvent represents the payload for authz.permissions.invalidated messages.
type PermissionsInvalidatedEvent struct {
	EventID    string
	Scope      InvalidationScope
	UserID     int64
	Origin     string
	Reason     string
	ActorID    int64
	OccurredAt time.Time
}
