package port

import (
	"context"
	"time"

	"github.com/arklim/anticheat-authz/internal/core/domain"
)

// RateLimitStore persists fixed-window counters and lockout blocks.
type RateLimitStore interface {
	// Increment counts one request in the window for key, first resetting the
	// window when now - start exceeds window.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (domain.WindowState, error)
	BlockedUntil(ctx context.Context, key string, now time.Time) (time.Time, bool, error)
	// Block denies key until the given instant. now is the limiter's clock
	// reading the block was derived from.
	Block(ctx context.Context, key string, until, now time.Time) error
	// Sweep drops windows idle for more than twice their length and expired
	// blocks, holding any lock for at most batch entries at a time.
	Sweep(ctx context.Context, now time.Time, batch int) (int, error)
}
