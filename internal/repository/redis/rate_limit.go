package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/core/port"
)

// fixedWindowScript increments a hash-backed fixed window, resetting it when
// the stored start is older than the window. Times are unix milliseconds.
var fixedWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = redis.call('HGET', KEYS[1], 'start')
if (not start) or (now - tonumber(start) > window) then
  redis.call('HSET', KEYS[1], 'start', now, 'count', 0)
  start = now
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('PEXPIRE', KEYS[1], window * 2)
return {count, tonumber(start)}
`)

// RateLimitRepository stores fixed windows and blocks in Redis so limits are
// shared across instances. Keys carry TTLs, so Sweep has nothing to do.
type RateLimitRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRateLimitRepository constructs a repository using the provided Redis client.
func NewRateLimitRepository(client *redis.Client, keyPrefix string) *RateLimitRepository {
	if keyPrefix == "" {
		keyPrefix = "ratelimit"
	}
	return &RateLimitRepository{client: client, keyPrefix: keyPrefix}
}

// Increment runs the fixed-window script for key.
func (r *RateLimitRepository) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (domain.WindowState, error) {
	if window <= 0 {
		return domain.WindowState{}, errors.New("window must be positive")
	}

	values, err := fixedWindowScript.Run(ctx, r.client,
		[]string{r.windowKey(key)},
		now.UnixMilli(), window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return domain.WindowState{}, fmt.Errorf("redis fixed window: %w", err)
	}
	if len(values) != 2 {
		return domain.WindowState{}, fmt.Errorf("redis fixed window: unexpected reply length %d", len(values))
	}

	return domain.WindowState{
		Count:       int(values[0]),
		WindowStart: time.UnixMilli(values[1]),
	}, nil
}

// BlockedUntil returns the block expiry for key if still in force.
func (r *RateLimitRepository) BlockedUntil(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, r.blockKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get block: %w", err)
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse block expiry: %w", err)
	}

	until := time.UnixMilli(ms)
	if !now.Before(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Block stores a block for key expiring at until. The TTL is measured from now
// so it matches the clock that produced until.
func (r *RateLimitRepository) Block(ctx context.Context, key string, until, now time.Time) error {
	ttl := until.Sub(now)
	if ttl <= 0 {
		return nil
	}

	if err := r.client.Set(ctx, r.blockKey(key), until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set block: %w", err)
	}
	return nil
}

// Sweep is a no-op; Redis expires windows after twice their length and blocks at expiry.
func (r *RateLimitRepository) Sweep(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (r *RateLimitRepository) windowKey(key string) string {
	return fmt.Sprintf("%s:win:%s", r.keyPrefix, key)
}

func (r *RateLimitRepository) blockKey(key string) string {
	return fmt.Sprintf("%s:block:%s", r.keyPrefix, key)
}

var _ port.RateLimitStore = (*RateLimitRepository)(nil)
