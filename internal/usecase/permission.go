package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/core/port"
	"github.com/arklim/anticheat-authz/internal/infra/telemetry"
	"github.com/arklim/anticheat-authz/internal/repository"
)

const defaultPermissionCacheTTL = 5 * time.Minute

// PermissionResolverOptions configures a PermissionResolver.
type PermissionResolverOptions struct {
	TTL     time.Duration
	Logger  *zap.Logger
	Metrics *telemetry.AuthzMetrics
}

type cachedPermissions struct {
	set       domain.PermissionSet
	fetchedAt time.Time
}

// PermissionResolver maps a user to the permission set of their role and
// caches the result for a bounded time. Without explicit invalidation a role
// change becomes visible within one TTL.
type PermissionResolver struct {
	store   port.IdentityStore
	ttl     time.Duration
	logger  *zap.Logger
	metrics *telemetry.AuthzMetrics
	tracer  trace.Tracer
	now     func() time.Time

	mu      sync.RWMutex
	entries map[int64]cachedPermissions
	// epoch advances on every invalidation; fetches started under an older
	// epoch are returned to their callers but never cached.
	epoch uint64

	group singleflight.Group
}

// NewPermissionResolver constructs a resolver over store.
func NewPermissionResolver(store port.IdentityStore, opts PermissionResolverOptions) *PermissionResolver {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultPermissionCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PermissionResolver{
		store:   store,
		ttl:     ttl,
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  otel.Tracer(telemetry.TracerName),
		now:     time.Now,
		entries: make(map[int64]cachedPermissions),
	}
}

// WithClock allows injection of a custom clock (primarily for testing).
func (r *PermissionResolver) WithClock(now func() time.Time) *PermissionResolver {
	if now != nil {
		r.now = now
	}
	return r
}

// Resolve returns the user's effective permissions. Users that are unknown,
// inactive or without a role resolve to an empty set. Store failures are
// reported as ErrDataUnavailable and never answered from an expired entry.
// Concurrent misses for a user share one lookup that outlives any single
// caller's cancellation; a cancelled caller stops waiting and fails closed.
func (r *PermissionResolver) Resolve(ctx context.Context, userID int64) (domain.PermissionSet, error) {
	r.mu.RLock()
	entry, ok := r.entries[userID]
	epoch := r.epoch
	r.mu.RUnlock()

	if ok && r.now().Sub(entry.fetchedAt) < r.ttl {
		r.metrics.CacheHit()
		return entry.set.Clone(), nil
	}
	r.metrics.CacheMiss()

	key := strconv.FormatInt(userID, 10) + ":" + strconv.FormatUint(epoch, 10)
	flight := r.group.DoChan(key, func() (any, error) {
		fetchedAt := r.now()
		set, err := r.fetch(context.WithoutCancel(ctx), userID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.epoch == epoch {
			r.entries[userID] = cachedPermissions{set: set, fetchedAt: fetchedAt}
		}
		r.mu.Unlock()

		return set, nil
	})

	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		r.metrics.LookupFailure()
		return nil, fmt.Errorf("%w: %w", ErrDataUnavailable, ctx.Err())
	}

	value, err := res.Val, res.Err
	if err != nil {
		r.metrics.LookupFailure()
		r.logger.Warn("permission lookup failed",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return nil, err
	}

	return value.(domain.PermissionSet).Clone(), nil
}

// HasAny reports whether the user holds at least one of required. An empty
// required list is never satisfied.
func (r *PermissionResolver) HasAny(ctx context.Context, userID int64, required ...string) (bool, error) {
	if len(required) == 0 {
		return false, nil
	}

	set, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.HasAny(required...), nil
}

// Require returns nil when the user holds any of required, ErrPermissionDenied
// when they hold none, or an ErrDataUnavailable error when it cannot tell.
func (r *PermissionResolver) Require(ctx context.Context, userID int64, required ...string) error {
	ok, err := r.HasAny(ctx, userID, required...)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}

// Invalidate drops the cached permissions of one user.
func (r *PermissionResolver) Invalidate(userID int64) {
	r.mu.Lock()
	delete(r.entries, userID)
	r.epoch++
	r.mu.Unlock()

	r.metrics.Invalidated(string(domain.InvalidationScopeUser))
	r.logger.Debug("permission cache invalidated", zap.Int64("user_id", userID))
}

// InvalidateAll drops every cached entry.
func (r *PermissionResolver) InvalidateAll() {
	r.mu.Lock()
	r.entries = make(map[int64]cachedPermissions)
	r.epoch++
	r.mu.Unlock()

	r.metrics.Invalidated(string(domain.InvalidationScopeAll))
	r.logger.Debug("permission cache cleared")
}

func (r *PermissionResolver) fetch(ctx context.Context, userID int64) (set domain.PermissionSet, err error) {
	ctx, span := r.tracer.Start(ctx, "PermissionResolver.fetch",
		trace.WithAttributes(attribute.Int64("authz.user_id", userID)),
	)
	defer func() {
		if rec := recover(); rec != nil {
			set = nil
			err = fmt.Errorf("%w: identity store panic: %v", ErrDataUnavailable, rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "permission lookup failed")
		}
		span.End()
	}()

	if fast, ok := r.store.(port.UserPermissionLookup); ok {
		names, err := fast.LookupUserPermissions(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: lookup user permissions: %w", ErrDataUnavailable, err)
		}
		span.SetAttributes(attribute.Int("authz.permission_count", len(names)))
		return domain.NewPermissionSet(names...), nil
	}

	roleID, err := r.store.LookupUserRole(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewPermissionSet(), nil
		}
		return nil, fmt.Errorf("%w: lookup user role: %w", ErrDataUnavailable, err)
	}

	names, err := r.store.LookupRolePermissions(ctx, roleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewPermissionSet(), nil
		}
		return nil, fmt.Errorf("%w: lookup role permissions: %w", ErrDataUnavailable, err)
	}

	span.SetAttributes(
		attribute.Int64("authz.role_id", roleID),
		attribute.Int("authz.permission_count", len(names)),
	)
	return domain.NewPermissionSet(names...), nil
}
