package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/core/port"
	"github.com/arklim/anticheat-authz/internal/infra/telemetry"
)

// Rate-limit class names used by the transports.
const (
	RateLimitClassAPI   = "api"
	RateLimitClassLogin = "login"
	RateLimitClassM2M   = "m2m"
)

const (
	defaultSweepInterval = time.Minute
	defaultSweepBatch    = 1000
)

// RateLimiterOptions configures a RateLimiter.
type RateLimiterOptions struct {
	Classes       []domain.RateLimitClass
	DefaultClass  string
	SweepInterval time.Duration
	SweepBatch    int
	Logger        *zap.Logger
	Metrics       *telemetry.AuthzMetrics
}

// RateLimiter admits requests per (class, client) using fixed windows, with
// optional escalation to a timed block once a class limit is exceeded.
type RateLimiter struct {
	store         port.RateLimitStore
	classes       map[string]domain.RateLimitClass
	defaultClass  string
	sweepInterval time.Duration
	sweepBatch    int
	logger        *zap.Logger
	metrics       *telemetry.AuthzMetrics
	now           func() time.Time
}

// NewRateLimiter validates the class table and constructs a limiter.
func NewRateLimiter(store port.RateLimitStore, opts RateLimiterOptions) (*RateLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("rate limit store is required")
	}

	classes := make(map[string]domain.RateLimitClass, len(opts.Classes))
	for _, class := range opts.Classes {
		if class.Name == "" {
			return nil, fmt.Errorf("rate limit class name is required")
		}
		if class.Window <= 0 || class.MaxRequests <= 0 || class.BlockDuration < 0 {
			return nil, fmt.Errorf("rate limit class %s: window and max requests must be positive", class.Name)
		}
		classes[class.Name] = class
	}

	defaultClass := opts.DefaultClass
	if defaultClass == "" {
		defaultClass = RateLimitClassAPI
	}
	if _, ok := classes[defaultClass]; !ok {
		return nil, fmt.Errorf("default rate limit class %q is not configured", defaultClass)
	}

	interval := opts.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	batch := opts.SweepBatch
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		store:         store,
		classes:       classes,
		defaultClass:  defaultClass,
		sweepInterval: interval,
		sweepBatch:    batch,
		logger:        logger,
		metrics:       opts.Metrics,
		now:           time.Now,
	}, nil
}

// WithClock allows injection of a custom clock (primarily for testing).
func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

// Class returns the configuration for name, falling back to the default class.
func (l *RateLimiter) Class(name string) domain.RateLimitClass {
	if class, ok := l.classes[name]; ok {
		return class
	}
	l.logger.Warn("unknown rate limit class, using default",
		zap.String("class", name),
		zap.String("default_class", l.defaultClass),
	)
	return l.classes[l.defaultClass]
}

// Check counts one request of class from clientID and decides whether to admit it.
// Store failures admit the request and mark the decision degraded.
func (l *RateLimiter) Check(ctx context.Context, className, clientID string) domain.RateLimitDecision {
	class := l.Class(className)
	now := l.now()
	key := class.Name + ":" + clientID

	if class.BlockDuration > 0 {
		until, blocked, err := l.store.BlockedUntil(ctx, key, now)
		if err != nil {
			return l.failOpen(class, err)
		}
		if blocked {
			l.metrics.RateLimitDecision(class.Name, telemetry.OutcomeBlocked)
			return domain.RateLimitDecision{
				Blocked:    true,
				Class:      class.Name,
				Limit:      class.MaxRequests,
				ResetAt:    until,
				RetryAfter: until.Sub(now),
			}
		}
	}

	state, err := l.store.Increment(ctx, key, class.Window, now)
	if err != nil {
		return l.failOpen(class, err)
	}

	resetAt := state.WindowStart.Add(class.Window)
	if state.Count <= class.MaxRequests {
		l.metrics.RateLimitDecision(class.Name, telemetry.OutcomeAllowed)
		return domain.RateLimitDecision{
			Allowed:   true,
			Class:     class.Name,
			Limit:     class.MaxRequests,
			Remaining: class.MaxRequests - state.Count,
			ResetAt:   resetAt,
		}
	}

	decision := domain.RateLimitDecision{
		Class:      class.Name,
		Limit:      class.MaxRequests,
		ResetAt:    resetAt,
		RetryAfter: max(resetAt.Sub(now), 0),
	}

	if class.BlockDuration <= 0 {
		l.metrics.RateLimitDecision(class.Name, telemetry.OutcomeDenied)
		return decision
	}

	until := now.Add(class.BlockDuration)
	if err := l.store.Block(ctx, key, until, now); err != nil {
		l.logger.Warn("failed to record rate limit block",
			zap.String("class", class.Name),
			zap.Error(err),
		)
	} else {
		l.logger.Info("client blocked after exceeding rate limit",
			zap.String("class", class.Name),
			zap.Time("until", until),
		)
	}

	decision.Blocked = true
	if until.After(decision.ResetAt) {
		decision.ResetAt = until
		decision.RetryAfter = until.Sub(now)
	}
	l.metrics.RateLimitDecision(class.Name, telemetry.OutcomeBlocked)
	return decision
}

// Sweep runs one garbage-collection pass over the store.
func (l *RateLimiter) Sweep(ctx context.Context) (int, error) {
	removed, err := l.store.Sweep(ctx, l.now(), l.sweepBatch)
	l.metrics.Swept(removed)
	if err != nil {
		return removed, fmt.Errorf("sweep rate limit store: %w", err)
	}
	if removed > 0 {
		l.logger.Debug("rate limit sweep completed", zap.Int("removed", removed))
	}
	return removed, nil
}

// Run sweeps the store every sweep interval until ctx is cancelled.
func (l *RateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := l.Sweep(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn("rate limit sweep failed", zap.Error(err))
			}
		}
	}
}

func (l *RateLimiter) failOpen(class domain.RateLimitClass, err error) domain.RateLimitDecision {
	l.metrics.RateLimitDecision(class.Name, telemetry.OutcomeFailOpen)
	l.logger.Warn("rate limit store unavailable, allowing request",
		zap.String("class", class.Name),
		zap.Error(err),
	)
	return domain.RateLimitDecision{
		Allowed:   true,
		Degraded:  true,
		Class:     class.Name,
		Limit:     class.MaxRequests,
		Remaining: class.MaxRequests,
	}
}
