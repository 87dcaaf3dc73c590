package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Rate-limit decision outcomes.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeBlocked  = "blocked"
	OutcomeFailOpen = "fail_open"
)

// AuthzMetricsOptions configures the authorization collectors.
type AuthzMetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
}

// AuthzMetrics exposes Prometheus collectors for the permission cache and the
// rate limiter. A nil *AuthzMetrics records nothing.
type AuthzMetrics struct {
	PermissionCache     *prometheus.CounterVec
	PermissionFailures  prometheus.Counter
	Invalidations       *prometheus.CounterVec
	RateLimitDecisions  *prometheus.CounterVec
	RateLimitSweptTotal prometheus.Counter
	AuthFailures        *prometheus.CounterVec
}

// NewAuthzMetrics constructs the collectors and registers them with the provided registerer.
func NewAuthzMetrics(opts AuthzMetricsOptions) (*AuthzMetrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "authz"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	cache, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "permissions",
		Name:      "cache_lookups_total",
		Help:      "Permission cache lookups partitioned by result (hit, miss).",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}

	failures, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "permissions",
		Name:      "lookup_failures_total",
		Help:      "Identity store lookups that failed and were reported as unavailable.",
	}))
	if err != nil {
		return nil, err
	}

	invalidations, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "permissions",
		Name:      "invalidations_total",
		Help:      "Permission cache invalidations partitioned by scope (user, all).",
	}, []string{"scope"}))
	if err != nil {
		return nil, err
	}

	decisions, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions partitioned by class and outcome.",
	}, []string{"class", "outcome"}))
	if err != nil {
		return nil, err
	}

	swept, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "swept_entries_total",
		Help:      "Window and block entries removed by the background sweep.",
	}))
	if err != nil {
		return nil, err
	}

	authFailures, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "failures_total",
		Help:      "Rejected requests partitioned by reason code.",
	}, []string{"reason"}))
	if err != nil {
		return nil, err
	}

	return &AuthzMetrics{
		PermissionCache:     cache,
		PermissionFailures:  failures,
		Invalidations:       invalidations,
		RateLimitDecisions:  decisions,
		RateLimitSweptTotal: swept,
		AuthFailures:        authFailures,
	}, nil
}

// CacheHit records a fresh cache hit.
func (m *AuthzMetrics) CacheHit() {
	if m == nil {
		return
	}
	m.PermissionCache.WithLabelValues("hit").Inc()
}

// CacheMiss records a lookup that went to the identity store.
func (m *AuthzMetrics) CacheMiss() {
	if m == nil {
		return
	}
	m.PermissionCache.WithLabelValues("miss").Inc()
}

// LookupFailure records a failed identity store lookup.
func (m *AuthzMetrics) LookupFailure() {
	if m == nil {
		return
	}
	m.PermissionFailures.Inc()
}

// Invalidated records a cache invalidation.
func (m *AuthzMetrics) Invalidated(scope string) {
	if m == nil {
		return
	}
	m.Invalidations.WithLabelValues(scope).Inc()
}

// RateLimitDecision records one admission decision.
func (m *AuthzMetrics) RateLimitDecision(class, outcome string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(class, outcome).Inc()
}

// Swept records entries removed by a sweep.
func (m *AuthzMetrics) Swept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RateLimitSweptTotal.Add(float64(n))
}

// AuthFailure records a rejected request by reason.
func (m *AuthzMetrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// register registers c, reusing an identical collector that is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return c, fmt.Errorf("register collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return c, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return c, nil
}
