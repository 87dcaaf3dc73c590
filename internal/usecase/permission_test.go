package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/infra/telemetry"
	"github.com/arklim/anticheat-authz/internal/repository"
)

// identityStoreStub implements port.IdentityStore over in-memory maps.
type identityStoreStub struct {
	mu              sync.Mutex
	userRoles       map[int64]int64
	rolePermissions map[int64][]string
	err             error
	panicValue      any
	calls           int
	// block, when set, is received from before permissions are returned.
	block   chan struct{}
	entered chan struct{}
}

func newIdentityStoreStub() *identityStoreStub {
	return &identityStoreStub{
		userRoles:       map[int64]int64{},
		rolePermissions: map[int64][]string{},
	}
}

func (s *identityStoreStub) LookupUserRole(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panicValue != nil {
		panic(s.panicValue)
	}
	if s.err != nil {
		return 0, s.err
	}
	roleID, ok := s.userRoles[userID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	return roleID, nil
}

func (s *identityStoreStub) LookupRolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	perms := s.rolePermissions[roleID]
	out := make([]string, len(perms))
	copy(out, perms)
	return out, nil
}

func (s *identityStoreStub) setRolePermissions(roleID int64, perms ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolePermissions[roleID] = perms
}

func (s *identityStoreStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fastIdentityStoreStub additionally implements port.UserPermissionLookup.
type fastIdentityStoreStub struct {
	*identityStoreStub
	fastCalls int
}

func (s *fastIdentityStoreStub) LookupUserPermissions(ctx context.Context, userID int64) ([]string, error) {
	s.fastCalls++
	roleID, err := s.LookupUserRole(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.LookupRolePermissions(ctx, roleID)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestResolver(t *testing.T, store *identityStoreStub, clock *fakeClock) *PermissionResolver {
	t.Helper()
	return NewPermissionResolver(store, PermissionResolverOptions{
		TTL:    5 * time.Minute,
		Logger: zaptest.NewLogger(t),
	}).WithClock(clock.Now)
}

func TestPermissionResolver_CacheFreshnessBound(t *testing.T) {
	store := newIdentityStoreStub()
	store.userRoles[7] = 3
	store.setRolePermissions(3, domain.PermSanctionsCreate)
	clock := newFakeClock()
	resolver := newTestResolver(t, store, clock)
	ctx := context.Background()

	set, err := resolver.Resolve(ctx, 7)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if !set.Has(domain.PermSanctionsCreate) {
		t.Fatalf("expected sanctions.create, got %v", set.Names())
	}

	// Permission removed in the store without invalidation.
	store.setRolePermissions(3)

	clock.Advance(4*time.Minute + 59*time.Second)
	set, _ = resolver.Resolve(ctx, 7)
	if !set.Has(domain.PermSanctionsCreate) {
		t.Fatalf("expected cached permission within ttl")
	}

	clock.Advance(time.Second)
	set, err = resolver.Resolve(ctx, 7)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if set.Has(domain.PermSanctionsCreate) {
		t.Fatalf("expected removal to be visible once ttl elapsed")
	}
	if store.callCount() != 2 {
		t.Fatalf("expected 2 store lookups, got %d", store.callCount())
	}
}

func TestPermissionResolver_InvalidateIsImmediate(t *testing.T) {
	store := newIdentityStoreStub()
	store.userRoles[7] = 3
	store.setRolePermissions(3, domain.PermPlayersView)
	clock := newFakeClock()
	resolver := newTestResolver(t, store, clock)
	ctx := context.Background()

	if ok, _ := resolver.HasAny(ctx, 7, domain.PermPlayersView); !ok {
		t.Fatalf("expected players.view")
	}

	store.setRolePermissions(3, domain.PermPlayersManage)
	resolver.Invalidate(7)

	if ok, _ := resolver.HasAny(ctx, 7, domain.PermPlayersView); ok {
		t.Fatalf("expected players.view to be gone after Invalidate")
	}

	store.setRolePermissions(3, domain.PermLiveView)
	resolver.InvalidateAll()

	if ok, _ := resolver.HasAny(ctx, 7, domain.PermLiveView); !ok {
		t.Fatalf("expected live.view after InvalidateAll")
	}
}

func TestPermissionResolver_HasAnyUsesOrSemantics(t *testing.T) {
	store := newIdentityStoreStub()
	store.userRoles[7] = 3
	store.setRolePermissions(3, domain.PermPlayersView)
	resolver := newTestResolver(t, store, newFakeClock())
	ctx := context.Background()

	ok, err := resolver.HasAny(ctx, 7, domain.PermPlayersView, domain.PermSanctionsCreate)
	if err != nil || !ok {
		t.Fatalf("expected any-of match, ok=%v err=%v", ok, err)
	}

	ok, err = resolver.HasAny(ctx, 7, domain.PermSettingsManage, domain.PermSanctionsCreate)
	if err != nil || ok {
		t.Fatalf("expected no match, ok=%v err=%v", ok, err)
	}

	ok, err = resolver.HasAny(ctx, 7)
	if err != nil || ok {
		t.Fatalf("expected empty requirement to be unsatisfied, ok=%v err=%v", ok, err)
	}

	if err := resolver.Require(ctx, 7, domain.PermSettingsManage); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if err := resolver.Require(ctx, 7, domain.PermSettingsManage, domain.PermPlayersView); err != nil {
		t.Fatalf("expected Require to pass, got %v", err)
	}
}

func TestPermissionResolver_UnknownUserResolvesEmpty(t *testing.T) {
	store := newIdentityStoreStub()
	resolver := newTestResolver(t, store, newFakeClock())

	set, err := resolver.Resolve(context.Background(), 404)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("expected empty set, got %v", set.Names())
	}
	if err := resolver.Require(context.Background(), 404, domain.PermDashboardView); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestPermissionResolver_StoreFailureIsDataUnavailable(t *testing.T) {
	store := newIdentityStoreStub()
	store.userRoles[7] = 3
	store.setRolePermissions(3, domain.PermPlayersView)
	clock := newFakeClock()
	resolver := newTestResolver(t, store, clock)
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, 7); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	boom := errors.New("connection refused")
	store.mu.Lock()
	store.err = boom
	store.mu.Unlock()
	clock.Advance(6 * time.Minute)

	set, err := resolver.Resolve(ctx, 7)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected underlying error to be wrapped, got %v", err)
	}
	if set != nil {
		t.Fatalf("expected no stale set on failure, got %v", set.Names())
	}

	if err := resolver.Require(ctx, 7, domain.PermPlayersView); !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected Require to fail closed, got %v", err)
	}
}

func TestPermissionResolver_StorePanicIsDataUnavailable(t *testing.T) {
	store := newIdentityStoreStub()
	store.panicValue = "nil map write"
	resolver := newTestResolver(t, store, newFakeClock())

	if _, err := resolver.Resolve(context.Background(), 7); !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable after panic, got %v", err)
	}
}

func TestPermissionResolver_InvalidationDuringFetchIsNotCached(t *testing.T) {
	store := newIdentityStoreStub()
	store.userRoles[7] = 3
	store.setRolePermissions(3, domain.PermSanctionsCreate)
	store.block = make(chan struct{})
	store.entered = make(chan struct{}, 1)
	resolver := newTestResolver(t, store, newFakeClock())
	ctx := context.Background()

	done := make(chan domain.PermissionSet)
	go func() {
		set, _ := resolver.Resolve(ctx, 7)
		done <- set
	}()

	<-store.entered
	resolver.Invalidate(7)
	close(store.block)

	if set := <-done; !set.Has(domain.PermSanctionsCreate) {
		t.Fatalf("expected in-flight caller to receive its fetch result")
	}

	store.entered = nil
	store.setRolePermissions(3)
	set, err := resolver.Resolve(ctx, 7)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if set.Has(domain.PermSanctionsCreate) {
		t.Fatalf("expected fetch racing an invalidation not to be cached")
	}
	if store.callCount() != 2 {
		t.Fatalf("expected a second lookup, got %d", store.callCount())
	}
}

func TestPermissionResolver_CancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	store := newIdentityStoreStub()
	store.userRoles[7] = 3
	store.setRolePermissions(3, domain.PermSanctionsCreate)
	store.block = make(chan struct{})
	store.entered = make(chan struct{}, 2)
	resolver := newTestResolver(t, store, newFakeClock())

	type result struct {
		set domain.PermissionSet
		err error
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	first := make(chan result, 1)
	go func() {
		set, err := resolver.Resolve(firstCtx, 7)
		first <- result{set, err}
	}()

	<-store.entered
	cancel()
	got := <-first
	if !errors.Is(got.err, ErrDataUnavailable) || !errors.Is(got.err, context.Canceled) {
		t.Fatalf("expected cancelled caller to fail closed, got %v", got.err)
	}

	second := make(chan result, 1)
	go func() {
		set, err := resolver.Resolve(context.Background(), 7)
		second <- result{set, err}
	}()
	close(store.block)

	got = <-second
	if got.err != nil {
		t.Fatalf("expected waiting caller to succeed, got %v", got.err)
	}
	if !got.set.Has(domain.PermSanctionsCreate) {
		t.Fatalf("expected sanctions.create, got %v", got.set)
	}
	if store.callCount() != 1 {
		t.Fatalf("expected one shared lookup, got %d", store.callCount())
	}
}

func TestPermissionResolver_PrefersSingleJoinLookup(t *testing.T) {
	base := newIdentityStoreStub()
	base.userRoles[7] = 3
	base.setRolePermissions(3, domain.PermDashboardView)
	store := &fastIdentityStoreStub{identityStoreStub: base}

	resolver := NewPermissionResolver(store, PermissionResolverOptions{}).WithClock(newFakeClock().Now)

	ok, err := resolver.HasAny(context.Background(), 7, domain.PermDashboardView)
	if err != nil || !ok {
		t.Fatalf("expected dashboard.view, ok=%v err=%v", ok, err)
	}
	if store.fastCalls != 1 {
		t.Fatalf("expected single-join lookup to be used, got %d calls", store.fastCalls)
	}
}

func TestPermissionResolver_ReturnsIndependentCopies(t *testing.T) {
	store := newIdentityStoreStub()
	store.userRoles[7] = 3
	store.setRolePermissions(3, domain.PermPlayersView)
	resolver := newTestResolver(t, store, newFakeClock())

	set, _ := resolver.Resolve(context.Background(), 7)
	set[domain.PermSettingsManage] = struct{}{}

	again, _ := resolver.Resolve(context.Background(), 7)
	if again.Has(domain.PermSettingsManage) {
		t.Fatalf("expected cached set to be unaffected by caller mutation")
	}
}

func TestPermissionResolver_RecordsMetrics(t *testing.T) {
	metrics, err := telemetry.NewAuthzMetrics(telemetry.AuthzMetricsOptions{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("NewAuthzMetrics returned error: %v", err)
	}

	store := newIdentityStoreStub()
	store.userRoles[7] = 3
	resolver := NewPermissionResolver(store, PermissionResolverOptions{Metrics: metrics}).WithClock(newFakeClock().Now)

	_, _ = resolver.Resolve(context.Background(), 7)
	_, _ = resolver.Resolve(context.Background(), 7)
	_, _ = resolver.Resolve(context.Background(), 7)

	if got := testutil.ToFloat64(metrics.PermissionCache.WithLabelValues("miss")); got != 1 {
		t.Fatalf("expected 1 miss, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.PermissionCache.WithLabelValues("hit")); got != 2 {
		t.Fatalf("expected 2 hits, got %v", got)
	}
}
