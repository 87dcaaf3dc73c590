package routes_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/infra/config"
	"github.com/arklim/anticheat-authz/internal/infra/security"
	"github.com/arklim/anticheat-authz/internal/repository"
	"github.com/arklim/anticheat-authz/internal/repository/memory"
	httproutes "github.com/arklim/anticheat-authz/internal/transport/http/routes"
	"github.com/arklim/anticheat-authz/internal/usecase"
)

func TestHealthEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.AppConfig{App: config.AppSettings{Env: "test"}}

	r := httproutes.Register(httproutes.Dependencies{
		Config: cfg,
		Logger: zaptest.NewLogger(t),
	})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}

// directory is an in-memory user/role table serving both login and permission lookups.
type directory struct {
	mu    sync.Mutex
	users map[string]domain.AdminCredentials
	roles map[int64][]string
}

func (d *directory) GetCredentialsByUsername(_ context.Context, username string) (*domain.AdminCredentials, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	creds, ok := d.users[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &creds, nil
}

func (d *directory) TouchLastLogin(context.Context, int64) error { return nil }

func (d *directory) LookupUserRole(_ context.Context, userID int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, creds := range d.users {
		if creds.ID == userID && creds.IsActive {
			return creds.RoleID, nil
		}
	}
	return 0, repository.ErrNotFound
}

func (d *directory) LookupRolePermissions(_ context.Context, roleID int64) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.roles[roleID]...), nil
}

type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "plain$" + password, nil }

func (plainHasher) Verify(password, encoded string) (bool, error) {
	return encoded == "plain$"+password, nil
}

type permissionsOnlyAdmin struct{}

func (permissionsOnlyAdmin) ListUsers(context.Context) ([]domain.AdminUser, error) { return nil, nil }
func (permissionsOnlyAdmin) CreateUser(context.Context, int64, usecase.CreateUserInput) (*domain.AdminUser, error) {
	return nil, usecase.ErrInvalidInput
}
func (permissionsOnlyAdmin) UpdateUser(context.Context, int64, int64, usecase.UpdateUserInput) (*domain.AdminUser, error) {
	return nil, usecase.ErrUserNotFound
}
func (permissionsOnlyAdmin) DeactivateUser(context.Context, int64, int64) error {
	return usecase.ErrUserNotFound
}
func (permissionsOnlyAdmin) ListRoles(context.Context) ([]domain.Role, error) { return nil, nil }
func (permissionsOnlyAdmin) CreateRole(context.Context, int64, usecase.RoleInput) (*domain.Role, error) {
	return nil, usecase.ErrInvalidInput
}
func (permissionsOnlyAdmin) UpdateRole(context.Context, int64, int64, usecase.UpdateRoleInput) (*domain.Role, error) {
	return nil, usecase.ErrRoleNotFound
}
func (permissionsOnlyAdmin) DeleteRole(context.Context, int64, int64) error {
	return usecase.ErrRoleNotFound
}
func (permissionsOnlyAdmin) ListGroups(context.Context) ([]domain.Group, error) { return nil, nil }
func (permissionsOnlyAdmin) CreateGroup(context.Context, int64, usecase.GroupInput) (*domain.Group, error) {
	return nil, usecase.ErrInvalidInput
}
func (permissionsOnlyAdmin) UpdateGroup(context.Context, int64, int64, usecase.UpdateGroupInput) (*domain.Group, error) {
	return nil, usecase.ErrGroupNotFound
}
func (permissionsOnlyAdmin) DeleteGroup(context.Context, int64, int64) error {
	return usecase.ErrGroupNotFound
}
func (permissionsOnlyAdmin) ListPermissions() map[string]domain.PermissionInfo {
	return domain.PermissionRegistry()
}

type stack struct {
	engine   *gin.Engine
	dir      *directory
	resolver *usecase.PermissionResolver
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	builtin := domain.BuiltinRoles()

	dir := &directory{
		users: map[string]domain.AdminCredentials{
			"root": {ID: 1, Username: "root", PasswordHash: "plain$root-pw", RoleID: 1, RoleName: "admin", IsActive: true},
			"mod":  {ID: 2, Username: "mod", PasswordHash: "plain$mod-pw", RoleID: 2, RoleName: "moderator", IsActive: true},
		},
		roles: map[int64][]string{1: builtin["admin"], 2: builtin["moderator"]},
	}

	tokens, err := security.NewTokenAuthenticator(security.TokenAuthenticatorOptions{
		Secret: strings.Repeat("r", 32),
		Issuer: "anticheat-authz",
		TTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("NewTokenAuthenticator returned error: %v", err)
	}

	resolver := usecase.NewPermissionResolver(dir, usecase.PermissionResolverOptions{TTL: time.Minute, Logger: logger})
	limiter, err := usecase.NewRateLimiter(memory.NewRateLimitStore(4), usecase.RateLimiterOptions{
		Classes: []domain.RateLimitClass{
			{Name: usecase.RateLimitClassAPI, Window: time.Minute, MaxRequests: 100},
			{Name: usecase.RateLimitClassLogin, Window: 15 * time.Minute, MaxRequests: 5, BlockDuration: 30 * time.Minute},
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewRateLimiter returned error: %v", err)
	}

	engine := httproutes.Register(httproutes.Dependencies{
		Config: &config.AppConfig{App: config.AppSettings{Env: "test"}},
		Logger: logger,
		Services: httproutes.ServiceSet{
			Auth:  usecase.NewAuthService(dir, plainHasher{}, tokens, resolver, logger),
			Admin: permissionsOnlyAdmin{},
		},
		Tokens:      tokens,
		Permissions: resolver,
		RateLimiter: limiter,
	})

	return &stack{engine: engine, dir: dir, resolver: resolver}
}

func (s *stack) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.RemoteAddr = "198.51.100.7:4321"
	rr := httptest.NewRecorder()
	s.engine.ServeHTTP(rr, req)
	return rr
}

func (s *stack) login(t *testing.T, username, password string) string {
	t.Helper()
	rr := s.do(http.MethodPost, "/api/v1/auth/login", "", `{"username":"`+username+`","password":"`+password+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d: %s", username, rr.Code, rr.Body.String())
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return body.AccessToken
}

func TestLoginMeAndAdminGuard(t *testing.T) {
	s := newStack(t)

	modToken := s.login(t, "mod", "mod-pw")
	rootToken := s.login(t, "root", "root-pw")

	rr := s.do(http.MethodGet, "/api/v1/auth/me", modToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "100" {
		t.Fatalf("expected api rate limit headers, got %q", rr.Header().Get("X-RateLimit-Limit"))
	}

	if rr := s.do(http.MethodGet, "/api/v1/admin/permissions", modToken, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("moderator: expected 403, got %d", rr.Code)
	}
	if rr := s.do(http.MethodGet, "/api/v1/admin/permissions", rootToken, ""); rr.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", rr.Code)
	}
	if rr := s.do(http.MethodGet, "/api/v1/admin/permissions", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", rr.Code)
	}
}

func TestRoleChangeAppliesToExistingToken(t *testing.T) {
	s := newStack(t)
	modToken := s.login(t, "mod", "mod-pw")

	s.dir.mu.Lock()
	s.dir.roles[2] = append(s.dir.roles[2], domain.PermAdminRolesView)
	s.dir.mu.Unlock()
	s.resolver.Invalidate(2)

	if rr := s.do(http.MethodGet, "/api/v1/admin/permissions", modToken, ""); rr.Code != http.StatusOK {
		t.Fatalf("expected granted permission to apply without re-login, got %d", rr.Code)
	}
}

func TestLoginLockout(t *testing.T) {
	s := newStack(t)

	for i := 0; i < 5; i++ {
		rr := s.do(http.MethodPost, "/api/v1/auth/login", "", `{"username":"mod","password":"wrong"}`)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rr.Code)
		}
	}

	rr := s.do(http.MethodPost, "/api/v1/auth/login", "", `{"username":"mod","password":"mod-pw"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after five attempts, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "1800" {
		t.Fatalf("expected Retry-After 1800, got %q", got)
	}
}
