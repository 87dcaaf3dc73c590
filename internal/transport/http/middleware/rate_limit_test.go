package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/repository/memory"
	"github.com/arklim/anticheat-authz/internal/usecase"
)

type fakeLimiter struct {
	decision domain.RateLimitDecision
	class    string
	clientID string
	calls    int
}

func (f *fakeLimiter) Check(_ context.Context, class, clientID string) domain.RateLimitDecision {
	f.calls++
	f.class = class
	f.clientID = clientID
	return f.decision
}

func newRateLimitedRouter(limiter Limiter, class string) *gin.Engine {
	router := gin.New()
	router.Use(EnrichContext())
	router.Use(RateLimit(limiter, class, func(c *gin.Context) (string, bool) {
		return "192.0.2.1", true
	}))
	router.POST("/login", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestRateLimitSetsHeadersWhenAllowed(t *testing.T) {
	gin.SetMode(gin.TestMode)

	resetAt := time.Date(2025, 10, 12, 10, 15, 0, 0, time.UTC)
	limiter := &fakeLimiter{decision: domain.RateLimitDecision{
		Allowed:   true,
		Class:     "login",
		Limit:     5,
		Remaining: 3,
		ResetAt:   resetAt,
	}}

	rr := httptest.NewRecorder()
	newRateLimitedRouter(limiter, "login").ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/login", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if limiter.class != "login" || limiter.clientID != "192.0.2.1" {
		t.Fatalf("unexpected limiter call class=%s client=%s", limiter.class, limiter.clientID)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Fatalf("expected limit header 5, got %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "3" {
		t.Fatalf("expected remaining header 3, got %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != strconv.FormatInt(resetAt.Unix(), 10) {
		t.Fatalf("unexpected reset header %q", got)
	}
	if got := rr.Header().Get("Retry-After"); got != "" {
		t.Fatalf("expected no Retry-After on success, got %q", got)
	}
}

func TestRateLimitRejectsWithProblemDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := &fakeLimiter{decision: domain.RateLimitDecision{
		Blocked:    true,
		Class:      "login",
		Limit:      5,
		ResetAt:    time.Date(2025, 10, 12, 10, 45, 0, 0, time.UTC),
		RetryAfter: 1799*time.Second + 200*time.Millisecond,
	}}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set(TraceIDHeader, "trace-1")
	newRateLimitedRouter(limiter, "login").ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "1800" {
		t.Fatalf("expected Retry-After 1800, got %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining 0, got %q", got)
	}

	var problem ProblemDetails
	if err := json.Unmarshal(rr.Body.Bytes(), &problem); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if problem.Status != http.StatusTooManyRequests || problem.Type != rateLimitProblemType {
		t.Fatalf("unexpected problem %+v", problem)
	}
	if problem.RetryAfter != 1800 || problem.Instance != "/login" || problem.TraceID != "trace-1" {
		t.Fatalf("unexpected problem %+v", problem)
	}
}

func TestRateLimitDegradedSkipsHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := &fakeLimiter{decision: domain.RateLimitDecision{Allowed: true, Degraded: true, Limit: 5, Remaining: 5}}

	rr := httptest.NewRecorder()
	newRateLimitedRouter(limiter, "login").ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/login", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected fail-open admission, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "" {
		t.Fatalf("expected no headers in degraded mode, got %q", got)
	}
}

func TestRateLimitSkipsWithoutIdentifier(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := &fakeLimiter{}
	router := gin.New()
	router.Use(RateLimit(limiter, "api", func(*gin.Context) (string, bool) { return "", false }))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusOK || limiter.calls != 0 {
		t.Fatalf("expected request to bypass limiter, code=%d calls=%d", rr.Code, limiter.calls)
	}
}

func TestRateLimitLoginLockoutWithMemoryStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	now := time.Date(2025, 10, 12, 10, 0, 0, 0, time.UTC)
	limiter, err := usecase.NewRateLimiter(memory.NewRateLimitStore(4), usecase.RateLimiterOptions{
		Classes: []domain.RateLimitClass{
			{Name: usecase.RateLimitClassAPI, Window: time.Minute, MaxRequests: 100},
			{Name: usecase.RateLimitClassLogin, Window: 15 * time.Minute, MaxRequests: 5, BlockDuration: 30 * time.Minute},
		},
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewRateLimiter returned error: %v", err)
	}
	limiter.WithClock(func() time.Time { return now })

	router := newRateLimitedRouter(limiter, usecase.RateLimitClassLogin)

	for i := 1; i <= 7; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/login", nil))

		if i <= 5 {
			if rr.Code != http.StatusOK {
				t.Fatalf("attempt %d: expected 200, got %d", i, rr.Code)
			}
			if got := rr.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(5-i) {
				t.Fatalf("attempt %d: expected remaining %d, got %q", i, 5-i, got)
			}
			continue
		}

		if rr.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt %d: expected 429, got %d", i, rr.Code)
		}
		if got := rr.Header().Get("Retry-After"); got != "1800" {
			t.Fatalf("attempt %d: expected Retry-After 1800, got %q", i, got)
		}
	}
}
