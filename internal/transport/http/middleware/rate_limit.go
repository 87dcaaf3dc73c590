package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/arklim/anticheat-authz/internal/core/domain"
)

const (
	rateLimitProblemType  = "https://anticheat.example.com/errors/rate-limit-exceeded"
	rateLimitProblemTitle = "Rate Limit Exceeded"
)

// Limiter decides admission for one request of a class from a client.
type Limiter interface {
	Check(ctx context.Context, class, clientID string) domain.RateLimitDecision
}

// IdentifierFunc extracts the identifier used to scope rate limits (e.g., client IP).
type IdentifierFunc func(*gin.Context) (string, bool)

// ProblemDetails represents an RFC 9457 compatible error payload for rate limits.
type ProblemDetails struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail"`
	Instance   string `json:"instance"`
	RetryAfter int    `json:"retry_after"`
	TraceID    string `json:"trace_id,omitempty"`
}

// ClientIPIdentifier builds an IdentifierFunc using the request's client IP.
func ClientIPIdentifier() IdentifierFunc {
	return func(c *gin.Context) (string, bool) {
		ip := c.ClientIP()
		if ip == "" {
			return "", false
		}
		return ip, true
	}
}

// RateLimit returns a Gin middleware admitting requests of class through limiter.
// Requests without an identifier pass unchecked.
func RateLimit(limiter Limiter, class string, identifier IdentifierFunc) gin.HandlerFunc {
	if identifier == nil {
		identifier = ClientIPIdentifier()
	}

	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		clientID, ok := identifier(c)
		if !ok || clientID == "" {
			c.Next()
			return
		}

		decision := limiter.Check(c.Request.Context(), class, clientID)
		if decision.Degraded {
			c.Next()
			return
		}

		applyRateLimitHeaders(c, decision)
		if !decision.Allowed {
			respondRateLimited(c, decision)
			return
		}

		c.Next()
	}
}

func applyRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	headers := c.Writer.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(decision.Remaining, 0)))
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

	if !decision.Allowed {
		headers.Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
	}
}

func respondRateLimited(c *gin.Context, decision domain.RateLimitDecision) {
	retrySeconds := decision.RetryAfterSeconds()

	detail := fmt.Sprintf("Too many requests. Try again in %d seconds.", retrySeconds)
	if decision.Blocked {
		detail = fmt.Sprintf("Too many requests. Client is blocked for %d seconds.", retrySeconds)
	}

	instance := c.FullPath()
	if instance == "" {
		instance = c.Request.URL.Path
	}

	c.AbortWithStatusJSON(http.StatusTooManyRequests, ProblemDetails{
		Type:       rateLimitProblemType,
		Title:      rateLimitProblemTitle,
		Status:     http.StatusTooManyRequests,
		Detail:     detail,
		Instance:   instance,
		RetryAfter: retrySeconds,
		TraceID:    GetTraceID(c),
	})
}
