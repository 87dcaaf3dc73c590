package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/infra/security"
	"github.com/arklim/anticheat-authz/internal/infra/telemetry"
)

// Reason codes returned alongside 403 and 503 responses.
const (
	ReasonPermissionDenied       = "permission_denied"
	ReasonPermissionsUnavailable = "permissions_unavailable"
)

// ErrorResponse matches the handlers.ErrorResponse structure
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func newErrorResponse(c *gin.Context, errorMsg, reason string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		Reason:  reason,
		TraceID: GetTraceID(c),
	}
}

// TokenVerifier validates session tokens.
type TokenVerifier interface {
	Verify(raw string) (*domain.Identity, error)
}

// PermissionChecker answers any-of permission questions for a user.
type PermissionChecker interface {
	HasAny(ctx context.Context, userID int64, required ...string) (bool, error)
}

// RequireAuth validates the bearer token and stores the identity on the request.
func RequireAuth(verifier TokenVerifier, metrics *telemetry.AuthzMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			reject(c, metrics, security.ReasonTokenInvalid)
			return
		}

		identity, err := verifier.Verify(raw)
		if err != nil {
			reason := security.FailureReason(err)
			if reason == "" {
				reason = security.ReasonTokenInvalid
			}
			reject(c, metrics, reason)
			return
		}

		SetIdentity(c, identity)
		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header. A missing
// header yields ("", true) so the verifier reports token_missing.
func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", true
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found && strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func reject(c *gin.Context, metrics *telemetry.AuthzMetrics, reason security.AuthFailureReason) {
	metrics.AuthFailure(string(reason))

	message := "invalid access token"
	switch reason {
	case security.ReasonTokenMissing:
		message = "missing access token"
	case security.ReasonTokenExpired:
		message = "access token expired"
	}

	c.Header("WWW-Authenticate", `Bearer realm="anticheat-authz"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, message, string(reason)))
}

// RequirePermission admits the request when the authenticated user holds any
// of permissions. Lookup failures are answered with 503 and never admitted.
func RequirePermission(checker PermissionChecker, logger *zap.Logger, permissions ...string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "authentication required", string(security.ReasonTokenMissing)))
			return
		}

		allowed, err := checker.HasAny(c.Request.Context(), identity.UserID, permissions...)
		if err != nil {
			logger.Warn("permission check failed closed",
				zap.Int64("user_id", identity.UserID),
				zap.Strings("required", permissions),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				newErrorResponse(c, "permissions temporarily unavailable", ReasonPermissionsUnavailable))
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusForbidden,
				newErrorResponse(c, "insufficient permissions", ReasonPermissionDenied))
			return
		}

		c.Next()
	}
}
