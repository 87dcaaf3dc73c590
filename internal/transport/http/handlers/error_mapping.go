package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/anticheat-authz/internal/transport/http/middleware"
	"github.com/arklim/anticheat-authz/internal/usecase"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Message string
	Reason  string
}

// permissionErrorCases apply to every handler that resolves permissions.
var permissionErrorCases = []ErrorCase{
	{Err: usecase.ErrDataUnavailable, Status: http.StatusServiceUnavailable, Message: "permissions temporarily unavailable", Reason: middleware.ReasonPermissionsUnavailable},
	{Err: usecase.ErrPermissionDenied, Status: http.StatusForbidden, Message: "insufficient permissions", Reason: middleware.ReasonPermissionDenied},
}

// RespondWithMappedError resolves the provided error against known cases or falls back to a generic response.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	for _, group := range [][]ErrorCase{cases, permissionErrorCases} {
		for _, cs := range group {
			if cs.Err == nil || !errors.Is(err, cs.Err) {
				continue
			}
			resp := NewErrorResponse(c, cs.Message)
			resp.Reason = cs.Reason
			c.JSON(cs.Status, resp)
			return
		}
	}

	_ = c.Error(err)
	c.JSON(fallbackStatus, NewErrorResponse(c, fallbackMessage))
}
