package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/transport/http/middleware"
	"github.com/arklim/anticheat-authz/internal/usecase"
)

// AuthService is the login surface the handler depends on.
type AuthService interface {
	Login(ctx context.Context, username, password string) (*usecase.Session, error)
	Me(ctx context.Context, identity domain.Identity) (*usecase.Session, error)
}

// AuthHandler exposes authentication endpoints.
type AuthHandler struct {
	auth AuthService
	now  func() time.Time
}

// NewAuthHandler constructs AuthHandler.
func NewAuthHandler(auth AuthService) *AuthHandler {
	return &AuthHandler{auth: auth, now: time.Now}
}

// RegisterRoutes binds authentication routes. loginChain runs ahead of the
// login handler and meChain must authenticate the caller.
func (h *AuthHandler) RegisterRoutes(r *gin.RouterGroup, loginChain, meChain []gin.HandlerFunc) {
	r.POST("/login", append(append([]gin.HandlerFunc{}, loginChain...), h.login)...)
	r.GET("/me", append(append([]gin.HandlerFunc{}, meChain...), h.me)...)
}

// Login godoc
// @Summary Authenticate an admin
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Credentials"
// @Success 200 {object} LoginResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} middleware.ProblemDetails
// @Failure 503 {object} ErrorResponse
// @Router /api/v1/auth/login [post]
func (h *AuthHandler) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "username and password are required"))
		return
	}

	session, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrInvalidInput, Status: http.StatusBadRequest, Message: "username and password are required"},
			{Err: usecase.ErrInvalidCredentials, Status: http.StatusUnauthorized, Message: "invalid username or password"},
		}, http.StatusInternalServerError, "login failed")
		return
	}

	expiresIn := int(session.Token.ExpiresAt.Sub(h.now()).Seconds())
	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: session.Token.Token,
		TokenType:   "Bearer",
		ExpiresIn:   max(expiresIn, 0),
		ExpiresAt:   session.Token.ExpiresAt,
		User:        toIdentityResponse(session),
	})
}

// Me godoc
// @Summary Current admin with effective permissions
// @Tags Authentication
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} IdentityResponse
// @Failure 401 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/v1/auth/me [get]
func (h *AuthHandler) me(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	session, err := h.auth.Me(c.Request.Context(), *identity)
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to load profile")
		return
	}

	c.JSON(http.StatusOK, toIdentityResponse(session))
}

func toIdentityResponse(session *usecase.Session) IdentityResponse {
	permissions := session.Permissions
	if permissions == nil {
		permissions = []string{}
	}
	return IdentityResponse{
		ID:          session.Identity.UserID,
		Username:    session.Identity.Username,
		RoleID:      session.Identity.RoleID,
		Role:        session.Identity.RoleName,
		Permissions: permissions,
	}
}
