package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/transport/http/middleware"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse = middleware.ErrorResponse

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: middleware.GetTraceID(c),
	}
}

// MessageResponse represents a simple message payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthResponse is returned by the liveness endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// ReadinessResponse lists per-dependency readiness.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// LoginRequest defines the payload for the login endpoint.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// IdentityResponse describes the authenticated admin.
type IdentityResponse struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	RoleID      int64    `json:"role_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// LoginResponse is returned for a successful login.
type LoginResponse struct {
	AccessToken string           `json:"access_token"`
	TokenType   string           `json:"token_type"`
	ExpiresIn   int              `json:"expires_in"`
	ExpiresAt   time.Time        `json:"expires_at"`
	User        IdentityResponse `json:"user"`
}

// AdminUserResponse is the API view of an admin user.
type AdminUserResponse struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Email     *string    `json:"email,omitempty"`
	RoleID    *int64     `json:"role_id,omitempty"`
	Role      *string    `json:"role,omitempty"`
	GroupID   *int64     `json:"group_id,omitempty"`
	Group     *string    `json:"group,omitempty"`
	IsActive  bool       `json:"is_active"`
	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateUserRequest defines the payload for creating an admin user.
type CreateUserRequest struct {
	Username string  `json:"username" binding:"required"`
	Email    *string `json:"email"`
	Password string  `json:"password" binding:"required"`
	RoleID   *int64  `json:"role_id"`
	GroupID  *int64  `json:"group_id"`
}

// UpdateUserRequest defines the partial update payload for an admin user.
// A group_id of 0 removes the user from their group.
type UpdateUserRequest struct {
	Email    *string `json:"email"`
	RoleID   *int64  `json:"role_id"`
	GroupID  *int64  `json:"group_id"`
	IsActive *bool   `json:"is_active"`
	Password *string `json:"password"`
}

// RoleResponse is the API view of a role.
type RoleResponse struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	IsSystem    bool     `json:"is_system"`
	Permissions []string `json:"permissions"`
}

// CreateRoleRequest defines the payload for creating a role.
type CreateRoleRequest struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

// UpdateRoleRequest defines the partial update payload for a role.
type UpdateRoleRequest struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	Permissions *[]string `json:"permissions"`
}

// GroupResponse is the API view of an admin group.
type GroupResponse struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// CreateGroupRequest defines the payload for creating a group.
type CreateGroupRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// UpdateGroupRequest defines the partial update payload for a group.
type UpdateGroupRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func toAdminUserResponse(user domain.AdminUser) AdminUserResponse {
	return AdminUserResponse{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		RoleID:    user.RoleID,
		Role:      user.RoleName,
		GroupID:   user.GroupID,
		Group:     user.GroupName,
		IsActive:  user.IsActive,
		LastLogin: user.LastLogin,
		CreatedAt: user.CreatedAt,
	}
}

func toRoleResponse(role domain.Role) RoleResponse {
	permissions := role.Permissions
	if permissions == nil {
		permissions = []string{}
	}
	return RoleResponse{
		ID:          role.ID,
		Name:        role.Name,
		Description: role.Description,
		IsSystem:    role.IsSystem,
		Permissions: permissions,
	}
}

func toGroupResponse(group domain.Group) GroupResponse {
	return GroupResponse{
		ID:          group.ID,
		Name:        group.Name,
		Description: group.Description,
		CreatedAt:   group.CreatedAt,
		UpdatedAt:   group.UpdatedAt,
	}
}
