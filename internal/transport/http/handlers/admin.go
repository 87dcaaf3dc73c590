package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/transport/http/middleware"
	"github.com/arklim/anticheat-authz/internal/usecase"
)

// AdminService is the management surface the handler depends on.
type AdminService interface {
	ListUsers(ctx context.Context) ([]domain.AdminUser, error)
	CreateUser(ctx context.Context, actorID int64, input usecase.CreateUserInput) (*domain.AdminUser, error)
	UpdateUser(ctx context.Context, actorID, userID int64, input usecase.UpdateUserInput) (*domain.AdminUser, error)
	DeactivateUser(ctx context.Context, actorID, userID int64) error
	ListRoles(ctx context.Context) ([]domain.Role, error)
	CreateRole(ctx context.Context, actorID int64, input usecase.RoleInput) (*domain.Role, error)
	UpdateRole(ctx context.Context, actorID, roleID int64, input usecase.UpdateRoleInput) (*domain.Role, error)
	DeleteRole(ctx context.Context, actorID, roleID int64) error
	ListGroups(ctx context.Context) ([]domain.Group, error)
	CreateGroup(ctx context.Context, actorID int64, input usecase.GroupInput) (*domain.Group, error)
	UpdateGroup(ctx context.Context, actorID, groupID int64, input usecase.UpdateGroupInput) (*domain.Group, error)
	DeleteGroup(ctx context.Context, actorID, groupID int64) error
	ListPermissions() map[string]domain.PermissionInfo
}

// AdminHandler exposes user, role, group and permission management.
type AdminHandler struct {
	admin AdminService
	guard func(permissions ...string) gin.HandlerFunc
}

// NewAdminHandler constructs AdminHandler. guard builds the permission check
// placed in front of each route.
func NewAdminHandler(admin AdminService, guard func(permissions ...string) gin.HandlerFunc) *AdminHandler {
	return &AdminHandler{admin: admin, guard: guard}
}

// RegisterRoutes binds the admin routes. The group must already be authenticated.
func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users", h.guard(domain.PermAdminUsersView, domain.PermAdminUsersManage), h.listUsers)
	r.POST("/users", h.guard(domain.PermAdminUsersManage), h.createUser)
	r.PATCH("/users/:id", h.guard(domain.PermAdminUsersManage), h.updateUser)
	r.DELETE("/users/:id", h.guard(domain.PermAdminUsersManage), h.deactivateUser)

	r.GET("/roles", h.guard(domain.PermAdminRolesView, domain.PermAdminRolesManage), h.listRoles)
	r.POST("/roles", h.guard(domain.PermAdminRolesManage), h.createRole)
	r.PUT("/roles/:id", h.guard(domain.PermAdminRolesManage), h.updateRole)
	r.DELETE("/roles/:id", h.guard(domain.PermAdminRolesManage), h.deleteRole)

	r.GET("/groups", h.guard(domain.PermAdminGroupsView, domain.PermAdminGroupsManage), h.listGroups)
	r.POST("/groups", h.guard(domain.PermAdminGroupsManage), h.createGroup)
	r.PUT("/groups/:id", h.guard(domain.PermAdminGroupsManage), h.updateGroup)
	r.DELETE("/groups/:id", h.guard(domain.PermAdminGroupsManage), h.deleteGroup)

	r.GET("/permissions", h.guard(domain.PermAdminRolesView, domain.PermAdminRolesManage), h.listPermissions)
}

var userErrorCases = []ErrorCase{
	{Err: usecase.ErrInvalidInput, Status: http.StatusBadRequest, Message: "invalid user payload"},
	{Err: usecase.ErrUserNotFound, Status: http.StatusNotFound, Message: "user not found"},
	{Err: usecase.ErrRoleNotFound, Status: http.StatusBadRequest, Message: "role does not exist"},
	{Err: usecase.ErrGroupNotFound, Status: http.StatusBadRequest, Message: "group does not exist"},
	{Err: usecase.ErrUsernameTaken, Status: http.StatusConflict, Message: "username already exists"},
	{Err: usecase.ErrSelfDeactivation, Status: http.StatusBadRequest, Message: "cannot deactivate your own account"},
}

var roleErrorCases = []ErrorCase{
	{Err: usecase.ErrInvalidInput, Status: http.StatusBadRequest, Message: "invalid role payload"},
	{Err: usecase.ErrUnknownPermission, Status: http.StatusBadRequest, Message: "unknown permission"},
	{Err: usecase.ErrRoleNotFound, Status: http.StatusNotFound, Message: "role not found"},
	{Err: usecase.ErrRoleNameTaken, Status: http.StatusConflict, Message: "role name already exists"},
	{Err: usecase.ErrSystemRole, Status: http.StatusForbidden, Message: "system roles cannot be modified"},
	{Err: usecase.ErrRoleInUse, Status: http.StatusConflict, Message: "role is assigned to users"},
}

// ListUsers godoc
// @Summary List admin users
// @Tags Admin
// @Produce json
// @Success 200 {array} AdminUserResponse
// @Router /api/v1/admin/users [get]
func (h *AdminHandler) listUsers(c *gin.Context) {
	users, err := h.admin.ListUsers(c.Request.Context())
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to list users")
		return
	}

	resp := make([]AdminUserResponse, 0, len(users))
	for _, user := range users {
		resp = append(resp, toAdminUserResponse(user))
	}
	c.JSON(http.StatusOK, resp)
}

// CreateUser godoc
// @Summary Create an admin user
// @Tags Admin
// @Accept json
// @Produce json
// @Param request body CreateUserRequest true "User"
// @Success 201 {object} AdminUserResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/admin/users [post]
func (h *AdminHandler) createUser(c *gin.Context) {
	actor, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid user payload"))
		return
	}

	user, err := h.admin.CreateUser(c.Request.Context(), actor.UserID, usecase.CreateUserInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		RoleID:   req.RoleID,
		GroupID:  req.GroupID,
	})
	if err != nil {
		RespondWithMappedError(c, err, userErrorCases, http.StatusInternalServerError, "failed to create user")
		return
	}

	c.JSON(http.StatusCreated, toAdminUserResponse(*user))
}

// UpdateUser godoc
// @Summary Update an admin user
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path int true "User ID"
// @Param request body UpdateUserRequest true "Changes"
// @Success 200 {object} AdminUserResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/admin/users/{id} [patch]
func (h *AdminHandler) updateUser(c *gin.Context) {
	actor, userID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid user payload"))
		return
	}

	user, err := h.admin.UpdateUser(c.Request.Context(), actor.UserID, userID, usecase.UpdateUserInput{
		Email:    req.Email,
		RoleID:   req.RoleID,
		GroupID:  req.GroupID,
		IsActive: req.IsActive,
		Password: req.Password,
	})
	if err != nil {
		RespondWithMappedError(c, err, userErrorCases, http.StatusInternalServerError, "failed to update user")
		return
	}

	c.JSON(http.StatusOK, toAdminUserResponse(*user))
}

// DeactivateUser godoc
// @Summary Deactivate an admin user
// @Tags Admin
// @Param id path int true "User ID"
// @Success 200 {object} MessageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/admin/users/{id} [delete]
func (h *AdminHandler) deactivateUser(c *gin.Context) {
	actor, userID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	if err := h.admin.DeactivateUser(c.Request.Context(), actor.UserID, userID); err != nil {
		RespondWithMappedError(c, err, userErrorCases, http.StatusInternalServerError, "failed to deactivate user")
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "user deactivated"})
}

// ListRoles godoc
// @Summary List roles with permissions
// @Tags Admin
// @Produce json
// @Success 200 {array} RoleResponse
// @Router /api/v1/admin/roles [get]
func (h *AdminHandler) listRoles(c *gin.Context) {
	roles, err := h.admin.ListRoles(c.Request.Context())
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to list roles")
		return
	}

	resp := make([]RoleResponse, 0, len(roles))
	for _, role := range roles {
		resp = append(resp, toRoleResponse(role))
	}
	c.JSON(http.StatusOK, resp)
}

// CreateRole godoc
// @Summary Create a role
// @Tags Admin
// @Accept json
// @Produce json
// @Param request body CreateRoleRequest true "Role"
// @Success 201 {object} RoleResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/admin/roles [post]
func (h *AdminHandler) createRole(c *gin.Context) {
	actor, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	var req CreateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid role payload"))
		return
	}

	role, err := h.admin.CreateRole(c.Request.Context(), actor.UserID, usecase.RoleInput{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		RespondWithMappedError(c, err, roleErrorCases, http.StatusInternalServerError, "failed to create role")
		return
	}

	c.JSON(http.StatusCreated, toRoleResponse(*role))
}

// UpdateRole godoc
// @Summary Update a custom role
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path int true "Role ID"
// @Param request body UpdateRoleRequest true "Changes"
// @Success 200 {object} RoleResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/admin/roles/{id} [put]
func (h *AdminHandler) updateRole(c *gin.Context) {
	actor, roleID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	var req UpdateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid role payload"))
		return
	}

	role, err := h.admin.UpdateRole(c.Request.Context(), actor.UserID, roleID, usecase.UpdateRoleInput{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		RespondWithMappedError(c, err, roleErrorCases, http.StatusInternalServerError, "failed to update role")
		return
	}

	c.JSON(http.StatusOK, toRoleResponse(*role))
}

// DeleteRole godoc
// @Summary Delete an unused custom role
// @Tags Admin
// @Param id path int true "Role ID"
// @Success 200 {object} MessageResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/admin/roles/{id} [delete]
func (h *AdminHandler) deleteRole(c *gin.Context) {
	actor, roleID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	if err := h.admin.DeleteRole(c.Request.Context(), actor.UserID, roleID); err != nil {
		RespondWithMappedError(c, err, roleErrorCases, http.StatusInternalServerError, "failed to delete role")
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "role deleted"})
}

var groupErrorCases = []ErrorCase{
	{Err: usecase.ErrInvalidInput, Status: http.StatusBadRequest, Message: "invalid group payload"},
	{Err: usecase.ErrGroupNotFound, Status: http.StatusNotFound, Message: "group not found"},
	{Err: usecase.ErrGroupNameTaken, Status: http.StatusConflict, Message: "group name already exists"},
}

// ListGroups godoc
// @Summary List admin groups
// @Tags Admin
// @Produce json
// @Success 200 {array} GroupResponse
// @Router /api/v1/admin/groups [get]
func (h *AdminHandler) listGroups(c *gin.Context) {
	groups, err := h.admin.ListGroups(c.Request.Context())
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to list groups")
		return
	}

	resp := make([]GroupResponse, 0, len(groups))
	for _, group := range groups {
		resp = append(resp, toGroupResponse(group))
	}
	c.JSON(http.StatusOK, resp)
}

// CreateGroup godoc
// @Summary Create an admin group
// @Tags Admin
// @Accept json
// @Produce json
// @Param request body CreateGroupRequest true "Group"
// @Success 201 {object} GroupResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/admin/groups [post]
func (h *AdminHandler) createGroup(c *gin.Context) {
	actor, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid group payload"))
		return
	}

	group, err := h.admin.CreateGroup(c.Request.Context(), actor.UserID, usecase.GroupInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		RespondWithMappedError(c, err, groupErrorCases, http.StatusInternalServerError, "failed to create group")
		return
	}

	c.JSON(http.StatusCreated, toGroupResponse(*group))
}

// UpdateGroup godoc
// @Summary Update an admin group
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path int true "Group ID"
// @Param request body UpdateGroupRequest true "Changes"
// @Success 200 {object} GroupResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/admin/groups/{id} [put]
func (h *AdminHandler) updateGroup(c *gin.Context) {
	actor, groupID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	var req UpdateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid group payload"))
		return
	}

	group, err := h.admin.UpdateGroup(c.Request.Context(), actor.UserID, groupID, usecase.UpdateGroupInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		RespondWithMappedError(c, err, groupErrorCases, http.StatusInternalServerError, "failed to update group")
		return
	}

	c.JSON(http.StatusOK, toGroupResponse(*group))
}

// DeleteGroup godoc
// @Summary Delete an admin group and detach its members
// @Tags Admin
// @Param id path int true "Group ID"
// @Success 200 {object} MessageResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/admin/groups/{id} [delete]
func (h *AdminHandler) deleteGroup(c *gin.Context) {
	actor, groupID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	if err := h.admin.DeleteGroup(c.Request.Context(), actor.UserID, groupID); err != nil {
		RespondWithMappedError(c, err, groupErrorCases, http.StatusInternalServerError, "failed to delete group")
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "group deleted"})
}

// ListPermissions godoc
// @Summary Permission registry
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]domain.PermissionInfo
// @Router /api/v1/admin/permissions [get]
func (h *AdminHandler) listPermissions(c *gin.Context) {
	c.JSON(http.StatusOK, h.admin.ListPermissions())
}

func (h *AdminHandler) actorAndID(c *gin.Context) (*domain.Identity, int64, bool) {
	actor, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return nil, 0, false
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid id"))
		return nil, 0, false
	}
	return actor, id, true
}
