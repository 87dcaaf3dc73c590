package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	uuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/core/port"
	"github.com/arklim/anticheat-authz/internal/repository"
)

// PermissionInvalidator drops cached permission sets.
type PermissionInvalidator interface {
	Invalidate(userID int64)
	InvalidateAll()
}

// CreateUserInput captures the payload for creating an admin user.
type CreateUserInput struct {
	Username string
	Email    *string
	Password string
	RoleID   *int64
	GroupID  *int64
}

// UpdateUserInput captures optional user changes; nil fields are left alone.
// A GroupID of zero removes the user from their group.
type UpdateUserInput struct {
	Email    *string
	RoleID   *int64
	GroupID  *int64
	IsActive *bool
	Password *string
}

// RoleInput captures the payload for creating a role.
type RoleInput struct {
	Name        string
	Description string
	Permissions []string
}

// UpdateRoleInput captures optional role changes. A nil Permissions leaves
// the permission links untouched.
type UpdateRoleInput struct {
	Name        *string
	Description *string
	Permissions *[]string
}

// GroupInput captures the payload for creating a group.
type GroupInput struct {
	Name        string
	Description string
}

// UpdateGroupInput captures optional group changes.
type UpdateGroupInput struct {
	Name        *string
	Description *string
}

// AdminServiceOptions configures an AdminService.
type AdminServiceOptions struct {
	// Origin identifies this instance on published invalidation events.
	Origin string
	Logger *zap.Logger
}

// AdminService manages admin users, roles and groups. Every mutation that can change
// a user's effective permissions invalidates the resolver before returning
// and then announces the invalidation to other instances.
type AdminService struct {
	users       port.AdminUserRepository
	roles       port.RoleRepository
	groups      port.GroupRepository
	hasher      port.PasswordHasher
	policy      port.PasswordPolicyValidator
	invalidator PermissionInvalidator
	events      port.EventPublisher
	origin      string
	logger      *zap.Logger
	now         func() time.Time
}

// NewAdminService constructs an AdminService.
func NewAdminService(
	users port.AdminUserRepository,
	roles port.RoleRepository,
	groups port.GroupRepository,
	hasher port.PasswordHasher,
	policy port.PasswordPolicyValidator,
	invalidator PermissionInvalidator,
	events port.EventPublisher,
	opts AdminServiceOptions,
) *AdminService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminService{
		users:       users,
		roles:       roles,
		groups:      groups,
		hasher:      hasher,
		policy:      policy,
		invalidator: invalidator,
		events:      events,
		origin:      opts.Origin,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock allows injection of a custom clock (primarily for testing).
func (s *AdminService) WithClock(now func() time.Time) *AdminService {
	if now != nil {
		s.now = now
	}
	return s
}

// ListUsers returns every admin user.
func (s *AdminService) ListUsers(ctx context.Context) ([]domain.AdminUser, error) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// CreateUser provisions a new admin user.
func (s *AdminService) CreateUser(ctx context.Context, actorID int64, input CreateUserInput) (*domain.AdminUser, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}

	if err := s.validatePassword(input.Password, username, input.Email); err != nil {
		return nil, err
	}
	if input.RoleID != nil {
		if err := s.ensureRoleExists(ctx, *input.RoleID); err != nil {
			return nil, err
		}
	}
	if input.GroupID != nil {
		if err := s.ensureGroupExists(ctx, *input.GroupID); err != nil {
			return nil, err
		}
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	id, err := s.users.CreateUser(ctx, port.NewAdminUser{
		Username:     username,
		Email:        input.Email,
		PasswordHash: hash,
		RoleID:       input.RoleID,
		GroupID:      input.GroupID,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	// A lookup for this id may have cached an empty set before the row existed.
	s.invalidateUser(ctx, actorID, id, "user_created")

	s.logger.Info("admin user created",
		zap.Int64("actor_id", actorID),
		zap.Int64("user_id", id),
	)

	return s.getUser(ctx, id)
}

// UpdateUser applies changes to an admin user.
func (s *AdminService) UpdateUser(ctx context.Context, actorID, userID int64, input UpdateUserInput) (*domain.AdminUser, error) {
	if input.IsActive != nil && !*input.IsActive && actorID == userID {
		return nil, ErrSelfDeactivation
	}

	current, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	update := port.AdminUserUpdate{
		Email:    input.Email,
		RoleID:   input.RoleID,
		GroupID:  input.GroupID,
		IsActive: input.IsActive,
	}

	if input.RoleID != nil {
		if err := s.ensureRoleExists(ctx, *input.RoleID); err != nil {
			return nil, err
		}
	}
	if input.GroupID != nil && *input.GroupID != 0 {
		if err := s.ensureGroupExists(ctx, *input.GroupID); err != nil {
			return nil, err
		}
	}

	if input.Password != nil {
		email := current.Email
		if input.Email != nil {
			email = input.Email
		}
		if err := s.validatePassword(*input.Password, current.Username, email); err != nil {
			return nil, err
		}
		hash, err := s.hasher.Hash(*input.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		update.PasswordHash = &hash
	}

	if err := s.users.UpdateUser(ctx, userID, update); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("update user: %w", err)
	}

	if input.RoleID != nil || input.IsActive != nil {
		s.invalidateUser(ctx, actorID, userID, "user_updated")
	}

	return s.getUser(ctx, userID)
}

// DeactivateUser disables an admin user. Admins cannot deactivate themselves.
func (s *AdminService) DeactivateUser(ctx context.Context, actorID, userID int64) error {
	if actorID == userID {
		return ErrSelfDeactivation
	}

	if err := s.users.DeactivateUser(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("deactivate user: %w", err)
	}

	s.invalidateUser(ctx, actorID, userID, "user_deactivated")

	s.logger.Info("admin user deactivated",
		zap.Int64("actor_id", actorID),
		zap.Int64("user_id", userID),
	)
	return nil
}

// ListRoles returns every role with its permissions.
func (s *AdminService) ListRoles(ctx context.Context) ([]domain.Role, error) {
	roles, err := s.roles.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return roles, nil
}

// CreateRole provisions a custom role.
func (s *AdminService) CreateRole(ctx context.Context, actorID int64, input RoleInput) (*domain.Role, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	permissions, err := normalizePermissions(input.Permissions)
	if err != nil {
		return nil, err
	}

	id, err := s.roles.CreateRole(ctx, domain.Role{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Permissions: permissions,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrRoleNameTaken
		}
		return nil, fmt.Errorf("create role: %w", err)
	}

	s.logger.Info("role created",
		zap.Int64("actor_id", actorID),
		zap.Int64("role_id", id),
		zap.String("role", name),
	)

	return s.getRole(ctx, id)
}

// UpdateRole changes a custom role. Permission changes invalidate every cached set.
func (s *AdminService) UpdateRole(ctx context.Context, actorID, roleID int64, input UpdateRoleInput) (*domain.Role, error) {
	role, err := s.getRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, ErrSystemRole
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		role.Name = name
	}
	if input.Description != nil {
		role.Description = strings.TrimSpace(*input.Description)
	}

	var permissions []string
	if input.Permissions != nil {
		permissions, err = normalizePermissions(*input.Permissions)
		if err != nil {
			return nil, err
		}
	}

	if err := s.roles.UpdateRole(ctx, *role, permissions); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrRoleNotFound
		case errors.Is(err, repository.ErrConflict):
			return nil, ErrRoleNameTaken
		}
		return nil, fmt.Errorf("update role: %w", err)
	}

	if input.Permissions != nil {
		s.invalidateAll(ctx, actorID, "role_permissions_changed")
	}

	return s.getRole(ctx, roleID)
}

// DeleteRole removes an unused custom role.
func (s *AdminService) DeleteRole(ctx context.Context, actorID, roleID int64) error {
	role, err := s.getRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}

	count, err := s.roles.CountUsersWithRole(ctx, roleID)
	if err != nil {
		return fmt.Errorf("count role users: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %d users", ErrRoleInUse, count)
	}

	if err := s.roles.DeleteRole(ctx, roleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrRoleNotFound
		}
		return fmt.Errorf("delete role: %w", err)
	}

	s.invalidateAll(ctx, actorID, "role_deleted")

	s.logger.Info("role deleted",
		zap.Int64("actor_id", actorID),
		zap.Int64("role_id", roleID),
	)
	return nil
}

// ListGroups returns every admin group.
func (s *AdminService) ListGroups(ctx context.Context) ([]domain.Group, error) {
	groups, err := s.groups.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// CreateGroup provisions an admin group.
func (s *AdminService) CreateGroup(ctx context.Context, actorID int64, input GroupInput) (*domain.Group, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}

	id, err := s.groups.CreateGroup(ctx, domain.Group{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrGroupNameTaken
		}
		return nil, fmt.Errorf("create group: %w", err)
	}

	s.logger.Info("group created",
		zap.Int64("actor_id", actorID),
		zap.Int64("group_id", id),
		zap.String("group", name),
	)

	return s.getGroup(ctx, id)
}

// UpdateGroup renames or re-describes a group. Omitted fields keep their value.
func (s *AdminService) UpdateGroup(ctx context.Context, actorID, groupID int64, input UpdateGroupInput) (*domain.Group, error) {
	group, err := s.getGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: group name is required", ErrInvalidInput)
		}
		group.Name = name
	}
	if input.Description != nil {
		group.Description = strings.TrimSpace(*input.Description)
	}

	if err := s.groups.UpdateGroup(ctx, *group); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrGroupNotFound
		case errors.Is(err, repository.ErrConflict):
			return nil, ErrGroupNameTaken
		}
		return nil, fmt.Errorf("update group: %w", err)
	}

	s.logger.Info("group updated",
		zap.Int64("actor_id", actorID),
		zap.Int64("group_id", groupID),
	)

	return s.getGroup(ctx, groupID)
}

// DeleteGroup removes a group. Members stay and lose their group.
// Groups carry no permissions, so cached sets are unaffected.
func (s *AdminService) DeleteGroup(ctx context.Context, actorID, groupID int64) error {
	if err := s.groups.DeleteGroup(ctx, groupID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrGroupNotFound
		}
		return fmt.Errorf("delete group: %w", err)
	}

	s.logger.Info("group deleted",
		zap.Int64("actor_id", actorID),
		zap.Int64("group_id", groupID),
	)
	return nil
}

// ListPermissions returns the permission registry.
func (s *AdminService) ListPermissions() map[string]domain.PermissionInfo {
	return domain.PermissionRegistry()
}

func (s *AdminService) getUser(ctx context.Context, userID int64) (*domain.AdminUser, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *AdminService) getRole(ctx context.Context, roleID int64) (*domain.Role, error) {
	role, err := s.roles.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("get role: %w", err)
	}
	return role, nil
}

func (s *AdminService) getGroup(ctx context.Context, groupID int64) (*domain.Group, error) {
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	return group, nil
}

func (s *AdminService) ensureGroupExists(ctx context.Context, groupID int64) error {
	_, err := s.getGroup(ctx, groupID)
	return err
}

func (s *AdminService) ensureRoleExists(ctx context.Context, roleID int64) error {
	_, err := s.getRole(ctx, roleID)
	return err
}

func (s *AdminService) validatePassword(password, username string, email *string) error {
	inputs := []string{username}
	if email != nil {
		inputs = append(inputs, *email)
	}
	if err := s.policy.Validate(password, inputs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

func (s *AdminService) invalidateUser(ctx context.Context, actorID, userID int64, reason string) {
	s.invalidator.Invalidate(userID)
	s.publish(ctx, domain.PermissionsInvalidatedEvent{
		Scope:   domain.InvalidationScopeUser,
		UserID:  userID,
		Reason:  reason,
		ActorID: actorID,
	})
}

func (s *AdminService) invalidateAll(ctx context.Context, actorID int64, reason string) {
	s.invalidator.InvalidateAll()
	s.publish(ctx, domain.PermissionsInvalidatedEvent{
		Scope:   domain.InvalidationScopeAll,
		Reason:  reason,
		ActorID: actorID,
	})
}

// publish is best effort: the local cache is already invalidated and peers
// converge within one TTL if the event is lost.
func (s *AdminService) publish(ctx context.Context, event domain.PermissionsInvalidatedEvent) {
	if s.events == nil {
		return
	}

	event.EventID = uuid.NewString()
	event.Origin = s.origin
	event.OccurredAt = s.now().UTC()

	if err := s.events.PublishPermissionsInvalidated(ctx, event); err != nil {
		s.logger.Warn("failed to publish permission invalidation",
			zap.String("scope", string(event.Scope)),
			zap.Int64("user_id", event.UserID),
			zap.Error(err),
		)
	}
}

// normalizePermissions trims, de-duplicates and checks names against the registry.
func normalizePermissions(names []string) ([]string, error) {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !domain.IsKnownPermission(name) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPermission, name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}
