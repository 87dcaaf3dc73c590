package port

import (
	"context"

	"github.com/arklim/anticheat-authz/internal/core/domain"
)

// IdentityStore is the read side the permission resolver depends on.
// Implementations return repository.ErrNotFound when a user is missing,
// inactive, or has no role assigned.
type IdentityStore interface {
	LookupUserRole(ctx context.Context, userID int64) (int64, error)
	LookupRolePermissions(ctx context.Context, roleID int64) ([]string, error)
}

// UserPermissionLookup is an optional fast path resolving a user's
// permissions with a single join.
type UserPermissionLookup interface {
	LookupUserPermissions(ctx context.Context, userID int64) ([]string, error)
}

// CredentialStore backs the login flow.
type CredentialStore interface {
	GetCredentialsByUsername(ctx context.Context, username string) (*domain.AdminCredentials, error)
	TouchLastLogin(ctx context.Context, userID int64) error
}

// NewAdminUser carries the fields of a user being created.
type NewAdminUser struct {
	Username     string
	Email        *string
	PasswordHash string
	RoleID       *int64
	GroupID      *int64
}

// AdminUserUpdate carries optional user fields; nil means unchanged.
// A GroupID of zero removes the user from their group.
type AdminUserUpdate struct {
	Email        *string
	RoleID       *int64
	GroupID      *int64
	IsActive     *bool
	PasswordHash *string
}

// AdminUserRepository manages admin user records.
type AdminUserRepository interface {
	ListUsers(ctx context.Context) ([]domain.AdminUser, error)
	GetUser(ctx context.Context, userID int64) (*domain.AdminUser, error)
	CreateUser(ctx context.Context, user NewAdminUser) (int64, error)
	UpdateUser(ctx context.Context, userID int64, update AdminUserUpdate) error
	DeactivateUser(ctx context.Context, userID int64) error
}

// RoleRepository manages roles and their permission links.
type RoleRepository interface {
	ListRoles(ctx context.Context) ([]domain.Role, error)
	GetRole(ctx context.Context, roleID int64) (*domain.Role, error)
	CreateRole(ctx context.Context, role domain.Role) (int64, error)
	UpdateRole(ctx context.Context, role domain.Role, permissions []string) error
	DeleteRole(ctx context.Context, roleID int64) error
	CountUsersWithRole(ctx context.Context, roleID int64) (int, error)
}

// GroupRepository manages admin groups.
type GroupRepository interface {
	ListGroups(ctx context.Context) ([]domain.Group, error)
	GetGroup(ctx context.Context, groupID int64) (*domain.Group, error)
	CreateGroup(ctx context.Context, group domain.Group) (int64, error)
	UpdateGroup(ctx context.Context, group domain.Group) error
	// DeleteGroup removes the group and detaches its members.
	DeleteGroup(ctx context.Context, groupID int64) error
}
