package usecase

import "errors"

var (
	// ErrDataUnavailable indicates permissions could not be resolved. Callers must fail closed.
	ErrDataUnavailable = errors.New("permission data unavailable")
	// ErrPermissionDenied indicates none of the required permissions is held.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidCredentials indicates the username or password is incorrect or the account is inactive.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidInput indicates a request failed validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUserNotFound indicates the admin user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrRoleNotFound indicates the role does not exist.
	ErrRoleNotFound = errors.New("role not found")
	// ErrUsernameTaken indicates another admin already uses the username.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrRoleNameTaken indicates another role already uses the name.
	ErrRoleNameTaken = errors.New("role name already exists")
	// ErrSelfDeactivation indicates an admin tried to deactivate their own account.
	ErrSelfDeactivation = errors.New("cannot deactivate your own account")
	// ErrSystemRole indicates a built-in role cannot be modified or deleted.
	ErrSystemRole = errors.New("system roles cannot be modified")
	// ErrRoleInUse indicates a role still has users assigned.
	ErrRoleInUse = errors.New("role is assigned to users")
	// ErrGroupNotFound indicates the admin group does not exist.
	ErrGroupNotFound = errors.New("group not found")
	// ErrGroupNameTaken indicates another group already uses the name.
	ErrGroupNameTaken = errors.New("group name already exists")
	// ErrUnknownPermission indicates a permission name outside the registry.
	ErrUnknownPermission = errors.New("unknown permission")
)
