package domain

import (
	"fmt"
	"sort"
	"time"
)

// Permission identifiers. Routes guard on these names, never on role names.
const (
	PermDashboardView = "dashboard.view"

	PermPlayersView   = "players.view"
	PermPlayersManage = "players.manage"

	PermDetectionsView   = "detections.view"
	PermDetectionsManage = "detections.manage"

	PermSanctionsView   = "sanctions.view"
	PermSanctionsCreate = "sanctions.create"
	PermSanctionsRevoke = "sanctions.revoke"

	PermRulesetsView     = "rulesets.view"
	PermRulesetsManage   = "rulesets.manage"
	PermRulesetsActivate = "rulesets.activate"

	PermLiveView = "live.view"
	PermLogsView = "logs.view"

	PermSettingsView   = "settings.view"
	PermSettingsManage = "settings.manage"

	PermAdminUsersView    = "admin.users.view"
	PermAdminUsersManage  = "admin.users.manage"
	PermAdminRolesView    = "admin.roles.view"
	PermAdminRolesManage  = "admin.roles.manage"
	PermAdminGroupsView   = "admin.groups.view"
	PermAdminGroupsManage = "admin.groups.manage"
)

// Built-in role names.
const (
	RoleSuperAdmin = "superadmin"
	RoleAdmin      = "admin"
	RoleModerator  = "moderator"
	RoleViewer     = "viewer"
)

// PermissionInfo describes a registry entry for display and grouping.
type PermissionInfo struct {
	Description string `json:"description"`
	Category    string `json:"category"`
}

// Permission defines a named capability.
type Permission struct {
	ID          int64
	Name        string
	Description string
	Category    string
}

// Role is a named collection of permission identifiers.
type Role struct {
	ID          int64
	Name        string
	Description string
	IsSystem    bool
	Permissions []string
}

// Group is an organisational bucket for admin users. Groups carry no permissions.
type Group struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// AdminUser is a dashboard operator. RoleID is nil for users without a role
// and GroupID is nil for users outside any group.
type AdminUser struct {
	ID        int64
	Username  string
	Email     *string
	RoleID    *int64
	RoleName  *string
	GroupID   *int64
	GroupName *string
	IsActive  bool
	LastLogin *time.Time
	CreatedAt time.Time
}

// AdminCredentials is the login view of an admin user.
type AdminCredentials struct {
	ID           int64
	Username     string
	PasswordHash string
	RoleID       int64
	RoleName     string
	IsActive     bool
}

var permissionRegistry = map[string]PermissionInfo{
	PermDashboardView: {Description: "View the dashboard overview", Category: "dashboard"},

	PermPlayersView:   {Description: "View player profiles and history", Category: "players"},
	PermPlayersManage: {Description: "Edit player records and notes", Category: "players"},

	PermDetectionsView:   {Description: "View detection events", Category: "detections"},
	PermDetectionsManage: {Description: "Dismiss and annotate detections", Category: "detections"},

	PermSanctionsView:   {Description: "View bans, kicks and warnings", Category: "sanctions"},
	PermSanctionsCreate: {Description: "Issue bans, kicks and warnings", Category: "sanctions"},
	PermSanctionsRevoke: {Description: "Lift existing sanctions", Category: "sanctions"},

	PermRulesetsView:     {Description: "View detection rulesets", Category: "rulesets"},
	PermRulesetsManage:   {Description: "Create, edit and delete rulesets", Category: "rulesets"},
	PermRulesetsActivate: {Description: "Activate a ruleset on the game server", Category: "rulesets"},

	PermLiveView: {Description: "View the live server feed", Category: "live"},
	PermLogsView: {Description: "View audit and system logs", Category: "logs"},

	PermSettingsView:   {Description: "View anticheat settings", Category: "settings"},
	PermSettingsManage: {Description: "Change anticheat settings", Category: "settings"},

	PermAdminUsersView:    {Description: "View admin users", Category: "admin"},
	PermAdminUsersManage:  {Description: "Create, edit and deactivate admin users", Category: "admin"},
	PermAdminRolesView:    {Description: "View roles and their permissions", Category: "admin"},
	PermAdminRolesManage:  {Description: "Create, edit and delete roles", Category: "admin"},
	PermAdminGroupsView:   {Description: "View admin groups", Category: "admin"},
	PermAdminGroupsManage: {Description: "Create, edit and delete admin groups", Category: "admin"},
}

var builtinRoles = map[string][]string{
	RoleAdmin: {
		PermDashboardView,
		PermPlayersView, PermPlayersManage,
		PermDetectionsView, PermDetectionsManage,
		PermSanctionsView, PermSanctionsCreate, PermSanctionsRevoke,
		PermRulesetsView, PermRulesetsManage, PermRulesetsActivate,
		PermLiveView, PermLogsView,
		PermSettingsView,
		PermAdminUsersView, PermAdminUsersManage,
		PermAdminRolesView,
		PermAdminGroupsView, PermAdminGroupsManage,
	},
	RoleModerator: {
		PermDashboardView,
		PermPlayersView,
		PermDetectionsView,
		PermSanctionsView, PermSanctionsCreate,
		PermRulesetsView,
		PermLiveView,
	},
	RoleViewer: {
		PermDashboardView,
		PermPlayersView,
		PermDetectionsView,
		PermSanctionsView,
		PermLiveView,
	},
}

// PermissionRegistry returns a copy of the deploy-time permission registry.
func PermissionRegistry() map[string]PermissionInfo {
	out := make(map[string]PermissionInfo, len(permissionRegistry))
	for name, info := range permissionRegistry {
		out[name] = info
	}
	return out
}

// PermissionNames returns every registered permission name in sorted order.
func PermissionNames() []string {
	names := make([]string, 0, len(permissionRegistry))
	for name := range permissionRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsKnownPermission reports whether name is part of the registry.
func IsKnownPermission(name string) bool {
	_, ok := permissionRegistry[name]
	return ok
}

// BuiltinRoles returns the built-in role table. superadmin holds every permission.
func BuiltinRoles() map[string][]string {
	out := make(map[string][]string, len(builtinRoles)+1)
	out[RoleSuperAdmin] = PermissionNames()
	for role, perms := range builtinRoles {
		copied := make([]string, len(perms))
		copy(copied, perms)
		out[role] = copied
	}
	return out
}

// ValidateRegistry checks that every built-in role only references registered permissions.
func ValidateRegistry() error {
	for role, perms := range BuiltinRoles() {
		for _, perm := range perms {
			if !IsKnownPermission(perm) {
				return fmt.Errorf("role %s references unknown permission %q", role, perm)
			}
		}
	}
	return nil
}

// PermissionSet is an unordered set of permission names.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from the provided names, skipping blanks.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	return set
}

// Has reports whether the set contains name.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// HasAny reports whether at least one of required is in the set.
func (s PermissionSet) HasAny(required ...string) bool {
	for _, name := range required {
		if s.Has(name) {
			return true
		}
	}
	return false
}

// Names returns the set contents sorted.
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy.
func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for name := range s {
		out[name] = struct{}{}
	}
	return out
}
