package rbac

import "strings"

// Permission represents an atomic capability.
type Permission struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name"`
}

// Role represents a high-level permission grouping held by a principal.
type Role struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// Principal describes the authenticated actor.
type Principal interface {
	GrantedPermissions() []Permission
	AssignedRoles() []Role
}

// Role names.
const (
	RoleStudent       = "student"
	RoleTeacher       = "teacher"
	RoleAdministrator = "administrator"
)

// Portal permissions.
const (
	PermCreateNews        = "create:news"
	PermUpdateNews        = "update:news"
	PermDeleteNews        = "delete:news"
	PermManageUsers       = "manage:users"
	PermManageRoles       = "manage:roles"
	PermManagePermissions = "manage:permissions"
)

// Scopes lists every permission the portal checks.
func Scopes() []string {
	return []string{
		PermCreateNews,
		PermUpdateNews,
		PermDeleteNews,
		PermManageUsers,
		PermManageRoles,
		PermManagePermissions,
	}
}

var roleLevels = map[string]int{
	RoleStudent:       1,
	RoleTeacher:       2,
	RoleAdministrator: 3,
}

// RoleLevel returns the hierarchy level of a role name. Unknown roles report
// ok=false.
func RoleLevel(name string) (level int, ok bool) {
	level, ok = roleLevels[strings.ToLower(strings.TrimSpace(name))]
	return level, ok
}

func containsPermission(perms []Permission, name string) bool {
	for _, p := range perms {
		if p.Name == name {
			return true
		}
	}
	return false
}
