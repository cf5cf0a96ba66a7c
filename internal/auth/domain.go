package auth

import (
	"strings"
	"time"

	"github.com/angtu-eios/portal/internal/backend"
	"github.com/angtu-eios/portal/internal/rbac"
)

// User is the identity of an authenticated session.
type User struct {
	ID          int64             `json:"id"`
	Username    string            `json:"username"`
	Email       string            `json:"email"`
	FirstName   string            `json:"firstName"`
	LastName    string            `json:"lastName"`
	Roles       []rbac.Role       `json:"roles"`
	Permissions []rbac.Permission `json:"permissions"`
}

// GrantedPermissions implements rbac.Principal.
func (u *User) GrantedPermissions() []rbac.Permission {
	if u == nil {
		return nil
	}
	return u.Permissions
}

// AssignedRoles implements rbac.Principal.
func (u *User) AssignedRoles() []rbac.Role {
	if u == nil {
		return nil
	}
	return u.Roles
}

func userFromProfile(p backend.Profile) *User {
	roles := p.Roles
	if roles == nil {
		roles = []rbac.Role{}
	}
	perms := p.Permissions
	if perms == nil {
		perms = []rbac.Permission{}
	}
	return &User{
		ID:          p.ID,
		Username:    p.Username,
		Email:       p.Email,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		Roles:       roles,
		Permissions: perms,
	}
}

// State is the lifecycle position of a session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	}
	return "unauthenticated"
}

// Registration holds the fields of the sign-up form.
type Registration struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=6"`
	FirstName string `json:"firstName" validate:"required,min=3"`
	LastName  string `json:"lastName" validate:"required,min=3"`
}

func (r Registration) normalized() Registration {
	return Registration{
		Email:     strings.TrimSpace(r.Email),
		Password:  r.Password,
		FirstName: strings.TrimSpace(r.FirstName),
		LastName:  strings.TrimSpace(r.LastName),
	}
}

// Info summarises a session for clients.
type Info struct {
	Authenticated bool       `json:"authenticated"`
	Loading       bool       `json:"loading"`
	State         string     `json:"state"`
	Username      string     `json:"username,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	User          *User      `json:"user,omitempty"`
}
