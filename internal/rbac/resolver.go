package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/angtu-eios/portal/internal/observability"
	"github.com/angtu-eios/portal/internal/shared"
)

// TokenSource is the session accessor the resolver authenticates with.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) (string, error)
}

// RoleFetcher loads a role with its permissions from the API.
type RoleFetcher interface {
	Role(ctx context.Context, accessToken string, roleID int64) (Role, error)
}

// ResolverConfig collects the dependencies of a Resolver.
type ResolverConfig struct {
	Fetcher RoleFetcher
	Cache   *Cache
	Tokens  TokenSource
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Resolver answers whether a principal holds a capability, combining direct
// grants with role grants fetched through the shared cache.
type Resolver struct {
	fetcher RoleFetcher
	cache   *Cache
	tokens  TokenSource
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewResolver constructs a Resolver. A nil cache gets a private one.
func NewResolver(cfg ResolverConfig) *Resolver {
	cache := cfg.Cache
	if cache == nil {
		cache = NewCache()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		fetcher: cfg.Fetcher,
		cache:   cache,
		tokens:  cfg.Tokens,
		logger:  logger.With(slog.String("component", "rbac")),
		metrics: cfg.Metrics,
	}
}

// Cache exposes the role-permission cache backing the resolver.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// FetchRolePermissions returns the permissions granted by a role. A 401 from
// the API triggers one refresh of the session and one retry.
func (r *Resolver) FetchRolePermissions(ctx context.Context, roleID int64, accessToken string) ([]Permission, error) {
	if perms, ok := r.cache.Get(roleID); ok {
		r.metrics.ObserveRoleCache(true)
		return perms, nil
	}
	r.metrics.ObserveRoleCache(false)
	if r.fetcher == nil {
		return nil, errors.New("rbac: role fetcher not configured")
	}
	version := r.cache.Version(roleID)

	role, err := r.fetcher.Role(ctx, accessToken, roleID)
	if errors.Is(err, shared.ErrUnauthorized) && r.tokens != nil {
		token, refreshErr := r.tokens.Refresh(ctx)
		if refreshErr != nil {
			return nil, fmt.Errorf("rbac: refresh for role %d: %w", roleID, refreshErr)
		}
		role, err = r.fetcher.Role(ctx, token, roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("rbac: fetch role %d: %w", roleID, err)
	}

	perms := role.Permissions
	if perms == nil {
		perms = []Permission{}
	}
	if !r.cache.PutIfCurrent(roleID, version, perms) {
		r.logger.Debug("role invalidated during fetch", slog.Int64("role_id", roleID))
	}
	return clonePermissions(perms), nil
}

// HasPermission reports whether the principal holds the permission directly
// or through one of its roles. Lookup failures deny.
func (r *Resolver) HasPermission(ctx context.Context, principal Principal, name string) bool {
	granted := r.hasPermission(ctx, principal, name)
	r.metrics.ObservePermissionCheck(granted)
	return granted
}

func (r *Resolver) hasPermission(ctx context.Context, principal Principal, name string) bool {
	name = strings.TrimSpace(name)
	if principal == nil || name == "" {
		return false
	}
	if containsPermission(principal.GrantedPermissions(), name) {
		return true
	}
	for _, role := range principal.AssignedRoles() {
		perms, err := r.FetchRolePermissions(ctx, role.ID, r.accessToken())
		if err != nil {
			r.logger.Debug("role permissions unavailable",
				slog.Int64("role_id", role.ID),
				slog.String("permission", name),
				slog.Any("error", err))
			continue
		}
		if containsPermission(perms, name) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether every permission resolves. An empty list
// is not satisfied.
func (r *Resolver) HasAllPermissions(ctx context.Context, principal Principal, names []string) bool {
	if principal == nil || len(names) == 0 {
		return false
	}
	for _, name := range names {
		if !r.HasPermission(ctx, principal, name) {
			return false
		}
	}
	return true
}

// HasAnyPermission reports whether at least one permission resolves. An
// empty list is not satisfied.
func (r *Resolver) HasAnyPermission(ctx context.Context, principal Principal, names []string) bool {
	if principal == nil || len(names) == 0 {
		return false
	}
	for _, name := range names {
		if r.HasPermission(ctx, principal, name) {
			return true
		}
	}
	return false
}

func (r *Resolver) accessToken() string {
	if r.tokens == nil {
		return ""
	}
	return r.tokens.AccessToken()
}

// HasRequiredRole compares the highest level among userRoles with the lowest
// level among allowedRoles. Unknown role names carry no level.
func HasRequiredRole(userRoles, allowedRoles []string) bool {
	if len(userRoles) == 0 || len(allowedRoles) == 0 {
		return false
	}
	highest, found := 0, false
	for _, name := range userRoles {
		if level, ok := RoleLevel(name); ok && (!found || level > highest) {
			highest, found = level, true
		}
	}
	if !found {
		return false
	}
	for _, name := range allowedRoles {
		if level, ok := RoleLevel(name); ok && highest >= level {
			return true
		}
	}
	return false
}

// UserPermissions lists the names of the permissions granted directly.
func UserPermissions(principal Principal) []string {
	if principal == nil {
		return []string{}
	}
	perms := principal.GrantedPermissions()
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name)
	}
	return names
}

// UserRoles lists the names of the roles held by the principal.
func UserRoles(principal Principal) []string {
	if principal == nil {
		return []string{}
	}
	roles := principal.AssignedRoles()
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
	}
	return names
}
