package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angtu-eios/portal/internal/shared"
)

type stubPrincipal struct {
	perms []Permission
	roles []Role
}

func (p stubPrincipal) GrantedPermissions() []Permission { return p.perms }
func (p stubPrincipal) AssignedRoles() []Role            { return p.roles }

type stubFetcher struct {
	mu     sync.Mutex
	roles  map[int64]Role
	errs   map[int64][]error
	calls  map[int64]int
	tokens []string
	// onFetch runs while a role request is in flight.
	onFetch func(roleID int64)
}

func newStubFetcher(roles ...Role) *stubFetcher {
	f := &stubFetcher{roles: make(map[int64]Role), errs: make(map[int64][]error), calls: make(map[int64]int)}
	for _, r := range roles {
		f.roles[r.ID] = r
	}
	return f
}

func (f *stubFetcher) failNext(roleID int64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[roleID] = append(f.errs[roleID], errs...)
}

func (f *stubFetcher) Role(_ context.Context, token string, roleID int64) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[roleID]++
	f.tokens = append(f.tokens, token)
	if f.onFetch != nil {
		f.onFetch(roleID)
	}
	if queued := f.errs[roleID]; len(queued) > 0 {
		f.errs[roleID] = queued[1:]
		return Role{}, queued[0]
	}
	role, ok := f.roles[roleID]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (f *stubFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type stubTokens struct {
	token     string
	refreshes int
	err       error
}

func (s *stubTokens) AccessToken() string { return s.token }

func (s *stubTokens) Refresh(context.Context) (string, error) {
	s.refreshes++
	if s.err != nil {
		return "", s.err
	}
	s.token = "fresh"
	return s.token, nil
}

var (
	teacherRole = Role{ID: 2, Name: RoleTeacher, Permissions: []Permission{{ID: 1, Name: PermCreateNews}}}
	adminRole   = Role{ID: 3, Name: RoleAdministrator, Permissions: []Permission{{ID: 4, Name: PermManageUsers}, {ID: 5, Name: PermManageRoles}}}
)

func TestDirectGrantSkipsRoleLookup(t *testing.T) {
	fetcher := newStubFetcher(teacherRole)
	r := NewResolver(ResolverConfig{Fetcher: fetcher, Tokens: &stubTokens{token: "t"}})
	user := stubPrincipal{perms: []Permission{{Name: PermDeleteNews}}, roles: []Role{{ID: 2}}}

	assert.True(t, r.HasPermission(context.Background(), user, PermDeleteNews))
	assert.Equal(t, 0, fetcher.total())
}

func TestRoleGrantResolvesInOrder(t *testing.T) {
	fetcher := newStubFetcher(teacherRole, adminRole)
	r := NewResolver(ResolverConfig{Fetcher: fetcher, Tokens: &stubTokens{token: "t"}})
	user := stubPrincipal{roles: []Role{{ID: 2}, {ID: 3}}}

	assert.True(t, r.HasPermission(context.Background(), user, PermCreateNews))
	assert.Equal(t, 1, fetcher.calls[2])
	assert.Equal(t, 0, fetcher.calls[3])

	assert.True(t, r.HasPermission(context.Background(), user, PermManageRoles))
	assert.False(t, r.HasPermission(context.Background(), user, PermManagePermissions))
	assert.Equal(t, 2, fetcher.total())
}

func TestFailingRoleLookupsDeny(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.failNext(2, shared.ErrNetwork)
	fetcher.failNext(3, errors.New("boom"))
	r := NewResolver(ResolverConfig{Fetcher: fetcher, Tokens: &stubTokens{token: "t"}})
	user := stubPrincipal{roles: []Role{{ID: 2}, {ID: 3}}}

	assert.False(t, r.HasPermission(context.Background(), user, PermCreateNews))
	assert.Equal(t, 0, r.Cache().Len())
}

func TestFetchRolePermissionsCaches(t *testing.T) {
	fetcher := newStubFetcher(teacherRole)
	r := NewResolver(ResolverConfig{Fetcher: fetcher})
	ctx := context.Background()

	first, err := r.FetchRolePermissions(ctx, 2, "t")
	require.NoError(t, err)
	second, err := r.FetchRolePermissions(ctx, 2, "t")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fetcher.calls[2])
}

func TestFetchRolePermissionsRetriesOnceAfterRefresh(t *testing.T) {
	fetcher := newStubFetcher(teacherRole)
	fetcher.failNext(2, shared.ErrUnauthorized)
	tokens := &stubTokens{token: "stale"}
	r := NewResolver(ResolverConfig{Fetcher: fetcher, Tokens: tokens})

	perms, err := r.FetchRolePermissions(context.Background(), 2, "stale")
	require.NoError(t, err)
	assert.Equal(t, PermCreateNews, perms[0].Name)
	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, []string{"stale", "fresh"}, fetcher.tokens)
}

func TestFetchRolePermissionsSecondUnauthorizedFails(t *testing.T) {
	fetcher := newStubFetcher(teacherRole)
	fetcher.failNext(2, shared.ErrUnauthorized, shared.ErrUnauthorized)
	tokens := &stubTokens{token: "stale"}
	r := NewResolver(ResolverConfig{Fetcher: fetcher, Tokens: tokens})

	_, err := r.FetchRolePermissions(context.Background(), 2, "stale")
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, 2, fetcher.calls[2])
	assert.Equal(t, 0, r.Cache().Len())
}

func TestFetchRolePermissionsRefreshFailure(t *testing.T) {
	fetcher := newStubFetcher(teacherRole)
	fetcher.failNext(2, shared.ErrUnauthorized)
	tokens := &stubTokens{token: "stale", err: shared.ErrSessionExpired}
	r := NewResolver(ResolverConfig{Fetcher: fetcher, Tokens: tokens})

	_, err := r.FetchRolePermissions(context.Background(), 2, "stale")
	assert.ErrorIs(t, err, shared.ErrSessionExpired)
	assert.Equal(t, 1, fetcher.calls[2])
}

func TestSharedCacheAcrossResolvers(t *testing.T) {
	cache := NewCache()
	fetcher := newStubFetcher(teacherRole)
	user := stubPrincipal{roles: []Role{{ID: 2}}}
	ctx := context.Background()

	a := NewResolver(ResolverConfig{Fetcher: fetcher, Cache: cache})
	b := NewResolver(ResolverConfig{Fetcher: fetcher, Cache: cache})
	assert.True(t, a.HasPermission(ctx, user, PermCreateNews))
	assert.True(t, b.HasPermission(ctx, user, PermCreateNews))
	assert.Equal(t, 1, fetcher.calls[2])

	cache.Invalidate(2)
	assert.True(t, b.HasPermission(ctx, user, PermCreateNews))
	assert.Equal(t, 2, fetcher.calls[2])
}

func TestHasAllAndAnyPermissions(t *testing.T) {
	fetcher := newStubFetcher(adminRole)
	r := NewResolver(ResolverConfig{Fetcher: fetcher})
	user := stubPrincipal{perms: []Permission{{Name: PermCreateNews}}, roles: []Role{{ID: 3}}}
	ctx := context.Background()

	assert.True(t, r.HasAllPermissions(ctx, user, []string{PermCreateNews, PermManageUsers}))
	assert.False(t, r.HasAllPermissions(ctx, user, []string{PermCreateNews, PermDeleteNews}))
	assert.False(t, r.HasAllPermissions(ctx, user, nil))

	assert.True(t, r.HasAnyPermission(ctx, user, []string{PermDeleteNews, PermManageRoles}))
	assert.False(t, r.HasAnyPermission(ctx, user, []string{PermDeleteNews}))
	assert.False(t, r.HasAnyPermission(ctx, user, []string{}))
	assert.False(t, r.HasPermission(ctx, nil, PermCreateNews))
}

func TestHasRequiredRole(t *testing.T) {
	cases := []struct {
		name    string
		user    []string
		allowed []string
		want    bool
	}{
		{"student below teacher", []string{RoleStudent}, []string{RoleTeacher, RoleAdministrator}, false},
		{"administrator satisfies student", []string{RoleAdministrator}, []string{RoleStudent}, true},
		{"equal level", []string{RoleTeacher}, []string{RoleTeacher}, true},
		{"highest role counts", []string{RoleStudent, RoleAdministrator}, []string{RoleAdministrator}, true},
		{"case insensitive", []string{"Teacher"}, []string{"student"}, true},
		{"empty user roles", nil, []string{RoleStudent}, false},
		{"empty allowed roles", []string{RoleAdministrator}, nil, false},
		{"unknown user role", []string{"janitor"}, []string{RoleStudent}, false},
		{"unknown allowed role ignored", []string{RoleStudent}, []string{"janitor", RoleStudent}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HasRequiredRole(tc.user, tc.allowed))
		})
	}
}

func TestUserPermissionsAndRoles(t *testing.T) {
	user := stubPrincipal{perms: []Permission{{Name: PermCreateNews}}, roles: []Role{teacherRole, adminRole}}
	assert.Equal(t, []string{PermCreateNews}, UserPermissions(user))
	assert.Equal(t, []string{RoleTeacher, RoleAdministrator}, UserRoles(user))
	assert.Equal(t, []string{}, UserRoles(nil))
}

func TestCacheOperations(t *testing.T) {
	c := NewCache()
	c.Put(1, []Permission{{Name: PermCreateNews}})
	c.Put(1, []Permission{{Name: PermDeleteNews}})

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, PermCreateNews, got[0].Name)

	got[0].Name = "mutated"
	again, _ := c.Get(1)
	assert.Equal(t, PermCreateNews, again[0].Name)

	c.Put(2, nil)
	assert.Equal(t, 2, c.Len())
	c.Invalidate(1)
	_, ok = c.Get(1)
	assert.False(t, ok)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCacheDropsPutAfterInvalidation(t *testing.T) {
	c := NewCache()

	v := c.Version(1)
	c.Invalidate(1)
	assert.False(t, c.PutIfCurrent(1, v, []Permission{{Name: PermCreateNews}}))
	_, ok := c.Get(1)
	assert.False(t, ok)

	v = c.Version(2)
	c.Clear()
	assert.False(t, c.PutIfCurrent(2, v, nil))
	assert.Equal(t, 0, c.Len())

	v = c.Version(1)
	c.Invalidate(3)
	assert.True(t, c.PutIfCurrent(1, v, []Permission{{Name: PermDeleteNews}}))
	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, PermDeleteNews, got[0].Name)
}

func TestResolverDoesNotCacheRoleInvalidatedMidFetch(t *testing.T) {
	fetcher := newStubFetcher(teacherRole)
	cache := NewCache()
	fetcher.onFetch = func(roleID int64) { cache.Invalidate(roleID) }
	r := NewResolver(ResolverConfig{Fetcher: fetcher, Cache: cache, Tokens: &stubTokens{token: "t"}})
	user := stubPrincipal{roles: []Role{{ID: 2}}}

	assert.True(t, r.HasPermission(context.Background(), user, PermCreateNews))
	assert.Equal(t, 0, cache.Len())

	fetcher.onFetch = nil
	assert.True(t, r.HasPermission(context.Background(), user, PermCreateNews))
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 2, fetcher.calls[2])
}
