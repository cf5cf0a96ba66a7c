package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angtu-eios/portal/internal/auth"
	"github.com/angtu-eios/portal/internal/backend/backendtest"
	"github.com/angtu-eios/portal/internal/platform/httpx"
	"github.com/angtu-eios/portal/internal/rbac"
	"github.com/angtu-eios/portal/internal/shared"
)

const testSessionHeader = "X-Test-Session"

func newAuthRouter(t *testing.T, f *fixture) (http.Handler, *auth.Registry) {
	t.Helper()
	registry := auth.NewRegistry(f.provider, auth.Config{API: f.client, Cache: f.cache})
	handler := auth.NewHandler(nil, registry, shared.NewCSRFManager("csrfsecret"), 0)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := shared.ContextWithSessionID(req.Context(), req.Header.Get(testSessionHeader))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Route("/auth", handler.MountRoutes)
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	r.With(registry.RequireRole(rbac.RoleAdministrator)).Get("/admin", ok)
	r.With(registry.RequireRole(rbac.RoleStudent)).Get("/classroom", ok)
	r.With(registry.RequireAll(rbac.PermCreateNews)).Get("/compose", ok)
	r.With(registry.RequireAny(rbac.PermManageUsers, rbac.PermManageRoles)).Get("/manage", ok)
	r.With(registry.RequireAll()).Get("/open", ok)
	return r, registry
}

func do(t *testing.T, h http.Handler, method, target, sid, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set(testSessionHeader, sid)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func loginBody() string {
	return `{"email":"` + aliceEmail + `","password":"` + alicePassword + `"}`
}

func TestSessionEndpointBeforeLogin(t *testing.T) {
	f := newFixture(t)
	router, _ := newAuthRouter(t, f)

	rec := do(t, router, http.MethodGet, "/auth/session", "browser-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["authenticated"])
	assert.Equal(t, "unauthenticated", body["state"])
	assert.NotEmpty(t, body["csrfToken"])
}

func TestLoginMeLogoutFlow(t *testing.T) {
	f := newFixture(t)
	router, _ := newAuthRouter(t, f)

	rec := do(t, router, http.MethodPost, "/auth/login", "browser-1", loginBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var session map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, true, session["authenticated"])
	assert.Equal(t, "alice", session["username"])

	rec = do(t, router, http.MethodGet, "/auth/me", "browser-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		Roles []string `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, []string{rbac.RoleTeacher}, me.Roles)

	rec = do(t, router, http.MethodGet, "/auth/me", "browser-2", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, http.MethodPost, "/auth/logout", "browser-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodGet, "/auth/me", "browser-1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	router, _ := newAuthRouter(t, f)

	rec := do(t, router, http.MethodPost, "/auth/login", "b", `{"email":"alice","password":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Contains(t, problem.Fields, "email")
	assert.Contains(t, problem.Fields, "password")

	rec = do(t, router, http.MethodPost, "/auth/login", "b", `{"email":"`+aliceEmail+`","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterEndpoint(t *testing.T) {
	f := newFixture(t)
	router, _ := newAuthRouter(t, f)

	rec := do(t, router, http.MethodPost, "/auth/register", "b",
		`{"email":"dan@angtu.ru","password":"longpass","firstName":"Dan","lastName":"Orlov"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/auth/register", "c",
		`{"email":"dan@angtu.ru","password":"longpass","firstName":"Dan","lastName":"Orlov"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "user already exists", problem.Detail)
}

func TestGuardsDistinguishUnauthenticatedFromDenied(t *testing.T) {
	f := newFixture(t)
	router, _ := newAuthRouter(t, f)

	rec := do(t, router, http.MethodGet, "/admin?tab=users", "anon", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "/login?from=%2Fadmin%3Ftab%3Dusers", problem.Redirect)

	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/auth/login", "alice", loginBody()).Code)

	assert.Equal(t, http.StatusForbidden, do(t, router, http.MethodGet, "/admin", "alice", "").Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/classroom", "alice", "").Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/compose", "alice", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, router, http.MethodGet, "/manage", "alice", "").Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/open", "alice", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodGet, "/open", "anon", "").Code)
}

func TestRegistryRestoresStoredSession(t *testing.T) {
	f := newFixture(t)
	router, registry := newAuthRouter(t, f)

	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/auth/login", "browser-1", loginBody()).Code)
	registry.Forget("browser-1")
	assert.Equal(t, 0, registry.Len())

	rec := do(t, router, http.MethodGet, "/auth/me", "browser-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, registry.Len())
	assert.Equal(t, 1, registry.Sweep(-time.Second))
	assert.Equal(t, 0, registry.Len())
}

func TestRegistriesShareStoredSession(t *testing.T) {
	f := newFixture(t)
	routerA, registryA := newAuthRouter(t, f)
	routerB, registryB := newAuthRouter(t, f)
	ctx := context.Background()

	require.Equal(t, http.StatusOK, do(t, routerA, http.MethodPost, "/auth/login", "browser-1", loginBody()).Code)
	require.Equal(t, http.StatusOK, do(t, routerB, http.MethodGet, "/auth/me", "browser-1", "").Code)

	_, err := registryA.Get(ctx, "browser-1").Refresh(ctx)
	require.NoError(t, err)
	sessB := registryB.Get(ctx, "browser-1")
	assert.Equal(t, registryA.Get(ctx, "browser-1").AccessToken(), sessB.AccessToken())

	_, err = sessB.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.api.Calls(backendtest.RouteRefresh))
	assert.Equal(t, sessB.AccessToken(), registryA.Get(ctx, "browser-1").AccessToken())
	require.Equal(t, http.StatusOK, do(t, routerA, http.MethodGet, "/auth/me", "browser-1", "").Code)

	require.Equal(t, http.StatusNoContent, do(t, routerB, http.MethodPost, "/auth/logout", "browser-1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, routerA, http.MethodGet, "/auth/me", "browser-1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, routerA, http.MethodGet, "/compose", "browser-1", "").Code)
	assert.False(t, registryA.Get(ctx, "browser-1").IsAuthenticated())
}

func TestMissingBrowserSession(t *testing.T) {
	f := newFixture(t)
	router, _ := newAuthRouter(t, f)

	rec := do(t, router, http.MethodGet, "/auth/session", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
