package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angtu-eios/portal/internal/app"
	"github.com/angtu-eios/portal/internal/auth"
	"github.com/angtu-eios/portal/internal/backend"
	"github.com/angtu-eios/portal/internal/backend/backendtest"
	"github.com/angtu-eios/portal/internal/news"
	"github.com/angtu-eios/portal/internal/observability"
	"github.com/angtu-eios/portal/internal/platform/httpx"
	"github.com/angtu-eios/portal/internal/rbac"
	rbachttp "github.com/angtu-eios/portal/internal/rbac/http"
	"github.com/angtu-eios/portal/internal/shared"
	"github.com/angtu-eios/portal/internal/tokenstore"
	"github.com/angtu-eios/portal/jobs"
	_ "github.com/angtu-eios/portal/testing"
)

const (
	teacherEmail    = "olga@angtu.ru"
	teacherPassword = "lectures1"
)

type world struct {
	api      *backendtest.Server
	redis    *redis.Client
	provider *tokenstore.RedisProvider
}

func newWorld(t *testing.T) *world {
	t.Helper()
	api := backendtest.New(t)
	api.AddRole(rbac.Role{ID: 1, Name: rbac.RoleStudent})
	api.AddRole(rbac.Role{ID: 2, Name: rbac.RoleTeacher, Permissions: []rbac.Permission{
		{ID: 1, Name: rbac.PermCreateNews},
		{ID: 2, Name: rbac.PermUpdateNews},
		{ID: 3, Name: rbac.PermDeleteNews},
	}})
	api.SetDefaultRoles(rbac.Role{ID: 1, Name: rbac.RoleStudent})
	api.AddUser(backendtest.Account{
		Password: teacherPassword,
		Profile: backend.Profile{
			ID: 7, Username: "olga", Email: teacherEmail, FirstName: "Olga", LastName: "Petrova",
			Roles: []rbac.Role{{ID: 2, Name: rbac.RoleTeacher}},
		},
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return &world{
		api:      api,
		redis:    client,
		provider: tokenstore.NewRedisProvider(client, "e2e:credentials:", time.Hour, tokenstore.NewSealer("seal")),
	}
}

// boot starts a portal instance. Instances booted from one world share the
// API and the credential store, like a restarted process would.
func (w *world) boot(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &app.Config{AppEnv: "development", AppRateLimit: 1000, CSRFSecret: "e2e-csrf"}
	api := backend.NewClient(w.api.URL, 2*time.Second)
	metrics := observability.NewMetrics()
	cache := rbac.NewCache()
	registry := auth.NewRegistry(w.provider, auth.Config{API: api, Cache: cache, Metrics: metrics})
	csrf := shared.NewCSRFManager(cfg.CSRFSecret)

	router := app.NewRouter(app.RouterParams{
		Config:             cfg,
		Sessions:           shared.NewBrowserSessions("portal_session", time.Hour, false),
		CSRF:               csrf,
		AuthHandler:        auth.NewHandler(nil, registry, csrf, 0),
		NewsHandler:        news.NewHandler(nil, news.NewService(api, nil), registry),
		PermissionsHandler: rbachttp.NewHandler(nil, registry, rbac.NewInvalidator(w.redis, cache, "e2e.roles", nil)),
		JobHandler:         jobs.NewHandler(nil, nil),
		Metrics:            metrics,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

type browser struct {
	t      *testing.T
	client *http.Client
	csrf   string
}

func newBrowser(t *testing.T) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{t: t, client: &http.Client{Jar: jar}}
}

func (b *browser) do(method, url string, body any) (*http.Response, []byte) {
	b.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(b.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(b.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.csrf != "" {
		req.Header.Set(shared.CSRFHeader, b.csrf)
	}
	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	return resp, raw
}

func (b *browser) handshake(base string) {
	b.t.Helper()
	resp, raw := b.do(http.MethodGet, base+"/auth/session", nil)
	require.Equal(b.t, http.StatusOK, resp.StatusCode)
	var session struct {
		CSRFToken string `json:"csrfToken"`
	}
	require.NoError(b.t, json.Unmarshal(raw, &session))
	require.NotEmpty(b.t, session.CSRFToken)
	b.csrf = session.CSRFToken
}

func TestPortalSessionLifecycle(t *testing.T) {
	w := newWorld(t)
	portal := w.boot(t)
	b := newBrowser(t)
	login := map[string]string{"email": teacherEmail, "password": teacherPassword}

	resp, _ := b.do(http.MethodPost, portal.URL+"/auth/login", login)
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "login without csrf token")

	b.handshake(portal.URL)
	resp, raw := b.do(http.MethodPost, portal.URL+"/auth/login", login)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = b.do(http.MethodPost, portal.URL+"/news", map[string]string{
		"title": "Exam schedule", "content": "Finals start in June.", "imageUrl": "https://cdn.angtu.ru/exam.png",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var created backend.News
	require.NoError(t, json.Unmarshal(raw, &created))

	resp, raw = b.do(http.MethodGet, portal.URL+"/news", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []news.Item
	require.NoError(t, json.Unmarshal(raw, &items))
	require.Len(t, items, 1)
	assert.True(t, items[0].Capabilities.CanUpdate)
	assert.True(t, items[0].Capabilities.CanDelete)

	// A second portal process restores the browser's session from the store.
	restarted := w.boot(t)
	resp, raw = b.do(http.MethodGet, restarted.URL+"/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	w.api.ExpireAccessTokens()
	resp, raw = b.do(http.MethodDelete, restarted.URL+"/news/"+strconv.FormatInt(created.ID, 10), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(raw))
	assert.Equal(t, 1, w.api.Calls(backendtest.RouteRefresh))

	resp, _ = b.do(http.MethodPost, restarted.URL+"/auth/logout", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, raw = b.do(http.MethodGet, restarted.URL+"/auth/me", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(raw, &problem))
	assert.Equal(t, "/login?from=%2Fauth%2Fme", problem.Redirect)
}

func TestPortalAnonymousAccess(t *testing.T) {
	w := newWorld(t)
	portal := w.boot(t)
	b := newBrowser(t)
	b.handshake(portal.URL)

	resp, _ := b.do(http.MethodGet, portal.URL+"/news", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = b.do(http.MethodPost, portal.URL+"/news", map[string]string{"title": "x", "content": "y"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = b.do(http.MethodGet, portal.URL+"/permissions/mine", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, raw := b.do(http.MethodGet, portal.URL+"/jobs/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = b.do(http.MethodGet, portal.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "portal_http_requests_total")
}

func TestPortalReplicasShareSession(t *testing.T) {
	w := newWorld(t)
	replicaA, replicaB := w.boot(t), w.boot(t)
	b := newBrowser(t)
	b.handshake(replicaA.URL)

	resp, raw := b.do(http.MethodPost, replicaA.URL+"/auth/login", map[string]string{"email": teacherEmail, "password": teacherPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	resp, _ = b.do(http.MethodGet, replicaB.URL+"/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	w.api.ExpireAccessTokens()
	resp, raw = b.do(http.MethodGet, replicaA.URL+"/permissions/mine", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	resp, raw = b.do(http.MethodGet, replicaB.URL+"/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, 1, w.api.Calls(backendtest.RouteRefresh))

	resp, _ = b.do(http.MethodPost, replicaB.URL+"/auth/logout", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = b.do(http.MethodGet, replicaA.URL+"/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
