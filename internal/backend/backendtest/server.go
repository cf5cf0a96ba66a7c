// Package backendtest provides an in-process fake of the EIOS API for tests.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/angtu-eios/portal/internal/backend"
	"github.com/angtu-eios/portal/internal/rbac"
)

// Route keys accepted by Calls and FailNext.
const (
	RouteLogin      = "POST /auth/login"
	RouteRegister   = "POST /auth/register"
	RouteRefresh    = "POST /auth/refresh"
	RouteLogout     = "POST /auth/logout"
	RouteProfile    = "GET /auth/{username}"
	RouteRole       = "GET /roles/{id}"
	RouteListNews   = "GET /news"
	RouteGetNews    = "GET /news/{id}"
	RouteCreateNews = "POST /news"
	RouteUpdateNews = "PATCH /news/{id}"
	RouteDeleteNews = "DELETE /news/{id}"
)

// AccessTokenTTL is the lifetime stamped into issued access tokens.
const AccessTokenTTL = 15 * time.Minute

var signingKey = []byte("backendtest")

// Account is a user known to the fake API.
type Account struct {
	Password string
	Profile  backend.Profile
}

// Server is a fake EIOS API backed by maps.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	accounts     map[string]*Account
	roles        map[int64]rbac.Role
	news         map[int64]backend.News
	access       map[string]string
	refresh      map[string]string
	calls        map[string]int
	failures     map[string][]int
	defaultRoles []rbac.Role
	nextUserID   int64
	nextNewsID   int64
	seq          int
}

// New starts a fake API that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		accounts:   make(map[string]*Account),
		roles:      make(map[int64]rbac.Role),
		news:       make(map[int64]backend.News),
		access:     make(map[string]string),
		refresh:    make(map[string]string),
		calls:      make(map[string]int),
		failures:   make(map[string][]int),
		nextUserID: 1000,
		nextNewsID: 1,
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/auth/login", s.login)
	r.Post("/auth/register", s.register)
	r.Post("/auth/refresh", s.refreshTokens)
	r.Post("/auth/logout", s.logout)
	r.Get("/auth/{username}", s.profile)
	r.Get("/roles/{id}", s.role)
	r.Get("/news", s.listNews)
	r.Post("/news", s.createNews)
	r.Get("/news/{id}", s.getNews)
	r.Patch("/news/{id}", s.updateNews)
	r.Delete("/news/{id}", s.deleteNews)
	return r
}

// AddUser registers an account. A zero profile id is assigned automatically.
func (s *Server) AddUser(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Profile.ID == 0 {
		s.nextUserID++
		a.Profile.ID = s.nextUserID
	}
	s.accounts[strings.ToLower(a.Profile.Email)] = &a
}

// AddRole registers a role with its permissions.
func (s *Server) AddRole(role rbac.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role.ID] = role
}

// SetDefaultRoles sets the roles attached to newly registered accounts.
func (s *Server) SetDefaultRoles(roles ...rbac.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultRoles = roles
}

// AddNews stores a news item and returns it with its assigned id.
func (s *Server) AddNews(item backend.News) backend.News {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == 0 {
		item.ID = s.nextNewsID
		s.nextNewsID++
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.news[item.ID] = item
	return item
}

// IssueTokens mints a token pair for an existing username.
func (s *Server) IssueTokens(username string) (accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(username)
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RevokeRefreshTokens invalidates every refresh token issued so far.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

// FailNext makes the next calls of route answer with the given statuses.
func (s *Server) FailNext(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], statuses...)
}

// Calls reports how many requests reached route.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// ActiveAccessTokens reports how many access tokens are currently valid.
func (s *Server) ActiveAccessTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.access)
}

func (s *Server) issueLocked(username string) (string, string) {
	s.seq++
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		ID:        strconv.Itoa(s.seq),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenTTL)),
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	refreshToken := fmt.Sprintf("refresh-%d", s.seq)
	s.access[accessToken] = username
	s.refresh[refreshToken] = username
	return accessToken, refreshToken
}

// track counts the call and reports whether a queued failure was served.
func (s *Server) track(w http.ResponseWriter, r *http.Request) bool {
	route := r.Method + " " + chi.RouteContext(r.Context()).RoutePattern()
	s.mu.Lock()
	s.calls[route]++
	var status int
	if queued := s.failures[route]; len(queued) > 0 {
		status = queued[0]
		s.failures[route] = queued[1:]
	}
	s.mu.Unlock()
	if status != 0 {
		writeMessage(w, status, http.StatusText(status))
		return true
	}
	return false
}

func (s *Server) bearer(r *http.Request) (string, bool) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.access[raw]
	return username, ok
}

func (s *Server) accountByUsername(username string) *Account {
	for _, a := range s.accounts {
		if a.Profile.Username == username {
			return a
		}
	}
	return nil
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if s.track(w, r) {
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed body")
		return
	}
	s.mu.Lock()
	account, ok := s.accounts[strings.ToLower(body.Email)]
	if !ok || account.Password != body.Password {
		s.mu.Unlock()
		writeMessage(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	accessToken, refreshToken := s.issueLocked(account.Profile.Username)
	username := account.Profile.Username
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, backend.LoginResponse{AccessToken: accessToken, RefreshToken: refreshToken, Username: username})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	if s.track(w, r) {
		return
	}
	var body backend.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(body.Email)
	if _, exists := s.accounts[key]; exists {
		writeMessage(w, http.StatusConflict, "user already exists")
		return
	}
	s.nextUserID++
	username := strings.SplitN(key, "@", 2)[0]
	roles := make([]rbac.Role, len(s.defaultRoles))
	copy(roles, s.defaultRoles)
	s.accounts[key] = &Account{
		Password: body.Password,
		Profile: backend.Profile{
			ID: s.nextUserID, Username: username, Email: body.Email,
			FirstName: body.FirstName, LastName: body.LastName, Roles: roles,
		},
	}
	writeJSON(w, http.StatusCreated, backend.UserSummary{ID: s.nextUserID, Email: body.Email, Username: username})
}

func (s *Server) refreshTokens(w http.ResponseWriter, r *http.Request) {
	if s.track(w, r) {
		return
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed body")
		return
	}
	s.mu.Lock()
	username, ok := s.refresh[body.RefreshToken]
	if !ok {
		s.mu.Unlock()
		writeMessage(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	delete(s.refresh, body.RefreshToken)
	accessToken, refreshToken := s.issueLocked(username)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, backend.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if s.track(w, r) {
		return
	}
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	_, ok := s.access[raw]
	delete(s.access, raw)
	s.mu.Unlock()
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unknown token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	if s.track(w, r) {
		return
	}
	if _, ok := s.bearer(r); !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.mu.Lock()
	account := s.accountByUsername(chi.URLParam(r, "username"))
	s.mu.Unlock()
	if account == nil {
		writeMessage(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, account.Profile)
}

func (s *Server) role(w http.ResponseWriter, r *http.Request) {
	if s.track(w, r) {
		return
	}
	if _, ok := s.bearer(r); !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	s.mu.Lock()
	role, ok := s.roles[id]
	s.mu.Unlock()
	if !ok {
		writeMessage(w, http.StatusNotFound, "role not found")
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) listNews(w http.ResponseWriter, r *http.Request) {
	if s.track(w, r) {
		return
	}
	s.mu.Lock()
	items := make([]backend.News, 0, len(s.news))
	for id := int64(1); id < s.nextNewsID; id++ {
		if item, ok := s.news[id]; ok {
			items = append(items, item)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) getNews(w http.ResponseWriter, r *http.Request) {
	if s.track(w, r) {
		return
	}
	item, ok := s.lookupNews(r)
	if !ok {
		writeMessage(w, http.StatusNotFound, "news not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) createNews(w http.ResponseWriter, r *http.Request) {
	if s.track(w, r) {
		return
	}
	username, ok := s.bearer(r)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body backend.NewsPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed body")
		return
	}
	s.mu.Lock()
	author := s.accountByUsername(username)
	s.mu.Unlock()
	item := backend.News{Title: body.Title, Content: body.Content, Images: body.Images}
	if author != nil {
		item.AuthorID = author.Profile.ID
		item.Author = &backend.Author{ID: author.Profile.ID, FirstName: author.Profile.FirstName, LastName: author.Profile.LastName}
	}
	writeJSON(w, http.StatusCreated, s.AddNews(item))
}

func (s *Server) updateNews(w http.ResponseWriter, r *http.Request) {
	if s.track(w, r) {
		return
	}
	item, ok := s.authorizeAuthor(w, r)
	if !ok {
		return
	}
	var body backend.NewsPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed body")
		return
	}
	item.Title, item.Content, item.Images = body.Title, body.Content, body.Images
	s.mu.Lock()
	s.news[item.ID] = item
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) deleteNews(w http.ResponseWriter, r *http.Request) {
	if s.track(w, r) {
		return
	}
	item, ok := s.authorizeAuthor(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.news, item.ID)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authorizeAuthor(w http.ResponseWriter, r *http.Request) (backend.News, bool) {
	username, ok := s.bearer(r)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return backend.News{}, false
	}
	item, ok := s.lookupNews(r)
	if !ok {
		writeMessage(w, http.StatusNotFound, "news not found")
		return backend.News{}, false
	}
	s.mu.Lock()
	account := s.accountByUsername(username)
	s.mu.Unlock()
	if account == nil || account.Profile.ID != item.AuthorID {
		writeMessage(w, http.StatusForbidden, "not the author")
		return backend.News{}, false
	}
	return item, true
}

func (s *Server) lookupNews(r *http.Request) (backend.News, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return backend.News{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.news[id]
	return item, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"statusCode": status, "message": message})
}
