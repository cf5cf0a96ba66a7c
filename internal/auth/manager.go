// Package auth implements the portal session lifecycle: login, registration,
// token refresh, logout and restoring a stored session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/angtu-eios/portal/internal/backend"
	"github.com/angtu-eios/portal/internal/observability"
	"github.com/angtu-eios/portal/internal/rbac"
	"github.com/angtu-eios/portal/internal/shared"
	"github.com/angtu-eios/portal/internal/tokenstore"
)

// API is the part of the EIOS API used by a session.
type API interface {
	Login(ctx context.Context, email, password string) (backend.LoginResponse, error)
	Register(ctx context.Context, req backend.RegisterRequest) (backend.UserSummary, error)
	Refresh(ctx context.Context, refreshToken string) (backend.TokenPair, error)
	Logout(ctx context.Context, accessToken string) error
	Profile(ctx context.Context, accessToken, username string) (backend.Profile, error)
	Role(ctx context.Context, accessToken string, roleID int64) (rbac.Role, error)
}

// LogoutRetrier defers a failed backend logout notification.
type LogoutRetrier interface {
	EnqueueLogoutNotify(ctx context.Context, accessToken string) error
}

// Config collects the dependencies of a Manager.
type Config struct {
	API           API
	Store         tokenstore.Store
	Cache         *rbac.Cache
	Logger        *slog.Logger
	Metrics       *observability.Metrics
	LogoutRetrier LogoutRetrier
}

// Manager owns at most one session and keeps it in sync with durable storage.
// Other portal replicas may write the same record; persisted holds the
// record as this manager last saw it, so a differing stored record means
// another replica refreshed, logged in or logged out.
type Manager struct {
	api      API
	store    tokenstore.Store
	logger   *slog.Logger
	metrics  *observability.Metrics
	retrier  LogoutRetrier
	resolver *rbac.Resolver
	validate *validator.Validate

	mu        sync.RWMutex
	creds     tokenstore.Credentials
	persisted tokenstore.Credentials
	user      *User
	state     State

	loading      atomic.Bool
	refreshGroup singleflight.Group
}

// NewManager constructs a Manager with an empty session.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		api:      cfg.API,
		store:    cfg.Store,
		logger:   logger.With(slog.String("component", "auth")),
		metrics:  cfg.Metrics,
		retrier:  cfg.LogoutRetrier,
		validate: shared.NewValidator(),
	}
	m.resolver = rbac.NewResolver(rbac.ResolverConfig{
		Fetcher: cfg.API,
		Cache:   cfg.Cache,
		Tokens:  m,
		Logger:  logger,
		Metrics: cfg.Metrics,
	})
	return m
}

// Resolver returns the permission resolver bound to this session.
func (m *Manager) Resolver() *rbac.Resolver {
	return m.resolver
}

// Login authenticates with email and password, persists the token pair and
// loads the identity. A session is never left without an identity.
func (m *Manager) Login(ctx context.Context, email, password string) (*User, error) {
	m.setState(StateAuthenticating)
	resp, err := m.api.Login(ctx, email, password)
	if err != nil {
		m.settleState()
		return nil, loginFailure(err)
	}
	creds := tokenstore.Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Username:     resp.Username,
	}
	if !creds.Complete() {
		m.settleState()
		return nil, fmt.Errorf("auth: login: incomplete token response: %w", shared.ErrAuth)
	}
	if err := m.store.Save(ctx, creds); err != nil {
		m.settleState()
		return nil, fmt.Errorf("auth: persist credentials: %w", err)
	}
	m.mu.Lock()
	m.creds = creds
	m.persisted = creds
	m.user = nil
	m.mu.Unlock()

	user, err := m.FetchUserProfile(ctx, creds.Username)
	if err != nil {
		m.logger.Warn("profile fetch after login failed",
			slog.String("username", creds.Username),
			slog.Any("error", err))
		m.teardown(ctx, StateUnauthenticated)
		return nil, fmt.Errorf("auth: login: %w: %v", shared.ErrProfileUnavailable, err)
	}
	m.logger.Info("session established", slog.String("username", user.Username))
	return user, nil
}

func loginFailure(err error) error {
	var status *backend.StatusError
	if errors.As(err, &status) && status.Status >= 400 && status.Status < 500 {
		return fmt.Errorf("auth: login: %w", shared.ErrInvalidCredentials)
	}
	return fmt.Errorf("auth: login: %w", err)
}

// Register creates an account and then logs in with the same credentials.
func (m *Manager) Register(ctx context.Context, reg Registration) (*User, error) {
	reg = reg.normalized()
	if err := m.validate.Struct(reg); err != nil {
		return nil, shared.ValidationFailure(err)
	}
	_, err := m.api.Register(ctx, backend.RegisterRequest{
		Email:     reg.Email,
		Password:  reg.Password,
		FirstName: reg.FirstName,
		LastName:  reg.LastName,
	})
	if err != nil {
		var status *backend.StatusError
		if errors.As(err, &status) && status.Status >= 400 && status.Status < 500 {
			msg := status.Message
			if msg == "" {
				msg = "registration rejected"
			}
			return nil, &shared.ValidationError{Message: msg}
		}
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	return m.Login(ctx, reg.Email, reg.Password)
}

// Refresh exchanges the refresh token for a new pair and returns the new
// access token. Concurrent callers share one exchange.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	ch := m.refreshGroup.DoChan("refresh", func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	current := m.creds
	persisted := m.persisted
	prev := m.state
	m.mu.Unlock()

	stored, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("load stored credentials before refresh", slog.Any("error", err))
		stored = persisted
	}
	if stored != persisted {
		if !stored.Complete() {
			m.metrics.ObserveRefresh("expired")
			m.logger.Info("stored session cleared by another replica", slog.String("username", current.Username))
			m.dropLocal(StateUnauthenticated)
			return "", fmt.Errorf("auth: refresh: %w", shared.ErrSessionExpired)
		}
		m.metrics.ObserveRefresh("adopted")
		m.adopt(stored)
		return stored.AccessToken, nil
	}

	if current.RefreshToken == "" {
		m.metrics.ObserveRefresh("skipped")
		return "", fmt.Errorf("auth: refresh: %w", shared.ErrSessionExpired)
	}
	m.setState(StateRefreshing)

	pair, err := m.api.Refresh(ctx, current.RefreshToken)
	if err == nil && pair.AccessToken == "" {
		err = &backend.StatusError{Method: "POST", Path: "/auth/refresh", Status: 401, Message: "empty access token"}
	}
	if err != nil {
		if isRefreshRejection(err) {
			return m.handleRejectedRefresh(ctx, current)
		}
		m.metrics.ObserveRefresh("error")
		m.setState(prev)
		return "", fmt.Errorf("auth: refresh: %w", err)
	}

	if pair.RefreshToken == "" {
		pair.RefreshToken = current.RefreshToken
	}
	creds := tokenstore.Credentials{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Username:     current.Username,
	}
	saveErr := m.store.Save(ctx, creds)

	m.mu.Lock()
	m.creds = creds
	if saveErr == nil {
		m.persisted = creds
	}
	if m.user != nil {
		m.state = StateAuthenticated
	} else {
		m.state = prev
	}
	m.mu.Unlock()

	if saveErr != nil {
		m.metrics.ObserveRefresh("unpersisted")
		m.logger.Error("refreshed credentials kept in memory only",
			slog.String("username", current.Username),
			slog.Any("error", saveErr))
		return creds.AccessToken, nil
	}
	m.metrics.ObserveRefresh("ok")
	return creds.AccessToken, nil
}

// isRefreshRejection reports whether the API refused the refresh token
// itself. Other client errors, such as rate limiting, leave the session alone.
func isRefreshRejection(err error) bool {
	var status *backend.StatusError
	if !errors.As(err, &status) {
		return false
	}
	return status.Status == 401 || status.Status == 403
}

// handleRejectedRefresh ends the session after a refused refresh token,
// unless another replica rotated the token concurrently, in which case its
// stored pair is adopted.
func (m *Manager) handleRejectedRefresh(ctx context.Context, sent tokenstore.Credentials) (string, error) {
	stored, err := m.store.Load(ctx)
	if err == nil && stored.Complete() && stored.RefreshToken != sent.RefreshToken {
		m.metrics.ObserveRefresh("adopted")
		m.adopt(stored)
		return stored.AccessToken, nil
	}
	m.metrics.ObserveRefresh("expired")
	m.logger.Info("refresh token rejected", slog.String("username", sent.Username))
	m.teardown(ctx, StateExpired)
	return "", fmt.Errorf("auth: refresh: %w", shared.ErrSessionExpired)
}

// adopt takes over a pair written by another replica for the same user.
func (m *Manager) adopt(creds tokenstore.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	m.persisted = creds
	if m.user != nil {
		m.state = StateAuthenticated
	}
}

// Logout notifies the API on a best-effort basis and always clears the
// session. It is safe to call repeatedly.
func (m *Manager) Logout(ctx context.Context) {
	token := m.AccessToken()
	if token != "" {
		m.notifyLogout(ctx, token)
	}
	m.teardown(ctx, StateUnauthenticated)
}

func (m *Manager) notifyLogout(ctx context.Context, token string) {
	err := m.api.Logout(ctx, token)
	if err == nil {
		m.metrics.ObserveLogoutNotify("ok")
		return
	}
	m.logger.Warn("backend logout failed", slog.Any("error", err))
	if m.retrier == nil || errors.Is(err, shared.ErrUnauthorized) {
		m.metrics.ObserveLogoutNotify("failed")
		return
	}
	if err := m.retrier.EnqueueLogoutNotify(context.WithoutCancel(ctx), token); err != nil {
		m.logger.Warn("defer logout notification", slog.Any("error", err))
		m.metrics.ObserveLogoutNotify("failed")
		return
	}
	m.metrics.ObserveLogoutNotify("deferred")
}

// RestoreOnStartup revives a stored session. Loading reports true while it
// runs. A stored session that cannot be revalidated is cleared.
func (m *Manager) RestoreOnStartup(ctx context.Context) {
	m.loading.Store(true)
	defer m.loading.Store(false)

	creds, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("load stored credentials", slog.Any("error", err))
		if errors.Is(err, tokenstore.ErrUnseal) {
			m.teardown(ctx, StateUnauthenticated)
		}
		return
	}
	m.revive(ctx, creds)
}

// Sync reconciles the session with durable storage. A record cleared by
// another replica ends the local session; a record rewritten by another
// replica replaces the local one.
func (m *Manager) Sync(ctx context.Context) {
	m.mu.RLock()
	persisted := m.persisted
	username := m.creds.Username
	hasUser := m.user != nil
	busy := m.state == StateAuthenticating || m.state == StateRefreshing
	m.mu.RUnlock()
	if busy || m.Loading() {
		return
	}

	stored, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("sync stored credentials", slog.Any("error", err))
		if errors.Is(err, tokenstore.ErrUnseal) {
			m.teardown(ctx, StateUnauthenticated)
		}
		return
	}
	switch {
	case stored == persisted:
	case !stored.Complete():
		if persisted.Empty() {
			return
		}
		m.logger.Info("session ended by another replica", slog.String("username", username))
		m.dropLocal(StateUnauthenticated)
	case hasUser && stored.Username == username:
		m.adopt(stored)
	default:
		m.revive(ctx, stored)
	}
}

// revive loads the identity behind stored credentials, refreshing once when
// the access token is no longer accepted.
func (m *Manager) revive(ctx context.Context, creds tokenstore.Credentials) {
	if creds.Empty() {
		return
	}
	if !creds.Complete() {
		m.logger.Info("discarding incomplete stored credentials")
		m.teardown(ctx, StateUnauthenticated)
		return
	}

	m.mu.Lock()
	m.creds = creds
	m.persisted = creds
	m.user = nil
	m.state = StateAuthenticating
	m.mu.Unlock()

	profile, err := m.api.Profile(ctx, creds.AccessToken, creds.Username)
	if err != nil {
		token, refreshErr := m.Refresh(ctx)
		if refreshErr != nil {
			m.logger.Info("stored session expired", slog.Any("error", refreshErr))
			m.teardown(ctx, StateUnauthenticated)
			return
		}
		profile, err = m.api.Profile(ctx, token, creds.Username)
	}
	if err != nil {
		m.logger.Info("stored session could not be revalidated", slog.Any("error", err))
		m.teardown(ctx, StateUnauthenticated)
		return
	}
	m.setUser(userFromProfile(profile))
}

// FetchUserProfile loads the identity of username. A 401 triggers exactly one
// refresh and one retry.
func (m *Manager) FetchUserProfile(ctx context.Context, username string) (*User, error) {
	profile, err := m.api.Profile(ctx, m.AccessToken(), username)
	if errors.Is(err, shared.ErrUnauthorized) {
		token, refreshErr := m.Refresh(ctx)
		if refreshErr != nil {
			return nil, refreshErr
		}
		profile, err = m.api.Profile(ctx, token, username)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: fetch profile %q: %w", username, err)
	}
	user := userFromProfile(profile)
	m.setUser(user)
	return user, nil
}

// User returns the current identity or nil.
func (m *Manager) User() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user
}

// AccessToken returns the current access token.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.AccessToken
}

// IsAuthenticated reports whether an identity is loaded.
func (m *Manager) IsAuthenticated() bool {
	return m.User() != nil
}

// Loading reports whether a startup restore is in progress.
func (m *Manager) Loading() bool {
	return m.loading.Load()
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Info describes the session. The expiry is read from the access token
// without verification when the token is a JWT.
func (m *Manager) Info() Info {
	m.mu.RLock()
	info := Info{
		Authenticated: m.user != nil,
		State:         m.state.String(),
		Username:      m.creds.Username,
		User:          m.user,
	}
	token := m.creds.AccessToken
	m.mu.RUnlock()

	info.Loading = m.Loading()
	if exp, ok := tokenExpiry(token); ok {
		info.ExpiresAt = &exp
	}
	return info
}

func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (m *Manager) setUser(user *User) {
	m.mu.Lock()
	m.user = user
	m.state = StateAuthenticated
	m.mu.Unlock()
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// settleState drops a transient state after a failed attempt.
func (m *Manager) settleState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user != nil {
		m.state = StateAuthenticated
		return
	}
	m.state = StateUnauthenticated
}

// teardown clears durable and in-memory session state.
func (m *Manager) teardown(ctx context.Context, state State) {
	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn("clear stored credentials", slog.Any("error", err))
	}
	m.dropLocal(state)
}

// dropLocal clears in-memory session state only.
func (m *Manager) dropLocal(state State) {
	m.mu.Lock()
	m.creds = tokenstore.Credentials{}
	m.persisted = tokenstore.Credentials{}
	m.user = nil
	m.state = state
	m.mu.Unlock()
}
