package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/angtu-eios/portal/internal/platform/httpx"
	"github.com/angtu-eios/portal/internal/rbac"
	"github.com/angtu-eios/portal/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger      *slog.Logger
	registry    *Registry
	csrfManager *shared.CSRFManager
	validator   *validator.Validate
	loginLimit  int
}

// NewHandler constructs a Handler instance. loginLimit caps login and
// registration attempts per client IP and minute; zero disables the cap.
func NewHandler(logger *slog.Logger, registry *Registry, csrf *shared.CSRFManager, loginLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		registry:    registry,
		csrfManager: csrf,
		validator:   shared.NewValidator(),
		loginLimit:  loginLimit,
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.loginLimit > 0 {
			r.Use(httprate.Limit(h.loginLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		}
		r.Post("/login", h.registry.Handle(h.handleLogin))
		r.Post("/register", h.registry.Handle(h.handleRegister))
	})
	r.Post("/logout", h.registry.Handle(h.handleLogout))
	r.Get("/session", h.registry.Handle(h.handleSession))
	r.With(h.registry.RequireAuthenticated).Get("/me", h.registry.Handle(h.handleMe))
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	Info
	CSRFToken string `json:"csrfToken,omitempty"`
}

type meResponse struct {
	User        *User    `json:"user"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request, sess *Manager) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, shared.ValidationFailure(err))
		return
	}
	if _, err := sess.Login(r.Context(), req.Email, req.Password); err != nil {
		h.logger.Info("login failed", slog.String("email", req.Email), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.session(r, sess))
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request, sess *Manager) {
	var req Registration
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if _, err := sess.Register(r.Context(), req); err != nil {
		h.logger.Info("registration failed", slog.String("email", req.Email), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, h.session(r, sess))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request, sess *Manager) {
	sess.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request, sess *Manager) {
	httpx.JSON(w, http.StatusOK, h.session(r, sess))
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request, sess *Manager) {
	user := sess.User()
	if user == nil {
		respondLoginRequired(w, r)
		return
	}
	httpx.JSON(w, http.StatusOK, meResponse{
		User:        user,
		Roles:       rbac.UserRoles(user),
		Permissions: rbac.UserPermissions(user),
	})
}

func (h *Handler) session(r *http.Request, sess *Manager) sessionResponse {
	resp := sessionResponse{Info: sess.Info()}
	if h.csrfManager != nil {
		resp.CSRFToken = h.csrfManager.Token(shared.SessionIDFromContext(r.Context()))
	}
	return resp
}
