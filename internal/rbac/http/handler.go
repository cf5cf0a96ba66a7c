// Package http exposes permission introspection and role cache
// administration over HTTP.
package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/angtu-eios/portal/internal/auth"
	"github.com/angtu-eios/portal/internal/platform/httpx"
	"github.com/angtu-eios/portal/internal/rbac"
	"github.com/angtu-eios/portal/internal/shared"
)

// Handler serves the /permissions routes.
type Handler struct {
	logger      *slog.Logger
	registry    *auth.Registry
	invalidator *rbac.Invalidator
	validator   *validator.Validate
}

// NewHandler constructs a Handler. A nil invalidator limits cache resets to
// the local replica.
func NewHandler(logger *slog.Logger, registry *auth.Registry, invalidator *rbac.Invalidator) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		registry:    registry,
		invalidator: invalidator,
		validator:   shared.NewValidator(),
	}
}

// MountRoutes registers permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.registry.RequireAuthenticated)
	r.Get("/mine", h.registry.Handle(h.mine))
	r.Post("/check", h.registry.Handle(h.check))
	r.Group(func(r chi.Router) {
		r.Use(h.registry.RequireAll(rbac.PermManageRoles))
		r.Post("/roles/invalidate", h.registry.Handle(h.invalidateAll))
		r.Post("/roles/{id}/invalidate", h.registry.Handle(h.invalidateRole))
	})
}

type mineResponse struct {
	Permissions []string `json:"permissions"`
	Roles       []string `json:"roles"`
	Effective   []string `json:"effective"`
}

func (h *Handler) mine(w http.ResponseWriter, r *http.Request, sess *auth.Manager) {
	user := sess.User()
	effective := make([]string, 0, len(rbac.Scopes()))
	for _, scope := range rbac.Scopes() {
		if sess.Resolver().HasPermission(r.Context(), user, scope) {
			effective = append(effective, scope)
		}
	}
	httpx.JSON(w, http.StatusOK, mineResponse{
		Permissions: rbac.UserPermissions(user),
		Roles:       rbac.UserRoles(user),
		Effective:   effective,
	})
}

type checkRequest struct {
	Permissions []string `json:"permissions" validate:"required,min=1,dive,required"`
	Mode        string   `json:"mode" validate:"omitempty,oneof=all any"`
}

type checkResponse struct {
	Granted bool `json:"granted"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request, sess *auth.Manager) {
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	req.Mode = strings.ToLower(strings.TrimSpace(req.Mode))
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, shared.ValidationFailure(err))
		return
	}
	resolver := sess.Resolver()
	var granted bool
	if req.Mode == "any" {
		granted = resolver.HasAnyPermission(r.Context(), sess.User(), req.Permissions)
	} else {
		granted = resolver.HasAllPermissions(r.Context(), sess.User(), req.Permissions)
	}
	httpx.JSON(w, http.StatusOK, checkResponse{Granted: granted})
}

func (h *Handler) invalidateRole(w http.ResponseWriter, r *http.Request, sess *auth.Manager) {
	roleID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || roleID <= 0 {
		httpx.RespondError(w, shared.NewValidationError(map[string]string{"id": "must be a positive integer"}))
		return
	}
	if h.invalidator == nil {
		sess.Resolver().Cache().Invalidate(roleID)
	} else if err := h.invalidator.InvalidateRole(r.Context(), roleID); err != nil {
		h.logger.Error("broadcast role invalidation", slog.Int64("role_id", roleID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("role cache invalidated",
		slog.Int64("role_id", roleID),
		slog.String("by", sess.Info().Username))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) invalidateAll(w http.ResponseWriter, r *http.Request, sess *auth.Manager) {
	if h.invalidator == nil {
		sess.Resolver().Cache().Clear()
	} else if err := h.invalidator.InvalidateAll(r.Context()); err != nil {
		h.logger.Error("broadcast role cache reset", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("role cache cleared", slog.String("by", sess.Info().Username))
	w.WriteHeader(http.StatusNoContent)
}
