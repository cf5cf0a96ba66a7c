package news

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/angtu-eios/portal/internal/auth"
	"github.com/angtu-eios/portal/internal/platform/httpx"
	"github.com/angtu-eios/portal/internal/rbac"
	"github.com/angtu-eios/portal/internal/shared"
)

// Handler serves the /news routes.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	registry *auth.Registry
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, registry *auth.Registry) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, registry: registry}
}

// MountRoutes registers news routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.registry.Handle(h.list))
	r.Get("/{id}", h.registry.Handle(h.get))
	r.Group(func(r chi.Router) {
		r.Use(h.registry.RequireAuthenticated)
		r.With(h.registry.RequireAll(rbac.PermCreateNews)).Post("/", h.registry.Handle(h.create))
		r.Patch("/{id}", h.registry.Handle(h.update))
		r.Delete("/{id}", h.registry.Handle(h.delete))
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, sess *auth.Manager) {
	items, err := h.service.ListWithCapabilities(r.Context(), sess)
	if err != nil {
		h.logger.Warn("list news", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, sess *auth.Manager) {
	id, ok := newsID(w, r)
	if !ok {
		return
	}
	item, err := h.service.GetWithCapabilities(r.Context(), sess, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, sess *auth.Manager) {
	var in Input
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	created, err := h.service.Create(r.Context(), sess, in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request, sess *auth.Manager) {
	id, ok := newsID(w, r)
	if !ok {
		return
	}
	var in Input
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	updated, err := h.service.Update(r.Context(), sess, id, in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request, sess *auth.Manager) {
	id, ok := newsID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), sess, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newsID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.NewValidationError(map[string]string{"id": "must be a positive integer"}))
		return 0, false
	}
	return id, true
}
