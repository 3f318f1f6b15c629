package roles

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/platform/httpx"
	"github.com/odyssey-erp/bursary/internal/rbac"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// Gate authorizes requests on typed permissions.
type Gate interface {
	RequireAll(perms ...access.Permission) func(http.Handler) http.Handler
}

// Handler manages role management endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	gate    Gate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, gate Gate) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, gate: gate}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireAll(access.PermManageRoles))
		r.Get("/", h.listRoles)
		r.Get("/permissions", h.catalog)
		r.Post("/", h.createRole)
		r.Put("/{id}", h.updateGrants)
		r.Delete("/{id}", h.deleteRole)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("list roles failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) catalog(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"modules": Catalog()})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var in Input
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	role, err := h.service.CreateRole(r.Context(), actorID(r), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Location", "/api/roles/"+strconv.FormatInt(role.ID, 10))
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateGrants(w http.ResponseWriter, r *http.Request) {
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	var in Input
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	role, err := h.service.UpdateGrants(r.Context(), actorID(r), id, in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), actorID(r), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", verr.Err.Error())
	case errors.Is(err, rbac.ErrRoleNameRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role name required")
	case errors.Is(err, rbac.ErrRoleInUse):
		httpx.Problem(w, http.StatusConflict, "Conflict", "role is still assigned to users")
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrDuplicate):
		httpx.RespondError(w, err)
	default:
		h.logger.Error("roles request", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid role id")
		return 0, false
	}
	return id, true
}

func actorID(r *http.Request) string {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		return sess.User()
	}
	return ""
}
