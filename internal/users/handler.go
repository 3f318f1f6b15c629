package users

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/platform/httpx"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// Gate authorizes requests on typed permissions.
type Gate interface {
	RequireAll(perms ...access.Permission) func(http.Handler) http.Handler
}

// Handler manages user management endpoints.
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

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireAll(access.PermManageUsers))
		r.Get("/", h.listUsers)
		r.Post("/", h.createUser)
		r.Patch("/{id}", h.updateUser)
		r.Post("/{id}/force-password-reset", h.forcePasswordReset)
	})
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	page, perPage := shared.PageRequest(r)
	users, pagination, err := h.service.ListUsers(r.Context(), page, perPage)
	if err != nil {
		h.logger.Error("list users failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if users == nil {
		users = []User{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": users, "pagination": pagination})
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	created, err := h.service.CreateUser(r.Context(), actorID(r), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Location", "/api/users/"+created.User.ID)
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	var in UpdateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	user, err := h.service.UpdateUser(r.Context(), actorID(r), chi.URLParam(r, "id"), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) forcePasswordReset(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ForcePasswordReset(r.Context(), actorID(r), chi.URLParam(r, "id")); err != nil {
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
	case errors.Is(err, ErrNothingToUpdate):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "no fields to update")
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrDuplicate):
		httpx.RespondError(w, err)
	default:
		h.logger.Error("users request", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func actorID(r *http.Request) string {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		return sess.User()
	}
	return ""
}
