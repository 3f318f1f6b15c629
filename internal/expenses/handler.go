package expenses

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/platform/httpx"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// Gate authorizes requests on typed permissions.
type Gate interface {
	RequireAll(perms ...access.Permission) func(http.Handler) http.Handler
}

// Handler manages expense endpoints.
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

// MountRoutes registers expense routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.gate.RequireAll(access.PermManageExpenses))
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/types", h.types)
	r.Get("/summary", h.summary)
	r.Get("/{id}", h.get)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.remove)
}

func (h *Handler) types(w http.ResponseWriter, r *http.Request) {
	types, err := h.service.Types(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	if types == nil {
		types = []ExpenseType{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"expense_types": types})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	page, perPage := shared.PageRequest(r)
	items, pagination, err := h.service.List(r.Context(), f, page, perPage)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if items == nil {
		items = []Expense{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"expenses": items, "pagination": pagination})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	sum, err := h.service.Summarize(r.Context(), f, Period(r.URL.Query().Get("period")))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := expenseID(w, r)
	if !ok {
		return
	}
	e, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, e)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in Input
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	in.ActorID = actorID(r)
	e, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Location", "/api/expenses/"+strconv.FormatInt(e.ID, 10))
	httpx.JSON(w, http.StatusCreated, e)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := expenseID(w, r)
	if !ok {
		return
	}
	var in Input
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	in.ActorID = actorID(r)
	e, err := h.service.Update(r.Context(), id, in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, e)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := expenseID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, actorID(r)); err != nil {
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
	case errors.Is(err, ErrExpenseNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "expense not found")
	case errors.Is(err, ErrTypeNotFound):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", "expense type does not exist")
	default:
		h.logger.Error("expenses request", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func expenseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "expense not found")
		return 0, false
	}
	return id, true
}

// parseFilter reads type_id, from, to (YYYY-MM-DD) and q.
func parseFilter(w http.ResponseWriter, r *http.Request) (Filter, bool) {
	q := r.URL.Query()
	f := Filter{Search: strings.TrimSpace(q.Get("q"))}
	if raw := q.Get("type_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "type_id must be a positive integer")
			return Filter{}, false
		}
		f.TypeID = id
	}
	for _, field := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := q.Get(field.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", field.name+" must be a YYYY-MM-DD date")
			return Filter{}, false
		}
		*field.dst = t
	}
	return f, true
}

func actorID(r *http.Request) string {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		return sess.User()
	}
	return ""
}
