package billing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/platform/httpx"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// IdempotencyHeader carries the client supplied batch key.
const IdempotencyHeader = "Idempotency-Key"

// Enqueuer hands batches to the background worker.
type Enqueuer interface {
	EnqueueBulkPayments(ctx context.Context, in BulkPaymentInput) (string, error)
	EnqueueScheduleFees(ctx context.Context, in ScheduleFeesInput) (string, error)
}

// Gate authorizes requests on typed permissions.
type Gate interface {
	RequireAll(perms ...access.Permission) func(http.Handler) http.Handler
	RequireAny(perms ...access.Permission) func(http.Handler) http.Handler
}

// Handler manages billing endpoints.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	gate           Gate
	enqueuer       Enqueuer
	asyncThreshold int
}

// NewHandler builds Handler instance. enqueuer may be nil, in which case
// every batch runs inline. Batches larger than asyncThreshold go to the
// worker when an enqueuer is present; zero disables the threshold.
func NewHandler(logger *slog.Logger, service *Service, gate Gate, enqueuer Enqueuer, asyncThreshold int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, gate: gate, enqueuer: enqueuer, asyncThreshold: asyncThreshold}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireAny(access.PermManagePayments, access.PermManageFees))
		r.Get("/fees/types", h.listFeeTypes)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireAll(access.PermManageStudents))
		r.Get("/students", h.listStudents)
		r.Post("/students", h.createStudent)
		r.Get("/students/{id}", h.getStudent)
		r.Patch("/students/{id}", h.updateStudent)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireAll(access.PermManagePayments))
		r.Get("/payments", h.listPayments)
		r.Post("/payments", h.recordPayment)
		r.Get("/payments/{id}", h.getPayment)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireAll(access.PermManagePayments, access.PermManageStudents))
		r.Post("/payments/bulk", h.bulkPayments)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireAll(access.PermManageFees, access.PermManageStudents))
		r.Post("/fees/schedule", h.scheduleFees)
	})
}

type queuedResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func (h *Handler) listFeeTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.service.FeeTypes(r.Context())
	if err != nil {
		h.logger.Error("list fee types", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if types == nil {
		types = []FeeType{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"fee_types": types})
}

func (h *Handler) listStudents(w http.ResponseWriter, r *http.Request) {
	page, perPage := shared.PageRequest(r)
	students, pagination, err := h.service.Students(r.Context(), strings.TrimSpace(r.URL.Query().Get("class")), page, perPage)
	if err != nil {
		h.logger.Error("list students", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if students == nil {
		students = []Student{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"students": students, "pagination": pagination})
}

func (h *Handler) createStudent(w http.ResponseWriter, r *http.Request) {
	var in StudentInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	in.ActorID = actorID(r)
	student, err := h.service.CreateStudent(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Location", "/api/students/"+student.ID)
	httpx.JSON(w, http.StatusCreated, student)
}

func (h *Handler) getStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := studentParam(w, r)
	if !ok {
		return
	}
	account, err := h.service.Student(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, account)
}

func (h *Handler) updateStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := studentParam(w, r)
	if !ok {
		return
	}
	var in StudentUpdate
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	in.ActorID = actorID(r)
	student, err := h.service.UpdateStudent(r.Context(), id, in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, student)
}

func studentParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "student not found")
		return "", false
	}
	return id.String(), true
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	studentID := strings.TrimSpace(r.URL.Query().Get("student_id"))
	if studentID != "" {
		id, err := uuid.Parse(studentID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "student_id must be a UUID")
			return
		}
		studentID = id.String()
	}
	page, perPage := shared.PageRequest(r)
	payments, pagination, err := h.service.Payments(r.Context(), studentID, page, perPage)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if payments == nil {
		payments = []Payment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments, "pagination": pagination})
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var in PaymentRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	in.ProcessedBy = actorID(r)
	payment, err := h.service.RecordPayment(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Location", "/api/payments/"+strconv.FormatInt(payment.ID, 10))
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "payment not found")
		return
	}
	payment, err := h.service.Payment(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

func (h *Handler) bulkPayments(w http.ResponseWriter, r *http.Request) {
	var in BulkPaymentInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	in.ProcessedBy = actorID(r)
	in.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyHeader))

	if h.shouldQueue(r, len(in.StudentIDs)) {
		if err := h.service.ValidateBulkPayments(in); err != nil {
			h.respondError(w, err)
			return
		}
		id, err := h.enqueuer.EnqueueBulkPayments(r.Context(), in)
		h.respondQueued(w, id, err)
		return
	}

	out, err := h.service.BulkPayments(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, batchStatus(out.Attempted, len(out.Failed)), out)
}

func (h *Handler) scheduleFees(w http.ResponseWriter, r *http.Request) {
	var in ScheduleFeesInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	in.ActorID = actorID(r)
	in.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyHeader))

	if h.shouldQueue(r, len(in.StudentIDs)) {
		if err := h.service.ValidateScheduleFees(in); err != nil {
			h.respondError(w, err)
			return
		}
		id, err := h.enqueuer.EnqueueScheduleFees(r.Context(), in)
		h.respondQueued(w, id, err)
		return
	}

	out, err := h.service.ScheduleFees(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, batchStatus(out.Attempted, len(out.Failed)), out)
}

func (h *Handler) shouldQueue(r *http.Request, size int) bool {
	if h.enqueuer == nil {
		return false
	}
	if r.URL.Query().Get("async") == "1" {
		return true
	}
	return h.asyncThreshold > 0 && size > h.asyncThreshold
}

func (h *Handler) respondQueued(w http.ResponseWriter, id string, err error) {
	if err != nil {
		h.logger.Error("enqueue billing batch", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "batch could not be queued")
		return
	}
	w.Header().Set("Location", "/api/jobs/bulk/"+id)
	httpx.JSON(w, http.StatusAccepted, queuedResponse{TaskID: id, Status: "queued"})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", verr.Err.Error())
	case errors.Is(err, ErrFeeTypeNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "fee type not found")
	case errors.Is(err, ErrStudentNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "student not found")
	case errors.Is(err, ErrPaymentNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "payment not found")
	case errors.Is(err, ErrAdmissionTaken):
		httpx.Problem(w, http.StatusConflict, "Duplicate", "admission number already registered")
	case errors.Is(err, ErrReceiptTaken):
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "no free receipt number, retry the payment")
	case errors.Is(err, ErrNoTargets):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", "no students matched the selection")
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate", "this batch was already submitted")
	case errors.Is(err, shared.ErrLocked):
		httpx.Problem(w, http.StatusConflict, "Conflict", "another batch of this kind is running")
	default:
		h.logger.Error("billing request", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

// batchStatus is 200 when everything succeeded, 207 when some items failed
// and 422 when none succeeded.
func batchStatus(attempted, failed int) int {
	switch {
	case failed == 0:
		return http.StatusOK
	case failed == attempted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusMultiStatus
	}
}

func actorID(r *http.Request) string {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		return sess.User()
	}
	return ""
}
