package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/billing"
	"github.com/odyssey-erp/bursary/internal/platform/httpx"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts asynq.RedisClientOpt
	Logger    *slog.Logger
	Handlers  []TaskHandler
	Cron      []CronRegistration
	// Concurrency defaults to 5. Batches of the same kind still serialise
	// on their Redis lock.
	Concurrency int
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeSendEmail, NewSendEmailHandler(cfg.Logger))
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client}, nil
}

// EnqueueSendEmail enqueues a send-email task.
func (c *Client) EnqueueSendEmail(ctx context.Context, payload SendEmailPayload) (*asynq.TaskInfo, error) {
	task, err := NewSendEmailTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(5))
}

// EnqueuePasswordReset mails a password reset link.
func (c *Client) EnqueuePasswordReset(ctx context.Context, to, link string) error {
	_, err := c.EnqueueSendEmail(ctx, SendEmailPayload{
		To:      to,
		Subject: "Reset your password",
		Body:    "Use the following link to choose a new password: " + link,
	})
	return err
}

// EnqueueBulkPayments hands a payment batch to the worker and returns the task id.
func (c *Client) EnqueueBulkPayments(ctx context.Context, in billing.BulkPaymentInput) (string, error) {
	task, err := NewBulkPaymentsTask(in)
	if err != nil {
		return "", err
	}
	return c.enqueueBatch(ctx, task)
}

// EnqueueScheduleFees hands a fee batch to the worker and returns the task id.
func (c *Client) EnqueueScheduleFees(ctx context.Context, in billing.ScheduleFeesInput) (string, error) {
	task, err := NewScheduleFeesTask(in)
	if err != nil {
		return "", err
	}
	return c.enqueueBatch(ctx, task)
}

func (c *Client) enqueueBatch(ctx context.Context, task *asynq.Task) (string, error) {
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Timeout(15*time.Minute),
		asynq.Retention(ResultRetention),
	)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// TaskInspector reads queue state. *asynq.Inspector satisfies it.
type TaskInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// Gate authorizes requests on typed permissions.
type Gate interface {
	RequireAll(perms ...access.Permission) func(http.Handler) http.Handler
	RequireAny(perms ...access.Permission) func(http.Handler) http.Handler
}

// batchPermissions lists what it takes to read a batch of each task type.
// They match the permissions needed to submit it.
var batchPermissions = map[string][]access.Permission{
	TaskBulkPayments: {access.PermManagePayments, access.PermManageStudents},
	TaskScheduleFees: {access.PermManageFees, access.PermManageStudents},
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector TaskInspector
	gate      Gate
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints. inspector may be nil.
func NewHandler(inspector TaskInspector, gate Gate, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, gate: gate, logger: logger}
}

// MountRoutes attaches job routes. Every route needs a billing permission;
// a batch result additionally needs the permissions of its task type.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireAny(access.PermManagePayments, access.PermManageFees))
		r.Get("/health", h.health)
		r.Get("/bulk/{id}", h.bulkStatus)
	})
}

type queueHealth struct {
	Queue   string `json:"queue"`
	Pending int    `json:"pending"`
	Active  int    `json:"active"`
	Failed  int    `json:"failed"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, queueHealth{Queue: QueueDefault})
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	resp := queueHealth{Queue: QueueDefault}
	if info != nil {
		resp = queueHealth{Queue: info.Queue, Pending: info.Pending, Active: info.Active, Failed: info.Failed}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type bulkStatusResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	State     string          `json:"state"`
	Retried   int             `json:"retried"`
	LastError string          `json:"last_error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func (h *Handler) bulkStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.inspector == nil {
		httpx.ProblemType(w, http.StatusServiceUnavailable, "jobs_unavailable", "Unavailable", "job inspection is not configured")
		return
	}
	info, err := h.inspector.GetTaskInfo(QueueDefault, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			httpx.ProblemType(w, http.StatusNotFound, "not_found", "Not Found", "no batch with that id")
			return
		}
		h.logger.Warn("jobs bulk status", slog.String("id", id), slog.Any("error", err))
		httpx.ProblemType(w, http.StatusServiceUnavailable, "jobs_unavailable", "Unavailable", "job inspection failed")
		return
	}
	perms, ok := batchPermissions[info.Type]
	if !ok {
		httpx.ProblemType(w, http.StatusNotFound, "not_found", "Not Found", "no batch with that id")
		return
	}
	h.gate.RequireAll(perms...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeBulkStatus(w, info)
	})).ServeHTTP(w, r)
}

func (h *Handler) writeBulkStatus(w http.ResponseWriter, info *asynq.TaskInfo) {
	resp := bulkStatusResponse{
		ID:        info.ID,
		Type:      info.Type,
		State:     info.State.String(),
		Retried:   info.Retried,
		LastError: info.LastErr,
	}
	if len(info.Result) > 0 && json.Valid(info.Result) {
		resp.Result = json.RawMessage(info.Result)
	}
	httpx.JSON(w, http.StatusOK, resp)
}
