package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/bursary/internal/billing"
	jobmetrics "github.com/odyssey-erp/bursary/internal/jobs"
	"github.com/odyssey-erp/bursary/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskBulkPayments records a payment batch.
	TaskBulkPayments = "billing:bulk_payments"
	// TaskScheduleFees creates a fee batch.
	TaskScheduleFees = "billing:schedule_fees"
	// TaskIdempotencyCleanup prunes stale idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ResultRetention is how long finished batch results stay inspectable.
const ResultRetention = 24 * time.Hour

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// NewSendEmailHandler logs outgoing mail. Delivery is handed to the relay
// configured in front of the log sink.
func NewSendEmailHandler(logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SendEmailPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode mail payload: %w", asynq.SkipRetry)
		}
		if payload.To == "" {
			return fmt.Errorf("mail without recipient: %w", asynq.SkipRetry)
		}
		logger.Info("send email", slog.String("to", payload.To), slog.String("subject", payload.Subject))
		return nil
	}
}

// bulkPaymentsPayload carries the fields BulkPaymentInput hides from JSON.
type bulkPaymentsPayload struct {
	Input          billing.BulkPaymentInput `json:"input"`
	ProcessedBy    string                   `json:"processed_by"`
	IdempotencyKey string                   `json:"idempotency_key,omitempty"`
}

type scheduleFeesPayload struct {
	Input          billing.ScheduleFeesInput `json:"input"`
	ActorID        string                    `json:"actor_id"`
	IdempotencyKey string                    `json:"idempotency_key,omitempty"`
}

// NewBulkPaymentsTask packs a payment batch.
func NewBulkPaymentsTask(in billing.BulkPaymentInput) (*asynq.Task, error) {
	data, err := json.Marshal(bulkPaymentsPayload{Input: in, ProcessedBy: in.ProcessedBy, IdempotencyKey: in.IdempotencyKey})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBulkPayments, data), nil
}

// NewScheduleFeesTask packs a fee batch.
func NewScheduleFeesTask(in billing.ScheduleFeesInput) (*asynq.Task, error) {
	data, err := json.Marshal(scheduleFeesPayload{Input: in, ActorID: in.ActorID, IdempotencyKey: in.IdempotencyKey})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskScheduleFees, data), nil
}

// BillingRunner executes batches.
type BillingRunner interface {
	BulkPayments(ctx context.Context, in billing.BulkPaymentInput) (billing.Outcome[billing.Payment], error)
	ScheduleFees(ctx context.Context, in billing.ScheduleFeesInput) (billing.Outcome[billing.Fee], error)
}

// BillingTasks runs billing batches on the worker and stores their outcome
// as the task result.
type BillingTasks struct {
	runner  BillingRunner
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewBillingTasks constructs the billing task handlers.
func NewBillingTasks(runner BillingRunner, metrics *jobmetrics.Metrics, logger *slog.Logger) *BillingTasks {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingTasks{runner: runner, metrics: metrics, logger: logger}
}

// Handlers lists the task registrations for the worker.
func (b *BillingTasks) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskBulkPayments, Handler: b.HandleBulkPayments},
		{Type: TaskScheduleFees, Handler: b.HandleScheduleFees},
	}
}

// HandleBulkPayments processes TaskBulkPayments tasks.
func (b *BillingTasks) HandleBulkPayments(ctx context.Context, t *asynq.Task) error {
	tracker := b.metrics.Track(TaskBulkPayments)
	var payload bulkPaymentsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(fmt.Errorf("decode payload: %w", asynq.SkipRetry))
	}
	in := payload.Input
	in.ProcessedBy = payload.ProcessedBy
	in.IdempotencyKey = payload.IdempotencyKey

	out, err := b.runner.BulkPayments(ctx, in)
	if err != nil {
		return tracker.End(taskError(err))
	}
	b.logger.Info("bulk payments task done", slog.Int("attempted", out.Attempted), slog.Int("failed", len(out.Failed)), slog.String("size", jobmetrics.BatchSize(out.Attempted)))
	return tracker.End(writeResult(t, out))
}

// HandleScheduleFees processes TaskScheduleFees tasks.
func (b *BillingTasks) HandleScheduleFees(ctx context.Context, t *asynq.Task) error {
	tracker := b.metrics.Track(TaskScheduleFees)
	var payload scheduleFeesPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(fmt.Errorf("decode payload: %w", asynq.SkipRetry))
	}
	in := payload.Input
	in.ActorID = payload.ActorID
	in.IdempotencyKey = payload.IdempotencyKey

	out, err := b.runner.ScheduleFees(ctx, in)
	if err != nil {
		return tracker.End(taskError(err))
	}
	b.logger.Info("schedule fees task done", slog.Int("attempted", out.Attempted), slog.Int("failed", len(out.Failed)), slog.String("size", jobmetrics.BatchSize(out.Attempted)))
	return tracker.End(writeResult(t, out))
}

// taskError marks failures that a retry cannot fix. A held batch lock is
// retried.
func taskError(err error) error {
	var verr *billing.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, shared.ErrIdempotencyConflict),
		errors.Is(err, billing.ErrFeeTypeNotFound),
		errors.Is(err, billing.ErrNoTargets):
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func writeResult(t *asynq.Task, v any) error {
	rw := t.ResultWriter()
	if rw == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = rw.Write(data)
	return err
}

// Cleaner prunes idempotency keys.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// NewIdempotencyCleanupTask constructs the cron task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}

// NewIdempotencyCleanupHandler drops keys older than maxAge.
func NewIdempotencyCleanupHandler(store Cleaner, maxAge time.Duration, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, _ *asynq.Task) error {
		tracker := metrics.Track(TaskIdempotencyCleanup)
		if store == nil {
			return tracker.End(nil)
		}
		if err := store.Cleanup(ctx, maxAge); err != nil {
			logger.Error("idempotency cleanup", slog.Any("error", err))
			return tracker.End(err)
		}
		logger.Info("idempotency cleanup done", slog.String("job", TaskIdempotencyCleanup), slog.Duration("max_age", maxAge))
		return tracker.End(nil)
	}
}
