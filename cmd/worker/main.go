package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/bursary/internal/app"
	"github.com/odyssey-erp/bursary/internal/billing"
	jobmetrics "github.com/odyssey-erp/bursary/internal/jobs"
	"github.com/odyssey-erp/bursary/internal/platform/cache"
	"github.com/odyssey-erp/bursary/internal/platform/db"
	"github.com/odyssey-erp/bursary/internal/shared"
	"github.com/odyssey-erp/bursary/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	billingService := billing.NewService(billing.NewRepository(pool), billing.Options{
		Idempotency: idempotencyStore,
		Locker:      shared.NewLocker(redisClient),
		Recorder:    metrics,
		Logger:      logger,
	})
	billingTasks := jobs.NewBillingTasks(billingService, metrics, logger)

	handlers := append(billingTasks.Handlers(), jobs.TaskHandler{
		Type:    jobs.TaskIdempotencyCleanup,
		Handler: jobs.NewIdempotencyCleanupHandler(idempotencyStore, cfg.IdempotencyKeyMaxAge, metrics, logger),
	})

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Handlers:    handlers,
		Concurrency: cfg.WorkerConcurrency,
		Cron: []jobs.CronRegistration{
			{Spec: cfg.IdempotencyCleanupCron, Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
