package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/bursary/internal/app"
	"github.com/odyssey-erp/bursary/internal/billing"
	"github.com/odyssey-erp/bursary/internal/expenses"
	"github.com/odyssey-erp/bursary/internal/identity"
	"github.com/odyssey-erp/bursary/internal/navguard"
	"github.com/odyssey-erp/bursary/internal/observability"
	"github.com/odyssey-erp/bursary/internal/platform/cache"
	"github.com/odyssey-erp/bursary/internal/platform/db"
	"github.com/odyssey-erp/bursary/internal/rbac"
	"github.com/odyssey-erp/bursary/internal/roles"
	"github.com/odyssey-erp/bursary/internal/shared"
	"github.com/odyssey-erp/bursary/internal/users"
	"github.com/odyssey-erp/bursary/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	metrics := observability.NewMetrics()
	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookieName, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	locker := shared.NewLocker(redisClient)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	broker := identity.NewBroker()
	identityService := identity.NewService(identity.NewRepository(dbpool), broker, identity.ServiceConfig{
		Tokens:   identity.NewRedisTokenStore(redisClient, cfg.ResetTokenTTL),
		Mailer:   jobClient,
		ResetURL: cfg.ResetURL(),
		Logger:   logger,
	})

	rbacRepo := rbac.NewRepository(dbpool)
	resolver := rbac.NewResolver(rbacRepo, rbac.NewCache(redisClient, cfg.PermissionCacheTTL), logger)
	rbacService := rbac.NewService(rbacRepo, resolver, logger)
	gate := rbac.Middleware{Resolver: resolver, Logger: logger}

	loader := navguard.NewLoader(identityService, resolver, logger)
	unwatch := loader.Watch(broker)
	defer unwatch()
	guard := navguard.NewGuard(navguard.DefaultRoutes(), loader, logger, metrics)

	hostname, _ := os.Hostname()
	relay := identity.NewRelay(redisClient, broker, hostname+"-"+uuid.NewString(), logger)
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("identity relay", slog.Any("error", err))
		}
	}()

	billingService := billing.NewService(billing.NewRepository(dbpool), billing.Options{
		Idempotency: idempotencyStore,
		Locker:      locker,
		Recorder:    metrics.Jobs(),
		Logger:      logger,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		Guard:          guard,
		AuthHandler:    identity.NewHandler(logger, identityService, sessionManager, csrfManager, guard.AuthenticatedAllowingPasswordChange()),
		BillingHandler: billing.NewHandler(logger, billingService, gate, jobClient, cfg.BulkAsyncThreshold),
		ExpenseHandler: expenses.NewHandler(logger, expenses.NewService(expenses.NewRepository(dbpool), logger), gate),
		UsersHandler: users.NewHandler(logger, users.NewService(users.NewRepository(dbpool), users.Deps{
			Roles:     rbacService,
			Passwords: identityService,
			Broker:    broker,
			Audit:     auditLogger,
			Logger:    logger,
		}), gate),
		RolesHandler: roles.NewHandler(logger, roles.NewService(rbacService, broker, auditLogger, logger), gate),
		JobHandler:   jobs.NewHandler(inspector, gate, logger),
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
