package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/pharmaflow/pharmaflow/internal/app"
	"github.com/pharmaflow/pharmaflow/internal/inventory"
	"github.com/pharmaflow/pharmaflow/internal/masterdata"
	"github.com/pharmaflow/pharmaflow/internal/notify"
	"github.com/pharmaflow/pharmaflow/internal/platform/cache"
	"github.com/pharmaflow/pharmaflow/internal/platform/db"
	"github.com/pharmaflow/pharmaflow/internal/procurement"
	"github.com/pharmaflow/pharmaflow/internal/shared"
	"github.com/pharmaflow/pharmaflow/jobs"
)

func main() {
	_ = godotenv.Load()

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
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, journey cache disabled", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	masterdataService := masterdata.NewService(masterdata.NewRepository(pool))

	inventoryService := inventory.NewService(inventory.NewRepository(pool), redisClient, auditLogger, nil, inventory.ServiceConfig{
		NearExpiryWindow: cfg.NearExpiryWindow,
		JourneyTTL:       cfg.JourneyCacheTTL,
	})

	// The worker never submits receivings, so the quality collaborator
	// stays unbound here.
	procurementService := procurement.NewService(procurement.NewRepository(pool), nil, nil, masterdataService, auditLogger, idempotencyStore, procurement.ServiceConfig{
		ReceiptTolerance: cfg.ReceiptTolerance,
	})

	webhook := notify.NewClient(cfg.NotifyWebhookURL, cfg.NotifyTimeout)
	notifyJob := jobs.NewNotifyDispatchJob(webhook, logger)
	sweepJob := jobs.NewReservationSweepJob(inventoryService, logger)
	expiryJob := jobs.NewNearExpiryScanJob(inventoryService, logger)
	reconcileJob := jobs.NewPOReconcileJob(procurementService, logger)

	sweepTask, err := jobs.NewReservationSweepTask()
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	expiryTask, err := jobs.NewNearExpiryScanTask()
	if err != nil {
		logger.Error("build expiry task", slog.Any("error", err))
		os.Exit(1)
	}
	reconcileTask, err := jobs.NewPOReconcileTask()
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskNotifyPOOrdered, Handler: notifyJob.Handle},
			{Type: jobs.TaskReservationSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskNearExpiryScan, Handler: expiryJob.Handle},
			{Type: jobs.TaskPOReconcile, Handler: reconcileJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/10 * * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 6 * * *", Task: expiryTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 2 * * *", Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
