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

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/pharmaflow/pharmaflow/internal/app"
	"github.com/pharmaflow/pharmaflow/internal/inventory"
	"github.com/pharmaflow/pharmaflow/internal/masterdata"
	"github.com/pharmaflow/pharmaflow/internal/observability"
	"github.com/pharmaflow/pharmaflow/internal/platform/cache"
	"github.com/pharmaflow/pharmaflow/internal/platform/db"
	"github.com/pharmaflow/pharmaflow/internal/procurement"
	"github.com/pharmaflow/pharmaflow/internal/quality"
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
	metrics := observability.NewMetrics()

	masterdataRepo := masterdata.NewRepository(pool)
	masterdataService := masterdata.NewService(masterdataRepo)
	masterdataHandler := masterdata.NewHandler(masterdataService, logger)

	jobsClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	inventoryRepo := inventory.NewRepository(pool)
	inventoryService := inventory.NewService(inventoryRepo, redisClient, auditLogger, metrics, inventory.ServiceConfig{
		NearExpiryWindow: cfg.NearExpiryWindow,
		JourneyTTL:       cfg.JourneyCacheTTL,
	})
	inventoryHandler := inventory.NewHandler(inventoryService, logger)

	procurementRepo := procurement.NewRepository(pool)
	procurementService := procurement.NewService(procurementRepo, nil, jobsClient, masterdataService, auditLogger, idempotencyStore, procurement.ServiceConfig{
		ReceiptTolerance: cfg.ReceiptTolerance,
	})
	procurementHandler := procurement.NewHandler(procurementService, logger)

	qualityRepo := quality.NewRepository(pool)
	qualityService := quality.NewService(qualityRepo, procurementService, inventoryService, auditLogger, idempotencyStore, quality.ServiceConfig{})
	qualityHandler := quality.NewHandler(qualityService, logger)

	procurementService.SetQuality(qualityService)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Metrics:           metrics,
		ProcurementRoutes: procurementHandler.Routes(),
		QualityRoutes:     qualityHandler.Routes(),
		InventoryRoutes:   inventoryHandler.Routes(),
		MasterdataRoutes:  masterdataHandler.Routes(),
		HealthCheck: func(r *http.Request) error {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			return pool.Ping(pingCtx)
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}
