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

	"github.com/shigulys/boletines-medicion-sub000/internal/app"
	"github.com/shigulys/boletines-medicion-sub000/internal/boletin"
	"github.com/shigulys/boletines-medicion-sub000/internal/catalog"
	"github.com/shigulys/boletines-medicion-sub000/internal/orders"
	"github.com/shigulys/boletines-medicion-sub000/internal/platform/cache"
	"github.com/shigulys/boletines-medicion-sub000/internal/platform/db"
	"github.com/shigulys/boletines-medicion-sub000/internal/schedule"
	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
	"github.com/shigulys/boletines-medicion-sub000/jobs"
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
		logger.Warn("redis unavailable, unit lookups fall back to postgres", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	catalogRepo := catalog.NewRepository(dbpool)
	catalogService := catalog.NewService(catalogRepo, redisClient)
	catalogHandler := catalog.NewHandler(logger, catalogService)

	ordersRepo := orders.NewRepository(dbpool)

	notifyClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := notifyClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()

	boletinRepo := boletin.NewRepository(dbpool)
	boletinService := boletin.NewService(boletinRepo, catalogService, auditLogger)
	boletinHandler := boletin.NewHandler(logger, boletinService, ordersRepo, notifyClient)

	scheduleRepo := schedule.NewRepository(dbpool)
	scheduleService := schedule.NewService(scheduleRepo, boletinService)
	scheduleHandler := schedule.NewHandler(logger, scheduleService, idempotencyStore)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		CatalogHandler:  catalogHandler,
		BoletinHandler:  boletinHandler,
		ScheduleHandler: scheduleHandler,
		Pool:            dbpool,
	})

	srv := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", slog.Any("error", err))
	}
	logger.Info("server stopped")
}
