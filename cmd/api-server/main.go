package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/medhaus/clinic-scheduler/internal/api"
	"github.com/medhaus/clinic-scheduler/internal/config"
	"github.com/medhaus/clinic-scheduler/internal/db"
	"github.com/medhaus/clinic-scheduler/internal/logging"
	redisclient "github.com/medhaus/clinic-scheduler/internal/redis"
	"github.com/medhaus/clinic-scheduler/internal/schedule"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer logger.Sync()

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort))

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("invalid clinic timezone", zap.String("tz", cfg.ClinicTZ), zap.Error(err))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	var locker redisclient.Locker = redisclient.NopLocker{}
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Warn("redis unavailable, booking lock runs per-process only", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
		locker = redisclient.NewRedisIntervalLocker(rdb, cfg.LockTTL)
		logger.Info("connected to Redis")
	}

	repo := schedule.NewPgRepository(pgPool)
	reservations := schedule.NewReservationService(repo, locker, loc, logger)
	generator := schedule.NewGenerator(repo, reservations, loc, nil, logger)
	lifecycle := schedule.NewLifecycle(repo, reservations, loc, nil, cfg.CompleteGrace, logger)

	handlers := api.NewHandlers(repo, generator, lifecycle, loc, logger)
	router := api.NewRouter(api.RouterConfig{
		Handlers: handlers,
		PgPool:   pgPool,
		Redis:    rdb,
		Env:      cfg.Env,
		Version:  version,
		Log:      logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	case <-rootCtx.Done():
	}

	logger.Info("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
