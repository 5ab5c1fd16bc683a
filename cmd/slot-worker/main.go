package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/medhaus/clinic-scheduler/internal/config"
	"github.com/medhaus/clinic-scheduler/internal/db"
	"github.com/medhaus/clinic-scheduler/internal/logging"
	redisclient "github.com/medhaus/clinic-scheduler/internal/redis"
	"github.com/medhaus/clinic-scheduler/internal/schedule"
)

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

	logger.Info("slot-worker starting up",
		zap.String("env", cfg.Env),
		zap.String("cron", cfg.WorkerCron))

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
	} else {
		defer rdb.Close()
		locker = redisclient.NewRedisIntervalLocker(rdb, cfg.LockTTL)
		logger.Info("connected to Redis")
	}

	repo := schedule.NewPgRepository(pgPool)
	reservations := schedule.NewReservationService(repo, locker, loc, logger)
	generator := schedule.NewGenerator(repo, reservations, loc, nil, logger)
	lifecycle := schedule.NewLifecycle(repo, reservations, loc, nil, cfg.CompleteGrace, logger)

	worker := schedule.NewWorker(repo, generator, reservations, lifecycle, loc, nil, logger)
	worker.HorizonDays = cfg.HorizonDays
	worker.RetentionDays = cfg.RetentionDays
	worker.Retries = cfg.WorkerRetries
	worker.Backoff = cfg.WorkerBackoff

	runOnce(rootCtx, worker, logger)

	c := cron.New()
	if _, err := c.AddFunc(cfg.WorkerCron, func() {
		runOnce(rootCtx, worker, logger)
	}); err != nil {
		logger.Fatal("invalid worker cron spec", zap.String("cron", cfg.WorkerCron), zap.Error(err))
	}
	c.Start()

	<-rootCtx.Done()
	logger.Info("shutdown signal received, stopping slot worker")
	<-c.Stop().Done()
}

func runOnce(ctx context.Context, worker *schedule.Worker, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	start := time.Now()
	if err := worker.RunOnce(runCtx); err != nil {
		logger.Error("worker run error", zap.Error(err))
		return
	}
	logger.Info("worker run complete", zap.Duration("took", time.Since(start)))
}
