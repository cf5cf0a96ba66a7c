package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/angtu-eios/portal/internal/app"
	"github.com/angtu-eios/portal/internal/backend"
	"github.com/angtu-eios/portal/internal/platform/db"
	"github.com/angtu-eios/portal/internal/tokenstore"
	"github.com/angtu-eios/portal/jobs"
)

// purgeSchedule runs the credential purge at the top of every hour.
const purgeSchedule = "0 * * * *"

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

	api := backend.NewClient(cfg.APIURL, cfg.APITimeout)
	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskLogoutNotify, Handler: jobs.NewLogoutNotifyJob(api, logger, nil).Handle},
	}
	var cron []jobs.CronRegistration

	if cfg.TokenStore == app.TokenStorePostgres {
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			logger.Error("connect database", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		provider := tokenstore.NewPostgresProvider(pool, cfg.SessionTTL, nil)
		handlers = append(handlers, jobs.TaskHandler{
			Type:    jobs.TaskCredentialsPurge,
			Handler: jobs.NewCredentialsPurgeJob(provider, logger, nil).Handle,
		})
		cron = append(cron, jobs.CronRegistration{
			Spec:    purgeSchedule,
			Task:    jobs.NewCredentialsPurgeTask(),
			Options: []asynq.Option{asynq.MaxRetry(1)},
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:    logger,
		Handlers:  handlers,
		Cron:      cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.Int("handlers", len(handlers)), slog.Int("cron", len(cron)))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
