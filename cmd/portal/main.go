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

	"github.com/angtu-eios/portal/internal/app"
	"github.com/angtu-eios/portal/internal/auth"
	"github.com/angtu-eios/portal/internal/backend"
	"github.com/angtu-eios/portal/internal/news"
	"github.com/angtu-eios/portal/internal/observability"
	"github.com/angtu-eios/portal/internal/platform/cache"
	"github.com/angtu-eios/portal/internal/platform/db"
	"github.com/angtu-eios/portal/internal/rbac"
	rbachttp "github.com/angtu-eios/portal/internal/rbac/http"
	"github.com/angtu-eios/portal/internal/shared"
	"github.com/angtu-eios/portal/internal/tokenstore"
	"github.com/angtu-eios/portal/jobs"
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

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sealer := tokenstore.NewSealer(cfg.TokenSealKey)
	if sealer == nil && cfg.IsProduction() {
		logger.Warn("TOKEN_SEAL_KEY unset, credentials are stored unsealed")
	}

	var provider tokenstore.Provider
	switch cfg.TokenStore {
	case app.TokenStorePostgres:
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		pgProvider := tokenstore.NewPostgresProvider(pool, cfg.SessionTTL, sealer)
		if err := pgProvider.EnsureSchema(ctx); err != nil {
			logger.Error("prepare credential table", slog.Any("error", err))
			os.Exit(1)
		}
		provider = pgProvider
	default:
		provider = tokenstore.NewRedisProvider(redisClient, "", cfg.SessionTTL, sealer)
	}

	metrics := observability.NewMetrics()
	api := backend.NewClient(cfg.APIURL, cfg.APITimeout)
	if err := api.Ping(ctx); err != nil {
		logger.Warn("api ping", slog.String("url", cfg.APIURL), slog.Any("error", err))
	}

	roleCache := rbac.NewCache()
	invalidator := rbac.NewInvalidator(redisClient, roleCache, cfg.RoleInvalidationChannel, logger)
	if err := invalidator.Listen(ctx); err != nil {
		logger.Warn("role invalidation listener", slog.Any("error", err))
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
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

	registry := auth.NewRegistry(provider, auth.Config{
		API:           api,
		Cache:         roleCache,
		Logger:        logger,
		Metrics:       metrics,
		LogoutRetrier: jobClient,
	})
	go sweepSessions(ctx, registry, cfg.SessionIdle, logger)

	sessions := shared.NewBrowserSessions(cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Sessions:           sessions,
		CSRF:               csrfManager,
		AuthHandler:        auth.NewHandler(logger, registry, csrfManager, cfg.LoginRateLimit),
		NewsHandler:        news.NewHandler(logger, news.NewService(api, logger), registry),
		PermissionsHandler: rbachttp.NewHandler(logger, registry, invalidator),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("portal listening", slog.String("addr", cfg.AppAddr), slog.String("token_store", cfg.TokenStore))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// sweepSessions drops in-memory managers of browsers that went quiet. Their
// stored credentials survive and are restored on the next request.
func sweepSessions(ctx context.Context, registry *auth.Registry, idle time.Duration, logger *slog.Logger) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := registry.Sweep(idle); dropped > 0 {
				logger.Debug("swept idle sessions", slog.Int("dropped", dropped), slog.Int("live", registry.Len()))
			}
		}
	}
}
