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
	"github.com/redis/go-redis/v9"

	"github.com/edulearn/authcore/internal/app"
	"github.com/edulearn/authcore/internal/auth"
	"github.com/edulearn/authcore/internal/observability"
	"github.com/edulearn/authcore/internal/platform/cache"
	"github.com/edulearn/authcore/internal/platform/db"
	"github.com/edulearn/authcore/internal/rbac"
	"github.com/edulearn/authcore/internal/security"
	"github.com/edulearn/authcore/internal/shared"
	"github.com/edulearn/authcore/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Default().Warn("load .env", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
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
	services := app.NewServices(cfg, dbpool, redisClient, logger, metrics)
	guard := rbac.Guard{Service: services.RBAC, Logger: logger}

	csrf := security.NewCSRF(cfg.CSRFSecret, csrfStore(cfg, services.KV), cfg.CSRFTTL, cfg.SessionCookie, logger).
		WithRecorder(metrics)

	activity, err := activityStore(cfg, redisClient)
	if err != nil {
		logger.Error("init ddos store", slog.Any("error", err))
		os.Exit(1)
	}
	ddos := security.NewDDoSGuard(activity, security.DDoSConfig{
		Threshold: cfg.DDoSThreshold,
		Window:    cfg.DDoSWindow,
		PerMinute: cfg.DDoSPerMinute,
	}, logger).WithRecorder(metrics)

	limiter := security.NewRateLimiter(services.KV, security.DefaultRules(), security.Rule{
		Name:   "default",
		Limit:  cfg.RateLimitDefault,
		Window: cfg.RateLimitWindow,
	}, logger).WithRecorder(metrics)

	authService := auth.NewService(services.Users, services.Sessions, logger)
	authHandler := auth.NewHandler(logger, authService, services.Sessions, csrf, guard, auth.CookieConfig{
		Name:   cfg.SessionCookie,
		Secure: cfg.SessionCookieSecure || cfg.IsProduction(),
		Domain: cfg.SessionCookieDomain,
	}).WithAudit(shared.NewAuditLogger(dbpool))
	rbacHandler := rbac.NewHandler(logger, services.RBAC, guard)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		Metrics:       metrics,
		DDoS:          ddos,
		RateLimiter:   limiter,
		Sanitizer:     security.NewSanitizer(logger),
		Authenticator: &auth.Authenticator{Sessions: services.Sessions, CookieName: cfg.SessionCookie, Logger: logger},
		CSRF:          csrf,
		AuthHandler:   authHandler,
		RBACHandler:   rbacHandler,
		JobHandler:    jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("http server", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
	logger.Info("http server stopped")
}

func csrfStore(cfg *app.Config, kv *cache.Redis) security.TokenStore {
	if cfg.CSRFStore == "memory" {
		return security.NewMemoryTokenStore(10000, cfg.CSRFTTL)
	}
	return security.NewRedisTokenStore(kv)
}

func activityStore(cfg *app.Config, client redis.UniversalClient) (security.ActivityStore, error) {
	if cfg.DDoSStore == "redis" {
		return security.NewRedisActivityStore(client), nil
	}
	return security.NewMemoryActivityStore(cfg.DDoSMaxIPs)
}
