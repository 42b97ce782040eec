package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/edulearn/authcore/internal/auth"
	"github.com/edulearn/authcore/internal/observability"
	"github.com/edulearn/authcore/internal/platform/cache"
	"github.com/edulearn/authcore/internal/rbac"
	"github.com/edulearn/authcore/internal/sessions"
)

// Services are the domain components shared by the API server and the worker.
type Services struct {
	KV       *cache.Redis
	Users    *auth.PGRepository
	RBAC     *rbac.Service
	Sessions *sessions.Manager
}

// NewServices wires the RBAC engine and session manager over Postgres and Redis.
func NewServices(cfg *Config, pool *pgxpool.Pool, client redis.UniversalClient, logger *slog.Logger, metrics *observability.Metrics) *Services {
	kv := cache.NewRedis(client)
	users := auth.NewRepository(pool)
	rbacService := rbac.NewService(rbac.NewRepository(pool))

	sessionCfg := sessions.DefaultConfig()
	if cfg != nil {
		sessionCfg = sessions.Config{
			Lifetime:           cfg.SessionTTL,
			MaxPerUser:         cfg.SessionMaxPerUser,
			CleanupBatch:       cfg.CleanupBatch,
			CleanupConcurrency: cfg.CleanupConcurrency,
		}
	}
	manager := sessions.NewManager(kv, sessions.NewPGStore(pool), users, rbacService, sessionCfg,
		sessions.WithLogger(logger),
		sessions.WithObserver(metrics),
	)

	return &Services{KV: kv, Users: users, RBAC: rbacService, Sessions: manager}
}
