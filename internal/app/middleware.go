package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/edulearn/authcore/internal/auth"
	"github.com/edulearn/authcore/internal/observability"
	"github.com/edulearn/authcore/internal/security"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
// Nil components are skipped.
type MiddlewareConfig struct {
	Logger        *slog.Logger
	Config        *Config
	Metrics       *observability.Metrics
	DDoS          *security.DDoSGuard
	RateLimiter   *security.RateLimiter
	Sanitizer     *security.Sanitizer
	Authenticator *auth.Authenticator
	CSRF          *security.CSRF
}

// MiddlewareStack installs the authcore middleware chain. Perimeter guards
// run before sanitization, and sanitization runs before authentication so
// that no handler or guard observes raw input.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	headers := security.DefaultHeadersConfig()
	var origins []string
	if cfg.Config != nil {
		headers.SSLRedirect = cfg.Config.IsProduction()
		origins = cfg.Config.CORSAllowedOrigins
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, cfg.Metrics.Middleware)
	}
	middlewares = append(middlewares,
		middleware.Timeout(timeout),
		security.Headers(headers, cfg.Logger),
	)
	if len(origins) > 0 {
		middlewares = append(middlewares, security.CORS(origins))
	}
	if cfg.DDoS != nil {
		middlewares = append(middlewares, cfg.DDoS.Middleware)
	}
	if cfg.RateLimiter != nil && (cfg.Config == nil || cfg.Config.RateLimitEnabled) {
		middlewares = append(middlewares, cfg.RateLimiter.Middleware)
	}
	if cfg.Sanitizer != nil {
		middlewares = append(middlewares, cfg.Sanitizer.Middleware)
	}
	if cfg.Authenticator != nil {
		middlewares = append(middlewares, cfg.Authenticator.Middleware)
	}
	if cfg.CSRF != nil {
		middlewares = append(middlewares, cfg.CSRF.Middleware)
	}
	return middlewares
}
