package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/edulearn/authcore/internal/auth"
	"github.com/edulearn/authcore/internal/observability"
	"github.com/edulearn/authcore/internal/platform/httpx"
	"github.com/edulearn/authcore/internal/rbac"
	"github.com/edulearn/authcore/internal/security"
	"github.com/edulearn/authcore/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	Metrics       *observability.Metrics
	DDoS          *security.DDoSGuard
	RateLimiter   *security.RateLimiter
	Sanitizer     *security.Sanitizer
	Authenticator *auth.Authenticator
	CSRF          *security.CSRF

	AuthHandler *auth.Handler
	RBACHandler *rbac.Handler
	JobHandler  *jobs.Handler
}

// NewRouter constructs the chi.Router with authcore defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:        params.Logger,
		Config:        params.Config,
		Metrics:       params.Metrics,
		DDoS:          params.DDoS,
		RateLimiter:   params.RateLimiter,
		Sanitizer:     params.Sanitizer,
		Authenticator: params.Authenticator,
		CSRF:          params.CSRF,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, http.StatusText(http.StatusNotFound), "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed), "")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// URL params only exist after routing, so they are sanitized per route.
	withParams := func(r chi.Router) chi.Router {
		if params.Sanitizer == nil {
			return r
		}
		return r.With(params.Sanitizer.Params)
	}

	if params.AuthHandler != nil {
		r.Route("/auth", func(r chi.Router) {
			params.AuthHandler.MountRoutes(withParams(r))
		})
		r.Route("/admin", func(r chi.Router) {
			params.AuthHandler.MountAdminRoutes(withParams(r))
		})
	}
	if params.RBACHandler != nil {
		r.Route("/roles", func(r chi.Router) {
			params.RBACHandler.MountRoutes(withParams(r))
		})
		r.Route("/users", func(r chi.Router) {
			params.RBACHandler.MountUserRoutes(withParams(r))
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
