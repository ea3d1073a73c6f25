package router

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pratik-mahalle/driftwatch/internal/api/handlers"
	"github.com/pratik-mahalle/driftwatch/internal/api/middleware"
	"github.com/pratik-mahalle/driftwatch/internal/config"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/metrics"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/utils"
)

type Handlers struct {
	Health     *handlers.HealthHandler
	Detection  *handlers.DetectionHandler
	ChangeSets *handlers.ChangeSetHandler
	Content    *handlers.ContentHandler
}

// New builds the agent API. ctx bounds background work started by the
// middleware.
func New(ctx context.Context, cfg config.ServerConfig, log *logger.Logger, h *Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	r.Use(metrics.Middleware)
	r.Use(middleware.SecurityHeaders)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteError(w, errors.NotFound("Route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorMessage(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})

	// Probes and scrapes are not rate limited
	r.Get("/health", h.Health.Healthz)
	r.Get("/healthz", h.Health.Healthz)
	r.Get("/readyz", h.Health.Readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(middleware.RateLimit(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst))
		}

		r.Get("/schedules", h.Detection.ListSchedules)
		r.Get("/definitions", h.Detection.ListDefinitions)

		r.Route("/resources/{resourceID}", func(r chi.Router) {
			r.Delete("/", h.Detection.RemoveResource)

			r.Post("/content", h.Content.Pull)
			r.Get("/content-requests", h.Content.List)

			r.Get("/definitions", h.ChangeSets.ListDefinitions)
			r.Route("/definitions/{name}", func(r chi.Router) {
				r.Post("/detect", h.Detection.DetectNow)
				r.Get("/snapshot", h.ChangeSets.Snapshot)
				r.Get("/changesets", h.ChangeSets.List)
				r.Get("/changesets/{version}", h.ChangeSets.Get)
			})
		})
	})

	return r
}
