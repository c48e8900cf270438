package app

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/wareflow-erp/wareflow/internal/billing"
	"github.com/wareflow-erp/wareflow/internal/cron"
	"github.com/wareflow-erp/wareflow/internal/observability"
	"github.com/wareflow-erp/wareflow/internal/reservations"
	"github.com/wareflow-erp/wareflow/jobs"
)

// RouterDeps collects the handlers mounted on the HTTP router.
type RouterDeps struct {
	Logger       *slog.Logger
	Billing      *billing.Handler
	Reservations *reservations.Handler
	Cron         *cron.Handler
	Jobs         *jobs.Handler
	Metrics      *observability.Metrics
}

// NewRouter builds the application router.
func NewRouter(cfg *Config, deps RouterDeps) chi.Router {
	r := chi.NewRouter()
	MiddlewareStack(r, cfg, deps.Metrics)

	r.Get("/healthz", Healthz)
	if deps.Metrics != nil {
		r.Method("GET", "/metrics", deps.Metrics.Handler())
	}

	r.Route("/billing", func(r chi.Router) {
		deps.Billing.MountRoutes(r)
	})
	r.Route("/reservations", func(r chi.Router) {
		deps.Reservations.MountRoutes(r)
	})
	r.Route("/cron", func(r chi.Router) {
		deps.Cron.MountRoutes(r)
	})
	if deps.Jobs != nil {
		r.Route("/jobs", func(r chi.Router) {
			deps.Jobs.MountRoutes(r)
		})
	}

	return r
}
