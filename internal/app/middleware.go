package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/wareflow-erp/wareflow/internal/observability"
)

// MiddlewareStack wires the shared HTTP middleware in order.
func MiddlewareStack(r chi.Router, cfg *Config, metrics *observability.Metrics) {
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.AppRequestTimeout))
	r.Use(middleware.Compress(5))
	r.Use(httprate.LimitByIP(300, time.Minute))
	r.Use(secureHeaders(cfg).Handler)
	if metrics != nil {
		r.Use(metrics.Middleware)
	}
}

func secureHeaders(cfg *Config) *secure.Secure {
	return secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		IsDevelopment:      !cfg.IsProduction(),
	})
}

// Healthz responds to liveness probes.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
