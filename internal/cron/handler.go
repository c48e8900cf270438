// Package cron exposes the HTTP endpoints a cron-style scheduler invokes,
// guarded by a bearer token checked against the configured secret.
package cron

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wareflow-erp/wareflow/internal/billing"
	"github.com/wareflow-erp/wareflow/internal/platform/httpx"
	"github.com/wareflow-erp/wareflow/internal/reservations"
)

// BillingRunner runs fleet-wide invoice generation.
type BillingRunner interface {
	RunBillingRun(ctx context.Context, runType billing.RunType, periodStart, periodEnd time.Time, clientID int64) (*billing.BillingRun, error)
}

// ReservationSweeper expires stale reservation holds.
type ReservationSweeper interface {
	ExpireStaleReservations(ctx context.Context, expirationDays int) (reservations.SweepResult, error)
}

// Handler serves the scheduler trigger endpoints.
type Handler struct {
	logger  *slog.Logger
	billing BillingRunner
	sweeper ReservationSweeper
	secret  string
	clock   func() time.Time
}

// NewHandler builds Handler. An empty secret is tolerated at construction
// and rejected per request, so a misconfigured deployment answers 500
// instead of refusing to boot.
func NewHandler(logger *slog.Logger, billingRunner BillingRunner, sweeper ReservationSweeper, secret string) *Handler {
	return &Handler{
		logger:  logger,
		billing: billingRunner,
		sweeper: sweeper,
		secret:  secret,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// MountRoutes registers cron routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.requireBearer)
	r.Post("/monthly-billing-run", h.monthlyBillingRun)
	r.Post("/expire-reservations", h.expireReservations)
}

// requireBearer rejects requests without the configured bearer secret.
func (h *Handler) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.secret == "" {
			h.logger.Error("cron secret not configured")
			httpx.JSON(w, http.StatusInternalServerError, map[string]any{"error": "cron secret not configured"})
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
			httpx.JSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// monthlyBillingRun bills the previous calendar month across all active
// clients.
func (h *Handler) monthlyBillingRun(w http.ResponseWriter, r *http.Request) {
	now := h.clock()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodStart := firstOfMonth.AddDate(0, -1, 0)
	periodEnd := firstOfMonth.AddDate(0, 0, -1)

	started := time.Now()
	run, err := h.billing.RunBillingRun(r.Context(), billing.RunTypeScheduled, periodStart, periodEnd, 0)
	if err != nil {
		h.logger.Error("monthly billing run", slog.Any("error", err))
		httpx.JSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	errs := run.Errors
	if errs == nil {
		errs = []billing.RunError{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"billingRunId":      run.ID,
		"period":            periodStart.Format("2006-01-02") + ".." + periodEnd.Format("2006-01-02"),
		"status":            run.Status,
		"invoicesGenerated": run.InvoicesGenerated,
		"totalBilled":       run.TotalBilled,
		"errors":            errs,
		"duration":          time.Since(started).String(),
	})
}

// expireReservations runs the sweep, honouring an optional ?days override.
func (h *Handler) expireReservations(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.JSON(w, http.StatusBadRequest, map[string]any{"error": "days must be a positive integer"})
			return
		}
		days = parsed
	}

	started := time.Now()
	result, err := h.sweeper.ExpireStaleReservations(r.Context(), days)
	if err != nil {
		h.logger.Error("expire reservations", slog.Any("error", err))
		httpx.JSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	errs := result.Errors
	if errs == nil {
		errs = []reservations.OrderError{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success":              true,
		"expirationDays":       result.ExpirationDays,
		"cutoffDate":           result.CutoffDate.Format("2006-01-02"),
		"ordersProcessed":      result.OrdersProcessed,
		"reservationsReleased": result.ReservationsReleased,
		"errors":               errs,
		"duration":             time.Since(started).String(),
	})
}
