package billing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/wareflow-erp/wareflow/internal/platform/httpx"
)

// Handler exposes the billing admin API used by staff tooling.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/clients/{clientID}", func(r chi.Router) {
		r.Get("/config", h.getConfig)
		r.Put("/config", h.putConfig)
		r.Get("/rate-cards", h.listRateCards)
		r.Post("/rate-cards", h.saveRateCard)
		r.Delete("/rate-cards/{id}", h.deactivateRateCard)
		r.Post("/rate-cards/apply-template", h.applyTemplate)
		r.Get("/usage", h.listUsage)
		r.Post("/usage", h.recordUsage)
		r.Get("/invoices", h.listInvoices)
		r.Post("/invoices/generate", h.generateInvoice)
	})
	r.Get("/invoices/{id}", h.getInvoice)
	r.Get("/runs", h.listRuns)
	r.Post("/runs", h.triggerRun)
}

type billingConfigRequest struct {
	BillingFrequency     string  `json:"billing_frequency" validate:"omitempty,oneof=weekly biweekly monthly"`
	BillingDayOfMonth    int     `json:"billing_day_of_month" validate:"gte=0,lte=28"`
	PaymentTermsDays     int     `json:"payment_terms_days" validate:"gte=0"`
	LateFeePercent       float64 `json:"late_fee_percent" validate:"gte=0"`
	MonthlyMinimum       float64 `json:"monthly_minimum" validate:"gte=0"`
	TaxRate              float64 `json:"tax_rate" validate:"gte=0"`
	TaxExempt            bool    `json:"tax_exempt"`
	AutoGenerateInvoices bool    `json:"auto_generate_invoices"`
	AutoSendInvoices     bool    `json:"auto_send_invoices"`
	BillingContactName   string  `json:"billing_contact_name"`
	BillingContactEmail  string  `json:"billing_contact_email" validate:"omitempty,email"`
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid client id")
		return
	}
	cfg, err := h.service.GetBillingConfig(r.Context(), clientID)
	if err != nil {
		h.logger.Error("get billing config", slog.Int64("client_id", clientID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, configResponse(cfg))
}

func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid client id")
		return
	}
	var req billingConfigRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	cfg, err := h.service.SaveBillingConfig(r.Context(), ClientBillingConfig{
		ClientID:             clientID,
		BillingFrequency:     BillingFrequency(req.BillingFrequency),
		BillingDayOfMonth:    req.BillingDayOfMonth,
		PaymentTermsDays:     req.PaymentTermsDays,
		LateFeePercent:       req.LateFeePercent,
		MonthlyMinimum:       req.MonthlyMinimum,
		TaxRate:              req.TaxRate,
		TaxExempt:            req.TaxExempt,
		AutoGenerateInvoices: req.AutoGenerateInvoices,
		AutoSendInvoices:     req.AutoSendInvoices,
		BillingContactName:   req.BillingContactName,
		BillingContactEmail:  req.BillingContactEmail,
	})
	if err != nil {
		h.logger.Error("save billing config", slog.Int64("client_id", clientID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, configResponse(cfg))
}

type rateCardRequest struct {
	RateCategory  string  `json:"rate_category" validate:"required,oneof=storage inbound outbound pick pack special return supply"`
	RateCode      string  `json:"rate_code" validate:"required"`
	Description   string  `json:"description"`
	UnitPrice     float64 `json:"unit_price" validate:"gte=0"`
	PriceUnit     string  `json:"price_unit"`
	MinimumCharge float64 `json:"minimum_charge" validate:"gte=0"`
	IsActive      *bool   `json:"is_active"`
}

func (h *Handler) listRateCards(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid client id")
		return
	}
	cards, err := h.service.ListRateCards(r.Context(), clientID)
	if err != nil {
		h.logger.Error("list rate cards", slog.Int64("client_id", clientID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rate_cards": cards})
}

func (h *Handler) saveRateCard(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid client id")
		return
	}
	var req rateCardRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	card, err := h.service.SaveRateCard(r.Context(), ClientRateCard{
		ClientID:      clientID,
		RateCategory:  RateCategory(req.RateCategory),
		RateCode:      req.RateCode,
		Description:   req.Description,
		UnitPrice:     req.UnitPrice,
		PriceUnit:     req.PriceUnit,
		MinimumCharge: req.MinimumCharge,
		IsActive:      active,
	})
	if err != nil {
		h.logger.Error("save rate card", slog.Int64("client_id", clientID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, card)
}

func (h *Handler) deactivateRateCard(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid client id")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid rate card id")
		return
	}
	if err := h.service.DeactivateRateCard(r.Context(), clientID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "rate card not found")
			return
		}
		h.logger.Error("deactivate rate card", slog.Int64("id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deactivated": true})
}

type applyTemplateRequest struct {
	TemplateName string `json:"template_name" validate:"required"`
}

func (h *Handler) applyTemplate(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid client id")
		return
	}
	var req applyTemplateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	applied, err := h.service.ApplyRateTemplate(r.Context(), clientID, req.TemplateName)
	if err != nil {
		if errors.Is(err, ErrTemplateEmpty) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		h.logger.Error("apply rate template", slog.Int64("client_id", clientID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"template": req.TemplateName, "applied": applied})
}

type usageRequest struct {
	UsageType string  `json:"usage_type" validate:"required"`
	Quantity  float64 `json:"quantity" validate:"gt=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
	Total     float64 `json:"total" validate:"gte=0"`
	UsageDate string  `json:"usage_date" validate:"omitempty,datetime=2006-01-02"`
	Reference string  `json:"reference"`
}

func (h *Handler) recordUsage(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid client id")
		return
	}
	var req usageRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var usageDate time.Time
	if req.UsageDate != "" {
		usageDate, _ = time.Parse("2006-01-02", req.UsageDate)
	}
	rec, err := h.service.RecordUsage(r.Context(), UsageRecord{
		ClientID:  clientID,
		UsageType: req.UsageType,
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
		Total:     req.Total,
		UsageDate: usageDate,
		Reference: req.Reference,
	})
	if err != nil {
		h.logger.Error("record usage", slog.Int64("client_id", clientID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) listUsage(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid client id")
		return
	}
	from := queryDate(r, "from")
	to := queryDate(r, "to")
	records, err := h.service.ListUsage(r.Context(), clientID, from, to)
	if err != nil {
		h.logger.Error("list usage", slog.Int64("client_id", clientID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"usage": records})
}

type generateInvoiceRequest struct {
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required,datetime=2006-01-02"`
}

func (h *Handler) generateInvoice(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid client id")
		return
	}
	var req generateInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	periodStart, _ := time.Parse("2006-01-02", req.PeriodStart)
	periodEnd, _ := time.Parse("2006-01-02", req.PeriodEnd)
	result, err := h.service.GenerateInvoice(r.Context(), clientID, periodStart, periodEnd)
	if err != nil {
		h.logger.Error("generate invoice", slog.Int64("client_id", clientID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", err.Error())
		return
	}
	if result == nil {
		httpx.JSON(w, http.StatusOK, map[string]any{"generated": false})
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"generated":      true,
		"invoice_id":     result.InvoiceID,
		"invoice_number": result.InvoiceNumber,
		"total":          result.Total,
	})
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return
	}
	invoice, items, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "invoice not found")
			return
		}
		h.logger.Error("get invoice", slog.Int64("id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoice": invoice, "items": items})
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid client id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	invoices, err := h.service.ListInvoices(r.Context(), clientID, limit)
	if err != nil {
		h.logger.Error("list invoices", slog.Int64("client_id", clientID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

type runRequest struct {
	RunType     string `json:"run_type" validate:"omitempty,oneof=scheduled manual retry"`
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required,datetime=2006-01-02"`
	ClientID    int64  `json:"client_id"`
}

func (h *Handler) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	runType := RunType(req.RunType)
	if runType == "" {
		runType = RunTypeManual
	}
	periodStart, _ := time.Parse("2006-01-02", req.PeriodStart)
	periodEnd, _ := time.Parse("2006-01-02", req.PeriodEnd)
	run, err := h.service.RunBillingRun(r.Context(), runType, periodStart, periodEnd, req.ClientID)
	if err != nil {
		h.logger.Error("trigger billing run", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, run)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.service.ListBillingRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("list billing runs", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func configResponse(cfg ClientBillingConfig) map[string]any {
	return map[string]any{
		"client_id":              cfg.ClientID,
		"billing_frequency":      cfg.BillingFrequency,
		"billing_day_of_month":   cfg.BillingDayOfMonth,
		"payment_terms_days":     cfg.PaymentTermsDays,
		"late_fee_percent":       cfg.LateFeePercent,
		"monthly_minimum":        cfg.MonthlyMinimum,
		"tax_rate":               cfg.TaxRate,
		"tax_exempt":             cfg.TaxExempt,
		"auto_generate_invoices": cfg.AutoGenerateInvoices,
		"auto_send_invoices":     cfg.AutoSendInvoices,
		"billing_contact_name":   cfg.BillingContactName,
		"billing_contact_email":  cfg.BillingContactEmail,
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func queryDate(r *http.Request, name string) time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
