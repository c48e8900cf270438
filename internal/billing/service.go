package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/wareflow-erp/wareflow/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBillingConfig(ctx context.Context, clientID int64) (ClientBillingConfig, error)
	UpsertBillingConfig(ctx context.Context, cfg ClientBillingConfig) (ClientBillingConfig, error)
	ListRateCards(ctx context.Context, clientID int64) ([]ClientRateCard, error)
	UpsertRateCard(ctx context.Context, card ClientRateCard) (ClientRateCard, error)
	DeactivateRateCard(ctx context.Context, id int64) error
	ListTemplateRates(ctx context.Context, templateName string) ([]TemplateRate, error)
	InsertUsage(ctx context.Context, rec UsageRecord) (int64, error)
	ListUsage(ctx context.Context, clientID int64, from, to time.Time) ([]UsageRecord, error)
	GetInvoice(ctx context.Context, id int64) (Invoice, []InvoiceItem, error)
	ListInvoices(ctx context.Context, clientID int64, limit int) ([]Invoice, error)
	GetClient(ctx context.Context, id int64) (Client, error)
	ListActiveClients(ctx context.Context) ([]Client, error)
	InsertBillingRun(ctx context.Context, run BillingRun) (int64, error)
	UpdateBillingRunStatus(ctx context.Context, id int64, status RunStatus, startedAt time.Time) error
	FinishBillingRun(ctx context.Context, run BillingRun) error
	ListBillingRuns(ctx context.Context, limit int) ([]BillingRun, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, entry shared.AuditLog) error
}

// Service coordinates billing configuration, the usage ledger, invoice
// generation and billing runs.
type Service struct {
	repo    RepositoryPort
	fees    StorageFeePort
	cache   *RateCardCache
	audit   AuditPort
	logger  *slog.Logger
	printer *message.Printer
	clock   func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, fees StorageFeePort, cache *RateCardCache, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		fees:    fees,
		cache:   cache,
		audit:   audit,
		logger:  logger,
		printer: message.NewPrinter(language.English),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// GetBillingConfig returns the stored config, or the defaults when the
// client has none. Absence of a config is not an error.
func (s *Service) GetBillingConfig(ctx context.Context, clientID int64) (ClientBillingConfig, error) {
	cfg, err := s.repo.GetBillingConfig(ctx, clientID)
	if errors.Is(err, ErrConfigNotFound) {
		return DefaultBillingConfig(clientID), nil
	}
	return cfg, err
}

// SaveBillingConfig upserts the per-client config.
func (s *Service) SaveBillingConfig(ctx context.Context, cfg ClientBillingConfig) (ClientBillingConfig, error) {
	if cfg.ClientID == 0 {
		return ClientBillingConfig{}, errors.New("billing: client ID required")
	}
	switch cfg.BillingFrequency {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
	case "":
		cfg.BillingFrequency = FrequencyMonthly
	default:
		return ClientBillingConfig{}, fmt.Errorf("billing: unknown frequency %q", cfg.BillingFrequency)
	}
	if cfg.BillingDayOfMonth < 0 || cfg.BillingDayOfMonth > 28 {
		return ClientBillingConfig{}, errors.New("billing: billing day of month must be within 0..28")
	}
	if cfg.PaymentTermsDays <= 0 {
		cfg.PaymentTermsDays = 30
	}
	if cfg.MonthlyMinimum < 0 || cfg.TaxRate < 0 {
		return ClientBillingConfig{}, errors.New("billing: minimum and tax rate must be non-negative")
	}
	saved, err := s.repo.UpsertBillingConfig(ctx, cfg)
	if err != nil {
		return ClientBillingConfig{}, err
	}
	s.recordAudit(ctx, "billing:config_upsert", "client_billing_config", fmt.Sprintf("%d", saved.ClientID), map[string]any{
		"monthly_minimum": saved.MonthlyMinimum,
		"tax_rate":        saved.TaxRate,
	})
	return saved, nil
}

// ListRateCards returns the client's rate cards through the read cache.
func (s *Service) ListRateCards(ctx context.Context, clientID int64) ([]ClientRateCard, error) {
	if cards, ok := s.cache.Get(ctx, clientID); ok {
		return cards, nil
	}
	cards, err := s.repo.ListRateCards(ctx, clientID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, clientID, cards)
	return cards, nil
}

// SaveRateCard creates or updates a rate card.
func (s *Service) SaveRateCard(ctx context.Context, card ClientRateCard) (ClientRateCard, error) {
	if card.ClientID == 0 || card.RateCode == "" {
		return ClientRateCard{}, errors.New("billing: client ID and rate code required")
	}
	if !validRateCategory(card.RateCategory) {
		return ClientRateCard{}, fmt.Errorf("billing: unknown rate category %q", card.RateCategory)
	}
	if card.UnitPrice < 0 || card.MinimumCharge < 0 {
		return ClientRateCard{}, errors.New("billing: prices must be non-negative")
	}
	saved, err := s.repo.UpsertRateCard(ctx, card)
	if err != nil {
		return ClientRateCard{}, err
	}
	s.cache.Invalidate(ctx, card.ClientID)
	return saved, nil
}

// DeactivateRateCard soft-deletes a rate card.
func (s *Service) DeactivateRateCard(ctx context.Context, clientID, id int64) error {
	if err := s.repo.DeactivateRateCard(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, clientID)
	return nil
}

// ApplyRateTemplate copies a named default template onto a client, one
// upsert per rate code.
func (s *Service) ApplyRateTemplate(ctx context.Context, clientID int64, templateName string) (int, error) {
	if clientID == 0 || templateName == "" {
		return 0, errors.New("billing: client ID and template name required")
	}
	rates, err := s.repo.ListTemplateRates(ctx, templateName)
	if err != nil {
		return 0, err
	}
	if len(rates) == 0 {
		return 0, ErrTemplateEmpty
	}
	applied := 0
	for _, rate := range rates {
		_, err := s.repo.UpsertRateCard(ctx, ClientRateCard{
			ClientID:      clientID,
			RateCategory:  rate.RateCategory,
			RateCode:      rate.RateCode,
			Description:   rate.Description,
			UnitPrice:     rate.UnitPrice,
			PriceUnit:     rate.PriceUnit,
			MinimumCharge: rate.MinimumCharge,
			IsActive:      true,
		})
		if err != nil {
			return applied, fmt.Errorf("billing: apply template %s: %w", templateName, err)
		}
		applied++
	}
	s.cache.Invalidate(ctx, clientID)
	s.recordAudit(ctx, "billing:template_apply", "client_rate_cards", fmt.Sprintf("%d", clientID), map[string]any{
		"template": templateName,
		"applied":  applied,
	})
	return applied, nil
}

// RecordUsage appends one billable event to the ledger. The stored total is
// quantity times unit price unless the caller supplied one.
func (s *Service) RecordUsage(ctx context.Context, rec UsageRecord) (UsageRecord, error) {
	if rec.ClientID == 0 || rec.UsageType == "" {
		return UsageRecord{}, errors.New("billing: client ID and usage type required")
	}
	if rec.Quantity <= 0 {
		return UsageRecord{}, ErrInvalidQuantity
	}
	if rec.UnitPrice < 0 {
		return UsageRecord{}, errors.New("billing: unit price must be non-negative")
	}
	if rec.Total == 0 {
		rec.Total = rec.Quantity * rec.UnitPrice
	}
	if rec.UsageDate.IsZero() {
		// Date-only: billing periods end at midnight on the last day, so a
		// record logged later that day must still fall inside the month.
		now := s.clock()
		rec.UsageDate = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	id, err := s.repo.InsertUsage(ctx, rec)
	if err != nil {
		return UsageRecord{}, err
	}
	rec.ID = id
	return rec, nil
}

// ListUsage returns ledger entries for a client.
func (s *Service) ListUsage(ctx context.Context, clientID int64, from, to time.Time) ([]UsageRecord, error) {
	return s.repo.ListUsage(ctx, clientID, from, to)
}

// GetInvoice loads an invoice with its items.
func (s *Service) GetInvoice(ctx context.Context, id int64) (Invoice, []InvoiceItem, error) {
	return s.repo.GetInvoice(ctx, id)
}

// ListInvoices returns a client's invoices.
func (s *Service) ListInvoices(ctx context.Context, clientID int64, limit int) ([]Invoice, error) {
	return s.repo.ListInvoices(ctx, clientID, limit)
}

// ListBillingRuns returns past runs.
func (s *Service) ListBillingRuns(ctx context.Context, limit int) ([]BillingRun, error) {
	return s.repo.ListBillingRuns(ctx, limit)
}

// usageGroup accumulates uninvoiced records sharing a usage type.
type usageGroup struct {
	usageType string
	quantity  float64
	unitPrice float64
	total     float64
}

// GenerateInvoice aggregates a client's uninvoiced usage and storage fees
// for the period into a draft invoice. A nil result with a nil error means
// there was nothing to invoice and no row was created.
//
// The whole generation runs in one transaction: sequence bump, invoice and
// item inserts, and usage marking commit or roll back together.
func (s *Service) GenerateInvoice(ctx context.Context, clientID int64, periodStart, periodEnd time.Time) (*InvoiceResult, error) {
	if clientID == 0 {
		return nil, errors.New("billing: client ID required")
	}
	if periodEnd.Before(periodStart) {
		return nil, ErrInvalidPeriod
	}

	now := s.clock()
	var result *InvoiceResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cfg, err := tx.GetBillingConfig(ctx, clientID)
		if errors.Is(err, ErrConfigNotFound) {
			cfg = DefaultBillingConfig(clientID)
		} else if err != nil {
			return fmt.Errorf("billing: load config: %w", err)
		}
		// Stored rows can carry zero terms when written outside the API.
		if cfg.PaymentTermsDays <= 0 {
			cfg.PaymentTermsDays = 30
		}

		usage, err := tx.SelectUninvoicedUsage(ctx, clientID, periodStart, periodEnd)
		if err != nil {
			return fmt.Errorf("billing: select usage: %w", err)
		}

		// Group by usage type in order of first appearance. Totals are
		// summed exactly; the group's displayed unit price is the first
		// record's, which can misstate the rate when prices vary within a
		// type.
		groups := make(map[string]*usageGroup)
		var order []string
		var usageIDs []int64
		for _, rec := range usage {
			usageIDs = append(usageIDs, rec.ID)
			g, ok := groups[rec.UsageType]
			if !ok {
				g = &usageGroup{usageType: rec.UsageType, unitPrice: rec.UnitPrice}
				groups[rec.UsageType] = g
				order = append(order, rec.UsageType)
			}
			g.quantity += rec.Quantity
			g.total += rec.Total
		}

		var items []InvoiceItem
		var subtotal float64
		for _, usageType := range order {
			g := groups[usageType]
			items = append(items, InvoiceItem{
				Description: g.usageType,
				Quantity:    g.quantity,
				UnitPrice:   g.unitPrice,
				Total:       g.total,
			})
			subtotal += g.total
		}

		fees, err := s.fees.ComputeStorageFees(ctx, clientID, periodStart, periodEnd)
		if err != nil {
			return fmt.Errorf("billing: storage fees: %w", err)
		}
		for _, fee := range fees {
			description := fee.Description
			if description == "" {
				description = fmt.Sprintf("Storage (%s)", fee.RateCode)
			}
			items = append(items, InvoiceItem{
				Description: description,
				Quantity:    fee.Quantity,
				UnitPrice:   fee.UnitPrice,
				Total:       fee.TotalAmount,
			})
			subtotal += fee.TotalAmount
		}

		// Nothing billable and no floor to enforce: not an error, no row.
		if len(items) == 0 && subtotal == 0 && cfg.MonthlyMinimum == 0 {
			return nil
		}

		if subtotal < cfg.MonthlyMinimum {
			adjustment := cfg.MonthlyMinimum - subtotal
			items = append(items, InvoiceItem{
				Description: s.printer.Sprintf("Monthly Minimum Adjustment (minimum %.2f)", cfg.MonthlyMinimum),
				Quantity:    1,
				UnitPrice:   adjustment,
				Total:       adjustment,
			})
			subtotal = cfg.MonthlyMinimum
		}

		var taxAmount float64
		if !cfg.TaxExempt {
			taxAmount = subtotal * cfg.TaxRate / 100
		}
		total := subtotal + taxAmount

		number, err := tx.NextInvoiceNumber(ctx, now.Year())
		if err != nil {
			return err
		}

		generatedOn := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		invoice := Invoice{
			ClientID:      clientID,
			InvoiceNumber: number,
			PeriodStart:   periodStart,
			PeriodEnd:     periodEnd,
			Subtotal:      subtotal,
			TaxRate:       cfg.TaxRate,
			TaxAmount:     taxAmount,
			Total:         total,
			Status:        InvoiceStatusDraft,
			DueDate:       generatedOn.AddDate(0, 0, cfg.PaymentTermsDays),
		}
		invoiceID, err := tx.InsertInvoice(ctx, invoice)
		if err != nil {
			return fmt.Errorf("billing: insert invoice: %w", err)
		}
		for i := range items {
			items[i].InvoiceID = invoiceID
			items[i].SortOrder = i
		}
		if err := tx.InsertInvoiceItems(ctx, invoiceID, items); err != nil {
			return fmt.Errorf("billing: insert items: %w", err)
		}
		if err := tx.MarkUsageInvoiced(ctx, usageIDs, invoiceID); err != nil {
			return fmt.Errorf("billing: mark usage: %w", err)
		}

		result = &InvoiceResult{InvoiceID: invoiceID, InvoiceNumber: number, Total: total}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		s.recordAudit(ctx, "billing:invoice_generate", "invoices", result.InvoiceNumber, map[string]any{
			"client_id": clientID,
			"total":     result.Total,
			"period":    periodStart.Format("2006-01-02") + ".." + periodEnd.Format("2006-01-02"),
		})
	}
	return result, nil
}

// RunBillingRun executes invoice generation for one client or the whole
// active fleet. Clients are processed strictly sequentially: the per-year
// invoice sequence is serialised per transaction, and sequential processing
// keeps one run from interleaving its own allocations. One client's failure
// is recorded and never aborts the run.
func (s *Service) RunBillingRun(ctx context.Context, runType RunType, periodStart, periodEnd time.Time, clientID int64) (*BillingRun, error) {
	switch runType {
	case RunTypeScheduled, RunTypeManual, RunTypeRetry:
	default:
		return nil, fmt.Errorf("billing: unknown run type %q", runType)
	}
	if periodEnd.Before(periodStart) {
		return nil, ErrInvalidPeriod
	}

	now := s.clock()
	run := BillingRun{
		RunNumber:   fmt.Sprintf("RUN-%d", now.UnixNano()),
		RunType:     runType,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Status:      RunStatusPending,
	}
	id, err := s.repo.InsertBillingRun(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("billing: create run: %w", err)
	}
	run.ID = id

	run.Status = RunStatusProcessing
	run.StartedAt = s.clock()
	if err := s.repo.UpdateBillingRunStatus(ctx, run.ID, run.Status, run.StartedAt); err != nil {
		return nil, fmt.Errorf("billing: start run: %w", err)
	}

	var clients []Client
	if clientID != 0 {
		client, err := s.repo.GetClient(ctx, clientID)
		if err != nil {
			return nil, fmt.Errorf("billing: load client %d: %w", clientID, err)
		}
		clients = []Client{client}
	} else {
		clients, err = s.repo.ListActiveClients(ctx)
		if err != nil {
			return nil, fmt.Errorf("billing: load clients: %w", err)
		}
	}

	for _, client := range clients {
		result, err := s.GenerateInvoice(ctx, client.ID, periodStart, periodEnd)
		if err != nil {
			run.Errors = append(run.Errors, RunError{ClientID: client.ID, Error: err.Error()})
			s.logger.Warn("billing run client failed",
				slog.String("run", run.RunNumber),
				slog.Int64("client_id", client.ID),
				slog.Any("error", err),
			)
			continue
		}
		if result == nil {
			continue
		}
		run.InvoicesGenerated++
		run.TotalBilled += result.Total
	}

	run.Status = deriveRunStatus(run.InvoicesGenerated, len(run.Errors))
	run.CompletedAt = s.clock()
	if err := s.repo.FinishBillingRun(ctx, run); err != nil {
		return nil, fmt.Errorf("billing: finish run: %w", err)
	}

	s.logger.Info("billing run finished",
		slog.String("run", run.RunNumber),
		slog.String("status", string(run.Status)),
		slog.Int("invoices_generated", run.InvoicesGenerated),
		slog.Float64("total_billed", run.TotalBilled),
		slog.Int("errors", len(run.Errors)),
		slog.Duration("duration", run.CompletedAt.Sub(run.StartedAt)),
	)
	return &run, nil
}

func (s *Service) recordAudit(ctx context.Context, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	})
}

func validRateCategory(c RateCategory) bool {
	switch c {
	case RateCategoryStorage, RateCategoryInbound, RateCategoryOutbound, RateCategoryPick,
		RateCategoryPack, RateCategorySpecial, RateCategoryReturn, RateCategorySupply:
		return true
	}
	return false
}
