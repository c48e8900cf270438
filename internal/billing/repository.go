package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists billing data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations invoice generation performs inside a
// single transaction.
type TxRepository interface {
	GetBillingConfig(ctx context.Context, clientID int64) (ClientBillingConfig, error)
	SelectUninvoicedUsage(ctx context.Context, clientID int64, periodStart, periodEnd time.Time) ([]UsageRecord, error)
	NextInvoiceNumber(ctx context.Context, year int) (string, error)
	InsertInvoice(ctx context.Context, inv Invoice) (int64, error)
	InsertInvoiceItems(ctx context.Context, invoiceID int64, items []InvoiceItem) error
	MarkUsageInvoiced(ctx context.Context, usageIDs []int64, invoiceID int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("billing repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const billingConfigColumns = `id, client_id, billing_frequency, billing_day_of_month, payment_terms_days, late_fee_percent, monthly_minimum, tax_rate, tax_exempt, auto_generate_invoices, auto_send_invoices, billing_contact_name, billing_contact_email, created_at, updated_at`

func scanBillingConfig(row pgx.Row) (ClientBillingConfig, error) {
	var cfg ClientBillingConfig
	err := row.Scan(&cfg.ID, &cfg.ClientID, &cfg.BillingFrequency, &cfg.BillingDayOfMonth, &cfg.PaymentTermsDays, &cfg.LateFeePercent, &cfg.MonthlyMinimum, &cfg.TaxRate, &cfg.TaxExempt, &cfg.AutoGenerateInvoices, &cfg.AutoSendInvoices, &cfg.BillingContactName, &cfg.BillingContactEmail, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ClientBillingConfig{}, ErrConfigNotFound
		}
		return ClientBillingConfig{}, err
	}
	return cfg, nil
}

// GetBillingConfig returns the stored config for a client.
func (r *Repository) GetBillingConfig(ctx context.Context, clientID int64) (ClientBillingConfig, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+billingConfigColumns+` FROM client_billing_config WHERE client_id=$1`, clientID)
	return scanBillingConfig(row)
}

// UpsertBillingConfig creates or replaces the config keyed on client_id.
func (r *Repository) UpsertBillingConfig(ctx context.Context, cfg ClientBillingConfig) (ClientBillingConfig, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO client_billing_config
(client_id, billing_frequency, billing_day_of_month, payment_terms_days, late_fee_percent, monthly_minimum, tax_rate, tax_exempt, auto_generate_invoices, auto_send_invoices, billing_contact_name, billing_contact_email, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW())
ON CONFLICT (client_id) DO UPDATE SET
billing_frequency=EXCLUDED.billing_frequency,
billing_day_of_month=EXCLUDED.billing_day_of_month,
payment_terms_days=EXCLUDED.payment_terms_days,
late_fee_percent=EXCLUDED.late_fee_percent,
monthly_minimum=EXCLUDED.monthly_minimum,
tax_rate=EXCLUDED.tax_rate,
tax_exempt=EXCLUDED.tax_exempt,
auto_generate_invoices=EXCLUDED.auto_generate_invoices,
auto_send_invoices=EXCLUDED.auto_send_invoices,
billing_contact_name=EXCLUDED.billing_contact_name,
billing_contact_email=EXCLUDED.billing_contact_email,
updated_at=NOW()
RETURNING `+billingConfigColumns,
		cfg.ClientID, cfg.BillingFrequency, cfg.BillingDayOfMonth, cfg.PaymentTermsDays, cfg.LateFeePercent, cfg.MonthlyMinimum, cfg.TaxRate, cfg.TaxExempt, cfg.AutoGenerateInvoices, cfg.AutoSendInvoices, cfg.BillingContactName, cfg.BillingContactEmail)
	return scanBillingConfig(row)
}

const rateCardColumns = `id, client_id, rate_category, rate_code, description, unit_price, price_unit, minimum_charge, is_active, created_at, updated_at`

// ListRateCards returns all rate cards for a client, active first.
func (r *Repository) ListRateCards(ctx context.Context, clientID int64) ([]ClientRateCard, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+rateCardColumns+` FROM client_rate_cards WHERE client_id=$1 ORDER BY is_active DESC, rate_category, rate_code`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cards []ClientRateCard
	for rows.Next() {
		var card ClientRateCard
		if err := rows.Scan(&card.ID, &card.ClientID, &card.RateCategory, &card.RateCode, &card.Description, &card.UnitPrice, &card.PriceUnit, &card.MinimumCharge, &card.IsActive, &card.CreatedAt, &card.UpdatedAt); err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cards, nil
}

// UpsertRateCard inserts or updates a rate card keyed on (client_id, rate_code).
func (r *Repository) UpsertRateCard(ctx context.Context, card ClientRateCard) (ClientRateCard, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO client_rate_cards
(client_id, rate_category, rate_code, description, unit_price, price_unit, minimum_charge, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())
ON CONFLICT (client_id, rate_code) DO UPDATE SET
rate_category=EXCLUDED.rate_category,
description=EXCLUDED.description,
unit_price=EXCLUDED.unit_price,
price_unit=EXCLUDED.price_unit,
minimum_charge=EXCLUDED.minimum_charge,
is_active=EXCLUDED.is_active,
updated_at=NOW()
RETURNING `+rateCardColumns,
		card.ClientID, card.RateCategory, card.RateCode, card.Description, card.UnitPrice, card.PriceUnit, card.MinimumCharge, card.IsActive)
	var out ClientRateCard
	err := row.Scan(&out.ID, &out.ClientID, &out.RateCategory, &out.RateCode, &out.Description, &out.UnitPrice, &out.PriceUnit, &out.MinimumCharge, &out.IsActive, &out.CreatedAt, &out.UpdatedAt)
	return out, err
}

// DeactivateRateCard soft-deletes a rate card.
func (r *Repository) DeactivateRateCard(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE client_rate_cards SET is_active=false, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTemplateRates returns entries of a named default rate template.
func (r *Repository) ListTemplateRates(ctx context.Context, templateName string) ([]TemplateRate, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, template_name, rate_category, rate_code, description, unit_price, price_unit, minimum_charge FROM default_rate_templates WHERE template_name=$1 ORDER BY rate_category, rate_code`, templateName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rates []TemplateRate
	for rows.Next() {
		var t TemplateRate
		if err := rows.Scan(&t.ID, &t.TemplateName, &t.RateCategory, &t.RateCode, &t.Description, &t.UnitPrice, &t.PriceUnit, &t.MinimumCharge); err != nil {
			return nil, err
		}
		rates = append(rates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rates, nil
}

// InsertUsage appends a usage record to the ledger.
func (r *Repository) InsertUsage(ctx context.Context, rec UsageRecord) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO usage_records (client_id, usage_type, quantity, unit_price, total, usage_date, reference, invoiced, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,false,NOW()) RETURNING id`,
		rec.ClientID, rec.UsageType, rec.Quantity, rec.UnitPrice, rec.Total, rec.UsageDate, rec.Reference).Scan(&id)
	return id, err
}

// ListUsage returns ledger entries for a client within a date range.
func (r *Repository) ListUsage(ctx context.Context, clientID int64, from, to time.Time) ([]UsageRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, client_id, usage_type, quantity, unit_price, total, usage_date, reference, invoiced, COALESCE(invoice_id, 0), created_at
FROM usage_records
WHERE client_id=$1 AND usage_date BETWEEN COALESCE($2, '-infinity') AND COALESCE($3, 'infinity')
ORDER BY usage_date, id`, clientID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsageRows(rows)
}

// GetInvoice loads an invoice header with its items.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (Invoice, []InvoiceItem, error) {
	var inv Invoice
	err := r.pool.QueryRow(ctx, `SELECT id, client_id, invoice_number, period_start, period_end, subtotal, tax_rate, tax_amount, total, status, due_date, created_at, updated_at FROM invoices WHERE id=$1`, id).
		Scan(&inv.ID, &inv.ClientID, &inv.InvoiceNumber, &inv.PeriodStart, &inv.PeriodEnd, &inv.Subtotal, &inv.TaxRate, &inv.TaxAmount, &inv.Total, &inv.Status, &inv.DueDate, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, nil, ErrNotFound
		}
		return Invoice{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_id, description, quantity, unit_price, total, sort_order FROM invoice_items WHERE invoice_id=$1 ORDER BY sort_order`, id)
	if err != nil {
		return Invoice{}, nil, err
	}
	defer rows.Close()
	var items []InvoiceItem
	for rows.Next() {
		var item InvoiceItem
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.Description, &item.Quantity, &item.UnitPrice, &item.Total, &item.SortOrder); err != nil {
			return Invoice{}, nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return Invoice{}, nil, err
	}
	return inv, items, nil
}

// ListInvoices returns invoice headers for a client, newest first.
func (r *Repository) ListInvoices(ctx context.Context, clientID int64, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, client_id, invoice_number, period_start, period_end, subtotal, tax_rate, tax_amount, total, status, due_date, created_at, updated_at
FROM invoices WHERE client_id=$1 ORDER BY created_at DESC LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.ClientID, &inv.InvoiceNumber, &inv.PeriodStart, &inv.PeriodEnd, &inv.Subtotal, &inv.TaxRate, &inv.TaxAmount, &inv.Total, &inv.Status, &inv.DueDate, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

// ListActiveClients returns clients eligible for fleet-wide billing runs.
func (r *Repository) ListActiveClients(ctx context.Context) ([]Client, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, active FROM clients WHERE active=true ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var clients []Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Active); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return clients, nil
}

// GetClient returns one client by id.
func (r *Repository) GetClient(ctx context.Context, id int64) (Client, error) {
	var c Client
	err := r.pool.QueryRow(ctx, `SELECT id, name, active FROM clients WHERE id=$1`, id).Scan(&c.ID, &c.Name, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Client{}, ErrNotFound
		}
		return Client{}, err
	}
	return c, nil
}

// InsertBillingRun creates a pending run record.
func (r *Repository) InsertBillingRun(ctx context.Context, run BillingRun) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO billing_runs (run_number, run_type, period_start, period_end, status, invoices_generated, total_billed, errors, created_at)
VALUES ($1,$2,$3,$4,$5,0,0,'[]'::jsonb,NOW()) RETURNING id`,
		run.RunNumber, run.RunType, run.PeriodStart, run.PeriodEnd, run.Status).Scan(&id)
	return id, err
}

// UpdateBillingRunStatus transitions a run to processing.
func (r *Repository) UpdateBillingRunStatus(ctx context.Context, id int64, status RunStatus, startedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE billing_runs SET status=$1, started_at=$2 WHERE id=$3`, status, startedAt, id)
	return err
}

// FinishBillingRun persists the final outcome of a run.
func (r *Repository) FinishBillingRun(ctx context.Context, run BillingRun) error {
	errs := run.Errors
	if errs == nil {
		errs = []RunError{}
	}
	_, err := r.pool.Exec(ctx, `UPDATE billing_runs SET status=$1, invoices_generated=$2, total_billed=$3, errors=$4, completed_at=$5 WHERE id=$6`,
		run.Status, run.InvoicesGenerated, run.TotalBilled, errs, run.CompletedAt, run.ID)
	return err
}

// ListBillingRuns returns run records, newest first.
func (r *Repository) ListBillingRuns(ctx context.Context, limit int) ([]BillingRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT id, run_number, run_type, period_start, period_end, status, invoices_generated, total_billed, errors, COALESCE(started_at, 'epoch'), COALESCE(completed_at, 'epoch'), created_at
FROM billing_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []BillingRun
	for rows.Next() {
		var run BillingRun
		if err := rows.Scan(&run.ID, &run.RunNumber, &run.RunType, &run.PeriodStart, &run.PeriodEnd, &run.Status, &run.InvoicesGenerated, &run.TotalBilled, &run.Errors, &run.StartedAt, &run.CompletedAt, &run.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *txRepository) GetBillingConfig(ctx context.Context, clientID int64) (ClientBillingConfig, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+billingConfigColumns+` FROM client_billing_config WHERE client_id=$1`, clientID)
	return scanBillingConfig(row)
}

func (r *txRepository) SelectUninvoicedUsage(ctx context.Context, clientID int64, periodStart, periodEnd time.Time) ([]UsageRecord, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, client_id, usage_type, quantity, unit_price, total, usage_date, reference, invoiced, COALESCE(invoice_id, 0), created_at
FROM usage_records
WHERE client_id=$1 AND invoiced=false AND usage_date BETWEEN $2 AND $3
ORDER BY usage_date, id`, clientID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsageRows(rows)
}

// NextInvoiceNumber bumps the per-year sequence row under its row lock and
// formats the result as INV-{year}-{5 digits}. The upsert serialises
// concurrent callers on the year row, so two overlapping runs cannot mint
// the same number.
func (r *txRepository) NextInvoiceNumber(ctx context.Context, year int) (string, error) {
	var seq int64
	err := r.tx.QueryRow(ctx, `INSERT INTO invoice_sequences (year, last_value) VALUES ($1, 1)
ON CONFLICT (year) DO UPDATE SET last_value = invoice_sequences.last_value + 1
RETURNING last_value`, year).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("billing: next invoice number: %w", err)
	}
	return fmt.Sprintf("INV-%d-%05d", year, seq), nil
}

func (r *txRepository) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO invoices (client_id, invoice_number, period_start, period_end, subtotal, tax_rate, tax_amount, total, status, due_date, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW()) RETURNING id`,
		inv.ClientID, inv.InvoiceNumber, inv.PeriodStart, inv.PeriodEnd, inv.Subtotal, inv.TaxRate, inv.TaxAmount, inv.Total, inv.Status, inv.DueDate).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("billing: duplicate invoice number %s: %w", inv.InvoiceNumber, err)
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) InsertInvoiceItems(ctx context.Context, invoiceID int64, items []InvoiceItem) error {
	for _, item := range items {
		if _, err := r.tx.Exec(ctx, `INSERT INTO invoice_items (invoice_id, description, quantity, unit_price, total, sort_order)
VALUES ($1,$2,$3,$4,$5,$6)`, invoiceID, item.Description, item.Quantity, item.UnitPrice, item.Total, item.SortOrder); err != nil {
			return err
		}
	}
	return nil
}

// MarkUsageInvoiced flags the exact records selected earlier in this
// transaction. Marking by id list rather than re-querying the period
// predicate keeps a record invoiced elsewhere from being claimed twice.
func (r *txRepository) MarkUsageInvoiced(ctx context.Context, usageIDs []int64, invoiceID int64) error {
	if len(usageIDs) == 0 {
		return nil
	}
	_, err := r.tx.Exec(ctx, `UPDATE usage_records SET invoiced=true, invoice_id=$1 WHERE id = ANY($2)`, invoiceID, usageIDs)
	return err
}

func scanUsageRows(rows pgx.Rows) ([]UsageRecord, error) {
	var records []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.UsageType, &rec.Quantity, &rec.UnitPrice, &rec.Total, &rec.UsageDate, &rec.Reference, &rec.Invoiced, &rec.InvoiceID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
