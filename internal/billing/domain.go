package billing

import (
	"errors"
	"time"
)

// BillingFrequency enumerates supported invoicing cadences.
type BillingFrequency string

const (
	FrequencyWeekly   BillingFrequency = "weekly"
	FrequencyBiweekly BillingFrequency = "biweekly"
	FrequencyMonthly  BillingFrequency = "monthly"
)

// RateCategory enumerates billable service categories.
type RateCategory string

const (
	RateCategoryStorage  RateCategory = "storage"
	RateCategoryInbound  RateCategory = "inbound"
	RateCategoryOutbound RateCategory = "outbound"
	RateCategoryPick     RateCategory = "pick"
	RateCategoryPack     RateCategory = "pack"
	RateCategorySpecial  RateCategory = "special"
	RateCategoryReturn   RateCategory = "return"
	RateCategorySupply   RateCategory = "supply"
)

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusOverdue   InvoiceStatus = "overdue"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// RunType enumerates how a billing run was triggered.
type RunType string

const (
	RunTypeScheduled RunType = "scheduled"
	RunTypeManual    RunType = "manual"
	RunTypeRetry     RunType = "retry"
)

// RunStatus enumerates billing run states.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusPartial    RunStatus = "partial"
	RunStatusFailed     RunStatus = "failed"
)

// Client is a billable warehouse customer.
type Client struct {
	ID     int64
	Name   string
	Active bool
}

// ClientBillingConfig holds per-client invoicing parameters. At most one
// active row per client; absence implies DefaultBillingConfig.
type ClientBillingConfig struct {
	ID                   int64
	ClientID             int64
	BillingFrequency     BillingFrequency
	BillingDayOfMonth    int
	PaymentTermsDays     int
	LateFeePercent       float64
	MonthlyMinimum       float64
	TaxRate              float64
	TaxExempt            bool
	AutoGenerateInvoices bool
	AutoSendInvoices     bool
	BillingContactName   string
	BillingContactEmail  string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DefaultBillingConfig returns the values assumed when a client has no
// stored configuration.
func DefaultBillingConfig(clientID int64) ClientBillingConfig {
	return ClientBillingConfig{
		ClientID:         clientID,
		BillingFrequency: FrequencyMonthly,
		PaymentTermsDays: 30,
	}
}

// ClientRateCard prices one billable category for one client. Unique on
// (client_id, rate_code); deactivated via IsActive rather than deleted.
type ClientRateCard struct {
	ID            int64
	ClientID      int64
	RateCategory  RateCategory
	RateCode      string
	Description   string
	UnitPrice     float64
	PriceUnit     string
	MinimumCharge float64
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TemplateRate is one entry of a named client-independent rate seed set.
type TemplateRate struct {
	ID           int64
	TemplateName string
	RateCategory RateCategory
	RateCode     string
	Description  string
	UnitPrice    float64
	PriceUnit    string
	MinimumCharge float64
}

// UsageRecord is an append-only billable event. Once Invoiced is true the
// record carries a non-null InvoiceID and is never selected again.
type UsageRecord struct {
	ID        int64
	ClientID  int64
	UsageType string
	Quantity  float64
	UnitPrice float64
	Total     float64
	UsageDate time.Time
	Reference string
	Invoiced  bool
	InvoiceID int64
	CreatedAt time.Time
}

// StorageFee is a computed storage charge for one rate code over a period.
type StorageFee struct {
	RateCode    string
	Description string
	Quantity    float64
	UnitPrice   float64
	TotalAmount float64
}

// Invoice header. Subtotal always equals the sum of item totals and
// Total = Subtotal + TaxAmount.
type Invoice struct {
	ID            int64
	ClientID      int64
	InvoiceNumber string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	Subtotal      float64
	TaxRate       float64
	TaxAmount     float64
	Total         float64
	Status        InvoiceStatus
	DueDate       time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InvoiceItem is one line of an invoice. SortOrder preserves insertion
// order: grouped usage first, storage fees next, minimum adjustment last.
type InvoiceItem struct {
	ID          int64
	InvoiceID   int64
	Description string
	Quantity    float64
	UnitPrice   float64
	Total       float64
	SortOrder   int
}

// InvoiceResult is returned after a successful generation.
type InvoiceResult struct {
	InvoiceID     int64
	InvoiceNumber string
	Total         float64
}

// RunError records one client failure inside a billing run.
type RunError struct {
	ClientID int64  `json:"client_id"`
	Error    string `json:"error"`
}

// BillingRun is one orchestrated invoice-generation pass over a client set.
type BillingRun struct {
	ID                int64
	RunNumber         string
	RunType           RunType
	PeriodStart       time.Time
	PeriodEnd         time.Time
	Status            RunStatus
	InvoicesGenerated int
	TotalBilled       float64
	Errors            []RunError
	StartedAt         time.Time
	CompletedAt       time.Time
	CreatedAt         time.Time
}

// deriveRunStatus maps run outcomes onto a final status: completed when no
// client failed, partial when some failed but invoices were produced, failed
// when every attempted client failed.
func deriveRunStatus(invoicesGenerated int, errCount int) RunStatus {
	switch {
	case errCount == 0:
		return RunStatusCompleted
	case invoicesGenerated > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}

// ErrNotFound indicates a missing billing resource.
var ErrNotFound = errors.New("billing: not found")

// ErrConfigNotFound indicates the client has no stored billing config.
var ErrConfigNotFound = errors.New("billing: config not found")

// ErrTemplateEmpty indicates the requested rate template has no entries.
var ErrTemplateEmpty = errors.New("billing: rate template has no entries")

// ErrInvalidPeriod indicates periodEnd precedes periodStart.
var ErrInvalidPeriod = errors.New("billing: period end before period start")

// ErrInvalidQuantity indicates a non-positive usage quantity.
var ErrInvalidQuantity = errors.New("billing: quantity must be positive")
