package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wareflow-erp/wareflow/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	configs       map[int64]ClientBillingConfig
	rateCards     map[int64][]ClientRateCard
	templates     map[string][]TemplateRate
	usage         map[int64]*UsageRecord
	nextUsageID   int64
	invoices      map[int64]Invoice
	invoiceItems  map[int64][]InvoiceItem
	nextInvoiceID int64
	sequences     map[int]int
	clients       map[int64]Client
	runs          map[int64]BillingRun
	nextRunID     int64

	txError            error
	selectUsageError   error
	insertInvoiceError error
	markUsageError     error
	finishRunError     error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		configs:       make(map[int64]ClientBillingConfig),
		rateCards:     make(map[int64][]ClientRateCard),
		templates:     make(map[string][]TemplateRate),
		usage:         make(map[int64]*UsageRecord),
		invoices:      make(map[int64]Invoice),
		invoiceItems:  make(map[int64][]InvoiceItem),
		sequences:     make(map[int]int),
		clients:       make(map[int64]Client),
		runs:          make(map[int64]BillingRun),
		nextUsageID:   1,
		nextInvoiceID: 1,
		nextRunID:     1,
	}
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if m.txError != nil {
		return m.txError
	}
	tx := &mockTxRepo{mock: m}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *mockRepository) GetBillingConfig(ctx context.Context, clientID int64) (ClientBillingConfig, error) {
	cfg, ok := m.configs[clientID]
	if !ok {
		return ClientBillingConfig{}, ErrConfigNotFound
	}
	return cfg, nil
}

func (m *mockRepository) UpsertBillingConfig(ctx context.Context, cfg ClientBillingConfig) (ClientBillingConfig, error) {
	if cfg.ID == 0 {
		cfg.ID = cfg.ClientID
	}
	m.configs[cfg.ClientID] = cfg
	return cfg, nil
}

func (m *mockRepository) ListRateCards(ctx context.Context, clientID int64) ([]ClientRateCard, error) {
	return m.rateCards[clientID], nil
}

func (m *mockRepository) UpsertRateCard(ctx context.Context, card ClientRateCard) (ClientRateCard, error) {
	cards := m.rateCards[card.ClientID]
	for i, existing := range cards {
		if existing.RateCode == card.RateCode {
			card.ID = existing.ID
			cards[i] = card
			return card, nil
		}
	}
	card.ID = int64(len(cards) + 1)
	m.rateCards[card.ClientID] = append(cards, card)
	return card, nil
}

func (m *mockRepository) DeactivateRateCard(ctx context.Context, id int64) error {
	for clientID, cards := range m.rateCards {
		for i := range cards {
			if cards[i].ID == id {
				cards[i].IsActive = false
				m.rateCards[clientID] = cards
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *mockRepository) ListTemplateRates(ctx context.Context, templateName string) ([]TemplateRate, error) {
	return m.templates[templateName], nil
}

func (m *mockRepository) InsertUsage(ctx context.Context, rec UsageRecord) (int64, error) {
	rec.ID = m.nextUsageID
	m.nextUsageID++
	m.usage[rec.ID] = &rec
	return rec.ID, nil
}

func (m *mockRepository) ListUsage(ctx context.Context, clientID int64, from, to time.Time) ([]UsageRecord, error) {
	var out []UsageRecord
	for id := int64(1); id < m.nextUsageID; id++ {
		rec, ok := m.usage[id]
		if !ok || rec.ClientID != clientID {
			continue
		}
		if rec.UsageDate.Before(from) || rec.UsageDate.After(to) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (m *mockRepository) GetInvoice(ctx context.Context, id int64) (Invoice, []InvoiceItem, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return Invoice{}, nil, ErrNotFound
	}
	return inv, m.invoiceItems[id], nil
}

func (m *mockRepository) ListInvoices(ctx context.Context, clientID int64, limit int) ([]Invoice, error) {
	var out []Invoice
	for id := int64(1); id < m.nextInvoiceID; id++ {
		inv, ok := m.invoices[id]
		if ok && inv.ClientID == clientID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *mockRepository) GetClient(ctx context.Context, id int64) (Client, error) {
	c, ok := m.clients[id]
	if !ok {
		return Client{}, ErrNotFound
	}
	return c, nil
}

func (m *mockRepository) ListActiveClients(ctx context.Context) ([]Client, error) {
	var out []Client
	for id := int64(1); id <= int64(len(m.clients))+10; id++ {
		c, ok := m.clients[id]
		if ok && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockRepository) InsertBillingRun(ctx context.Context, run BillingRun) (int64, error) {
	run.ID = m.nextRunID
	m.nextRunID++
	m.runs[run.ID] = run
	return run.ID, nil
}

func (m *mockRepository) UpdateBillingRunStatus(ctx context.Context, id int64, status RunStatus, startedAt time.Time) error {
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.StartedAt = startedAt
	m.runs[id] = run
	return nil
}

func (m *mockRepository) FinishBillingRun(ctx context.Context, run BillingRun) error {
	if m.finishRunError != nil {
		return m.finishRunError
	}
	m.runs[run.ID] = run
	return nil
}

func (m *mockRepository) ListBillingRuns(ctx context.Context, limit int) ([]BillingRun, error) {
	var out []BillingRun
	for id := int64(1); id < m.nextRunID; id++ {
		out = append(out, m.runs[id])
	}
	return out, nil
}

// mockTxRepo stages writes and applies them only when the transaction body
// succeeds, mirroring rollback semantics.
type mockTxRepo struct {
	mock *mockRepository

	stagedInvoices map[int64]Invoice
	stagedItems    map[int64][]InvoiceItem
	stagedMarks    map[int64]int64
	stagedSeq      map[int]int
}

func (t *mockTxRepo) init() {
	if t.stagedInvoices == nil {
		t.stagedInvoices = make(map[int64]Invoice)
		t.stagedItems = make(map[int64][]InvoiceItem)
		t.stagedMarks = make(map[int64]int64)
		t.stagedSeq = make(map[int]int)
	}
}

func (t *mockTxRepo) GetBillingConfig(ctx context.Context, clientID int64) (ClientBillingConfig, error) {
	return t.mock.GetBillingConfig(ctx, clientID)
}

func (t *mockTxRepo) SelectUninvoicedUsage(ctx context.Context, clientID int64, periodStart, periodEnd time.Time) ([]UsageRecord, error) {
	if t.mock.selectUsageError != nil {
		return nil, t.mock.selectUsageError
	}
	var out []UsageRecord
	for id := int64(1); id < t.mock.nextUsageID; id++ {
		rec, ok := t.mock.usage[id]
		if !ok || rec.ClientID != clientID || rec.Invoiced {
			continue
		}
		if rec.UsageDate.Before(periodStart) || rec.UsageDate.After(periodEnd) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (t *mockTxRepo) NextInvoiceNumber(ctx context.Context, year int) (string, error) {
	t.init()
	next := t.mock.sequences[year] + t.stagedSeq[year] + 1
	t.stagedSeq[year]++
	return fmt.Sprintf("INV-%d-%05d", year, next), nil
}

func (t *mockTxRepo) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	if t.mock.insertInvoiceError != nil {
		return 0, t.mock.insertInvoiceError
	}
	t.init()
	inv.ID = t.mock.nextInvoiceID + int64(len(t.stagedInvoices))
	t.stagedInvoices[inv.ID] = inv
	return inv.ID, nil
}

func (t *mockTxRepo) InsertInvoiceItems(ctx context.Context, invoiceID int64, items []InvoiceItem) error {
	t.init()
	t.stagedItems[invoiceID] = items
	return nil
}

func (t *mockTxRepo) MarkUsageInvoiced(ctx context.Context, usageIDs []int64, invoiceID int64) error {
	if t.mock.markUsageError != nil {
		return t.mock.markUsageError
	}
	t.init()
	for _, id := range usageIDs {
		t.stagedMarks[id] = invoiceID
	}
	return nil
}

func (t *mockTxRepo) commit() {
	if t.stagedInvoices == nil {
		return
	}
	for id, inv := range t.stagedInvoices {
		t.mock.invoices[id] = inv
		if id >= t.mock.nextInvoiceID {
			t.mock.nextInvoiceID = id + 1
		}
	}
	for id, items := range t.stagedItems {
		t.mock.invoiceItems[id] = items
	}
	for usageID, invoiceID := range t.stagedMarks {
		if rec, ok := t.mock.usage[usageID]; ok {
			rec.Invoiced = true
			rec.InvoiceID = invoiceID
		}
	}
	for year, n := range t.stagedSeq {
		t.mock.sequences[year] += n
	}
}

type mockFees struct {
	fees   map[int64][]StorageFee
	err    error
	errFor int64
}

func (m *mockFees) ComputeStorageFees(ctx context.Context, clientID int64, periodStart, periodEnd time.Time) ([]StorageFee, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.errFor != 0 && m.errFor == clientID {
		return nil, errors.New("storage snapshot query failed")
	}
	return m.fees[clientID], nil
}

type mockAudit struct {
	entries []shared.AuditLog
}

func (m *mockAudit) Record(ctx context.Context, entry shared.AuditLog) error {
	m.entries = append(m.entries, entry)
	return nil
}

func newTestService(repo *mockRepository, fees *mockFees) *Service {
	if fees == nil {
		fees = &mockFees{}
	}
	svc := NewService(repo, fees, nil, &mockAudit{}, nil)
	svc.clock = func() time.Time {
		return time.Date(2025, time.February, 1, 9, 30, 0, 0, time.UTC)
	}
	return svc
}

func seedUsage(repo *mockRepository, clientID int64, usageType string, qty, price float64, day int) {
	id := repo.nextUsageID
	repo.nextUsageID++
	repo.usage[id] = &UsageRecord{
		ID:        id,
		ClientID:  clientID,
		UsageType: usageType,
		Quantity:  qty,
		UnitPrice: price,
		Total:     qty * price,
		UsageDate: time.Date(2025, time.January, day, 12, 0, 0, 0, time.UTC),
	}
}

var (
	periodStart = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
)

// ============================================================================
// INVOICE GENERATION
// ============================================================================

func TestGenerateInvoiceGroupsUsageByType(t *testing.T) {
	repo := newMockRepository()
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30}
	seedUsage(repo, 1, "Pick Fee", 100, 0.50, 5)
	seedUsage(repo, 1, "Pick Fee", 60, 0.50, 12)
	seedUsage(repo, 1, "Carton Fee", 10, 1.25, 20)

	svc := newTestService(repo, nil)
	result, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, result)

	_, items, err := repo.GetInvoice(context.Background(), result.InvoiceID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "Pick Fee", items[0].Description)
	assert.Equal(t, 160.0, items[0].Quantity)
	assert.Equal(t, 0.50, items[0].UnitPrice)
	assert.Equal(t, 80.0, items[0].Total)
	assert.Equal(t, 0, items[0].SortOrder)

	assert.Equal(t, "Carton Fee", items[1].Description)
	assert.Equal(t, 12.5, items[1].Total)
	assert.Equal(t, 1, items[1].SortOrder)
}

func TestGenerateInvoiceTotals(t *testing.T) {
	repo := newMockRepository()
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30, TaxRate: 8}
	seedUsage(repo, 1, "Handling", 100, 6, 10)

	svc := newTestService(repo, nil)
	result, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, result)

	inv, items, err := repo.GetInvoice(context.Background(), result.InvoiceID)
	require.NoError(t, err)

	var itemSum float64
	for _, item := range items {
		itemSum += item.Total
	}
	assert.Equal(t, inv.Subtotal, itemSum)
	assert.Equal(t, inv.Total, inv.Subtotal+inv.TaxAmount)
	assert.InDelta(t, 648.0, inv.Total, 1e-9)
	assert.Equal(t, result.Total, inv.Total)
}

func TestGenerateInvoiceMonthlyMinimum(t *testing.T) {
	// 300 of usage against a 500 minimum and 8% tax bills 540.
	repo := newMockRepository()
	repo.configs[1] = ClientBillingConfig{
		ClientID:         1,
		PaymentTermsDays: 30,
		MonthlyMinimum:   500,
		TaxRate:          8,
	}
	seedUsage(repo, 1, "Pick Fee", 600, 0.50, 8)

	svc := newTestService(repo, nil)
	result, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, result)

	inv, items, err := repo.GetInvoice(context.Background(), result.InvoiceID)
	require.NoError(t, err)

	require.Len(t, items, 2)
	adjustment := items[len(items)-1]
	assert.Contains(t, adjustment.Description, "Monthly Minimum Adjustment")
	assert.Equal(t, 200.0, adjustment.Total)
	assert.Equal(t, 500.0, inv.Subtotal)
	assert.InDelta(t, 40.0, inv.TaxAmount, 1e-9)
	assert.InDelta(t, 540.0, inv.Total, 1e-9)
}

func TestGenerateInvoiceMinimumAloneStillBills(t *testing.T) {
	repo := newMockRepository()
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30, MonthlyMinimum: 250}

	svc := newTestService(repo, nil)
	result, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, result)

	inv, items, err := repo.GetInvoice(context.Background(), result.InvoiceID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 250.0, inv.Total)
}

func TestGenerateInvoiceTaxExempt(t *testing.T) {
	repo := newMockRepository()
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30, TaxRate: 8, TaxExempt: true}
	seedUsage(repo, 1, "Handling", 10, 10, 15)

	svc := newTestService(repo, nil)
	result, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, result)

	inv, _, err := repo.GetInvoice(context.Background(), result.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, inv.TaxAmount)
	assert.Equal(t, 100.0, inv.Total)
}

func TestGenerateInvoiceNothingToBill(t *testing.T) {
	repo := newMockRepository()
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30}

	svc := newTestService(repo, nil)
	result, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Empty(t, repo.invoices)
}

func TestGenerateInvoiceIncludesStorageFees(t *testing.T) {
	repo := newMockRepository()
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30}
	seedUsage(repo, 1, "Pick Fee", 100, 1, 5)
	fees := &mockFees{fees: map[int64][]StorageFee{
		1: {{RateCode: "STG-PALLET", Quantity: 40, UnitPrice: 12, TotalAmount: 480}},
	}}

	svc := newTestService(repo, fees)
	result, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, result)

	inv, items, err := repo.GetInvoice(context.Background(), result.InvoiceID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Storage (STG-PALLET)", items[1].Description)
	assert.Equal(t, 580.0, inv.Total)
}

func TestGenerateInvoiceSequentialNumbers(t *testing.T) {
	repo := newMockRepository()
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30}
	repo.configs[2] = ClientBillingConfig{ClientID: 2, PaymentTermsDays: 30}
	seedUsage(repo, 1, "Pick Fee", 10, 1, 5)
	seedUsage(repo, 2, "Pick Fee", 20, 1, 5)

	svc := newTestService(repo, nil)
	first, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	second, err := svc.GenerateInvoice(context.Background(), 2, periodStart, periodEnd)
	require.NoError(t, err)

	assert.Equal(t, "INV-2025-00001", first.InvoiceNumber)
	assert.Equal(t, "INV-2025-00002", second.InvoiceNumber)
}

func TestGenerateInvoiceMarksOnlySelectedUsage(t *testing.T) {
	repo := newMockRepository()
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30}
	seedUsage(repo, 1, "Pick Fee", 10, 1, 5)
	// Outside the period: must remain uninvoiced.
	id := repo.nextUsageID
	repo.nextUsageID++
	repo.usage[id] = &UsageRecord{
		ID: id, ClientID: 1, UsageType: "Pick Fee", Quantity: 5, UnitPrice: 1, Total: 5,
		UsageDate: time.Date(2025, time.February, 3, 0, 0, 0, 0, time.UTC),
	}

	svc := newTestService(repo, nil)
	result, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, repo.usage[1].Invoiced)
	assert.Equal(t, result.InvoiceID, repo.usage[1].InvoiceID)
	assert.False(t, repo.usage[id].Invoiced)
}

func TestGenerateInvoiceSecondRunBillsNothing(t *testing.T) {
	repo := newMockRepository()
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30}
	seedUsage(repo, 1, "Pick Fee", 10, 1, 5)

	svc := newTestService(repo, nil)
	first, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Len(t, repo.invoices, 1)
}

func TestGenerateInvoiceFailureLeavesNoTrace(t *testing.T) {
	repo := newMockRepository()
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30}
	seedUsage(repo, 1, "Pick Fee", 10, 1, 5)
	repo.markUsageError = errors.New("boom")

	svc := newTestService(repo, nil)
	result, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.Error(t, err)
	assert.Nil(t, result)

	assert.Empty(t, repo.invoices)
	assert.False(t, repo.usage[1].Invoiced)
	assert.Equal(t, 0, repo.sequences[2025])
}

func TestGenerateInvoiceDefaultsConfigAndDueDate(t *testing.T) {
	repo := newMockRepository()
	seedUsage(repo, 1, "Pick Fee", 10, 1, 5)

	svc := newTestService(repo, nil)
	result, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, result)

	inv, _, err := repo.GetInvoice(context.Background(), result.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceStatusDraft, inv.Status)
	assert.Equal(t, time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC), inv.DueDate)
}

func TestGenerateInvoiceRejectsInvertedPeriod(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	_, err := svc.GenerateInvoice(context.Background(), 1, periodEnd, periodStart)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

// ============================================================================
// BILLING RUNS
// ============================================================================

func TestRunBillingRunPartial(t *testing.T) {
	repo := newMockRepository()
	repo.clients[1] = Client{ID: 1, Name: "Acme", Active: true}
	repo.clients[2] = Client{ID: 2, Name: "Globex", Active: true}
	repo.clients[3] = Client{ID: 3, Name: "Initech", Active: true}
	for _, clientID := range []int64{1, 2, 3} {
		repo.configs[clientID] = ClientBillingConfig{ClientID: clientID, PaymentTermsDays: 30}
		seedUsage(repo, clientID, "Pick Fee", 10, 1, 5)
	}
	fees := &mockFees{errFor: 2}

	svc := newTestService(repo, fees)
	run, err := svc.RunBillingRun(context.Background(), RunTypeManual, periodStart, periodEnd, 0)
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, RunStatusPartial, run.Status)
	assert.Equal(t, 2, run.InvoicesGenerated)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, int64(2), run.Errors[0].ClientID)
	assert.False(t, repo.usage[2].Invoiced)
}

func TestRunBillingRunCompleted(t *testing.T) {
	repo := newMockRepository()
	repo.clients[1] = Client{ID: 1, Name: "Acme", Active: true}
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30}
	seedUsage(repo, 1, "Pick Fee", 10, 2, 5)

	svc := newTestService(repo, nil)
	run, err := svc.RunBillingRun(context.Background(), RunTypeScheduled, periodStart, periodEnd, 0)
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.InvoicesGenerated)
	assert.Equal(t, 20.0, run.TotalBilled)
	assert.Contains(t, run.RunNumber, "RUN-")
}

func TestRunBillingRunAllFailed(t *testing.T) {
	repo := newMockRepository()
	repo.clients[1] = Client{ID: 1, Name: "Acme", Active: true}
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30}
	seedUsage(repo, 1, "Pick Fee", 10, 2, 5)
	repo.selectUsageError = errors.New("usage query failed")

	svc := newTestService(repo, nil)
	run, err := svc.RunBillingRun(context.Background(), RunTypeManual, periodStart, periodEnd, 0)
	require.NoError(t, err)

	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Zero(t, run.InvoicesGenerated)
	require.Len(t, run.Errors, 1)
}

func TestRunBillingRunSingleClient(t *testing.T) {
	repo := newMockRepository()
	repo.clients[1] = Client{ID: 1, Name: "Acme", Active: true}
	repo.clients[2] = Client{ID: 2, Name: "Globex", Active: true}
	for _, clientID := range []int64{1, 2} {
		repo.configs[clientID] = ClientBillingConfig{ClientID: clientID, PaymentTermsDays: 30}
		seedUsage(repo, clientID, "Pick Fee", 10, 1, 5)
	}

	svc := newTestService(repo, nil)
	run, err := svc.RunBillingRun(context.Background(), RunTypeManual, periodStart, periodEnd, 2)
	require.NoError(t, err)

	assert.Equal(t, 1, run.InvoicesGenerated)
	assert.False(t, repo.usage[1].Invoiced)
	assert.True(t, repo.usage[2].Invoiced)
}

func TestRunBillingRunSkipsClientsWithNothingToBill(t *testing.T) {
	repo := newMockRepository()
	repo.clients[1] = Client{ID: 1, Name: "Acme", Active: true}
	repo.configs[1] = ClientBillingConfig{ClientID: 1, PaymentTermsDays: 30}

	svc := newTestService(repo, nil)
	run, err := svc.RunBillingRun(context.Background(), RunTypeManual, periodStart, periodEnd, 0)
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Zero(t, run.InvoicesGenerated)
	assert.Empty(t, run.Errors)
}

func TestRunBillingRunRejectsUnknownType(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	_, err := svc.RunBillingRun(context.Background(), RunType("adhoc"), periodStart, periodEnd, 0)
	assert.Error(t, err)
}

// ============================================================================
// CONFIG, RATE CARDS, USAGE
// ============================================================================

func TestGetBillingConfigDefaults(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)

	cfg, err := svc.GetBillingConfig(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.ClientID)
	assert.Equal(t, FrequencyMonthly, cfg.BillingFrequency)
	assert.Equal(t, 30, cfg.PaymentTermsDays)
	assert.Zero(t, cfg.MonthlyMinimum)
}

func TestSaveBillingConfigValidation(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)

	_, err := svc.SaveBillingConfig(context.Background(), ClientBillingConfig{})
	assert.Error(t, err)

	_, err = svc.SaveBillingConfig(context.Background(), ClientBillingConfig{ClientID: 1, BillingFrequency: "quarterly"})
	assert.Error(t, err)

	_, err = svc.SaveBillingConfig(context.Background(), ClientBillingConfig{ClientID: 1, BillingDayOfMonth: 31})
	assert.Error(t, err)

	saved, err := svc.SaveBillingConfig(context.Background(), ClientBillingConfig{ClientID: 1, MonthlyMinimum: 100})
	require.NoError(t, err)
	assert.Equal(t, FrequencyMonthly, saved.BillingFrequency)
	assert.Equal(t, 30, saved.PaymentTermsDays)
}

func TestApplyRateTemplate(t *testing.T) {
	repo := newMockRepository()
	repo.templates["standard"] = []TemplateRate{
		{TemplateName: "standard", RateCategory: RateCategoryPick, RateCode: "PICK-STD", UnitPrice: 0.45},
		{TemplateName: "standard", RateCategory: RateCategoryStorage, RateCode: "STG-PALLET", UnitPrice: 12},
	}

	svc := newTestService(repo, nil)
	applied, err := svc.ApplyRateTemplate(context.Background(), 1, "standard")
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	cards, err := svc.ListRateCards(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.True(t, cards[0].IsActive)
}

func TestApplyRateTemplateEmpty(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	_, err := svc.ApplyRateTemplate(context.Background(), 1, "missing")
	assert.ErrorIs(t, err, ErrTemplateEmpty)
}

func TestSaveRateCardValidation(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)

	_, err := svc.SaveRateCard(context.Background(), ClientRateCard{ClientID: 1, RateCode: "X", RateCategory: "parking"})
	assert.Error(t, err)

	_, err = svc.SaveRateCard(context.Background(), ClientRateCard{ClientID: 1, RateCode: "X", RateCategory: RateCategoryPick, UnitPrice: -1})
	assert.Error(t, err)

	saved, err := svc.SaveRateCard(context.Background(), ClientRateCard{ClientID: 1, RateCode: "PICK-STD", RateCategory: RateCategoryPick, UnitPrice: 0.45, IsActive: true})
	require.NoError(t, err)
	assert.NotZero(t, saved.ID)
}

func TestRecordUsage(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)

	_, err := svc.RecordUsage(context.Background(), UsageRecord{ClientID: 1, UsageType: "Pick Fee", Quantity: 0})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.RecordUsage(context.Background(), UsageRecord{ClientID: 1, UsageType: "Pick Fee", Quantity: 2, UnitPrice: -1})
	assert.Error(t, err)

	rec, err := svc.RecordUsage(context.Background(), UsageRecord{ClientID: 1, UsageType: "Pick Fee", Quantity: 4, UnitPrice: 0.5})
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.Equal(t, 2.0, rec.Total)
	assert.False(t, rec.UsageDate.IsZero())

	rec, err = svc.RecordUsage(context.Background(), UsageRecord{ClientID: 1, UsageType: "Rework", Quantity: 1, UnitPrice: 10, Total: 8})
	require.NoError(t, err)
	assert.Equal(t, 8.0, rec.Total)
}

func TestRecordUsageOnLastDayStaysBillable(t *testing.T) {
	// A record defaulted late on the period's last day must not land after
	// the monthly run's period end.
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	svc.clock = func() time.Time {
		return time.Date(2025, time.January, 31, 14, 32, 0, 0, time.UTC)
	}

	rec, err := svc.RecordUsage(context.Background(), UsageRecord{ClientID: 1, UsageType: "Pick Fee", Quantity: 2, UnitPrice: 5})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC), rec.UsageDate)

	result, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, repo.usage[rec.ID].Invoiced)
	assert.Equal(t, result.InvoiceID, repo.usage[rec.ID].InvoiceID)
}

func TestGenerateInvoiceClampsStoredZeroTerms(t *testing.T) {
	// A config row written outside the API can carry zero payment terms;
	// generation still applies the 30-day default.
	repo := newMockRepository()
	repo.configs[1] = ClientBillingConfig{ClientID: 1}
	seedUsage(repo, 1, "Pick Fee", 10, 1, 5)

	svc := newTestService(repo, nil)
	result, err := svc.GenerateInvoice(context.Background(), 1, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, result)

	inv, _, err := repo.GetInvoice(context.Background(), result.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC), inv.DueDate)
}

func TestDeriveRunStatus(t *testing.T) {
	assert.Equal(t, RunStatusCompleted, deriveRunStatus(0, 0))
	assert.Equal(t, RunStatusCompleted, deriveRunStatus(5, 0))
	assert.Equal(t, RunStatusPartial, deriveRunStatus(3, 2))
	assert.Equal(t, RunStatusFailed, deriveRunStatus(0, 4))
}
