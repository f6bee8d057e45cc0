package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -- Helpers --

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// gstLine is the worked example line: 2 x 100.00 less 10%, GST applies.
func gstLine() LineItem {
	return LineItem{
		Description:     "Consultation",
		Quantity:        dec("2"),
		UnitAmount:      dec("100.00"),
		DiscountPercent: dec("10"),
		TaxType:         TaxGST,
		AccountCode:     "200",
	}
}

func invoiceInput() DocumentInput {
	return DocumentInput{
		ContactType: "patient",
		PatientID:   "pat-1",
		LineItems:   []LineItem{gstLine()},
		Date:        date("2026-03-01"),
		DueDate:     date("2026-03-15"),
	}
}

// -- Mock Repositories --

type mockInvoiceRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Invoice
	seq   int
}

func newMockInvoiceRepo() *mockInvoiceRepo {
	return &mockInvoiceRepo{items: make(map[uuid.UUID]*Invoice)}
}

func (m *mockInvoiceRepo) Create(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[inv.ID]; ok {
		return fmt.Errorf("duplicate invoice %s", inv.ID)
	}
	m.seq++
	inv.Number = fmt.Sprintf("INV-%06d", m.seq)
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	m.items[inv.ID] = inv.Clone()
	return nil
}

func (m *mockInvoiceRepo) GetByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inv.Clone(), nil
}

func (m *mockInvoiceRepo) Update(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[inv.ID]; !ok {
		return ErrNotFound
	}
	inv.UpdatedAt = time.Now()
	m.items[inv.ID] = inv.Clone()
	return nil
}

func (m *mockInvoiceRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *mockInvoiceRepo) List(_ context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Invoice
	for _, inv := range m.items {
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		if f.ContactType != "" && inv.Contact.Type() != f.ContactType {
			continue
		}
		if f.ContactID != "" && inv.Contact.ID() != f.ContactID {
			continue
		}
		if f.DueBefore != nil && !inv.DueDate.Before(*f.DueBefore) {
			continue
		}
		result = append(result, inv.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return page(result, limit, offset), len(result), nil
}

func (m *mockInvoiceRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type mockQuoteRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Quote
	seq   int
}

func newMockQuoteRepo() *mockQuoteRepo {
	return &mockQuoteRepo{items: make(map[uuid.UUID]*Quote)}
}

func (m *mockQuoteRepo) Create(_ context.Context, q *Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	q.Number = fmt.Sprintf("QU-%06d", m.seq)
	q.CreatedAt = time.Now()
	q.UpdatedAt = q.CreatedAt
	m.items[q.ID] = q.Clone()
	return nil
}

func (m *mockQuoteRepo) GetByID(_ context.Context, id uuid.UUID) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return q.Clone(), nil
}

func (m *mockQuoteRepo) Update(_ context.Context, q *Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[q.ID]; !ok {
		return ErrNotFound
	}
	q.UpdatedAt = time.Now()
	m.items[q.ID] = q.Clone()
	return nil
}

func (m *mockQuoteRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *mockQuoteRepo) List(_ context.Context, f QuoteFilter, limit, offset int) ([]*Quote, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Quote
	for _, q := range m.items {
		if f.Status != "" && q.Status != f.Status {
			continue
		}
		if f.ContactType != "" && q.Contact.Type() != f.ContactType {
			continue
		}
		if f.ContactID != "" && q.Contact.ID() != f.ContactID {
			continue
		}
		result = append(result, q.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return page(result, limit, offset), len(result), nil
}

type mockPaymentRepo struct {
	mu    sync.Mutex
	items []*Payment
}

func newMockPaymentRepo() *mockPaymentRepo {
	return &mockPaymentRepo{}
}

func (m *mockPaymentRepo) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.ID == p.ID {
			return fmt.Errorf("duplicate payment %s", p.ID)
		}
	}
	p.CreatedAt = time.Now()
	cp := *p
	m.items = append(m.items, &cp)
	return nil
}

func (m *mockPaymentRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Payment
	for _, p := range m.items {
		if p.InvoiceID == invoiceID {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// -- Stub System of Record --

// stubRemote accepts every write, echoing the requested status, unless a failure is set.
type stubRemote struct {
	mu      sync.Mutex
	seq     int
	fail    error
	calls   []string
	payFail error
}

func (r *stubRemote) record(op string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op)
	if r.fail != nil {
		return 0, r.fail
	}
	r.seq++
	return r.seq, nil
}

func (r *stubRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *stubRemote) setFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *stubRemote) docAck(d *Document, prefix string, n int) *RemoteAck {
	ext := fmt.Sprintf("ext-%d", n)
	if d.Synced() {
		ext = *d.ExternalID
	}
	return &RemoteAck{ExternalID: ext, ExternalNumber: fmt.Sprintf("%s-%04d", prefix, n), Status: d.Status}
}

func (r *stubRemote) PutInvoice(_ context.Context, inv *Invoice) (*RemoteAck, error) {
	n, err := r.record("PutInvoice")
	if err != nil {
		return nil, err
	}
	return r.docAck(&inv.Document, "SOR-INV", n), nil
}

func (r *stubRemote) VoidInvoice(_ context.Context, inv *Invoice) (*RemoteAck, error) {
	n, err := r.record("VoidInvoice")
	if err != nil {
		return nil, err
	}
	ack := r.docAck(&inv.Document, "SOR-INV", n)
	ack.Status = StatusVoided
	return ack, nil
}

func (r *stubRemote) DeleteInvoice(_ context.Context, _ *Invoice) error {
	_, err := r.record("DeleteInvoice")
	return err
}

func (r *stubRemote) PutQuote(_ context.Context, q *Quote) (*RemoteAck, error) {
	n, err := r.record("PutQuote")
	if err != nil {
		return nil, err
	}
	return r.docAck(&q.Document, "SOR-QU", n), nil
}

func (r *stubRemote) DeleteQuote(_ context.Context, _ *Quote) error {
	_, err := r.record("DeleteQuote")
	return err
}

func (r *stubRemote) PutPayment(_ context.Context, _ *Invoice, _ *Payment) (*PaymentAck, error) {
	n, err := r.record("PutPayment")
	if err != nil {
		return nil, err
	}
	if r.payFail != nil {
		return nil, r.payFail
	}
	return &PaymentAck{ExternalID: fmt.Sprintf("pay-%d", n), Status: PaymentAuthorised}, nil
}

// -- Test Service --

type testEnv struct {
	svc      *Service
	invoices *mockInvoiceRepo
	quotes   *mockQuoteRepo
	payments *mockPaymentRepo
	remote   *stubRemote
}

var fixedNow = time.Date(2026, time.March, 20, 9, 0, 0, 0, time.UTC)

func newTestEnv() *testEnv {
	env := &testEnv{
		invoices: newMockInvoiceRepo(),
		quotes:   newMockQuoteRepo(),
		payments: newMockPaymentRepo(),
		remote:   &stubRemote{},
	}
	env.svc = NewService(env.invoices, env.quotes, env.payments, env.remote, nil, Options{
		Now: func() time.Time { return fixedNow },
	})
	return env
}

func newTestService() *Service {
	return newTestEnv().svc
}
