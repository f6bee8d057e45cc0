package billing

import (
	"context"

	"github.com/google/uuid"
)

// InvoiceRepository persists invoices with their line items. GetByID locks the row when
// called inside a transaction.
type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	Update(ctx context.Context, inv *Invoice) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error)
}

type QuoteRepository interface {
	Create(ctx context.Context, q *Quote) error
	GetByID(ctx context.Context, id uuid.UUID) (*Quote, error)
	Update(ctx context.Context, q *Quote) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f QuoteFilter, limit, offset int) ([]*Quote, int, error)
}

// PaymentRepository is append-only.
type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
}

// TxRunner runs fn inside a single transaction, committing only when fn succeeds.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
