package billing

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind tags the two variants of a billing document.
type Kind string

const (
	KindInvoice Kind = "INVOICE"
	KindQuote   Kind = "QUOTE"
)

func (k Kind) label() string {
	if k == KindQuote {
		return "quote"
	}
	return "invoice"
}

// LineItem is one priced row of a document. Computed amounts live in Totals.
type LineItem struct {
	Description     string
	Quantity        decimal.Decimal
	UnitAmount      decimal.Decimal
	DiscountPercent decimal.Decimal
	TaxType         TaxType
	AccountCode     string
}

// Document holds the fields shared by invoices and quotes.
type Document struct {
	ID             uuid.UUID
	Number         string
	ExternalID     *string
	ExternalNumber *string
	Status         Status
	Contact        Contact
	Date           civil.Date
	// DueDate is the payment due date of an invoice or the expiry date of a quote.
	DueDate   civil.Date
	LineItems []LineItem
	Currency  string
	Reference *string
	Notes     *string
	Totals    Totals
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recalculate derives Totals from the current line items.
func (d *Document) Recalculate() error {
	totals, err := ComputeTotals(d.LineItems)
	if err != nil {
		return err
	}
	d.Totals = totals
	return nil
}

// Synced reports whether the system of record knows this document.
func (d *Document) Synced() bool {
	return d.ExternalID != nil && *d.ExternalID != ""
}

// DisplayNumber prefers the number assigned by the system of record.
func (d *Document) DisplayNumber() string {
	if d.ExternalNumber != nil && *d.ExternalNumber != "" {
		return *d.ExternalNumber
	}
	return d.Number
}

func (d Document) clone() Document {
	out := d
	out.LineItems = append([]LineItem(nil), d.LineItems...)
	out.Totals.Lines = append([]LineTotals(nil), d.Totals.Lines...)
	out.ExternalID = cloneString(d.ExternalID)
	out.ExternalNumber = cloneString(d.ExternalNumber)
	out.Reference = cloneString(d.Reference)
	out.Notes = cloneString(d.Notes)
	return out
}

// Invoice is a billing document that can be authorised and paid.
type Invoice struct {
	Document
	AmountPaid    decimal.Decimal
	OriginQuoteID *uuid.UUID
}

// AmountDue is always derived so it can never drift from total and amount paid.
func (inv *Invoice) AmountDue() decimal.Decimal {
	return inv.Totals.Total.Sub(inv.AmountPaid)
}

// Clone returns a deep copy used to stage changes before they are committed.
func (inv *Invoice) Clone() *Invoice {
	out := &Invoice{Document: inv.Document.clone(), AmountPaid: inv.AmountPaid}
	if inv.OriginQuoteID != nil {
		id := *inv.OriginQuoteID
		out.OriginQuoteID = &id
	}
	return out
}

// Quote is an offer that can be sent, accepted or declined and converted into an invoice.
type Quote struct {
	Document
	InvoiceID *uuid.UUID
}

// ExpiryDate is the quote's view of the shared due date field.
func (q *Quote) ExpiryDate() civil.Date {
	return q.DueDate
}

func (q *Quote) Clone() *Quote {
	out := &Quote{Document: q.Document.clone()}
	if q.InvoiceID != nil {
		id := *q.InvoiceID
		out.InvoiceID = &id
	}
	return out
}

// PaymentStatus mirrors the confirmation state reported by the system of record.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentAuthorised PaymentStatus = "AUTHORISED"
	PaymentDeleted    PaymentStatus = "DELETED"
)

// Payment is an append-only record of money received against an invoice.
type Payment struct {
	ID          uuid.UUID
	InvoiceID   uuid.UUID
	Amount      decimal.Decimal
	Date        civil.Date
	Reference   *string
	AccountCode string
	Status      PaymentStatus
	ExternalID  *string
	CreatedAt   time.Time
}

// InvoiceFilter narrows invoice listings. Zero fields are ignored.
type InvoiceFilter struct {
	Status      Status
	ContactType ContactType
	ContactID   string
	DueBefore   *civil.Date
}

type QuoteFilter struct {
	Status      Status
	ContactType ContactType
	ContactID   string
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
