package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Views are the JSON read model. Amounts are rendered as fixed two-place strings and are
// never accepted back as input.

type LineItemView struct {
	Description     string `json:"description"`
	Quantity        string `json:"quantity"`
	UnitAmount      string `json:"unitAmount"`
	DiscountPercent string `json:"discountPercent"`
	TaxType         string `json:"taxType"`
	AccountCode     string `json:"accountCode"`
	GrossAmount     string `json:"grossAmount"`
	DiscountAmount  string `json:"discountAmount"`
	LineAmount      string `json:"lineAmount"`
	TaxAmount       string `json:"taxAmount"`
}

type documentView struct {
	ID             uuid.UUID      `json:"id"`
	Number         string         `json:"number"`
	ExternalID     *string        `json:"externalId,omitempty"`
	ExternalNumber *string        `json:"externalNumber,omitempty"`
	Status         Status         `json:"status"`
	ContactType    ContactType    `json:"contactType"`
	PatientID      string         `json:"patientId,omitempty"`
	CompanyID      string         `json:"companyId,omitempty"`
	Currency       string         `json:"currency"`
	Reference      *string        `json:"reference,omitempty"`
	BillingNotes   *string        `json:"billingNotes,omitempty"`
	LineItems      []LineItemView `json:"lineItems"`
	Subtotal       string         `json:"subtotal"`
	TotalTax       string         `json:"totalTax"`
	Total          string         `json:"total"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

type InvoiceView struct {
	documentView
	InvoiceDate   string     `json:"invoiceDate"`
	DueDate       string     `json:"dueDate"`
	AmountPaid    string     `json:"amountPaid"`
	AmountDue     string     `json:"amountDue"`
	OriginQuoteID *uuid.UUID `json:"originQuoteId,omitempty"`
}

type QuoteView struct {
	documentView
	QuoteDate  string     `json:"quoteDate"`
	ExpiryDate string     `json:"expiryDate"`
	InvoiceID  *uuid.UUID `json:"invoiceId,omitempty"`
}

type PaymentView struct {
	ID          uuid.UUID     `json:"id"`
	InvoiceID   uuid.UUID     `json:"invoiceId"`
	Amount      string        `json:"amount"`
	Date        string        `json:"date"`
	Reference   *string       `json:"reference,omitempty"`
	AccountCode string        `json:"accountCode"`
	Status      PaymentStatus `json:"status"`
	ExternalID  *string       `json:"externalId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// RemovalView answers DELETE /invoices/:id and POST /invoices/:id/void.
type RemovalView struct {
	InvoiceID   uuid.UUID  `json:"invoiceId"`
	Deleted     bool       `json:"deleted"`
	Status      Status     `json:"status"`
	QuoteReset  bool       `json:"quoteReset,omitempty"`
	QuoteID     *uuid.UUID `json:"quoteId,omitempty"`
	QuoteNumber string     `json:"quoteNumber,omitempty"`
}

type OverdueReport struct {
	AsOf     string        `json:"asOf"`
	Count    int           `json:"count"`
	TotalDue string        `json:"totalDue"`
	Data     []InvoiceView `json:"data"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func newDocumentView(d *Document) documentView {
	v := documentView{
		ID:             d.ID,
		Number:         d.Number,
		ExternalID:     d.ExternalID,
		ExternalNumber: d.ExternalNumber,
		Status:         d.Status,
		ContactType:    d.Contact.Type(),
		Currency:       d.Currency,
		Reference:      d.Reference,
		BillingNotes:   d.Notes,
		LineItems:      make([]LineItemView, 0, len(d.LineItems)),
		Subtotal:       money(d.Totals.Subtotal),
		TotalTax:       money(d.Totals.TotalTax),
		Total:          money(d.Totals.Total),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	switch d.Contact.Type() {
	case ContactPatient:
		v.PatientID = d.Contact.ID()
	case ContactCompany:
		v.CompanyID = d.Contact.ID()
	}
	for i, li := range d.LineItems {
		lv := LineItemView{
			Description:     li.Description,
			Quantity:        li.Quantity.String(),
			UnitAmount:      money(li.UnitAmount),
			DiscountPercent: li.DiscountPercent.String(),
			TaxType:         string(li.TaxType),
			AccountCode:     li.AccountCode,
		}
		lt := ComputeLine(li)
		if i < len(d.Totals.Lines) {
			lt = d.Totals.Lines[i]
		}
		lv.GrossAmount = money(lt.Gross)
		lv.DiscountAmount = money(lt.Discount)
		lv.LineAmount = money(lt.Net)
		lv.TaxAmount = money(lt.Tax)
		v.LineItems = append(v.LineItems, lv)
	}
	return v
}

func NewInvoiceView(inv *Invoice) InvoiceView {
	return InvoiceView{
		documentView:  newDocumentView(&inv.Document),
		InvoiceDate:   inv.Date.String(),
		DueDate:       inv.DueDate.String(),
		AmountPaid:    money(inv.AmountPaid),
		AmountDue:     money(inv.AmountDue()),
		OriginQuoteID: inv.OriginQuoteID,
	}
}

func NewQuoteView(q *Quote) QuoteView {
	return QuoteView{
		documentView: newDocumentView(&q.Document),
		QuoteDate:    q.Date.String(),
		ExpiryDate:   q.ExpiryDate().String(),
		InvoiceID:    q.InvoiceID,
	}
}

func NewPaymentView(p *Payment) PaymentView {
	return PaymentView{
		ID:          p.ID,
		InvoiceID:   p.InvoiceID,
		Amount:      money(p.Amount),
		Date:        p.Date.String(),
		Reference:   p.Reference,
		AccountCode: p.AccountCode,
		Status:      p.Status,
		ExternalID:  p.ExternalID,
		CreatedAt:   p.CreatedAt,
	}
}

func newRemovalView(r *RemovalResult) RemovalView {
	return RemovalView{
		InvoiceID:   r.InvoiceID,
		Deleted:     r.Deleted,
		Status:      r.Status,
		QuoteReset:  r.QuoteReset,
		QuoteID:     r.QuoteID,
		QuoteNumber: r.QuoteNumber,
	}
}

func invoiceViews(items []*Invoice) []InvoiceView {
	out := make([]InvoiceView, 0, len(items))
	for _, inv := range items {
		out = append(out, NewInvoiceView(inv))
	}
	return out
}

func quoteViews(items []*Quote) []QuoteView {
	out := make([]QuoteView, 0, len(items))
	for _, q := range items {
		out = append(out, NewQuoteView(q))
	}
	return out
}
