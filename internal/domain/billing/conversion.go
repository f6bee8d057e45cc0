package billing

import (
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// BuildInvoiceFromQuote stages the invoice that converting q would produce. Nothing on q
// changes here; the link between the two is made by CommitConversion once the invoice
// has been accepted by the system of record.
func BuildInvoiceFromQuote(q *Quote, issued civil.Date, dueDays int) (*Invoice, error) {
	if _, err := Transition(KindQuote, q.Status, ActionConvert); err != nil {
		var se *StateError
		if errors.As(err, &se) {
			se.ID = q.ID
		}
		return nil, err
	}
	if q.InvoiceID != nil {
		return nil, &StateError{
			Kind: KindQuote, ID: q.ID, Status: q.Status, Action: ActionConvert,
			Reason: fmt.Sprintf("already converted to invoice %s", q.InvoiceID),
		}
	}
	if q.Contact.IsZero() {
		return nil, &ContactRequiredError{Reason: "quote has no contact"}
	}

	inv := &Invoice{
		Document: Document{
			ID:        ConversionInvoiceID(q),
			Status:    StatusDraft,
			Contact:   q.Contact,
			Date:      issued,
			DueDate:   issued.AddDays(dueDays),
			LineItems: append([]LineItem(nil), q.LineItems...),
			Currency:  q.Currency,
			Reference: cloneString(q.Reference),
			Notes:     cloneString(q.Notes),
		},
	}
	if inv.Reference == nil {
		inv.Reference = strPtr(q.DisplayNumber())
	}
	if err := inv.Recalculate(); err != nil {
		return nil, err
	}
	return inv, nil
}

// ConversionInvoiceID names the invoice that converting q produces. It follows the quote's
// last stored change: a conversion retried after a failure reuses the id, and with it the
// idempotency key seen by the system of record, while a quote converted again after its
// invoice was removed gets a new one.
func ConversionInvoiceID(q *Quote) uuid.UUID {
	return uuid.NewSHA1(q.ID, []byte("invoice/"+q.UpdatedAt.UTC().Format(time.RFC3339Nano)))
}

// CommitConversion marks q as INVOICED and links both documents.
func CommitConversion(q *Quote, inv *Invoice) error {
	next, err := Transition(KindQuote, q.Status, ActionConvert)
	if err != nil {
		return err
	}
	invoiceID, quoteID := inv.ID, q.ID
	q.Status = next
	q.InvoiceID = &invoiceID
	inv.OriginQuoteID = &quoteID
	return nil
}

// RevertConversion is the compensating step for removing a converted invoice: the quote
// goes back to DRAFT and both halves of the link are cleared.
func RevertConversion(q *Quote, inv *Invoice) error {
	if q.InvoiceID == nil || *q.InvoiceID != inv.ID {
		return &StateError{
			Kind: KindQuote, ID: q.ID, Status: q.Status, Action: ActionRevertConversion,
			Reason: fmt.Sprintf("quote is not linked to invoice %s", inv.ID),
		}
	}
	next, err := Transition(KindQuote, q.Status, ActionRevertConversion)
	if err != nil {
		return err
	}
	q.Status = next
	q.InvoiceID = nil
	inv.OriginQuoteID = nil
	return nil
}
