package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicos/billing/internal/platform/accounting"
)

// SystemOfRecord is the remote accounting service that is authoritative for synchronized
// documents. Every method may block; callers stage their change first and commit only
// after a successful return.
type SystemOfRecord interface {
	PutInvoice(ctx context.Context, inv *Invoice) (*RemoteAck, error)
	VoidInvoice(ctx context.Context, inv *Invoice) (*RemoteAck, error)
	DeleteInvoice(ctx context.Context, inv *Invoice) error
	PutQuote(ctx context.Context, q *Quote) (*RemoteAck, error)
	DeleteQuote(ctx context.Context, q *Quote) error
	PutPayment(ctx context.Context, inv *Invoice, p *Payment) (*PaymentAck, error)
}

// RemoteAck confirms a document write. Status is already normalized.
type RemoteAck struct {
	ExternalID     string
	ExternalNumber string
	Status         Status
}

type PaymentAck struct {
	ExternalID string
	Status     PaymentStatus
}

// AccountingRemote adapts the accounting HTTP client to SystemOfRecord.
type AccountingRemote struct {
	client *accounting.Client
}

func NewAccountingRemote(c *accounting.Client) *AccountingRemote {
	return &AccountingRemote{client: c}
}

func (r *AccountingRemote) PutInvoice(ctx context.Context, inv *Invoice) (*RemoteAck, error) {
	doc := documentPayload(&inv.Document)
	doc.DueDate = inv.DueDate.String()
	ack, err := r.client.PutInvoice(ctx, writeKey(&inv.Document, doc), doc)
	if err != nil {
		return nil, remoteError("put invoice", err)
	}
	return documentAck(KindInvoice, "put invoice", ack)
}

func (r *AccountingRemote) VoidInvoice(ctx context.Context, inv *Invoice) (*RemoteAck, error) {
	if !inv.Synced() {
		return nil, fmt.Errorf("invoice %s has no external id", inv.ID)
	}
	ack, err := r.client.VoidInvoice(ctx, *inv.ExternalID)
	if err != nil {
		return nil, remoteError("void invoice", err)
	}
	return documentAck(KindInvoice, "void invoice", ack)
}

func (r *AccountingRemote) DeleteInvoice(ctx context.Context, inv *Invoice) error {
	if !inv.Synced() {
		return nil
	}
	if err := r.client.DeleteInvoice(ctx, *inv.ExternalID); err != nil {
		return remoteError("delete invoice", err)
	}
	return nil
}

func (r *AccountingRemote) PutQuote(ctx context.Context, q *Quote) (*RemoteAck, error) {
	doc := documentPayload(&q.Document)
	doc.Expiry = q.ExpiryDate().String()
	ack, err := r.client.PutQuote(ctx, writeKey(&q.Document, doc), doc)
	if err != nil {
		return nil, remoteError("put quote", err)
	}
	return documentAck(KindQuote, "put quote", ack)
}

func (r *AccountingRemote) DeleteQuote(ctx context.Context, q *Quote) error {
	if !q.Synced() {
		return nil
	}
	if err := r.client.DeleteQuote(ctx, *q.ExternalID); err != nil {
		return remoteError("delete quote", err)
	}
	return nil
}

func (r *AccountingRemote) PutPayment(ctx context.Context, inv *Invoice, p *Payment) (*PaymentAck, error) {
	if !inv.Synced() {
		return nil, fmt.Errorf("invoice %s has no external id", inv.ID)
	}
	body := accounting.Payment{
		InvoiceID:   *inv.ExternalID,
		Amount:      p.Amount.StringFixed(2),
		Date:        p.Date.String(),
		AccountCode: p.AccountCode,
	}
	if p.Reference != nil {
		body.Reference = *p.Reference
	}
	ack, err := r.client.PutPayment(ctx, p.ID.String(), body)
	if err != nil {
		return nil, remoteError("put payment", err)
	}
	status, err := parsePaymentStatus(ack.Status)
	if err != nil {
		return nil, &RemoteError{Op: "put payment", Message: err.Error(), Err: err}
	}
	return &PaymentAck{ExternalID: ack.ID, Status: status}, nil
}

func documentPayload(d *Document) accounting.Document {
	doc := accounting.Document{
		Status:    string(d.Status),
		Contact:   accounting.Contact{Type: string(d.Contact.Type()), ID: d.Contact.ID()},
		Date:      d.Date.String(),
		Currency:  d.Currency,
		SubTotal:  d.Totals.Subtotal.StringFixed(2),
		TotalTax:  d.Totals.TotalTax.StringFixed(2),
		Total:     d.Totals.Total.StringFixed(2),
		LineItems: make([]accounting.LineItem, 0, len(d.LineItems)),
	}
	if d.ExternalID != nil {
		doc.ID = *d.ExternalID
	}
	if d.Reference != nil {
		doc.Reference = *d.Reference
	}
	if d.Notes != nil {
		doc.Summary = *d.Notes
	}
	for i, li := range d.LineItems {
		line := accounting.LineItem{
			Description: li.Description,
			Quantity:    li.Quantity.String(),
			UnitAmount:  li.UnitAmount.StringFixed(2),
			TaxType:     string(li.TaxType),
			AccountCode: li.AccountCode,
		}
		if !li.DiscountPercent.IsZero() {
			line.DiscountRate = li.DiscountPercent.String()
		}
		if i < len(d.Totals.Lines) {
			line.LineAmount = d.Totals.Lines[i].Net.StringFixed(2)
			line.TaxAmount = d.Totals.Lines[i].Tax.StringFixed(2)
		}
		doc.LineItems = append(doc.LineItems, line)
	}
	return doc
}

// writeKey is the idempotency key for putting d as payload. The first write of a document
// is keyed by the document and its stored revision, so a retried create is recognized even
// when the body drifts (a conversion retried on a later day). Later writes also cover the
// body, so a different edit is never answered with the reply to an earlier one.
func writeKey(d *Document, payload accounting.Document) string {
	name := "create/" + d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	if d.Synced() {
		body, err := json.Marshal(payload)
		if err != nil {
			body = []byte(uuid.NewString())
		}
		name = "update/" + d.UpdatedAt.UTC().Format(time.RFC3339Nano) + "/" + string(body)
	}
	return uuid.NewSHA1(d.ID, []byte(name)).String()
}

func documentAck(kind Kind, op string, ack *accounting.Ack) (*RemoteAck, error) {
	status, err := ParseStatus(kind, ack.Status)
	if err != nil {
		return nil, &RemoteError{Op: op, Message: err.Error(), Err: err}
	}
	if ack.ID == "" {
		return nil, &RemoteError{Op: op, Message: "response carried no document id"}
	}
	return &RemoteAck{ExternalID: ack.ID, ExternalNumber: ack.Number, Status: status}, nil
}

func remoteError(op string, err error) error {
	var ae *accounting.Error
	if errors.As(err, &ae) {
		return &RemoteError{
			Op:         op,
			Retryable:  ae.Retryable,
			StatusCode: ae.StatusCode,
			Message:    ae.Message,
			Err:        err,
		}
	}
	return &RemoteError{Op: op, Retryable: true, Err: err}
}

func parsePaymentStatus(raw string) (PaymentStatus, error) {
	switch PaymentStatus(raw) {
	case PaymentAuthorised, PaymentDeleted, PaymentPending:
		return PaymentStatus(raw), nil
	case "":
		return PaymentAuthorised, nil
	}
	return "", fmt.Errorf("unknown payment status %q", raw)
}
