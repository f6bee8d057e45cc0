package billing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicos/billing/internal/platform/db"
)

// DocumentInput is the editable part of an invoice or quote, as supplied by an operator.
// Computed amounts are never part of it.
type DocumentInput struct {
	ContactType     string
	PatientID       string
	CompanyID       string
	LineItems       []LineItem
	Date            civil.Date
	DueDate         civil.Date
	Currency        string
	Reference       *string
	Notes           *string
	SendImmediately bool
	// IdempotencyKey, when set, makes a retried create return the document the first
	// attempt produced instead of creating another.
	IdempotencyKey string
}

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	DueDays         int
	DefaultCurrency string
	Location        *time.Location
	Now             func() time.Time
}

// RemovalResult describes what deleting or voiding an invoice did.
type RemovalResult struct {
	InvoiceID   uuid.UUID
	Deleted     bool
	Status      Status
	QuoteReset  bool
	QuoteID     *uuid.UUID
	QuoteNumber string
}

type Service struct {
	invoices InvoiceRepository
	quotes   QuoteRepository
	payments PaymentRepository
	remote   SystemOfRecord
	tx       TxRunner
	locks    *documentLocks
	opts     Options
}

func NewService(inv InvoiceRepository, q QuoteRepository, p PaymentRepository, remote SystemOfRecord, tx TxRunner, opts Options) *Service {
	if opts.DueDays <= 0 {
		opts.DueDays = 14
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "AUD"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		invoices: inv, quotes: q, payments: p,
		remote: remote, tx: tx,
		locks: newDocumentLocks(),
		opts:  opts,
	}
}

// Today is the current date in the clinic's time zone.
func (s *Service) Today() civil.Date {
	return civil.DateOf(s.opts.Now().In(s.opts.Location))
}

var idempotencyNamespace = uuid.MustParse("6f1c2a94-8d3e-4b57-9a0e-2c4d7e8f1b36")

// newDocumentID returns a random id, or one derived from the client's idempotency key
// within the tenant so every retry of a create names the same document.
func newDocumentID(ctx context.Context, kind Kind, key string) uuid.UUID {
	if key == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(idempotencyNamespace, []byte(db.TenantFromContext(ctx)+"/"+string(kind)+"/"+key))
}

// withLock serializes mutations of one document and runs fn in a transaction.
func (s *Service) withLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	unlock := s.locks.lock(db.TenantFromContext(ctx) + "/" + id.String())
	defer unlock()
	return s.inTx(ctx, fn)
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.WithinTx(ctx, fn)
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// buildDocument validates input and produces a DRAFT document with totals computed.
func (s *Service) buildDocument(kind Kind, in DocumentInput) (Document, error) {
	contact, err := ResolveContact(in.ContactType, in.PatientID, in.CompanyID)
	if err != nil {
		return Document{}, err
	}

	dateField, dueField := "invoiceDate", "dueDate"
	if kind == KindQuote {
		dateField, dueField = "quoteDate", "expiryDate"
	}
	if in.Date.IsZero() || !in.Date.IsValid() {
		return Document{}, fieldError(dateField, "a valid date is required")
	}
	due := in.DueDate
	if due.IsZero() {
		due = in.Date.AddDays(s.opts.DueDays)
	}
	if !due.IsValid() {
		return Document{}, fieldError(dueField, "is not a valid date")
	}
	if due.Before(in.Date) {
		return Document{}, fieldError(dueField, fmt.Sprintf("must not be before %s", dateField))
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}
	if !currencyPattern.MatchString(currency) {
		return Document{}, fieldError("currency", "must be a three-letter code")
	}

	items := make([]LineItem, len(in.LineItems))
	for i, li := range in.LineItems {
		li.Description = strings.TrimSpace(li.Description)
		if li.TaxType != "" {
			if tt, err := ParseTaxType(string(li.TaxType)); err == nil {
				li.TaxType = tt
			}
		}
		items[i] = li
	}

	doc := Document{
		Status:    StatusDraft,
		Contact:   contact,
		Date:      in.Date,
		DueDate:   due,
		LineItems: items,
		Currency:  currency,
		Reference: cloneString(in.Reference),
		Notes:     cloneString(in.Notes),
	}
	if err := doc.Recalculate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// -- Invoices --

func (s *Service) CreateInvoice(ctx context.Context, in DocumentInput) (*Invoice, error) {
	doc, err := s.buildDocument(KindInvoice, in)
	if err != nil {
		return nil, err
	}
	inv := &Invoice{Document: doc}
	inv.ID = newDocumentID(ctx, KindInvoice, in.IdempotencyKey)

	var replayed *Invoice
	err = s.withLock(ctx, inv.ID, func(ctx context.Context) error {
		if in.IdempotencyKey != "" {
			existing, err := s.invoices.GetByID(ctx, inv.ID)
			if err == nil {
				replayed = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if in.SendImmediately {
			if err := s.authorise(ctx, inv); err != nil {
				return err
			}
		}
		return s.invoices.Create(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		return replayed, nil
	}
	zerolog.Ctx(ctx).Info().Str("invoice_id", inv.ID.String()).Str("status", string(inv.Status)).Msg("invoice created")
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.invoices.GetByID(ctx, id)
}

func (s *Service) ListInvoices(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	return s.invoices.List(ctx, f, limit, offset)
}

// UpdateInvoice replaces the editable fields of a DRAFT invoice. Concurrent edits are
// last-write-wins.
func (s *Service) UpdateInvoice(ctx context.Context, id uuid.UUID, in DocumentInput) (*Invoice, error) {
	doc, err := s.buildDocument(KindInvoice, in)
	if err != nil {
		return nil, err
	}

	var out *Invoice
	err = s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.invoices.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !Editable(current.Status) {
			return &StateError{Kind: KindInvoice, ID: id, Status: current.Status, Action: ActionEdit,
				Reason: "only DRAFT invoices can be edited"}
		}

		staged := current.Clone()
		keepIdentity(&staged.Document, doc)

		switch {
		case in.SendImmediately:
			if err := s.authorise(ctx, staged); err != nil {
				return err
			}
		case staged.Synced():
			ack, err := s.remote.PutInvoice(ctx, staged)
			if err != nil {
				return err
			}
			applyAck(&staged.Document, ack)
		}
		if err := s.invoices.Update(ctx, staged); err != nil {
			return err
		}
		out = staged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AuthorizeInvoice finalizes a DRAFT invoice and synchronizes it to the system of record.
func (s *Service) AuthorizeInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var out *Invoice
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.invoices.GetByID(ctx, id)
		if err != nil {
			return err
		}
		staged := current.Clone()
		if err := s.authorise(ctx, staged); err != nil {
			return err
		}
		if err := s.invoices.Update(ctx, staged); err != nil {
			return err
		}
		out = staged
		return nil
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("invoice_id", id.String()).Msg("invoice authorised")
	return out, nil
}

// authorise moves inv to AUTHORISED once the system of record confirms it. inv is only
// modified on success.
func (s *Service) authorise(ctx context.Context, inv *Invoice) error {
	next, err := Transition(KindInvoice, inv.Status, ActionAuthorise)
	if err != nil {
		var se *StateError
		if errors.As(err, &se) {
			se.ID = inv.ID
			if inv.Status == StatusAuthorised {
				se.Reason = "invoice is already authorised"
			}
		}
		return err
	}
	if err := inv.Recalculate(); err != nil {
		return err
	}
	staged := inv.Clone()
	staged.Status = next
	ack, err := s.remote.PutInvoice(ctx, staged)
	if err != nil {
		return err
	}
	if ack.Status != StatusAuthorised {
		return &RemoteError{Op: "put invoice", Message: fmt.Sprintf("system of record left invoice in status %s", ack.Status)}
	}
	applyAck(&staged.Document, ack)
	*inv = *staged
	return nil
}

// VoidInvoice voids a DRAFT or AUTHORISED invoice and keeps it for the record.
func (s *Service) VoidInvoice(ctx context.Context, id uuid.UUID) (*RemovalResult, error) {
	return s.removeInvoice(ctx, id, false)
}

// DeleteInvoice deletes a DRAFT invoice and voids an AUTHORISED one. When the invoice was
// produced from a quote, the quote is put back to DRAFT and becomes convertible again.
func (s *Service) DeleteInvoice(ctx context.Context, id uuid.UUID) (*RemovalResult, error) {
	return s.removeInvoice(ctx, id, true)
}

func (s *Service) removeInvoice(ctx context.Context, id uuid.UUID, hardDelete bool) (*RemovalResult, error) {
	res := &RemovalResult{InvoiceID: id}
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.invoices.GetByID(ctx, id)
		if err != nil {
			return err
		}
		next, err := Transition(KindInvoice, current.Status, ActionVoid)
		if err != nil {
			var se *StateError
			if errors.As(err, &se) {
				se.ID = id
				if hardDelete {
					se.Action = ActionDelete
				}
			}
			return err
		}
		if current.AmountPaid.IsPositive() {
			return &StateError{Kind: KindInvoice, ID: id, Status: current.Status, Action: ActionVoid,
				Reason: "invoice has payments recorded against it"}
		}

		staged := current.Clone()
		deleteRow := hardDelete && current.Status == StatusDraft
		switch {
		case deleteRow:
			if err := s.remote.DeleteInvoice(ctx, staged); err != nil {
				return err
			}
		case staged.Synced():
			ack, err := s.remote.VoidInvoice(ctx, staged)
			if err != nil {
				return err
			}
			applyAck(&staged.Document, ack)
		}
		staged.Status = next

		if staged.OriginQuoteID != nil {
			if err := s.resetQuote(ctx, staged, res); err != nil {
				return err
			}
		}

		if deleteRow {
			res.Deleted = true
			res.Status = current.Status
			return s.invoices.Delete(ctx, id)
		}
		res.Status = staged.Status
		return s.invoices.Update(ctx, staged)
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("invoice_id", id.String()).
		Bool("deleted", res.Deleted).
		Bool("quote_reset", res.QuoteReset).
		Msg("invoice removed")
	return res, nil
}

// resetQuote is the compensation for removing a converted invoice.
func (s *Service) resetQuote(ctx context.Context, inv *Invoice, res *RemovalResult) error {
	quoteID := *inv.OriginQuoteID
	unlock := s.locks.lock(db.TenantFromContext(ctx) + "/" + quoteID.String())
	defer unlock()

	q, err := s.quotes.GetByID(ctx, quoteID)
	if errors.Is(err, ErrNotFound) {
		zerolog.Ctx(ctx).Warn().Str("quote_id", quoteID.String()).Msg("origin quote no longer exists")
		inv.OriginQuoteID = nil
		return nil
	}
	if err != nil {
		return err
	}
	staged := q.Clone()
	if err := RevertConversion(staged, inv); err != nil {
		return err
	}
	if err := s.mirrorQuote(ctx, staged); err != nil {
		return err
	}
	if err := s.quotes.Update(ctx, staged); err != nil {
		return err
	}
	res.QuoteReset = true
	res.QuoteID = &quoteID
	res.QuoteNumber = staged.DisplayNumber()
	return nil
}

// -- Payments --

// RecordPayment applies a payment to an invoice, confirms it with the system of record and
// only then stores it.
func (s *Service) RecordPayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	var out *Payment
	err := s.withLock(ctx, req.InvoiceID, func(ctx context.Context) error {
		current, err := s.invoices.GetByID(ctx, req.InvoiceID)
		if err != nil {
			return err
		}
		staged := current.Clone()
		p, err := ApplyPayment(staged, req)
		if err != nil {
			return err
		}
		ack, err := s.remote.PutPayment(ctx, staged, p)
		if err != nil {
			return err
		}
		if ack.Status == PaymentDeleted {
			return &RemoteError{Op: "put payment", Message: "system of record did not confirm the payment"}
		}
		p.ExternalID = strPtr(ack.ExternalID)
		p.Status = ack.Status

		if err := s.payments.Create(ctx, p); err != nil {
			return err
		}
		if err := s.invoices.Update(ctx, staged); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("invoice_id", req.InvoiceID.String()).
		Str("payment_id", out.ID.String()).
		Str("amount", out.Amount.StringFixed(2)).
		Msg("payment recorded")
	return out, nil
}

// ListPayments returns an invoice's payments in the order they were recorded.
func (s *Service) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.payments.ListByInvoice(ctx, invoiceID)
}

// -- Quotes --

func (s *Service) CreateQuote(ctx context.Context, in DocumentInput) (*Quote, error) {
	doc, err := s.buildDocument(KindQuote, in)
	if err != nil {
		return nil, err
	}
	q := &Quote{Document: doc}
	q.ID = newDocumentID(ctx, KindQuote, in.IdempotencyKey)

	var replayed *Quote
	err = s.withLock(ctx, q.ID, func(ctx context.Context) error {
		if in.IdempotencyKey != "" {
			existing, err := s.quotes.GetByID(ctx, q.ID)
			if err == nil {
				replayed = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if in.SendImmediately {
			if err := s.pushQuote(ctx, q, ActionSend); err != nil {
				return err
			}
		}
		return s.quotes.Create(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		return replayed, nil
	}
	return q, nil
}

func (s *Service) GetQuote(ctx context.Context, id uuid.UUID) (*Quote, error) {
	return s.quotes.GetByID(ctx, id)
}

func (s *Service) ListQuotes(ctx context.Context, f QuoteFilter, limit, offset int) ([]*Quote, int, error) {
	return s.quotes.List(ctx, f, limit, offset)
}

func (s *Service) UpdateQuote(ctx context.Context, id uuid.UUID, in DocumentInput) (*Quote, error) {
	doc, err := s.buildDocument(KindQuote, in)
	if err != nil {
		return nil, err
	}

	var out *Quote
	err = s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.quotes.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !Editable(current.Status) {
			return &StateError{Kind: KindQuote, ID: id, Status: current.Status, Action: ActionEdit,
				Reason: "only DRAFT quotes can be edited"}
		}
		staged := current.Clone()
		keepIdentity(&staged.Document, doc)

		switch {
		case in.SendImmediately:
			if err := s.pushQuote(ctx, staged, ActionSend); err != nil {
				return err
			}
		case staged.Synced():
			ack, err := s.remote.PutQuote(ctx, staged)
			if err != nil {
				return err
			}
			applyAck(&staged.Document, ack)
		}
		if err := s.quotes.Update(ctx, staged); err != nil {
			return err
		}
		out = staged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) SendQuote(ctx context.Context, id uuid.UUID) (*Quote, error) {
	return s.quoteAction(ctx, id, ActionSend)
}

func (s *Service) AcceptQuote(ctx context.Context, id uuid.UUID) (*Quote, error) {
	return s.quoteAction(ctx, id, ActionAccept)
}

func (s *Service) DeclineQuote(ctx context.Context, id uuid.UUID) (*Quote, error) {
	return s.quoteAction(ctx, id, ActionDecline)
}

func (s *Service) quoteAction(ctx context.Context, id uuid.UUID, action Action) (*Quote, error) {
	var out *Quote
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.quotes.GetByID(ctx, id)
		if err != nil {
			return err
		}
		staged := current.Clone()
		if err := s.pushQuote(ctx, staged, action); err != nil {
			return err
		}
		if err := s.quotes.Update(ctx, staged); err != nil {
			return err
		}
		out = staged
		return nil
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("quote_id", id.String()).Str("status", string(out.Status)).Msg("quote updated")
	return out, nil
}

// pushQuote applies action to q and mirrors it to the system of record. Sending always
// synchronizes; other actions do so only for quotes the system of record already knows.
func (s *Service) pushQuote(ctx context.Context, q *Quote, action Action) error {
	next, err := Transition(KindQuote, q.Status, action)
	if err != nil {
		var se *StateError
		if errors.As(err, &se) {
			se.ID = q.ID
		}
		return err
	}
	if action == ActionSend {
		if err := q.Recalculate(); err != nil {
			return err
		}
	}
	staged := q.Clone()
	staged.Status = next
	if action == ActionSend || staged.Synced() {
		ack, err := s.remote.PutQuote(ctx, staged)
		if err != nil {
			return err
		}
		applyAck(&staged.Document, ack)
	}
	*q = *staged
	return nil
}

// mirrorQuote pushes a status change made outside pushQuote to the system of record when
// it already knows q.
func (s *Service) mirrorQuote(ctx context.Context, q *Quote) error {
	if !q.Synced() {
		return nil
	}
	ack, err := s.remote.PutQuote(ctx, q)
	if err != nil {
		return err
	}
	applyAck(&q.Document, ack)
	return nil
}

// DeleteQuote removes a quote that has not been converted.
func (s *Service) DeleteQuote(ctx context.Context, id uuid.UUID) error {
	return s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.quotes.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == StatusInvoiced || current.InvoiceID != nil {
			return &StateError{Kind: KindQuote, ID: id, Status: current.Status, Action: ActionDelete,
				Reason: "delete the linked invoice first"}
		}
		if err := s.remote.DeleteQuote(ctx, current); err != nil {
			return err
		}
		return s.quotes.Delete(ctx, id)
	})
}

// ConvertToInvoice turns a quote into a new invoice. The invoice is synchronized first;
// the quote is marked INVOICED and linked only after that succeeds.
func (s *Service) ConvertToInvoice(ctx context.Context, quoteID uuid.UUID) (*Invoice, error) {
	var out *Invoice
	err := s.withLock(ctx, quoteID, func(ctx context.Context) error {
		current, err := s.quotes.GetByID(ctx, quoteID)
		if err != nil {
			return err
		}
		inv, err := BuildInvoiceFromQuote(current, s.Today(), s.opts.DueDays)
		if err != nil {
			return err
		}
		ack, err := s.remote.PutInvoice(ctx, inv)
		if err != nil {
			return err
		}
		if ack.Status != StatusDraft {
			return &RemoteError{Op: "put invoice", Message: fmt.Sprintf("system of record created the invoice in status %s", ack.Status)}
		}
		applyAck(&inv.Document, ack)

		q := current.Clone()
		if err := CommitConversion(q, inv); err != nil {
			return err
		}
		if err := s.mirrorQuote(ctx, q); err != nil {
			return err
		}
		if err := s.invoices.Create(ctx, inv); err != nil {
			return err
		}
		if err := s.quotes.Update(ctx, q); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &ConversionError{QuoteID: quoteID, Err: err}
	}
	zerolog.Ctx(ctx).Info().
		Str("quote_id", quoteID.String()).
		Str("invoice_id", out.ID.String()).
		Msg("quote converted to invoice")
	return out, nil
}

// -- Reporting --

// OverdueInvoices lists AUTHORISED invoices whose due date is before asOf.
func (s *Service) OverdueInvoices(ctx context.Context, asOf civil.Date) ([]*Invoice, error) {
	const page = 200
	var out []*Invoice
	f := InvoiceFilter{Status: StatusAuthorised, DueBefore: &asOf}
	for offset := 0; ; offset += page {
		items, total, err := s.invoices.List(ctx, f, page, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if offset+page >= total || len(items) == 0 {
			return out, nil
		}
	}
}

// SweepOverdue logs every overdue invoice and returns how many were found.
func (s *Service) SweepOverdue(ctx context.Context) (int, error) {
	asOf := s.Today()
	items, err := s.OverdueInvoices(ctx, asOf)
	if err != nil {
		return 0, err
	}
	logger := zerolog.Ctx(ctx)
	for _, inv := range items {
		logger.Warn().
			Str("invoice_id", inv.ID.String()).
			Str("number", inv.DisplayNumber()).
			Str("due_date", inv.DueDate.String()).
			Str("amount_due", inv.AmountDue().StringFixed(2)).
			Msg("invoice overdue")
	}
	return len(items), nil
}

// keepIdentity overwrites the editable fields of dst with those of src.
func keepIdentity(dst *Document, src Document) {
	dst.Contact = src.Contact
	dst.Date = src.Date
	dst.DueDate = src.DueDate
	dst.LineItems = src.LineItems
	dst.Currency = src.Currency
	dst.Reference = src.Reference
	dst.Notes = src.Notes
	dst.Totals = src.Totals
}

func applyAck(d *Document, ack *RemoteAck) {
	if ack == nil {
		return
	}
	if ack.ExternalID != "" {
		d.ExternalID = strPtr(ack.ExternalID)
	}
	if ack.ExternalNumber != "" {
		d.ExternalNumber = strPtr(ack.ExternalNumber)
	}
}
