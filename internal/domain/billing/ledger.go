package billing

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentRequest is an operator's request to record money received against an invoice.
type PaymentRequest struct {
	InvoiceID   uuid.UUID
	Amount      decimal.Decimal
	Date        civil.Date
	AccountCode string
	Reference   *string
}

// ApplyPayment validates req against inv and, on success, records it on inv: amount paid
// grows, amount due shrinks, and the invoice settles to PAID when nothing is left owing.
// inv is left untouched when an error is returned.
func ApplyPayment(inv *Invoice, req PaymentRequest) (*Payment, error) {
	if _, err := Transition(KindInvoice, inv.Status, ActionPay); err != nil {
		var se *StateError
		if errors.As(err, &se) {
			se.ID = inv.ID
			se.Reason = "payments can only be applied to AUTHORISED invoices"
		}
		return nil, err
	}

	if !req.Amount.IsPositive() {
		return nil, &PaymentError{Reason: NonPositiveAmount, Amount: req.Amount, AmountDue: inv.AmountDue()}
	}
	if !req.Amount.Equal(RoundMoney(req.Amount)) {
		return nil, fieldError("amount", "must not have more than two decimal places")
	}
	due := inv.AmountDue()
	if req.Amount.GreaterThan(due) {
		return nil, &PaymentError{Reason: AmountExceedsBalance, Amount: req.Amount, AmountDue: due}
	}
	if req.Date.IsZero() || !req.Date.IsValid() {
		return nil, fieldError("date", "a valid payment date is required")
	}
	accountCode := strings.TrimSpace(req.AccountCode)
	if accountCode == "" {
		return nil, fieldError("accountCode", "must not be empty")
	}
	if utf8.RuneCountInString(accountCode) > MaxAccountCodeLen {
		return nil, fieldError("accountCode", fmt.Sprintf("must not exceed %d characters", MaxAccountCodeLen))
	}

	next := inv.Status
	if due.Sub(req.Amount).IsZero() {
		var err error
		if next, err = Transition(KindInvoice, inv.Status, ActionSettle); err != nil {
			return nil, err
		}
	}

	p := &Payment{
		ID:          PaymentID(inv, req),
		InvoiceID:   inv.ID,
		Amount:      req.Amount,
		Date:        req.Date,
		AccountCode: accountCode,
		Reference:   cloneString(req.Reference),
		Status:      PaymentPending,
	}
	inv.AmountPaid = inv.AmountPaid.Add(req.Amount)
	inv.Status = next
	return p, nil
}

// PaymentID names the payment req would record against inv in its current state. The id
// doubles as the idempotency key sent to the system of record, so resubmitting a payment
// that was never stored reuses the key of the earlier attempt. Once a payment is stored
// the amount paid moves on and the next identical request gets a new id.
func PaymentID(inv *Invoice, req PaymentRequest) uuid.UUID {
	name := fmt.Sprintf("payment/%s/%s/%s/%s",
		inv.AmountPaid.StringFixed(moneyPlaces),
		req.Amount.StringFixed(moneyPlaces),
		req.Date,
		strings.TrimSpace(req.AccountCode),
	)
	return uuid.NewSHA1(inv.ID, []byte(name))
}

// SumPayments adds confirmed payments in the order they were recorded.
func SumPayments(payments []*Payment) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range payments {
		if p.Status == PaymentDeleted {
			continue
		}
		sum = sum.Add(p.Amount)
	}
	return sum
}

// Reconcile checks an invoice's stored balance against its payment history.
func Reconcile(inv *Invoice, payments []*Payment) error {
	paid := SumPayments(payments)
	if paid.GreaterThan(inv.Totals.Total) {
		return fmt.Errorf("invoice %s: payments %s exceed total %s", inv.ID, paid.StringFixed(2), inv.Totals.Total.StringFixed(2))
	}
	if !paid.Equal(inv.AmountPaid) {
		return fmt.Errorf("invoice %s: amount paid %s does not match payments %s", inv.ID, inv.AmountPaid.StringFixed(2), paid.StringFixed(2))
	}
	return nil
}
