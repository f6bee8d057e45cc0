package billing

import (
	"errors"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authorisedInvoice(t *testing.T) *Invoice {
	t.Helper()
	inv := &Invoice{Document: Document{
		ID:        uuid.New(),
		Status:    StatusAuthorised,
		Contact:   PatientContact("pat-1"),
		Date:      date("2026-03-01"),
		DueDate:   date("2026-03-15"),
		LineItems: []LineItem{gstLine()},
		Currency:  "AUD",
	}}
	require.NoError(t, inv.Recalculate())
	return inv
}

func payment(inv *Invoice, amount string) PaymentRequest {
	return PaymentRequest{InvoiceID: inv.ID, Amount: dec(amount), Date: date("2026-03-05"), AccountCode: "090"}
}

func TestApplyPayment_PartialThenSettle(t *testing.T) {
	inv := authorisedInvoice(t)
	assert.Equal(t, "198.00", inv.AmountDue().StringFixed(2))

	p1, err := ApplyPayment(inv, payment(inv, "100.00"))
	require.NoError(t, err)
	assert.Equal(t, inv.ID, p1.InvoiceID)
	assert.Equal(t, PaymentPending, p1.Status)
	assert.Equal(t, "100.00", inv.AmountPaid.StringFixed(2))
	assert.Equal(t, "98.00", inv.AmountDue().StringFixed(2))
	assert.Equal(t, StatusAuthorised, inv.Status)

	p2, err := ApplyPayment(inv, payment(inv, "98.00"))
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, p2.ID)
	assert.Equal(t, "0.00", inv.AmountDue().StringFixed(2))
	assert.Equal(t, StatusPaid, inv.Status)
}

func TestApplyPayment_ExceedsBalanceLeavesInvoiceUntouched(t *testing.T) {
	inv := authorisedInvoice(t)
	_, err := ApplyPayment(inv, payment(inv, "150.00"))
	require.NoError(t, err)

	_, err = ApplyPayment(inv, payment(inv, "48.01"))
	var pe *PaymentError
	require.True(t, errors.As(err, &pe), "expected PaymentError, got %v", err)
	assert.Equal(t, AmountExceedsBalance, pe.Reason)
	assert.Equal(t, "48.00", pe.AmountDue.StringFixed(2))
	assert.Equal(t, "150.00", inv.AmountPaid.StringFixed(2))
	assert.Equal(t, "48.00", inv.AmountDue().StringFixed(2))
	assert.Equal(t, StatusAuthorised, inv.Status)
}

func TestApplyPayment_NonPositive(t *testing.T) {
	for _, amount := range []string{"0", "-5.00"} {
		inv := authorisedInvoice(t)
		_, err := ApplyPayment(inv, payment(inv, amount))
		var pe *PaymentError
		require.True(t, errors.As(err, &pe), "amount %s: got %v", amount, err)
		assert.Equal(t, NonPositiveAmount, pe.Reason)
		assert.True(t, inv.AmountPaid.IsZero())
	}
}

func TestApplyPayment_RejectsNonAuthorised(t *testing.T) {
	for _, status := range []Status{StatusDraft, StatusPaid, StatusVoided} {
		inv := authorisedInvoice(t)
		inv.Status = status
		_, err := ApplyPayment(inv, payment(inv, "10.00"))
		var se *StateError
		require.True(t, errors.As(err, &se), "status %s: got %v", status, err)
		assert.Equal(t, inv.ID, se.ID)
		assert.Equal(t, ActionPay, se.Action)
	}
}

func TestApplyPayment_FieldValidation(t *testing.T) {
	inv := authorisedInvoice(t)

	req := payment(inv, "10.005")
	_, err := ApplyPayment(inv, req)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "amount", ve.Field)

	req = payment(inv, "10.00")
	req.AccountCode = " "
	_, err = ApplyPayment(inv, req)
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "accountCode", ve.Field)

	req = payment(inv, "10.00")
	req.AccountCode = strings.Repeat("9", 40)
	_, err = ApplyPayment(inv, req)
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "accountCode", ve.Field)

	req = payment(inv, "10.00")
	req.Date = civil.Date{Year: 2026, Month: time.February, Day: 30}
	_, err = ApplyPayment(inv, req)
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "date", ve.Field)

	assert.True(t, inv.AmountPaid.IsZero())
}

func TestPaymentID_StableUntilThePaymentIsApplied(t *testing.T) {
	inv := authorisedInvoice(t)
	req := payment(inv, "50.00")

	first := PaymentID(inv, req)
	assert.Equal(t, first, PaymentID(inv.Clone(), req), "a resubmitted request must reuse the id")

	other := req
	other.Amount = dec("60.00")
	assert.NotEqual(t, first, PaymentID(inv, other))
	other = req
	other.AccountCode = "091"
	assert.NotEqual(t, first, PaymentID(inv, other))

	p, err := ApplyPayment(inv, req)
	require.NoError(t, err)
	assert.Equal(t, first, p.ID)

	again, err := ApplyPayment(inv, req)
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, again.ID, "a second identical payment is a new payment once the first is applied")
}

func TestApplyPayment_SumNeverExceedsTotal(t *testing.T) {
	inv := authorisedInvoice(t)
	amounts := []string{"0.01", "50.00", "100.00", "47.99", "0.01", "5.00"}

	var recorded []*Payment
	for _, a := range amounts {
		p, err := ApplyPayment(inv, payment(inv, a))
		if err != nil {
			var pe *PaymentError
			require.True(t, errors.As(err, &pe) || inv.Status == StatusPaid, "unexpected error %v", err)
			continue
		}
		recorded = append(recorded, p)
		sum := SumPayments(recorded)
		assert.True(t, sum.LessThanOrEqual(inv.Totals.Total))
		assert.True(t, inv.AmountDue().Equal(inv.Totals.Total.Sub(sum)))
		assert.False(t, inv.AmountDue().IsNegative())
	}
	assert.Equal(t, StatusPaid, inv.Status)
	assert.Len(t, recorded, 4)
	require.NoError(t, Reconcile(inv, recorded))
}

func TestSumPayments_SkipsDeleted(t *testing.T) {
	payments := []*Payment{
		{Amount: dec("10.00"), Status: PaymentAuthorised},
		{Amount: dec("5.50"), Status: PaymentDeleted},
		{Amount: dec("2.25"), Status: PaymentPending},
	}
	assert.Equal(t, "12.25", SumPayments(payments).StringFixed(2))
	assert.True(t, SumPayments(nil).IsZero())
}

func TestReconcile_DetectsDrift(t *testing.T) {
	inv := authorisedInvoice(t)
	inv.AmountPaid = dec("20.00")
	err := Reconcile(inv, []*Payment{{Amount: dec("10.00"), Status: PaymentAuthorised}})
	assert.ErrorContains(t, err, "does not match")

	inv.AmountPaid = dec("200.00")
	err = Reconcile(inv, []*Payment{{Amount: dec("200.00"), Status: PaymentAuthorised}})
	assert.ErrorContains(t, err, "exceed total")
}

func TestPaymentError_Message(t *testing.T) {
	err := &PaymentError{Reason: AmountExceedsBalance, Amount: dec("120"), AmountDue: dec("98")}
	assert.Equal(t, "payment of 120.00 exceeds amount due 98.00", err.Error())
}
