package billing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by repositories and the service when a document does not exist.
var ErrNotFound = errors.New("billing document not found")

// ValidationError reports bad input. It never reaches the system of record.
type ValidationError struct {
	Field  string
	Line   int // index into lineItems, -1 when the error is not about a line
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Line >= 0 {
		return fmt.Sprintf("line %d: invalid %s: %s", e.Line, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func fieldError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Line: -1, Reason: reason}
}

func lineError(line int, field, reason string) *ValidationError {
	return &ValidationError{Field: fmt.Sprintf("lineItems[%d].%s", line, field), Line: line, Reason: reason}
}

// ContactRequiredError is the validation failure for a missing or ambiguous contact.
type ContactRequiredError struct {
	Reason string
}

func (e *ContactRequiredError) Error() string {
	return "contact required: " + e.Reason
}

// StateError reports an action that is illegal for the document's current status.
type StateError struct {
	Kind   Kind
	ID     uuid.UUID
	Status Status
	Action Action
	Reason string
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("cannot %s %s in status %s", e.Action, e.Kind.label(), e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// PaymentReason is the machine-readable cause of a rejected payment.
type PaymentReason string

const (
	AmountExceedsBalance PaymentReason = "AmountExceedsBalance"
	NonPositiveAmount    PaymentReason = "NonPositiveAmount"
)

type PaymentError struct {
	Reason    PaymentReason
	Amount    decimal.Decimal
	AmountDue decimal.Decimal
}

func (e *PaymentError) Error() string {
	switch e.Reason {
	case AmountExceedsBalance:
		return fmt.Sprintf("payment of %s exceeds amount due %s", e.Amount.StringFixed(2), e.AmountDue.StringFixed(2))
	case NonPositiveAmount:
		return fmt.Sprintf("payment amount must be positive, got %s", e.Amount.String())
	}
	return string(e.Reason)
}

// ConversionError wraps whatever stopped a quote from becoming an invoice.
type ConversionError struct {
	QuoteID uuid.UUID
	Err     error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert quote %s: %v", e.QuoteID, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// RemoteError is a failure reported by, or while reaching, the system of record.
// Retryable failures left local state untouched and may be retried as-is; terminal ones
// carry the remote message verbatim.
type RemoteError struct {
	Op         string
	Retryable  bool
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	kind := "rejected"
	if e.Retryable {
		kind = "unavailable"
	}
	if e.Message != "" {
		return fmt.Sprintf("system of record %s (%s): %s", kind, e.Op, e.Message)
	}
	return fmt.Sprintf("system of record %s (%s): %v", kind, e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a remote failure that is safe to retry.
func IsRetryable(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Retryable
}
