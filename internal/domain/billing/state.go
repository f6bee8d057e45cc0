package billing

import (
	"fmt"
	"strings"
)

// Status is the closed set of document states. Invoices and quotes share DRAFT.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusAuthorised Status = "AUTHORISED"
	StatusPaid       Status = "PAID"
	StatusVoided     Status = "VOIDED"
	StatusSent       Status = "SENT"
	StatusAccepted   Status = "ACCEPTED"
	StatusDeclined   Status = "DECLINED"
	StatusInvoiced   Status = "INVOICED"
)

// Action is anything that may change, or is gated by, a document's status.
type Action string

const (
	ActionAuthorise Action = "authorise"
	ActionVoid      Action = "void"
	ActionPay       Action = "pay"
	ActionSettle    Action = "settle"
	ActionSend      Action = "send"
	ActionAccept    Action = "accept"
	ActionDecline   Action = "decline"
	ActionConvert   Action = "convert"
	// ActionRevertConversion is the compensation run when a converted invoice is removed.
	ActionRevertConversion Action = "revert conversion of"
	ActionEdit             Action = "edit"
	ActionDelete           Action = "delete"
)

var transitions = map[Kind]map[Status]map[Action]Status{
	KindInvoice: {
		StatusDraft: {
			ActionAuthorise: StatusAuthorised,
			ActionVoid:      StatusVoided,
		},
		StatusAuthorised: {
			ActionPay:    StatusAuthorised,
			ActionSettle: StatusPaid,
			ActionVoid:   StatusVoided,
		},
		StatusPaid:   {},
		StatusVoided: {},
	},
	KindQuote: {
		StatusDraft: {
			ActionSend:    StatusSent,
			ActionConvert: StatusInvoiced,
		},
		StatusSent: {
			ActionAccept:  StatusAccepted,
			ActionDecline: StatusDeclined,
			ActionConvert: StatusInvoiced,
		},
		StatusAccepted: {
			ActionConvert: StatusInvoiced,
		},
		StatusDeclined: {},
		StatusInvoiced: {
			ActionRevertConversion: StatusDraft,
		},
	},
}

// Transition returns the status reached by applying action, or a StateError.
func Transition(kind Kind, from Status, action Action) (Status, error) {
	states, ok := transitions[kind]
	if !ok {
		return "", fmt.Errorf("unknown document kind %q", kind)
	}
	next, ok := states[from][action]
	if !ok {
		return "", &StateError{Kind: kind, Status: from, Action: action}
	}
	return next, nil
}

// ValidStatus reports whether s belongs to kind's enumeration.
func ValidStatus(kind Kind, s Status) bool {
	_, ok := transitions[kind][s]
	return ok
}

// IsTerminal reports whether no operator action can leave s.
func IsTerminal(kind Kind, s Status) bool {
	switch kind {
	case KindInvoice:
		return s == StatusPaid || s == StatusVoided
	case KindQuote:
		return s == StatusDeclined || s == StatusInvoiced
	}
	return false
}

// Editable documents accept changes to contact, dates and line items.
func Editable(s Status) bool {
	return s == StatusDraft
}

var externalStatusAliases = map[Kind]map[string]Status{
	KindInvoice: {
		"SUBMITTED":  StatusDraft,
		"AUTHORIZED": StatusAuthorised,
		"DELETED":    StatusVoided,
		"VOID":       StatusVoided,
	},
	KindQuote: {
		"REJECTED":  StatusDeclined,
		"CONVERTED": StatusInvoiced,
	},
}

var externalStatusPrefixes = []string{"QUOTESTATUS.", "QUOTE_STATUS_", "QUOTE_", "INVOICESTATUS.", "INVOICE_STATUS_", "INVOICE_"}

// ParseStatus maps a status string from the system of record, or from storage, into the
// engine's enumeration for kind. External names are never compared anywhere else.
func ParseStatus(kind Kind, raw string) (Status, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	for _, p := range externalStatusPrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimPrefix(s, p)
			break
		}
	}
	if alias, ok := externalStatusAliases[kind][s]; ok {
		return alias, nil
	}
	if ValidStatus(kind, Status(s)) {
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown %s status %q", kind.label(), raw)
}
