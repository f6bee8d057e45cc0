package billing

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// TaxType selects whether the flat GST rate applies to a line.
type TaxType string

const (
	TaxGST         TaxType = "GST"
	TaxGSTFree     TaxType = "GST_FREE"
	TaxBASExcluded TaxType = "BAS_EXCLUDED"
)

// Accounting systems report tax types under their own names.
var taxTypeAliases = map[string]TaxType{
	"GST":          TaxGST,
	"OUTPUT":       TaxGST,
	"GST_FREE":     TaxGSTFree,
	"GSTFREE":      TaxGSTFree,
	"EXEMPTOUTPUT": TaxGSTFree,
	"BAS_EXCLUDED": TaxBASExcluded,
	"BASEXCLUDED":  TaxBASExcluded,
}

// ParseTaxType normalizes a tax type tag into the engine's closed set.
func ParseTaxType(raw string) (TaxType, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	if t, ok := taxTypeAliases[key]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown tax type %q", raw)
}

func (t TaxType) appliesGST() bool { return t == TaxGST }

func (t TaxType) valid() bool {
	return t == TaxGST || t == TaxGSTFree || t == TaxBASExcluded
}

var (
	gstRate = decimal.RequireFromString("0.10")
	hundred = decimal.NewFromInt(100)
)

const (
	moneyPlaces    = 2
	quantityPlaces = 4
	percentPlaces  = 2

	// MaxAccountCodeLen is the longest account code a line or payment may carry.
	MaxAccountCodeLen = 32
)

// Upper bounds follow the NUMERIC(14,p) storage columns.
var (
	maxQuantity = decimal.New(1, 10)
	maxAmount   = decimal.New(1, 12)
)

// exceedsPlaces reports whether d carries more than places decimal digits.
func exceedsPlaces(d decimal.Decimal, places int32) bool {
	return !d.Equal(d.Truncate(places))
}

// RoundMoney rounds half-up to cents. All amounts handled here are non-negative, where
// the library's half-away-from-zero rounding is half-up.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

// LineTotals are the computed amounts for one line item.
type LineTotals struct {
	Gross    decimal.Decimal
	Discount decimal.Decimal
	Net      decimal.Decimal
	Tax      decimal.Decimal
}

// Totals are the document-level amounts. Total is always Subtotal + TotalTax.
type Totals struct {
	Subtotal decimal.Decimal
	TotalTax decimal.Decimal
	Total    decimal.Decimal
	Lines    []LineTotals
}

// ValidateLineItem checks one line; line is its index in the document.
func ValidateLineItem(line int, li LineItem) error {
	if strings.TrimSpace(li.Description) == "" {
		return lineError(line, "description", "must not be empty")
	}
	if !li.Quantity.IsPositive() {
		return lineError(line, "quantity", "must be greater than zero")
	}
	if exceedsPlaces(li.Quantity, quantityPlaces) {
		return lineError(line, "quantity", "must not have more than four decimal places")
	}
	if !li.Quantity.LessThan(maxQuantity) {
		return lineError(line, "quantity", "is too large")
	}
	if li.UnitAmount.IsNegative() {
		return lineError(line, "unitAmount", "must not be negative")
	}
	if exceedsPlaces(li.UnitAmount, moneyPlaces) {
		return lineError(line, "unitAmount", "must not have more than two decimal places")
	}
	if !li.UnitAmount.LessThan(maxAmount) {
		return lineError(line, "unitAmount", "is too large")
	}
	if li.DiscountPercent.IsNegative() || li.DiscountPercent.GreaterThan(hundred) {
		return lineError(line, "discountPercent", "must be between 0 and 100")
	}
	if exceedsPlaces(li.DiscountPercent, percentPlaces) {
		return lineError(line, "discountPercent", "must not have more than two decimal places")
	}
	if utf8.RuneCountInString(li.AccountCode) > MaxAccountCodeLen {
		return lineError(line, "accountCode", fmt.Sprintf("must not exceed %d characters", MaxAccountCodeLen))
	}
	if !li.TaxType.valid() {
		return lineError(line, "taxType", fmt.Sprintf("unknown tax type %q", li.TaxType))
	}
	return nil
}

// ComputeLine derives the amounts for a single, already validated, line.
func ComputeLine(li LineItem) LineTotals {
	gross := RoundMoney(li.Quantity.Mul(li.UnitAmount))
	discount := RoundMoney(gross.Mul(li.DiscountPercent).Div(hundred))
	net := gross.Sub(discount)
	tax := decimal.Zero
	if li.TaxType.appliesGST() {
		tax = RoundMoney(net.Mul(gstRate))
	}
	return LineTotals{Gross: gross, Discount: discount, Net: net, Tax: tax}
}

// ComputeTotals validates every line and sums the document amounts.
func ComputeTotals(items []LineItem) (Totals, error) {
	if len(items) == 0 {
		return Totals{}, fieldError("lineItems", "at least one line item is required")
	}
	t := Totals{
		Subtotal: decimal.Zero,
		TotalTax: decimal.Zero,
		Lines:    make([]LineTotals, 0, len(items)),
	}
	for i, li := range items {
		if err := ValidateLineItem(i, li); err != nil {
			return Totals{}, err
		}
		lt := ComputeLine(li)
		t.Lines = append(t.Lines, lt)
		t.Subtotal = t.Subtotal.Add(lt.Net)
		t.TotalTax = t.TotalTax.Add(lt.Tax)
	}
	t.Total = t.Subtotal.Add(t.TotalTax)
	if !t.Total.LessThan(maxAmount) {
		return Totals{}, fieldError("lineItems", "document total is too large")
	}
	return t, nil
}
