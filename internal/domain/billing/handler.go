package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/clinicos/billing/internal/platform/auth"
	"github.com/clinicos/billing/internal/platform/httperr"
	"github.com/clinicos/billing/pkg/pagination"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type lineItemRequest struct {
	Description     string           `json:"description" validate:"required,max=1000"`
	Quantity        *decimal.Decimal `json:"quantity" validate:"required"`
	UnitAmount      *decimal.Decimal `json:"unitAmount" validate:"required"`
	DiscountPercent *decimal.Decimal `json:"discountPercent"`
	AccountCode     string           `json:"accountCode" validate:"max=32"`
	TaxType         string           `json:"taxType" validate:"required"`
}

// documentRequest is the create/update body shared by invoices and quotes. Computed
// amounts are not part of it, so any the client sends are dropped by the decoder.
type documentRequest struct {
	ContactType     string            `json:"contactType" validate:"max=32"`
	PatientID       string            `json:"patientId" validate:"max=128"`
	CompanyID       string            `json:"companyId" validate:"max=128"`
	LineItems       []lineItemRequest `json:"lineItems" validate:"required,min=1,max=500,dive"`
	InvoiceDate     *civil.Date       `json:"invoiceDate"`
	DueDate         *civil.Date       `json:"dueDate"`
	QuoteDate       *civil.Date       `json:"quoteDate"`
	ExpiryDate      *civil.Date       `json:"expiryDate"`
	Currency        string            `json:"currency" validate:"omitempty,len=3,alpha"`
	Reference       *string           `json:"reference" validate:"omitempty,max=255"`
	BillingNotes    *string           `json:"billingNotes" validate:"omitempty,max=4000"`
	SendImmediately bool              `json:"sendImmediately"`
}

func (r *documentRequest) toInput(kind Kind) DocumentInput {
	in := DocumentInput{
		ContactType:     r.ContactType,
		PatientID:       r.PatientID,
		CompanyID:       r.CompanyID,
		LineItems:       make([]LineItem, 0, len(r.LineItems)),
		Currency:        r.Currency,
		Reference:       r.Reference,
		Notes:           r.BillingNotes,
		SendImmediately: r.SendImmediately,
	}
	date, due := r.InvoiceDate, r.DueDate
	if kind == KindQuote {
		date, due = r.QuoteDate, r.ExpiryDate
	}
	if date != nil {
		in.Date = *date
	}
	if due != nil {
		in.DueDate = *due
	}
	for _, li := range r.LineItems {
		item := LineItem{
			Description:     li.Description,
			DiscountPercent: decimal.Zero,
			TaxType:         TaxType(li.TaxType),
			AccountCode:     strings.TrimSpace(li.AccountCode),
		}
		if li.Quantity != nil {
			item.Quantity = *li.Quantity
		}
		if li.UnitAmount != nil {
			item.UnitAmount = *li.UnitAmount
		}
		if li.DiscountPercent != nil {
			item.DiscountPercent = *li.DiscountPercent
		}
		in.LineItems = append(in.LineItems, item)
	}
	return in
}

type paymentRequest struct {
	InvoiceID   string           `json:"invoiceId" validate:"required,uuid"`
	Amount      *decimal.Decimal `json:"amount" validate:"required"`
	Date        *civil.Date      `json:"date" validate:"required"`
	AccountCode string           `json:"accountCode" validate:"required,max=32"`
	Reference   *string          `json:"reference" validate:"omitempty,max=255"`
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, billing, reception
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling, auth.RoleReception))
	readGroup.GET("/invoices", h.ListInvoices)
	readGroup.GET("/invoices/:id", h.GetInvoice)
	readGroup.GET("/invoices/:id/payments", h.ListPayments)
	readGroup.GET("/quotes", h.ListQuotes)
	readGroup.GET("/quotes/:id", h.GetQuote)
	readGroup.GET("/reports/overdue", h.OverdueReport)

	// Write endpoints – admin, billing
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling))
	writeGroup.POST("/invoices", h.CreateInvoice)
	writeGroup.PUT("/invoices/:id", h.UpdateInvoice)
	writeGroup.DELETE("/invoices/:id", h.DeleteInvoice)
	writeGroup.POST("/invoices/:id/authorize", h.AuthorizeInvoice)
	writeGroup.POST("/invoices/:id/void", h.VoidInvoice)
	writeGroup.POST("/payments", h.RecordPayment)
	writeGroup.POST("/quotes", h.CreateQuote)
	writeGroup.PUT("/quotes/:id", h.UpdateQuote)
	writeGroup.DELETE("/quotes/:id", h.DeleteQuote)
	writeGroup.POST("/quotes/:id/send", h.SendQuote)
	writeGroup.POST("/quotes/:id/accept", h.AcceptQuote)
	writeGroup.POST("/quotes/:id/decline", h.DeclineQuote)
	writeGroup.POST("/quotes/:id/convert-to-invoice", h.ConvertToInvoice)
}

// -- Invoice Handlers --

func (h *Handler) CreateInvoice(c echo.Context) error {
	var req documentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	in := req.toInput(KindInvoice)
	key, err := idempotencyKey(c)
	if err != nil {
		return err
	}
	in.IdempotencyKey = key
	inv, err := h.svc.CreateInvoice(c.Request().Context(), in)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, NewInvoiceView(inv))
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, NewInvoiceView(inv))
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	f, extra, err := h.invoiceFilter(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListInvoices(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(invoiceViews(items), total, pg).WithLinks(c.Request().URL.Path, extra))
}

func (h *Handler) UpdateInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req documentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	inv, err := h.svc.UpdateInvoice(c.Request().Context(), id, req.toInput(KindInvoice))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, NewInvoiceView(inv))
}

func (h *Handler) AuthorizeInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.AuthorizeInvoice(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, NewInvoiceView(inv))
}

func (h *Handler) VoidInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.VoidInvoice(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, newRemovalView(res))
}

func (h *Handler) DeleteInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.DeleteInvoice(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, newRemovalView(res))
}

func (h *Handler) invoiceFilter(c echo.Context) (InvoiceFilter, string, error) {
	var f InvoiceFilter
	q := url.Values{}
	if raw := c.QueryParam("status"); raw != "" {
		s, err := ParseStatus(KindInvoice, raw)
		if err != nil {
			return f, "", queryError("status", err.Error())
		}
		f.Status = s
		q.Set("status", string(s))
	}
	kind, id, err := contactQuery(c)
	if err != nil {
		return f, "", err
	}
	f.ContactType, f.ContactID = kind, id
	if kind != "" {
		q.Set("contactType", string(kind))
	}
	if id != "" {
		q.Set("contactId", id)
	}
	if c.QueryParam("overdue") == "true" {
		if f.Status != "" && f.Status != StatusAuthorised {
			return f, "", queryError("overdue", "only AUTHORISED invoices can be overdue")
		}
		today := h.svc.Today()
		f.Status = StatusAuthorised
		f.DueBefore = &today
		q.Set("overdue", "true")
	}
	return f, q.Encode(), nil
}

// -- Payment Handlers --

func (h *Handler) RecordPayment(c echo.Context) error {
	var req paymentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	invoiceID, err := uuid.Parse(req.InvoiceID)
	if err != nil {
		return queryError("invoiceId", "must be a UUID")
	}
	p, err := h.svc.RecordPayment(c.Request().Context(), PaymentRequest{
		InvoiceID:   invoiceID,
		Amount:      *req.Amount,
		Date:        *req.Date,
		AccountCode: req.AccountCode,
		Reference:   req.Reference,
	})
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, NewPaymentView(p))
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPayments(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	out := make([]PaymentView, 0, len(items))
	for _, p := range items {
		out = append(out, NewPaymentView(p))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"data":       out,
		"total":      len(out),
		"amountPaid": money(SumPayments(items)),
	})
}

// -- Quote Handlers --

func (h *Handler) CreateQuote(c echo.Context) error {
	var req documentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	in := req.toInput(KindQuote)
	key, err := idempotencyKey(c)
	if err != nil {
		return err
	}
	in.IdempotencyKey = key
	q, err := h.svc.CreateQuote(c.Request().Context(), in)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, NewQuoteView(q))
}

func (h *Handler) GetQuote(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	q, err := h.svc.GetQuote(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, NewQuoteView(q))
}

func (h *Handler) ListQuotes(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f QuoteFilter
	q := url.Values{}
	if raw := c.QueryParam("status"); raw != "" {
		s, err := ParseStatus(KindQuote, raw)
		if err != nil {
			return queryError("status", err.Error())
		}
		f.Status = s
		q.Set("status", string(s))
	}
	kind, id, err := contactQuery(c)
	if err != nil {
		return err
	}
	f.ContactType, f.ContactID = kind, id
	if kind != "" {
		q.Set("contactType", string(kind))
	}
	if id != "" {
		q.Set("contactId", id)
	}
	items, total, err := h.svc.ListQuotes(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(quoteViews(items), total, pg).WithLinks(c.Request().URL.Path, q.Encode()))
}

func (h *Handler) UpdateQuote(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req documentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	q, err := h.svc.UpdateQuote(c.Request().Context(), id, req.toInput(KindQuote))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, NewQuoteView(q))
}

func (h *Handler) DeleteQuote(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteQuote(c.Request().Context(), id); err != nil {
		return errorResponse(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SendQuote(c echo.Context) error {
	return h.quoteAction(c, h.svc.SendQuote)
}

func (h *Handler) AcceptQuote(c echo.Context) error {
	return h.quoteAction(c, h.svc.AcceptQuote)
}

func (h *Handler) DeclineQuote(c echo.Context) error {
	return h.quoteAction(c, h.svc.DeclineQuote)
}

func (h *Handler) quoteAction(c echo.Context, fn func(context.Context, uuid.UUID) (*Quote, error)) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	q, err := fn(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, NewQuoteView(q))
}

func (h *Handler) ConvertToInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.ConvertToInvoice(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, NewInvoiceView(inv))
}

// -- Reports --

func (h *Handler) OverdueReport(c echo.Context) error {
	asOf := h.svc.Today()
	if raw := c.QueryParam("asOf"); raw != "" {
		d, err := civil.ParseDate(raw)
		if err != nil {
			return queryError("asOf", "must be a date in YYYY-MM-DD form")
		}
		asOf = d
	}
	items, err := h.svc.OverdueInvoices(c.Request().Context(), asOf)
	if err != nil {
		return errorResponse(err)
	}
	due := decimal.Zero
	for _, inv := range items {
		due = due.Add(inv.AmountDue())
	}
	return c.JSON(http.StatusOK, OverdueReport{
		AsOf:     asOf.String(),
		Count:    len(items),
		TotalDue: money(due),
		Data:     invoiceViews(items),
	})
}

// -- Request helpers --

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, httperr.New(http.StatusBadRequest, httperr.Detail{
			Type: "ValidationError", Code: "invalid_id", Field: "id", Message: "invalid id",
		})
	}
	return id, nil
}

func contactQuery(c echo.Context) (ContactType, string, error) {
	kind, err := parseContactType(c.QueryParam("contactType"))
	if err != nil {
		return "", "", queryError("contactType", err.Error())
	}
	return kind, strings.TrimSpace(c.QueryParam("contactId")), nil
}

const maxIdempotencyKeyLen = 255

// idempotencyKey reads the optional Idempotency-Key request header.
func idempotencyKey(c echo.Context) (string, error) {
	key := strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))
	if len(key) > maxIdempotencyKeyLen {
		return "", queryError("Idempotency-Key", fmt.Sprintf("must not exceed %d characters", maxIdempotencyKeyLen))
	}
	return key, nil
}

func queryError(field, msg string) error {
	return httperr.New(http.StatusBadRequest, httperr.Detail{
		Type: "ValidationError", Code: "invalid_field", Field: field, Message: msg,
	})
}

func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		if he := bodyTooLarge(err); he != nil {
			return he
		}
		msg := "malformed request body"
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Internal != nil {
			msg += ": " + he.Internal.Error()
		}
		return httperr.New(http.StatusBadRequest, httperr.Detail{
			Type: "ValidationError", Code: "malformed_body", Message: msg,
		})
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return httperr.New(http.StatusBadRequest, httperr.ForStatus(http.StatusBadRequest, err.Error()))
		}
		d := httperr.Detail{Type: "ValidationError", Code: "invalid_field"}
		for _, fe := range verrs {
			d.Fields = append(d.Fields, httperr.FieldError{Field: fieldPath(fe), Message: fieldMessage(fe)})
		}
		d.Field = d.Fields[0].Field
		d.Message = d.Fields[0].Field + " " + d.Fields[0].Message
		return httperr.New(http.StatusBadRequest, d)
	}
	return nil
}

// bodyTooLarge finds the 413 raised by the body limit while the binder was reading.
func bodyTooLarge(err error) *echo.HTTPError {
	for err != nil {
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			return nil
		}
		if he.Code == http.StatusRequestEntityTooLarge {
			return he
		}
		err = he.Internal
	}
	return nil
}

// fieldPath drops the struct name from the validator namespace, leaving the JSON path.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s long", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "alpha":
		return "must contain letters only"
	case "uuid":
		return "must be a UUID"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

// errorResponse maps engine errors onto HTTP statuses and the structured error body. The
// cause stays attached so the error handler can log it.
func errorResponse(err error) error {
	status, d := describeError(err)
	return httperr.New(status, d).SetInternal(err)
}

func describeError(err error) (int, httperr.Detail) {
	var ce *ConversionError
	if errors.As(err, &ce) {
		status, d := describeError(ce.Err)
		d.Type = "ConversionError"
		d.Message = err.Error()
		return status, d
	}

	var (
		ve  *ValidationError
		cre *ContactRequiredError
		pe  *PaymentError
		se  *StateError
		re  *RemoteError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, httperr.Detail{Type: "NotFound", Code: "not_found", Message: err.Error()}
	case errors.As(err, &ve):
		d := httperr.Detail{Type: "ValidationError", Code: "invalid_field", Field: ve.Field, Message: err.Error()}
		if ve.Line >= 0 {
			line := ve.Line
			d.Line = &line
		}
		return http.StatusBadRequest, d
	case errors.As(err, &cre):
		return http.StatusBadRequest, httperr.Detail{Type: "ValidationError", Code: "contact_required", Field: "contact", Message: err.Error()}
	case errors.As(err, &pe):
		status := http.StatusConflict
		if pe.Reason == NonPositiveAmount {
			status = http.StatusBadRequest
		}
		return status, httperr.Detail{Type: "PaymentError", Code: string(pe.Reason), Field: "amount", Message: err.Error()}
	case errors.As(err, &se):
		return http.StatusConflict, httperr.Detail{Type: "StateError", Code: "invalid_transition", Message: err.Error()}
	case errors.As(err, &re):
		if re.Retryable {
			return http.StatusServiceUnavailable, httperr.Detail{Type: "RemoteError", Code: "remote_unavailable", Message: err.Error(), Retryable: true}
		}
		msg := re.Message
		if msg == "" {
			msg = err.Error()
		}
		return http.StatusBadGateway, httperr.Detail{Type: "RemoteError", Code: "remote_rejected", Message: msg}
	}
	return http.StatusInternalServerError, httperr.ForStatus(http.StatusInternalServerError, "internal server error")
}
