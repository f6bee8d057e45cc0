package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicos/billing/internal/platform/auth"
	"github.com/clinicos/billing/internal/platform/httperr"
	"github.com/clinicos/billing/internal/platform/middleware"
)

const invoiceBody = `{
	"contactType": "patient",
	"patientId": "pat-1",
	"lineItems": [{"description": "Consultation", "quantity": 2, "unitAmount": "100.00", "discountPercent": 10, "accountCode": "200", "taxType": "GST"}],
	"invoiceDate": "2026-03-01",
	"dueDate": "2026-03-15",
	"total": "5.00",
	"amountPaid": "198.00"
}`

const quoteBody = `{
	"contactType": "company",
	"companyId": "org-1",
	"lineItems": [{"description": "Consultation", "quantity": "2", "unitAmount": 100, "discountPercent": "10", "accountCode": "200", "taxType": "OUTPUT"}],
	"quoteDate": "2026-03-01",
	"expiryDate": "2026-03-31"
}`

func withRoles(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func newTestServer(roles ...string) (*echo.Echo, *testEnv) {
	if len(roles) == 0 {
		roles = []string{auth.RoleBilling}
	}
	env := newTestEnv()
	e := echo.New()
	e.HTTPErrorHandler = httperr.Handler(zerolog.Nop())
	api := e.Group("/api/v1", withRoles(roles...))
	NewHandler(env.svc).RegisterRoutes(api)
	return e, env
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorDetail(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	body := decode(t, rec)
	detail, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
	return detail
}

func createInvoice(t *testing.T, e *echo.Echo) map[string]any {
	t.Helper()
	rec := do(e, http.MethodPost, "/api/v1/invoices", invoiceBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create invoice: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode(t, rec)
}

func authorizeInvoice(t *testing.T, e *echo.Echo, id string) {
	t.Helper()
	rec := do(e, http.MethodPost, "/api/v1/invoices/"+id+"/authorize", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

// -- Invoice Handler Tests --

func TestHandler_CreateInvoice(t *testing.T) {
	e, _ := newTestServer()
	inv := createInvoice(t, e)

	want := map[string]string{
		"status":      "DRAFT",
		"contactType": "patient",
		"patientId":   "pat-1",
		"currency":    "AUD",
		"invoiceDate": "2026-03-01",
		"dueDate":     "2026-03-15",
		"subtotal":    "180.00",
		"totalTax":    "18.00",
		"total":       "198.00",
		"amountPaid":  "0.00",
		"amountDue":   "198.00",
		"number":      "INV-000001",
	}
	for k, v := range want {
		if inv[k] != v {
			t.Errorf("%s: expected %q, got %v", k, v, inv[k])
		}
	}
	if _, ok := inv["companyId"]; ok {
		t.Error("companyId should be omitted for a patient invoice")
	}

	lines := inv["lineItems"].([]any)
	line := lines[0].(map[string]any)
	if line["lineAmount"] != "180.00" || line["taxAmount"] != "18.00" || line["discountAmount"] != "20.00" {
		t.Errorf("unexpected line amounts: %v", line)
	}
}

func TestHandler_CreateInvoice_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		code  string
		field string
	}{
		{
			name:  "no line items",
			body:  `{"patientId":"pat-1","lineItems":[],"invoiceDate":"2026-03-01"}`,
			code:  "invalid_field",
			field: "lineItems",
		},
		{
			name:  "line without quantity",
			body:  `{"patientId":"pat-1","lineItems":[{"description":"x","unitAmount":"1","taxType":"GST"}],"invoiceDate":"2026-03-01"}`,
			code:  "invalid_field",
			field: "lineItems[0].quantity",
		},
		{
			name:  "engine rejects discount",
			body:  `{"patientId":"pat-1","lineItems":[{"description":"x","quantity":1,"unitAmount":"1","discountPercent":150,"taxType":"GST"}],"invoiceDate":"2026-03-01"}`,
			code:  "invalid_field",
			field: "lineItems[0].discountPercent",
		},
		{
			name:  "account code longer than stored",
			body:  `{"patientId":"pat-1","lineItems":[{"description":"x","quantity":1,"unitAmount":"1","accountCode":"` + strings.Repeat("2", 40) + `","taxType":"GST"}],"invoiceDate":"2026-03-01"}`,
			code:  "invalid_field",
			field: "lineItems[0].accountCode",
		},
		{
			name:  "unit amount in fractions of a cent",
			body:  `{"patientId":"pat-1","lineItems":[{"description":"x","quantity":3,"unitAmount":"10.004","taxType":"GST"}],"invoiceDate":"2026-03-01"}`,
			code:  "invalid_field",
			field: "lineItems[0].unitAmount",
		},
		{
			name:  "quantity below storage scale",
			body:  `{"patientId":"pat-1","lineItems":[{"description":"x","quantity":"0.00001","unitAmount":"450","taxType":"GST"}],"invoiceDate":"2026-03-01"}`,
			code:  "invalid_field",
			field: "lineItems[0].quantity",
		},
		{
			name:  "missing invoice date",
			body:  `{"patientId":"pat-1","lineItems":[{"description":"x","quantity":1,"unitAmount":"1","taxType":"GST"}]}`,
			code:  "invalid_field",
			field: "invoiceDate",
		},
		{
			name:  "both contacts",
			body:  `{"patientId":"pat-1","companyId":"org-1","lineItems":[{"description":"x","quantity":1,"unitAmount":"1","taxType":"GST"}],"invoiceDate":"2026-03-01"}`,
			code:  "contact_required",
			field: "contact",
		},
		{
			name: "malformed date",
			body: `{"patientId":"pat-1","lineItems":[{"description":"x","quantity":1,"unitAmount":"1","taxType":"GST"}],"invoiceDate":"01/03/2026"}`,
			code: "malformed_body",
		},
		{
			name: "malformed json",
			body: `{"patientId":`,
			code: "malformed_body",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, env := newTestServer()
			rec := do(e, http.MethodPost, "/api/v1/invoices", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			detail := errorDetail(t, rec)
			if detail["type"] != "ValidationError" || detail["code"] != tt.code {
				t.Errorf("unexpected error %v", detail)
			}
			if tt.field != "" && detail["field"] != tt.field {
				t.Errorf("expected field %q, got %v", tt.field, detail["field"])
			}
			if detail["retryable"] != false {
				t.Error("validation errors are not retryable")
			}
			if env.invoices.count() != 0 {
				t.Error("nothing should be stored")
			}
		})
	}
}

func TestHandler_CreateInvoice_IdempotencyKey(t *testing.T) {
	e, env := newTestServer()
	post := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices", strings.NewReader(invoiceBody))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set("Idempotency-Key", key)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	first := post("visit-7781")
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	again := post("visit-7781")
	if again.Code != http.StatusCreated {
		t.Fatalf("expected 201 on replay, got %d: %s", again.Code, again.Body.String())
	}
	if decode(t, first)["id"] != decode(t, again)["id"] {
		t.Error("a replayed create must return the same invoice")
	}
	if env.invoices.count() != 1 {
		t.Errorf("expected one stored invoice, got %d", env.invoices.count())
	}

	if rec := post("visit-7782"); rec.Code != http.StatusCreated || env.invoices.count() != 2 {
		t.Errorf("a new key creates a new invoice, got %d", rec.Code)
	}

	rec := post(strings.Repeat("k", 256))
	if rec.Code != http.StatusBadRequest || errorDetail(t, rec)["field"] != "Idempotency-Key" {
		t.Errorf("expected 400 for an oversized key, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_LineErrorCarriesIndex(t *testing.T) {
	e, _ := newTestServer()
	body := `{"patientId":"pat-1","lineItems":[
		{"description":"ok","quantity":1,"unitAmount":"1","taxType":"GST"},
		{"description":"bad","quantity":1,"unitAmount":"-1","taxType":"GST"}],"invoiceDate":"2026-03-01"}`
	rec := do(e, http.MethodPost, "/api/v1/invoices", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	detail := errorDetail(t, rec)
	if detail["line"] != float64(1) || detail["field"] != "lineItems[1].unitAmount" {
		t.Errorf("unexpected detail %v", detail)
	}
}

func TestHandler_GetInvoice(t *testing.T) {
	e, _ := newTestServer()
	inv := createInvoice(t, e)

	rec := do(e, http.MethodGet, "/api/v1/invoices/"+inv["id"].(string), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decode(t, rec)["total"] != "198.00" {
		t.Error("unexpected total")
	}

	rec = do(e, http.MethodGet, "/api/v1/invoices/00000000-0000-0000-0000-000000000001", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if errorDetail(t, rec)["code"] != "not_found" {
		t.Error("expected not_found code")
	}

	rec = do(e, http.MethodGet, "/api/v1/invoices/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_UpdateInvoice(t *testing.T) {
	e, _ := newTestServer()
	inv := createInvoice(t, e)
	id := inv["id"].(string)

	body := strings.Replace(invoiceBody, `"quantity": 2`, `"quantity": 1`, 1)
	rec := do(e, http.MethodPut, "/api/v1/invoices/"+id, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["total"] != "99.00" {
		t.Error("expected recomputed total 99.00")
	}

	authorizeInvoice(t, e, id)
	rec = do(e, http.MethodPut, "/api/v1/invoices/"+id, body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 editing an authorised invoice, got %d", rec.Code)
	}
	if errorDetail(t, rec)["type"] != "StateError" {
		t.Error("expected StateError")
	}
}

func TestHandler_AuthorizeInvoice(t *testing.T) {
	e, _ := newTestServer()
	id := createInvoice(t, e)["id"].(string)

	rec := do(e, http.MethodPost, "/api/v1/invoices/"+id+"/authorize", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "AUTHORISED" || body["externalId"] == nil {
		t.Errorf("unexpected body %v", body)
	}

	rec = do(e, http.MethodPost, "/api/v1/invoices/"+id+"/authorize", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	detail := errorDetail(t, rec)
	if detail["code"] != "invalid_transition" {
		t.Errorf("unexpected detail %v", detail)
	}
}

func TestHandler_AuthorizeInvoice_RemoteErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		message   string
		retryable bool
	}{
		{
			name:      "retryable",
			err:       &RemoteError{Op: "put invoice", Retryable: true, Message: "gateway timeout"},
			status:    http.StatusServiceUnavailable,
			code:      "remote_unavailable",
			retryable: true,
		},
		{
			name:    "terminal",
			err:     &RemoteError{Op: "put invoice", StatusCode: 400, Message: "Account code 999 is not valid"},
			status:  http.StatusBadGateway,
			code:    "remote_rejected",
			message: "Account code 999 is not valid",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, env := newTestServer()
			id := createInvoice(t, e)["id"].(string)
			env.remote.setFail(tt.err)

			rec := do(e, http.MethodPost, "/api/v1/invoices/"+id+"/authorize", "")
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			detail := errorDetail(t, rec)
			if detail["code"] != tt.code || detail["retryable"] != tt.retryable {
				t.Errorf("unexpected detail %v", detail)
			}
			if tt.message != "" && detail["message"] != tt.message {
				t.Errorf("expected remote message verbatim, got %v", detail["message"])
			}

			env.remote.setFail(nil)
			rec = do(e, http.MethodGet, "/api/v1/invoices/"+id, "")
			if decode(t, rec)["status"] != "DRAFT" {
				t.Error("invoice must still be DRAFT")
			}
		})
	}
}

func TestHandler_ListInvoices(t *testing.T) {
	e, _ := newTestServer()
	for i := 0; i < 3; i++ {
		createInvoice(t, e)
	}

	rec := do(e, http.MethodGet, "/api/v1/invoices?status=draft&limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["total"] != float64(3) || len(body["data"].([]any)) != 2 || body["hasMore"] != true {
		t.Errorf("unexpected page %v", body)
	}
	links := body["links"].(map[string]any)
	next, _ := links["next"].(string)
	if !strings.Contains(next, "offset=2") || !strings.Contains(next, "status=DRAFT") {
		t.Errorf("unexpected next link %q", next)
	}

	rec = do(e, http.MethodGet, "/api/v1/invoices?status=SENT", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a quote status, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/v1/invoices?contactType=company", "")
	if body := decode(t, rec); body["total"] != float64(0) {
		t.Errorf("expected no company invoices, got %v", body["total"])
	}
}

func TestHandler_OverdueReport(t *testing.T) {
	e, _ := newTestServer()
	id := createInvoice(t, e)["id"].(string)
	authorizeInvoice(t, e, id)
	createInvoice(t, e)

	rec := do(e, http.MethodGet, "/api/v1/reports/overdue?asOf=2026-03-20", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["count"] != float64(1) || body["totalDue"] != "198.00" || body["asOf"] != "2026-03-20" {
		t.Errorf("unexpected report %v", body)
	}

	rec = do(e, http.MethodGet, "/api/v1/invoices?overdue=true", "")
	if decode(t, rec)["total"] != float64(1) {
		t.Error("overdue filter should match the authorised invoice")
	}

	rec = do(e, http.MethodGet, "/api/v1/reports/overdue?asOf=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

// -- Payment Handler Tests --

func TestHandler_RecordPayment(t *testing.T) {
	e, _ := newTestServer()
	id := createInvoice(t, e)["id"].(string)
	authorizeInvoice(t, e, id)

	rec := do(e, http.MethodPost, "/api/v1/payments",
		`{"invoiceId":"`+id+`","amount":"100.00","date":"2026-03-05","accountCode":"090","reference":"EFTPOS"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	p := decode(t, rec)
	if p["amount"] != "100.00" || p["status"] != "AUTHORISED" || p["reference"] != "EFTPOS" {
		t.Errorf("unexpected payment %v", p)
	}

	rec = do(e, http.MethodPost, "/api/v1/payments",
		`{"invoiceId":"`+id+`","amount":98.01,"date":"2026-03-06","accountCode":"090"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	detail := errorDetail(t, rec)
	if detail["type"] != "PaymentError" || detail["code"] != "AmountExceedsBalance" {
		t.Errorf("unexpected detail %v", detail)
	}

	rec = do(e, http.MethodPost, "/api/v1/payments",
		`{"invoiceId":"`+id+`","amount":0,"date":"2026-03-06","accountCode":"090"}`)
	if rec.Code != http.StatusBadRequest || errorDetail(t, rec)["code"] != "NonPositiveAmount" {
		t.Errorf("expected 400 NonPositiveAmount, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/v1/payments",
		`{"invoiceId":"`+id+`","amount":"98.00","date":"2026-03-06","accountCode":"090"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/v1/invoices/"+id, "")
	inv := decode(t, rec)
	if inv["status"] != "PAID" || inv["amountDue"] != "0.00" || inv["amountPaid"] != "198.00" {
		t.Errorf("unexpected invoice after settlement %v", inv)
	}

	rec = do(e, http.MethodGet, "/api/v1/invoices/"+id+"/payments", "")
	list := decode(t, rec)
	if list["total"] != float64(2) || list["amountPaid"] != "198.00" {
		t.Errorf("unexpected payment list %v", list)
	}
}

func TestHandler_RecordPayment_Validation(t *testing.T) {
	e, _ := newTestServer()
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad invoice id", `{"invoiceId":"nope","amount":"1","date":"2026-03-06","accountCode":"090"}`, "invoiceId"},
		{"missing amount", `{"invoiceId":"00000000-0000-0000-0000-000000000001","date":"2026-03-06","accountCode":"090"}`, "amount"},
		{"missing date", `{"invoiceId":"00000000-0000-0000-0000-000000000001","amount":"1","accountCode":"090"}`, "date"},
		{"missing account", `{"invoiceId":"00000000-0000-0000-0000-000000000001","amount":"1","date":"2026-03-06"}`, "accountCode"},
		{"account too long", `{"invoiceId":"00000000-0000-0000-0000-000000000001","amount":"1","date":"2026-03-06","accountCode":"` + strings.Repeat("9", 40) + `"}`, "accountCode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/api/v1/payments", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := errorDetail(t, rec)["field"]; got != tt.field {
				t.Errorf("expected field %s, got %v", tt.field, got)
			}
		})
	}
}

// -- Quote Handler Tests --

func TestHandler_QuoteConversionRoundTrip(t *testing.T) {
	e, _ := newTestServer()
	rec := do(e, http.MethodPost, "/api/v1/quotes", quoteBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create quote: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	q := decode(t, rec)
	qid := q["id"].(string)
	if q["expiryDate"] != "2026-03-31" || q["total"] != "198.00" || q["companyId"] != "org-1" {
		t.Errorf("unexpected quote %v", q)
	}

	for _, action := range []string{"send", "accept"} {
		rec = do(e, http.MethodPost, "/api/v1/quotes/"+qid+"/"+action, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", action, rec.Code)
		}
	}

	rec = do(e, http.MethodPost, "/api/v1/quotes/"+qid+"/convert-to-invoice", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("convert: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	inv := decode(t, rec)
	if inv["originQuoteId"] != qid || inv["companyId"] != "org-1" || inv["total"] != "198.00" {
		t.Errorf("unexpected invoice %v", inv)
	}

	rec = do(e, http.MethodPost, "/api/v1/quotes/"+qid+"/convert-to-invoice", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second convert: expected 409, got %d", rec.Code)
	}
	if errorDetail(t, rec)["type"] != "ConversionError" {
		t.Error("expected ConversionError")
	}

	rec = do(e, http.MethodGet, "/api/v1/quotes/"+qid, "")
	if got := decode(t, rec); got["status"] != "INVOICED" || got["invoiceId"] != inv["id"] {
		t.Errorf("quote not linked: %v", got)
	}

	rec = do(e, http.MethodDelete, "/api/v1/quotes/"+qid, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("deleting an invoiced quote: expected 409, got %d", rec.Code)
	}

	rec = do(e, http.MethodDelete, "/api/v1/invoices/"+inv["id"].(string), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete invoice: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decode(t, rec)
	if res["deleted"] != true || res["quoteReset"] != true || res["quoteNumber"] == nil {
		t.Errorf("unexpected removal result %v", res)
	}

	rec = do(e, http.MethodGet, "/api/v1/quotes/"+qid, "")
	got := decode(t, rec)
	if got["status"] != "DRAFT" {
		t.Errorf("expected quote back in DRAFT, got %v", got["status"])
	}
	if _, linked := got["invoiceId"]; linked {
		t.Error("quote link should be cleared")
	}
}

func TestHandler_DeleteInvoiceWithoutQuote(t *testing.T) {
	e, _ := newTestServer()
	id := createInvoice(t, e)["id"].(string)

	rec := do(e, http.MethodDelete, "/api/v1/invoices/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	res := decode(t, rec)
	if res["deleted"] != true || res["status"] != "DRAFT" {
		t.Errorf("unexpected result %v", res)
	}
	if _, ok := res["quoteReset"]; ok {
		t.Error("quoteReset should be omitted when no quote was touched")
	}
}

func TestHandler_VoidAndDeleteQuote(t *testing.T) {
	e, _ := newTestServer()
	id := createInvoice(t, e)["id"].(string)
	authorizeInvoice(t, e, id)

	rec := do(e, http.MethodPost, "/api/v1/invoices/"+id+"/void", "")
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "VOIDED" {
		t.Fatalf("void: unexpected %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/v1/quotes", quoteBody)
	qid := decode(t, rec)["id"].(string)
	rec = do(e, http.MethodDelete, "/api/v1/quotes/"+qid, "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_ListQuotes(t *testing.T) {
	e, _ := newTestServer()
	do(e, http.MethodPost, "/api/v1/quotes", quoteBody)
	do(e, http.MethodPost, "/api/v1/quotes", quoteBody)

	rec := do(e, http.MethodGet, "/api/v1/quotes?contactType=company&contactId=org-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decode(t, rec)["total"] != float64(2) {
		t.Error("expected 2 quotes")
	}

	rec = do(e, http.MethodGet, "/api/v1/quotes?contactType=insurer", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

// -- Authorization --

func TestHandler_RoleChecks(t *testing.T) {
	e, _ := newTestServer(auth.RoleReception)

	rec := do(e, http.MethodGet, "/api/v1/invoices", "")
	if rec.Code != http.StatusOK {
		t.Errorf("reception should read invoices, got %d", rec.Code)
	}

	rec = do(e, http.MethodPost, "/api/v1/invoices", invoiceBody)
	if rec.Code != http.StatusForbidden {
		t.Errorf("reception should not create invoices, got %d", rec.Code)
	}
	if errorDetail(t, rec)["code"] != "forbidden" {
		t.Error("expected forbidden code")
	}
}

func TestHandler_OversizedBodyIs413(t *testing.T) {
	e, env := newTestServer()
	e.Use(middleware.BodyLimit("64B"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices", strings.NewReader(invoiceBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := errorDetail(t, rec)["code"]; code != "payload_too_large" {
		t.Errorf("expected payload_too_large, got %v", code)
	}
	if n := len(env.invoices.items); n != 0 {
		t.Errorf("nothing should be stored, have %d invoices", n)
	}
}
