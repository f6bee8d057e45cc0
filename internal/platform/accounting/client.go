// Package accounting is the HTTP client for the remote accounting system of record.
// Requests are JSON, signed with HMAC-SHA256, carry an idempotency key and are retried
// with backoff when the failure is transient.
package accounting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type Contact struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type LineItem struct {
	Description  string `json:"description"`
	Quantity     string `json:"quantity"`
	UnitAmount   string `json:"unitAmount"`
	DiscountRate string `json:"discountRate,omitempty"`
	TaxType      string `json:"taxType"`
	TaxAmount    string `json:"taxAmount"`
	LineAmount   string `json:"lineAmount"`
	AccountCode  string `json:"accountCode"`
}

// Document is an invoice or quote as the system of record expects it.
type Document struct {
	ID        string     `json:"id,omitempty"`
	Reference string     `json:"reference,omitempty"`
	Status    string     `json:"status"`
	Contact   Contact    `json:"contact"`
	Date      string     `json:"date"`
	DueDate   string     `json:"dueDate,omitempty"`
	Expiry    string     `json:"expiryDate,omitempty"`
	Currency  string     `json:"currencyCode"`
	LineItems []LineItem `json:"lineItems"`
	SubTotal  string     `json:"subTotal"`
	TotalTax  string     `json:"totalTax"`
	Total     string     `json:"total"`
	Summary   string     `json:"summary,omitempty"`
}

type Payment struct {
	InvoiceID   string `json:"invoiceId"`
	Amount      string `json:"amount"`
	Date        string `json:"date"`
	Reference   string `json:"reference,omitempty"`
	AccountCode string `json:"accountCode"`
}

// Ack is the system of record's confirmation of a write.
type Ack struct {
	ID     string `json:"id"`
	Number string `json:"number,omitempty"`
	Status string `json:"status"`
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Error is a failed call. Retryable is set for transport failures, timeouts, 408, 429
// and 5xx responses; any other response is a definitive rejection.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("accounting %s: %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("accounting %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("accounting %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries sets how many times a retryable failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryDelays sets the wait before each retry; the last delay repeats.
func WithRetryDelays(d ...time.Duration) Option {
	return func(c *Client) { c.retryDelays = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type Client struct {
	baseURL     string
	apiKey      string
	secret      string
	httpClient  *http.Client
	maxRetries  int
	retryDelays []time.Duration
	logger      zerolog.Logger
}

func NewClient(baseURL, apiKey, secret string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		maxRetries:  2,
		retryDelays: []time.Duration{250 * time.Millisecond, time.Second},
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PutInvoice creates the invoice, or updates it when doc.ID is set.
func (c *Client) PutInvoice(ctx context.Context, idempotencyKey string, doc Document) (*Ack, error) {
	var ack Ack
	if err := c.do(ctx, "put invoice", http.MethodPut, "/invoices", idempotencyKey, doc, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) VoidInvoice(ctx context.Context, externalID string) (*Ack, error) {
	var ack Ack
	path := "/invoices/" + url.PathEscape(externalID) + "/void"
	if err := c.do(ctx, "void invoice", http.MethodPost, path, externalID+":void", nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) DeleteInvoice(ctx context.Context, externalID string) error {
	return c.do(ctx, "delete invoice", http.MethodDelete, "/invoices/"+url.PathEscape(externalID), externalID+":delete", nil, nil)
}

func (c *Client) PutQuote(ctx context.Context, idempotencyKey string, doc Document) (*Ack, error) {
	var ack Ack
	if err := c.do(ctx, "put quote", http.MethodPut, "/quotes", idempotencyKey, doc, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) DeleteQuote(ctx context.Context, externalID string) error {
	return c.do(ctx, "delete quote", http.MethodDelete, "/quotes/"+url.PathEscape(externalID), externalID+":delete", nil, nil)
}

func (c *Client) PutPayment(ctx context.Context, idempotencyKey string, p Payment) (*Ack, error) {
	var ack Ack
	if err := c.do(ctx, "put payment", http.MethodPut, "/payments", idempotencyKey, p, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return &Error{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
	}

	var lastErr *Error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, attempt); err != nil {
				return lastErr
			}
			c.logger.Warn().Str("op", op).Int("attempt", attempt+1).Err(lastErr).Msg("retrying accounting call")
		}
		lastErr = c.send(ctx, op, method, path, idempotencyKey, payload, out)
		if lastErr == nil {
			return nil
		}
		if !lastErr.Retryable {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) wait(ctx context.Context, attempt int) error {
	if len(c.retryDelays) == 0 {
		return ctx.Err()
	}
	idx := attempt - 1
	if idx >= len(c.retryDelays) {
		idx = len(c.retryDelays) - 1
	}
	t := time.NewTimer(c.retryDelays[idx])
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) send(ctx context.Context, op, method, path, idempotencyKey string, payload []byte, out interface{}) *Error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	now := time.Now().UTC()
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.secret != "" {
		req.Header.Set("X-Signature", "sha256="+SignPayload(payload, c.secret))
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	req.Header.Set("X-Request-Timestamp", now.Format(time.RFC3339))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A caller cancellation is not worth retrying; a deadline is a timeout.
		return &Error{Op: op, Err: err, Retryable: !errors.Is(err, context.Canceled)}
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("accounting call")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	// Read at most 4KB of an error body.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &Error{
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(raw),
		Retryable:  retryableStatus(resp.StatusCode),
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// errorMessage extracts a human message from the common error body shapes.
func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		var parts []string
		if body.Message != "" {
			parts = append(parts, body.Message)
		} else if body.Detail != "" {
			parts = append(parts, body.Detail)
		}
		for _, e := range body.Errors {
			if e.Message != "" {
				parts = append(parts, e.Message)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	return strings.TrimSpace(string(raw))
}
