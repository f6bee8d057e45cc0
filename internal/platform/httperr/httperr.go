// Package httperr defines the JSON error envelope every endpoint returns and the echo
// error handler that renders it.
package httperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// FieldError is one failed field of a request body.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Detail is the machine-readable description of a failure.
type Detail struct {
	Type      string       `json:"type"`
	Code      string       `json:"code"`
	Field     string       `json:"field,omitempty"`
	Line      *int         `json:"line,omitempty"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
	Fields    []FieldError `json:"fields,omitempty"`
}

// Body is the envelope: {"error": {...}}.
type Body struct {
	Error Detail `json:"error"`
}

// New wraps d in an echo.HTTPError so handlers can simply return it.
func New(status int, d Detail) *echo.HTTPError {
	return echo.NewHTTPError(status, Body{Error: d})
}

// ForStatus builds the generic detail used when nothing more specific is known.
func ForStatus(status int, message string) Detail {
	d := Detail{Message: message}
	switch status {
	case http.StatusBadRequest:
		d.Type, d.Code = "BadRequest", "bad_request"
	case http.StatusUnauthorized:
		d.Type, d.Code = "Unauthorized", "unauthorized"
	case http.StatusForbidden:
		d.Type, d.Code = "Forbidden", "forbidden"
	case http.StatusNotFound:
		d.Type, d.Code = "NotFound", "not_found"
	case http.StatusMethodNotAllowed:
		d.Type, d.Code = "MethodNotAllowed", "method_not_allowed"
	case http.StatusConflict:
		d.Type, d.Code = "Conflict", "conflict"
	case http.StatusRequestEntityTooLarge:
		d.Type, d.Code = "PayloadTooLarge", "payload_too_large"
	case http.StatusUnsupportedMediaType:
		d.Type, d.Code = "UnsupportedMediaType", "unsupported_media_type"
	case http.StatusTooManyRequests:
		d.Type, d.Code, d.Retryable = "TooManyRequests", "rate_limited", true
	case http.StatusServiceUnavailable:
		d.Type, d.Code, d.Retryable = "Unavailable", "unavailable", true
	case http.StatusGatewayTimeout:
		d.Type, d.Code, d.Retryable = "Timeout", "timeout", true
	default:
		if status >= 500 {
			d.Type, d.Code = "Internal", "internal"
		} else {
			d.Type, d.Code = http.StatusText(status), "error"
		}
	}
	return d
}

// Handler renders every error returned by a handler or middleware as a Body.
func Handler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		var body Body
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			switch m := he.Message.(type) {
			case Body:
				body = m
			case string:
				body = Body{Error: ForStatus(status, m)}
			default:
				body = Body{Error: ForStatus(status, fmt.Sprint(m))}
			}
		} else {
			body = Body{Error: ForStatus(status, "internal server error")}
		}

		if status >= 500 {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Int("status", status).
				Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
