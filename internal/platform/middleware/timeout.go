package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinicos/billing/internal/platform/httperr"
)

// RequestTimeout puts a deadline on each request's context. Calls to the system of
// record and the database observe it; when the handler has not finished by then the
// client gets a retryable 504.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return httperr.New(http.StatusGatewayTimeout,
					httperr.ForStatus(http.StatusGatewayTimeout, "request processing exceeded the allowed time limit"))
			}
			return err
		}
	}
}
