package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicos/billing/internal/platform/httperr"
)

// Recovery turns a panicking handler into a 500 error envelope. The panic is logged with
// the request's logger when Logger has run, otherwise with the fallback.
func Recovery(fallback zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				log := zerolog.Ctx(c.Request().Context())
				if log.GetLevel() == zerolog.Disabled {
					log = &fallback
				}
				rid, _ := c.Get("request_id").(string)
				log.Error().
					Str("request_id", rid).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				err = httperr.New(http.StatusInternalServerError,
					httperr.ForStatus(http.StatusInternalServerError, "internal server error"))
			}()
			return next(c)
		}
	}
}
