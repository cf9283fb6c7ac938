package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery turns a handler panic into a 500 carrying the request id, and logs
// the panic with its stack.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
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
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
					"error":      "internal",
					"request_id": rid,
				})
			}()
			return next(c)
		}
	}
}
