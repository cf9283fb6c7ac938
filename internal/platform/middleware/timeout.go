package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds each request by timeout. Handlers see the deadline on
// the request context; when it passes first the client gets 504. Websocket
// upgrades under /ws/ are exempt. A non-positive timeout disables the check.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(c echo.Context) error {
			if strings.HasPrefix(c.Request().URL.Path, "/ws/") {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ctx.Err()
				}
				return echo.NewHTTPError(http.StatusGatewayTimeout, map[string]string{
					"error":   "timeout",
					"message": "request took longer than " + timeout.String(),
				})
			}
		}
	}
}
