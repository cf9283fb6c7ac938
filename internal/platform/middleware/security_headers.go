package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders hardens JSON responses. Queue and appointment payloads
// carry patient identifiers, so nothing is cacheable. hsts adds
// Strict-Transport-Security and belongs behind TLS only.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			if !strings.HasPrefix(c.Request().URL.Path, "/metrics") {
				h.Set("Cache-Control", "no-store")
			}
			return next(c)
		}
	}
}
