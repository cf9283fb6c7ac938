package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication: probes, metrics and the queue display
// feed shown on waiting-room screens.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
	"/ws/queue":  true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
