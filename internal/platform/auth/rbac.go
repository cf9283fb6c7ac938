package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin        = "admin"
	RolePhysician    = "physician"
	RoleNurse        = "nurse"
	RoleReceptionist = "receptionist"
)

// RequireRole lets the request through when the caller holds any of roles.
// Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			staff := StaffFromContext(c.Request().Context())
			if staff == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			for _, required := range roles {
				if staff.HasRole(required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
