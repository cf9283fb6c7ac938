package auth

import (
	"context"

	"github.com/labstack/echo/v4"
)

type contextKey string

const staffKey contextKey = "staff"

// Staff is the authenticated clinic staff member behind a request.
type Staff struct {
	ID         string
	Name       string
	Roles      []string
	Department string
}

// HasRole reports whether s holds role. Admins hold every role.
func (s *Staff) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

func WithStaff(ctx context.Context, s *Staff) context.Context {
	return context.WithValue(ctx, staffKey, s)
}

// WithUser stores a minimal identity on ctx.
func WithUser(ctx context.Context, userID string, roles []string) context.Context {
	return WithStaff(ctx, &Staff{ID: userID, Roles: roles})
}

func StaffFromContext(ctx context.Context) *Staff {
	s, _ := ctx.Value(staffKey).(*Staff)
	return s
}

func UserIDFromContext(ctx context.Context) string {
	if s := StaffFromContext(ctx); s != nil {
		return s.ID
	}
	return ""
}

func RolesFromContext(ctx context.Context) []string {
	if s := StaffFromContext(ctx); s != nil {
		return s.Roles
	}
	return nil
}

// authenticate attaches s to the request and exposes its id as "user_id" on
// the echo context for the request logger.
func authenticate(c echo.Context, s *Staff) {
	c.SetRequest(c.Request().WithContext(WithStaff(c.Request().Context(), s)))
	c.Set("user_id", s.ID)
}
