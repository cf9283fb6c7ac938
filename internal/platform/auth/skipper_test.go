package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func pathContext(path string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(path)
	return c
}

func TestAuthSkipper_PublicPaths(t *testing.T) {
	for _, path := range []string{"/health", "/health/db", "/metrics", "/ws/queue"} {
		t.Run(path, func(t *testing.T) {
			if !AuthSkipper(pathContext(path)) {
				t.Errorf("expected AuthSkipper to return true for %s", path)
			}
		})
	}
}

func TestAuthSkipper_ProtectedPaths(t *testing.T) {
	for _, path := range []string{"/api/v1/appointments", "/api/v1/queues/:department", "/", "/health/extra"} {
		t.Run(path, func(t *testing.T) {
			if AuthSkipper(pathContext(path)) {
				t.Errorf("expected AuthSkipper to return false for %s", path)
			}
		})
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/health") {
		t.Error("expected /health to be public")
	}
	if IsPublicPath("/api/v1/appointments") {
		t.Error("expected /api/v1/appointments to NOT be public")
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	c := pathContext("/health")

	var handlerCalled bool
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	err := mw(func(c echo.Context) error {
		handlerCalled = true
		return nil
	})(c)

	if err != nil {
		t.Fatalf("expected no error for skipped path, got: %v", err)
	}
	if !handlerCalled {
		t.Error("expected handler to be called for skipped path")
	}
}

func TestJWTMiddleware_DoesNotSkipProtectedPaths(t *testing.T) {
	c := pathContext("/api/v1/appointments")

	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	err := mw(okHandler)(c)

	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware_SkipsPublicPaths(t *testing.T) {
	c := pathContext("/metrics")

	err := DevAuthMiddleware(AuthSkipper)(func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "" {
			t.Errorf("expected no identity on a public path, got %q", uid)
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
