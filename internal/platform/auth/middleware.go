package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Claims are the staff token claims. Roles may come from a top-level "roles"
// claim or from Keycloak's realm_access.roles.
type Claims struct {
	jwt.RegisteredClaims
	Name        string   `json:"name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Department  string   `json:"department,omitempty"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access,omitempty"`
}

func (c *Claims) staff() *Staff {
	roles := c.Roles
	if len(roles) == 0 {
		roles = c.RealmAccess.Roles
	}
	return &Staff{ID: c.Subject, Name: c.Name, Roles: roles, Department: c.Department}
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey switches validation to HS256 with a shared secret.
	SigningKey []byte
	Skipper    middleware.Skipper
}

func (cfg JWTConfig) keyFunc() (jwt.Keyfunc, []string) {
	if len(cfg.SigningKey) > 0 {
		return func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }, []string{"HS256"}
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if u, err := DiscoverJWKSURL(ctx, cfg.Issuer); err == nil {
			jwksURL = u
		}
	}
	keys := NewKeySet(jwksURL, defaultKeyTTL)
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return keys.Key(context.Background(), kid)
	}, []string{"RS256"}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return token, true
}

// JWTMiddleware authenticates staff bearer tokens.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keyFunc, methods := cfg.keyFunc()

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			raw, ok := bearerToken(header)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(raw, claims, keyFunc)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			authenticate(c, claims.staff())
			return next(c)
		}
	}
}

// DevRolesHeader lets local clients act as a given staff role in development,
// e.g. "X-Dev-Roles: receptionist".
const DevRolesHeader = "X-Dev-Roles"

// DevAuthMiddleware trusts the caller. Requests without a token act as an
// admin unless DevRolesHeader names other roles.
func DevAuthMiddleware(skipper middleware.Skipper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			req := c.Request()
			if req.Header.Get("Authorization") != "" {
				return next(c)
			}
			roles := []string{RoleAdmin}
			if h := req.Header.Get(DevRolesHeader); h != "" {
				roles = roles[:0]
				for _, r := range strings.Split(h, ",") {
					if r = strings.TrimSpace(r); r != "" {
						roles = append(roles, strings.ToLower(r))
					}
				}
			}
			authenticate(c, &Staff{ID: "dev-user", Name: "Developer", Roles: roles})
			return next(c)
		}
	}
}
