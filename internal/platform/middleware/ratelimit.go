package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/medcenter/clinicflow/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL evicts limiters of clients not seen for this long.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           10 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore holds one token bucket per client key.
type rateLimiterStore struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	config    RateLimitConfig
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiterStore(cfg RateLimitConfig) *rateLimiterStore {
	return &rateLimiterStore{
		clients: make(map[string]*clientLimiter),
		config:  cfg,
		now:     time.Now,
	}
}

func (s *rateLimiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.config.IdleTTL > 0 && now.Sub(s.lastSweep) > s.config.IdleTTL {
		for k, cl := range s.clients {
			if now.Sub(cl.lastSeen) > s.config.IdleTTL {
				delete(s.clients, k)
			}
		}
		s.lastSweep = now
	}

	cl, ok := s.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.BurstSize)}
		s.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// retryAfter is the whole number of seconds until one token is available.
func retryAfter(l *rate.Limiter) int {
	if l.Limit() <= 0 {
		return 1
	}
	r := l.Reserve()
	delay := r.Delay()
	r.Cancel()
	return int(math.Ceil(delay.Seconds()))
}

// RateLimit returns a per-client rate limiting middleware. Authenticated
// callers are keyed by user id, everyone else by IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newRateLimiterStore(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			limiter := store.get(key)
			c.Response().Header().Set("X-RateLimit-Limit", limit)
			if !limiter.Allow() {
				wait := retryAfter(limiter)
				if wait < 1 {
					wait = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(wait))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
