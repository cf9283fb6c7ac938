package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/medcenter/clinicflow/internal/config"
	"github.com/medcenter/clinicflow/internal/domain/scheduling"
	"github.com/medcenter/clinicflow/internal/platform/auth"
	"github.com/medcenter/clinicflow/internal/platform/cache"
	"github.com/medcenter/clinicflow/internal/platform/db"
	"github.com/medcenter/clinicflow/internal/platform/metrics"
	"github.com/medcenter/clinicflow/internal/platform/middleware"
	"github.com/medcenter/clinicflow/internal/platform/notification"
	"github.com/medcenter/clinicflow/internal/platform/predictor"
	"github.com/medcenter/clinicflow/internal/platform/webhook"
	"github.com/medcenter/clinicflow/internal/platform/websocket"
)

func runServer() error {
	// Config
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logger
	logger := newLogger(cfg.Env, cfg.LogLevel)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Queue snapshot cache
	var snapshots scheduling.SnapshotCache
	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, serving queues without cache")
		} else {
			defer client.Close()
			snapshots = cache.New(client, "clinicflow:")
			logger.Info().Msg("connected to redis")
		}
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Live queue and notifications
	hub := websocket.NewHub(logger.With().Str("component", "websocket").Logger())
	dispatcher := notification.NewDispatcher(
		notification.NewTemplateEngine(),
		notification.NewLogSender(logger.With().Str("component", "notification").Logger()),
		logger,
	)
	webhooks := webhook.NewManager(webhook.NewStore(), logger.With().Str("component", "webhook").Logger())
	webhookCtx, stopWebhooks := context.WithCancel(ctx)
	defer stopWebhooks()
	go webhooks.Run(webhookCtx)

	events := scheduling.NewMultiSink(logger,
		hubSink{hub: hub},
		notifySink{dispatcher: dispatcher, opsRecipient: cfg.OpsNotifyEmail},
		webhookSink{manager: webhooks},
	)

	svc, predictorClient, err := newScheduling(cfg, pool, logger, m, snapshots, events)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build scheduling service")
	}
	if predictorClient.Enabled() {
		checkPredictor(ctx, predictorClient, logger)
	} else {
		logger.Warn().Msg("PREDICTOR_URL not set, visit estimates use the heuristic")
	}

	e := newEcho(cfg, logger)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins).RegisterRoutes(e)

	apiV1 := e.Group("/api/v1")
	scheduling.NewHandler(svc).RegisterRoutes(apiV1)
	adminGroup := apiV1.Group("", auth.RequireRole(auth.RoleAdmin))
	notification.NewHandler(dispatcher).RegisterRoutes(adminGroup)
	webhook.NewHandler(webhooks).RegisterRoutes(adminGroup.Group("/webhooks"))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with the global middleware chain. Routes are
// added by the caller.
func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	e.Use(middleware.RateLimit(rl))
	return e
}

// checkPredictor logs the predictor's state at startup. Failures are not
// fatal; estimates fall back to the heuristic.
func checkPredictor(ctx context.Context, client *predictor.Client, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("predictor health check failed, estimates will fall back to the heuristic")
		return
	}
	logger.Info().Str("status", health.Status).Str("model", health.Model).Msg("predictor reachable")
}
