package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                     string        `mapstructure:"PORT"`
	Env                      string        `mapstructure:"ENV"`
	LogLevel                 string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL              string        `mapstructure:"DATABASE_URL"`
	DBMaxConns               int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL                 string        `mapstructure:"REDIS_URL"`
	QueueCacheTTL            time.Duration `mapstructure:"QUEUE_CACHE_TTL"`
	PredictorURL             string        `mapstructure:"PREDICTOR_URL"`
	PredictorTimeout         time.Duration `mapstructure:"PREDICTOR_TIMEOUT"`
	PredictorBreakerFailures uint32        `mapstructure:"PREDICTOR_BREAKER_FAILURES"`
	PredictorBreakerCooldown time.Duration `mapstructure:"PREDICTOR_BREAKER_COOLDOWN"`
	AnomalyThresholdMinutes  int           `mapstructure:"ANOMALY_THRESHOLD_MINUTES"`
	ClinicTimezone           string        `mapstructure:"CLINIC_TIMEZONE"`
	AuthIssuer               string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL              string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience             string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey           string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins              []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS             float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst           int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout           time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	OpsNotifyEmail           string        `mapstructure:"OPS_NOTIFY_EMAIL"`
}

var envKeys = []string{
	"PORT",
	"ENV",
	"LOG_LEVEL",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"REDIS_URL",
	"QUEUE_CACHE_TTL",
	"PREDICTOR_URL",
	"PREDICTOR_TIMEOUT",
	"PREDICTOR_BREAKER_FAILURES",
	"PREDICTOR_BREAKER_COOLDOWN",
	"ANOMALY_THRESHOLD_MINUTES",
	"CLINIC_TIMEZONE",
	"AUTH_ISSUER",
	"AUTH_JWKS_URL",
	"AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY",
	"CORS_ORIGINS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT",
	"OPS_NOTIFY_EMAIL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("QUEUE_CACHE_TTL", 5*time.Second)
	v.SetDefault("PREDICTOR_TIMEOUT", 3*time.Second)
	v.SetDefault("PREDICTOR_BREAKER_FAILURES", 5)
	v.SetDefault("PREDICTOR_BREAKER_COOLDOWN", 30*time.Second)
	v.SetDefault("ANOMALY_THRESHOLD_MINUTES", 30)
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", 15*time.Second)
	v.SetDefault("OPS_NOTIFY_EMAIL", "clinic-ops@localhost")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); unauthenticated requests get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves CLINIC_TIMEZONE. Scheduled dates, time-of-day and
// day-of-week features are all computed in this zone.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("load CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Outside development a
// token verification source must be configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY, AUTH_ISSUER or AUTH_JWKS_URL must be set when ENV=%q; "+
				"refusing to start without authentication configuration", c.Env)
	}
	if c.PredictorTimeout <= 0 || c.PredictorTimeout > 10*time.Second {
		return fmt.Errorf("PREDICTOR_TIMEOUT must be within (0s, 10s], got %s", c.PredictorTimeout)
	}
	if c.AnomalyThresholdMinutes < 0 {
		return fmt.Errorf("ANOMALY_THRESHOLD_MINUTES must not be negative, got %d", c.AnomalyThresholdMinutes)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}
