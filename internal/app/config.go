package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"latch/internal/auth/cookie"
	"latch/internal/auth/session"
	"latch/internal/auth/token"
)

// Config contains all runtime configuration. Values come from an optional .env
// file in the working directory, overridden by the process environment.
type Config struct {
	HTTPAddr  string `mapstructure:"LATCH_HTTP_ADDR"`
	LogLevel  string `mapstructure:"LATCH_LOG_LEVEL"`
	LogFormat string `mapstructure:"LATCH_LOG_FORMAT"`

	ReadHeaderTimeout time.Duration `mapstructure:"LATCH_HTTP_READ_HEADER_TIMEOUT"`
	ReadTimeout       time.Duration `mapstructure:"LATCH_HTTP_READ_TIMEOUT"`
	WriteTimeout      time.Duration `mapstructure:"LATCH_HTTP_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `mapstructure:"LATCH_HTTP_IDLE_TIMEOUT"`
	MaxHeaderBytes    int           `mapstructure:"LATCH_HTTP_MAX_HEADER_BYTES"`

	// Empty selects the in-memory stores.
	DatabaseURL    string `mapstructure:"LATCH_DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"LATCH_DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"LATCH_DB_MIN_CONNS"`
	MigrateOnStart bool   `mapstructure:"LATCH_DB_MIGRATE_ON_START"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `mapstructure:"LATCH_READINESS_REQUIRE_DB"`

	TokenSecret           string `mapstructure:"LATCH_TOKEN_SECRET"`
	TokenAlgorithm        string `mapstructure:"LATCH_TOKEN_ALGORITHM"`
	AccessTokenTTLMinutes int    `mapstructure:"LATCH_ACCESS_TOKEN_TTL_MINUTES"`
	RefreshTokenTTLDays   int    `mapstructure:"LATCH_REFRESH_TOKEN_TTL_DAYS"`

	// Security policy: with RequireTokenHMAC, TokenHMACKey must be set (>= 32 bytes)
	// and refresh token hashing is HMAC based.
	TokenHMACKey     string `mapstructure:"LATCH_TOKEN_HMAC_KEY"`
	RequireTokenHMAC bool   `mapstructure:"LATCH_REQUIRE_TOKEN_HMAC"`
	StrictRotation   bool   `mapstructure:"LATCH_STRICT_ROTATION"`

	CookieSecure bool   `mapstructure:"LATCH_COOKIE_SECURE"`
	CookieDomain string `mapstructure:"LATCH_COOKIE_DOMAIN"`
	CookiePath   string `mapstructure:"LATCH_COOKIE_PATH"`

	TrustProxy   bool  `mapstructure:"LATCH_TRUST_PROXY"`
	MaxBodyBytes int64 `mapstructure:"LATCH_MAX_BODY_BYTES"`

	MaintenanceEnabled  bool          `mapstructure:"LATCH_MAINTENANCE_ENABLED"`
	MaintenanceInterval time.Duration `mapstructure:"LATCH_MAINTENANCE_INTERVAL"`
	MaintenanceJitter   time.Duration `mapstructure:"LATCH_MAINTENANCE_JITTER"`
	AbandonmentDays     int           `mapstructure:"LATCH_ABANDONMENT_DAYS"`

	// Empty selects a process-local lease for maintenance jobs.
	RedisURL string `mapstructure:"LATCH_REDIS_URL"`

	// Empty disables trace export.
	OTLPEndpoint   string `mapstructure:"LATCH_OTLP_ENDPOINT"`
	MetricsEnabled bool   `mapstructure:"LATCH_METRICS_ENABLED"`
}

var defaults = map[string]any{
	"LATCH_HTTP_ADDR":                "0.0.0.0:8080",
	"LATCH_LOG_LEVEL":                "info",
	"LATCH_LOG_FORMAT":               "json",
	"LATCH_HTTP_READ_HEADER_TIMEOUT": "5s",
	"LATCH_HTTP_READ_TIMEOUT":        "15s",
	"LATCH_HTTP_WRITE_TIMEOUT":       "15s",
	"LATCH_HTTP_IDLE_TIMEOUT":        "60s",
	"LATCH_HTTP_MAX_HEADER_BYTES":    1 << 20,
	"LATCH_DATABASE_URL":             "",
	"LATCH_DB_MAX_CONNS":             10,
	"LATCH_DB_MIN_CONNS":             0,
	"LATCH_DB_MIGRATE_ON_START":      false,
	"LATCH_READINESS_REQUIRE_DB":     false,
	"LATCH_TOKEN_SECRET":             "",
	"LATCH_TOKEN_ALGORITHM":          "HS256",
	"LATCH_ACCESS_TOKEN_TTL_MINUTES": 30,
	"LATCH_REFRESH_TOKEN_TTL_DAYS":   7,
	"LATCH_TOKEN_HMAC_KEY":           "",
	"LATCH_REQUIRE_TOKEN_HMAC":       false,
	"LATCH_STRICT_ROTATION":          false,
	"LATCH_COOKIE_SECURE":            true,
	"LATCH_COOKIE_DOMAIN":            "",
	"LATCH_COOKIE_PATH":              "/",
	"LATCH_TRUST_PROXY":              true,
	"LATCH_MAX_BODY_BYTES":           1 << 20,
	"LATCH_MAINTENANCE_ENABLED":      true,
	"LATCH_MAINTENANCE_INTERVAL":     "1h",
	"LATCH_MAINTENANCE_JITTER":       "5m",
	"LATCH_ABANDONMENT_DAYS":         30,
	"LATCH_REDIS_URL":                "",
	"LATCH_OTLP_ENDPOINT":            "",
	"LATCH_METRICS_ENABLED":          true,
}

// LoadConfig reads .env (if present), then builds Config from the environment.
// It checks only what every entrypoint needs; the server additionally calls
// Validate, so tools such as cmd/migrate run without a token secret.
func LoadConfig() (Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine

	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	cfg.HTTPAddr = strings.TrimSpace(cfg.HTTPAddr)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if cfg.HTTPAddr == "" {
		return Config{}, errors.New("config: LATCH_HTTP_ADDR must be set")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "pretty" {
		return Config{}, fmt.Errorf("config: LATCH_LOG_FORMAT must be json or pretty, got %q", cfg.LogFormat)
	}
	if cfg.DBMaxConns < 0 || cfg.DBMinConns < 0 || (cfg.DBMaxConns > 0 && cfg.DBMinConns > cfg.DBMaxConns) {
		return Config{}, errors.New("config: LATCH_DB_MIN_CONNS/LATCH_DB_MAX_CONNS are inconsistent")
	}
	return cfg, nil
}

// Validate checks the settings the server needs beyond LoadConfig.
func (c Config) Validate() error {
	if c.AccessTokenTTLMinutes <= 0 {
		return errors.New("config: LATCH_ACCESS_TOKEN_TTL_MINUTES must be > 0")
	}
	if c.RefreshTokenTTLDays <= 0 {
		return errors.New("config: LATCH_REFRESH_TOKEN_TTL_DAYS must be > 0")
	}
	if err := c.TokenConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.SessionConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: LATCH_MAX_BODY_BYTES must be > 0")
	}
	if c.MaintenanceEnabled {
		if c.MaintenanceInterval <= 0 || c.MaintenanceJitter < 0 {
			return errors.New("config: LATCH_MAINTENANCE_INTERVAL must be > 0 and LATCH_MAINTENANCE_JITTER >= 0")
		}
		if c.AbandonmentDays <= 0 {
			return errors.New("config: LATCH_ABANDONMENT_DAYS must be > 0")
		}
	}
	return ValidateSecurityConfig(c)
}

// TokenConfig derives the codec settings.
func (c Config) TokenConfig() token.Config {
	return token.Config{
		Secret:     c.TokenSecret,
		Algorithm:  c.TokenAlgorithm,
		AccessTTL:  time.Duration(c.AccessTokenTTLMinutes) * time.Minute,
		RefreshTTL: time.Duration(c.RefreshTokenTTLDays) * 24 * time.Hour,
	}
}

// SessionConfig derives the refresh token store settings.
func (c Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.StrictRotation = c.StrictRotation
	return cfg
}

// CookiePolicy derives the session cookie attributes.
func (c Config) CookiePolicy() cookie.Policy {
	tc := c.TokenConfig()
	return cookie.Policy{
		Secure:     c.CookieSecure,
		Domain:     strings.TrimSpace(c.CookieDomain),
		Path:       c.CookiePath,
		AccessTTL:  tc.AccessTTL,
		RefreshTTL: tc.RefreshTTL,
	}
}

// AbandonAfter is how long an anonymous principal may stay unseen.
func (c Config) AbandonAfter() time.Duration {
	return time.Duration(c.AbandonmentDays) * 24 * time.Hour
}
