// Package config loads application settings from the environment using Viper.
// A .env file, when wanted, is preloaded into the process environment by the caller.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port   string `mapstructure:"PORT"`
	AppEnv string `mapstructure:"APP_ENV"`

	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	RunMigrations     bool          `mapstructure:"RUN_MIGRATIONS_ON_STARTUP"`
	DBMaxOpenConns    int           `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns    int           `mapstructure:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetime time.Duration `mapstructure:"DB_CONN_MAX_LIFETIME"`
	DBConnMaxIdleTime time.Duration `mapstructure:"DB_CONN_MAX_IDLE_TIME"`

	// SecretKey derives the credential cipher key. Changing it makes stored broker credentials unreadable.
	SecretKey string `mapstructure:"SECRET_KEY"`
	// AppKey signs platform API keys.
	AppKey        string `mapstructure:"APP_KEY"`
	SentryDSN     string `mapstructure:"SENTRY_DSN"`
	SentryRelease string `mapstructure:"SENTRY_RELEASE"`
	CronSecret    string `mapstructure:"CRON_SECRET"`
	AdminSecret   string `mapstructure:"ADMIN_SECRET"`

	BcryptCost           int           `mapstructure:"BCRYPT_COST"`
	SessionTTL           time.Duration `mapstructure:"SESSION_TTL"`
	SessionSweepInterval time.Duration `mapstructure:"SESSION_SWEEP_INTERVAL"`
	SessionCookieName    string        `mapstructure:"SESSION_COOKIE_NAME"`
	SessionCookieSecure  bool          `mapstructure:"SESSION_COOKIE_SECURE"`

	LoginRateLimitMax     int           `mapstructure:"LOGIN_RATE_LIMIT_MAX"`
	LoginRateLimitWindow  time.Duration `mapstructure:"LOGIN_RATE_LIMIT_WINDOW"`
	AuthRateLimitMax      int           `mapstructure:"AUTH_RATE_LIMIT_MAX"`
	AuthRateLimitWindow   time.Duration `mapstructure:"AUTH_RATE_LIMIT_WINDOW"`
	BrokerRateLimitMax    int           `mapstructure:"BROKER_RATE_LIMIT_MAX"`
	BrokerRateLimitWindow time.Duration `mapstructure:"BROKER_RATE_LIMIT_WINDOW"`

	BrokerHTTPTimeout   time.Duration `mapstructure:"BROKER_HTTP_TIMEOUT"`
	BrokerTokenTTL      time.Duration `mapstructure:"BROKER_TOKEN_TTL"`
	AngelBaseURL        string        `mapstructure:"ANGEL_BASE_URL"`
	AngelClientLocalIP  string        `mapstructure:"ANGEL_CLIENT_LOCAL_IP"`
	AngelClientPublicIP string        `mapstructure:"ANGEL_CLIENT_PUBLIC_IP"`
	AngelMACAddress     string        `mapstructure:"ANGEL_MAC_ADDRESS"`

	MasterDataURL     string        `mapstructure:"MASTER_DATA_URL"`
	MasterDataRefresh time.Duration `mapstructure:"MASTER_DATA_REFRESH"`

	CacheTTL      time.Duration `mapstructure:"CACHE_TTL"`
	CacheCapacity int           `mapstructure:"CACHE_CAPACITY"`

	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

var defaults = map[string]any{
	"PORT":                      "8080",
	"APP_ENV":                   "development",
	"DATABASE_URL":              "",
	"RUN_MIGRATIONS_ON_STARTUP": false,
	"DB_MAX_OPEN_CONNS":         10,
	"DB_MAX_IDLE_CONNS":         5,
	"DB_CONN_MAX_LIFETIME":      "30m",
	"DB_CONN_MAX_IDLE_TIME":     "10m",
	"SECRET_KEY":                "",
	"APP_KEY":                   "",
	"SENTRY_DSN":                "",
	"SENTRY_RELEASE":            "",
	"CRON_SECRET":               "",
	"ADMIN_SECRET":              "",
	"BCRYPT_COST":               12,
	"SESSION_TTL":               "24h",
	"SESSION_SWEEP_INTERVAL":    "6h",
	"SESSION_COOKIE_NAME":       "tb_session",
	"SESSION_COOKIE_SECURE":     true,
	"LOGIN_RATE_LIMIT_MAX":      5,
	"LOGIN_RATE_LIMIT_WINDOW":   "300s",
	"AUTH_RATE_LIMIT_MAX":       20,
	"AUTH_RATE_LIMIT_WINDOW":    "60s",
	"BROKER_RATE_LIMIT_MAX":     30,
	"BROKER_RATE_LIMIT_WINDOW":  "60s",
	"BROKER_HTTP_TIMEOUT":       "15s",
	"BROKER_TOKEN_TTL":          "24h",
	"ANGEL_BASE_URL":            "https://apiconnect.angelbroking.com",
	"ANGEL_CLIENT_LOCAL_IP":     "127.0.0.1",
	"ANGEL_CLIENT_PUBLIC_IP":    "127.0.0.1",
	"ANGEL_MAC_ADDRESS":         "00:00:00:00:00:00",
	"MASTER_DATA_URL":           "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json",
	"MASTER_DATA_REFRESH":       "12h",
	"CACHE_TTL":                 "30s",
	"CACHE_CAPACITY":            1024,
	"CORS_ALLOWED_ORIGINS":      "http://localhost:3000",
}

// Load builds Config from defaults overridden by environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var problems []string
	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, "DATABASE_URL must be set")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		problems = append(problems, "SECRET_KEY must be set")
	}
	if strings.TrimSpace(c.AppKey) == "" {
		problems = append(problems, "APP_KEY must be set")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		problems = append(problems, "BCRYPT_COST must be between 4 and 31")
	}
	if c.SessionTTL <= 0 {
		problems = append(problems, "SESSION_TTL must be positive")
	}
	if c.BrokerHTTPTimeout <= 0 {
		problems = append(problems, "BROKER_HTTP_TIMEOUT must be positive")
	}
	if len(problems) > 0 {
		return errors.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func (c *Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
