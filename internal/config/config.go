package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	FetchTimeout        time.Duration `mapstructure:"FETCH_TIMEOUT"`
	RecentVisitsWindow  time.Duration `mapstructure:"RECENT_VISITS_WINDOW"`
	ClearConcurrency    int           `mapstructure:"CLEAR_CONCURRENCY"`
	SessionIdleTTL      time.Duration `mapstructure:"SESSION_IDLE_TTL"`
	SessionReapInterval time.Duration `mapstructure:"SESSION_REAP_INTERVAL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("FETCH_TIMEOUT", "10s")
	v.SetDefault("RECENT_VISITS_WINDOW", "72h")
	v.SetDefault("CLEAR_CONCURRENCY", 8)
	v.SetDefault("SESSION_IDLE_TTL", "30m")
	v.SetDefault("SESSION_REAP_INTERVAL", "1m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"CORS_ORIGINS", "REQUEST_TIMEOUT", "FETCH_TIMEOUT",
		"RECENT_VISITS_WINDOW", "CLEAR_CONCURRENCY",
		"SESSION_IDLE_TTL", "SESSION_REAP_INTERVAL",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level parses LOG_LEVEL, falling back to info for an empty value.
func (c *Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(c.LogLevel))
}

// Validate checks the tuning knobs that have no safe zero value.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("LOG_LEVEL is invalid: %w", err)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	durations := map[string]time.Duration{
		"REQUEST_TIMEOUT":       c.RequestTimeout,
		"FETCH_TIMEOUT":         c.FetchTimeout,
		"RECENT_VISITS_WINDOW":  c.RecentVisitsWindow,
		"SESSION_IDLE_TTL":      c.SessionIdleTTL,
		"SESSION_REAP_INTERVAL": c.SessionReapInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.ClearConcurrency <= 0 {
		return fmt.Errorf("CLEAR_CONCURRENCY must be positive, got %d", c.ClearConcurrency)
	}
	return nil
}
