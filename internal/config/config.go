// Package config loads and validates server configuration from the
// environment and an optional .env file using godotenv and Viper.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"coldchain-monitor/internal/alerting"
	"coldchain-monitor/internal/stream"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is a SQLite file path or a postgres:// DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	TempWarningC       float64 `mapstructure:"TEMP_WARNING_C"`
	TempCriticalC      float64 `mapstructure:"TEMP_CRITICAL_C"`
	BatteryWarningPct  float64 `mapstructure:"BATTERY_WARNING_PCT"`
	BatteryCriticalPct float64 `mapstructure:"BATTERY_CRITICAL_PCT"`
	SignalWarningDBM   float64 `mapstructure:"SIGNAL_WARNING_DBM"`
	// SignalCriticalDBM is empty when gateway signal has no critical tier.
	SignalCriticalDBM string `mapstructure:"SIGNAL_CRITICAL_DBM"`

	// AlertAutoResolve closes an open alert when its key reads NOMINAL again.
	AlertAutoResolve bool `mapstructure:"ALERT_AUTO_RESOLVE"`

	StreamKeepalive      time.Duration `mapstructure:"STREAM_KEEPALIVE"`
	StreamBufferSize     int           `mapstructure:"STREAM_BUFFER_SIZE"`
	StreamOverflowPolicy string        `mapstructure:"STREAM_OVERFLOW_POLICY"`

	// Redis relay (optional). When RedisAddr is set, events are shared across replicas.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisChannel  string `mapstructure:"REDIS_CHANNEL"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	signalCritical *float64
}

// Load reads .env (if present), then builds and validates Config from the
// environment via Viper. Flags in fs named "addr" and "db", when set, override
// HTTP_ADDR and DATABASE_URL. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load() // missing .env is fine; real env vars win

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "coldchain.db")
	v.SetDefault("TEMP_WARNING_C", 7.0)
	v.SetDefault("TEMP_CRITICAL_C", 10.0)
	v.SetDefault("BATTERY_WARNING_PCT", 20.0)
	v.SetDefault("BATTERY_CRITICAL_PCT", 10.0)
	v.SetDefault("SIGNAL_WARNING_DBM", -85.0)
	v.SetDefault("SIGNAL_CRITICAL_DBM", "")
	v.SetDefault("ALERT_AUTO_RESOLVE", false)
	v.SetDefault("STREAM_KEEPALIVE", "30s")
	v.SetDefault("STREAM_BUFFER_SIZE", 10)
	v.SetDefault("STREAM_OVERFLOW_POLICY", stream.DropOldest)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_CHANNEL", "coldchain:events")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	if fs != nil {
		for key, name := range map[string]string{"HTTP_ADDR": "addr", "DATABASE_URL": "db"} {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("config: DATABASE_URL must be set")
	}
	if c.TempWarningC >= c.TempCriticalC {
		return errors.New("config: TEMP_WARNING_C must be below TEMP_CRITICAL_C")
	}
	if c.BatteryCriticalPct >= c.BatteryWarningPct {
		return errors.New("config: BATTERY_CRITICAL_PCT must be below BATTERY_WARNING_PCT")
	}

	if s := strings.TrimSpace(c.SignalCriticalDBM); s != "" {
		dbm, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("config: SIGNAL_CRITICAL_DBM is not a number: %q", s)
		}
		if dbm >= c.SignalWarningDBM {
			return errors.New("config: SIGNAL_CRITICAL_DBM must be below SIGNAL_WARNING_DBM")
		}
		c.signalCritical = &dbm
	}

	if c.StreamKeepalive <= 0 {
		return errors.New("config: STREAM_KEEPALIVE must be positive")
	}
	if c.StreamBufferSize < 1 {
		return errors.New("config: STREAM_BUFFER_SIZE must be at least 1")
	}
	switch c.StreamOverflowPolicy {
	case stream.DropOldest, stream.Disconnect:
	default:
		return fmt.Errorf("config: STREAM_OVERFLOW_POLICY must be %s or %s", stream.DropOldest, stream.Disconnect)
	}
	return nil
}

// Thresholds returns the alert policy described by the config.
func (c *Config) Thresholds() alerting.Thresholds {
	return alerting.Thresholds{
		TempWarningC:       c.TempWarningC,
		TempCriticalC:      c.TempCriticalC,
		BatteryWarningPct:  c.BatteryWarningPct,
		BatteryCriticalPct: c.BatteryCriticalPct,
		SignalWarningDBM:   c.SignalWarningDBM,
		SignalCriticalDBM:  c.signalCritical,
	}
}

// RelayEnabled reports whether the Redis event relay should run.
func (c *Config) RelayEnabled() bool {
	return c != nil && c.RedisAddr != ""
}
