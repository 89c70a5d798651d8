// Package config loads runtime configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all runtime settings.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// Risk limits applied to every buy.
	RiskPct              decimal.Decimal
	DefaultMaxPosition   decimal.Decimal
	DefaultMaxDailySpend decimal.Decimal

	// InitialBalance is granted to every new user.
	InitialBalance decimal.Decimal

	// TradeLockWait bounds how long a trade waits for a busy market.
	TradeLockWait time.Duration
}

// Load reads configuration from the environment. A missing .env file is
// not an error; container deployments set real environment variables.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    getEnvDuration("CACHE_TTL", 30*time.Second),

		RiskPct:              getEnvDecimal("RISK_PCT", "0.5"),
		DefaultMaxPosition:   getEnvDecimal("MAX_POSITION", "1000"),
		DefaultMaxDailySpend: getEnvDecimal("MAX_DAILY_SPEND", "500"),

		InitialBalance: getEnvDecimal("INITIAL_BALANCE", "1000"),
		TradeLockWait:  getEnvDuration("TRADE_LOCK_WAIT", 3*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if secs, serr := strconv.Atoi(v); serr == nil {
			return time.Duration(secs) * time.Second
		}
		slog.Warn("invalid duration, using default", "key", key, "value", v)
		return fallback
	}
	return d
}

func getEnvDecimal(key, fallback string) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		slog.Warn("invalid decimal, using default", "key", key, "value", v)
		d = decimal.RequireFromString(fallback)
	}
	return d
}
