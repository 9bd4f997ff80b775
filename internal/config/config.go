// Package config reads the daemon's configuration from the
// environment, the same way every service in the platform does.
package config

import (
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exonet/tokenvault/internal/ledger"
)

// Config is the full daemon configuration.
type Config struct {
	Port        string
	DatabaseURL string
	NATSURL     string
	RedisURL    string
	JWTSecret   string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	FeeRate       decimal.Decimal
	Rates         ledger.RateTable
	MintTTL       time.Duration
	EscrowTTL     time.Duration
	EscrowGrace   time.Duration
	SweepInterval time.Duration
}

// Load builds a Config from the environment, applying defaults for
// anything unset.
func Load() Config {
	cfg := Config{
		Port:         getenv("PORT", "8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		NATSURL:      os.Getenv("NATS_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		InfluxURL:    os.Getenv("INFLUX_URL"),
		InfluxToken:  os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:    getenv("INFLUX_ORG", "tokenvault"),
		InfluxBucket: getenv("INFLUX_BUCKET", "protocol"),

		FeeRate:       decimalEnv("FEE_RATE", "0.0075"),
		MintTTL:       durationEnv("MINT_TTL", 30*time.Minute),
		EscrowTTL:     durationEnv("ESCROW_TTL", time.Hour),
		EscrowGrace:   durationEnv("ESCROW_GRACE", 15*time.Minute),
		SweepInterval: durationEnv("SWEEP_INTERVAL", time.Minute),
	}
	cfg.Rates = ledger.RateTable{
		ledger.TokenNT:   decimalEnv("TOKEN_RATE_NT", "1"),
		ledger.TokenCT:   decimalEnv("TOKEN_RATE_CT", "1"),
		ledger.TokenUSDT: decimalEnv("TOKEN_RATE_USDT", "1"),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func decimalEnv(key, fallback string) decimal.Decimal {
	v := getenv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		d, _ = decimal.NewFromString(fallback)
	}
	return d
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
