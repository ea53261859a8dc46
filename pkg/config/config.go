package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the simulator core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Account seeding
	DemoStartingBalance float64
	RealStartingBalance float64

	// Deposit / withdrawal policy
	MinDeposit    float64
	MaxDeposit    float64
	MinWithdrawal float64
	// AML profit gate: cumulative real-account profit required before any
	// withdrawal, as a fraction of the initial deposit.
	AmlProfitFraction float64
	// Initial deposit assumed when none was recorded, so the AML target
	// can never be zero.
	DefaultInitialDeposit float64

	// Loss-cap guard
	MaxConsecutiveLosses int

	// Trade lifecycle
	MinHoldTime time.Duration
	MaxHoldTime time.Duration
	MaxVolume   float64

	// History caps (UI-facing listings)
	TransactionHistoryCap int
	TradeHistoryCap       int

	// Tier registry seed file (YAML); empty disables seeding.
	RegistryPath string

	// Payments webhook signature secret (HMAC-SHA256). Empty disables
	// signature verification.
	WebhookSecret string

	// Usernames granted admin on registration (comma-separated env).
	AdminUsers []string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                  getEnv("PORT", "8080"),
		DBPath:                getEnv("DB_PATH", "./data/tradesim.db"),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret"),
		DemoStartingBalance:   getEnvFloat("DEMO_STARTING_BALANCE", 10000.0),
		RealStartingBalance:   getEnvFloat("REAL_STARTING_BALANCE", 0.0),
		MinDeposit:            getEnvFloat("MIN_DEPOSIT", 10.0),
		MaxDeposit:            getEnvFloat("MAX_DEPOSIT", 100000.0),
		MinWithdrawal:         getEnvFloat("MIN_WITHDRAWAL", 10.0),
		AmlProfitFraction:     getEnvFloat("AML_PROFIT_FRACTION", 0.30),
		DefaultInitialDeposit: getEnvFloat("DEFAULT_INITIAL_DEPOSIT", 10000.0),
		MaxConsecutiveLosses:  getEnvInt("MAX_CONSECUTIVE_LOSSES", 2),
		MinHoldTime:           getEnvDuration("MIN_HOLD_TIME", time.Second),
		MaxHoldTime:           getEnvDuration("MAX_HOLD_TIME", 24*time.Hour),
		MaxVolume:             getEnvFloat("MAX_VOLUME", 1000.0),
		TransactionHistoryCap: getEnvInt("TRANSACTION_HISTORY_CAP", 200),
		TradeHistoryCap:       getEnvInt("TRADE_HISTORY_CAP", 100),
		RegistryPath:          getEnv("REGISTRY_PATH", "registry.yaml"),
		WebhookSecret:         os.Getenv("WEBHOOK_SECRET"),
		AdminUsers:            splitList(getEnv("ADMIN_USERS", "admin")),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
