// Package config provides application configuration.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	// Server settings
	Port string
	Host string

	// Database settings
	DBPath string

	// EncryptionSecret protects stored broker credentials.
	EncryptionSecret string

	// SessionTTL is how long a persisted broker session stays eligible for
	// restore after its last successful connect.
	SessionTTL time.Duration

	// LoginAttemptTimeout is how long a pending login attempt blocks a new
	// one before it is considered abandoned.
	LoginAttemptTimeout time.Duration

	// CallbackBaseURL is the externally reachable base used to build
	// redirect URIs handed to brokers.
	CallbackBaseURL string

	// Broker upstream base URLs. Overridable for testing against fakes.
	KiteLoginURL string
	KiteAPIURL   string
	DhanAuthURL  string
	DhanAPIURL   string
	AngelAPIURL  string

	// Environment
	IsDevelopment bool
}

// New creates a new Config with values from environment variables or
// defaults. A .env file in the working directory is loaded first if present.
func New() *Config {
	// Missing .env is fine, real env vars still apply
	godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		Host:                getEnv("HOST", "localhost"),
		DBPath:              getEnv("DB_PATH", filepath.Join("data", "gateway.db")),
		EncryptionSecret:    getEnv("ENCRYPTION_SECRET", "change-me-in-production-32chars!"),
		SessionTTL:          getEnvDuration("SESSION_TTL_HOURS", 24) * time.Hour,
		LoginAttemptTimeout: getEnvDuration("LOGIN_ATTEMPT_TIMEOUT_MINUTES", 5) * time.Minute,
		CallbackBaseURL:     getEnv("CALLBACK_BASE_URL", "http://localhost:8080"),
		KiteLoginURL:        getEnv("KITE_LOGIN_URL", "https://kite.zerodha.com/connect/login"),
		KiteAPIURL:          getEnv("KITE_API_URL", "https://api.kite.trade"),
		DhanAuthURL:         getEnv("DHAN_AUTH_URL", "https://auth.dhan.co"),
		DhanAPIURL:          getEnv("DHAN_API_URL", "https://api.dhan.co/v2"),
		AngelAPIURL:         getEnv("ANGEL_API_URL", "https://apiconnect.angelbroking.com"),
		IsDevelopment:       getEnv("ENV", "development") == "development",
	}
}

// Address returns the full address to bind the server to.
func (c *Config) Address() string {
	return c.Host + ":" + c.Port
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration returns an environment variable parsed as an integer
// duration unit count, or the default.
func getEnvDuration(key string, defaultValue int64) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
			return time.Duration(n)
		}
	}
	return time.Duration(defaultValue)
}
