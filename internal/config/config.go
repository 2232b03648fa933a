package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const devSecretKey = "dev-secret-change-me"

// Config holds the application configuration.
type Config struct {
	ServerPort   int
	DatabasePath string
	AppEnv       string // "development" or "production"
	LogLevel     string

	// SecretKey signs anti-forgery form tokens.
	SecretKey string

	SessionCookieName    string
	SessionLifetime      time.Duration
	SessionSweepSchedule string // cron spec for purging expired sessions
	BcryptCost           int

	CORSAllowedOrigins []string
	TrustProxyHeaders  bool
}

// IsProduction reports whether cookies should be marked Secure.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Load loads configuration from environment variables or sets defaults.
// A .env.local file in the working directory (or its parent) is read first.
func Load() (*Config, error) {
	loadEnvFile()

	portStr := getEnv("PORT", "8080")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT %q: %w", portStr, err)
	}

	lifetimeStr := getEnv("SESSION_LIFETIME", "24h")
	lifetime, err := time.ParseDuration(lifetimeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SESSION_LIFETIME %q: %w", lifetimeStr, err)
	}

	costStr := getEnv("BCRYPT_COST", "10")
	cost, err := strconv.Atoi(costStr)
	if err != nil {
		return nil, fmt.Errorf("invalid BCRYPT_COST %q: %w", costStr, err)
	}

	trustStr := getEnv("TRUST_PROXY_HEADERS", "false")
	trustProxy, err := strconv.ParseBool(trustStr)
	if err != nil {
		return nil, fmt.Errorf("invalid TRUST_PROXY_HEADERS %q: %w", trustStr, err)
	}

	cfg := &Config{
		ServerPort:           port,
		DatabasePath:         getEnv("DATABASE_PATH", "./discussion.db"),
		AppEnv:               getEnv("APP_ENV", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		SecretKey:            getEnv("SECRET_KEY", ""),
		SessionCookieName:    getEnv("SESSION_COOKIE_NAME", "discussion.session"),
		SessionLifetime:      lifetime,
		SessionSweepSchedule: getEnv("SESSION_SWEEP_SCHEDULE", "@every 1h"),
		BcryptCost:           cost,
		CORSAllowedOrigins:   splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:8080")),
		TrustProxyHeaders:    trustProxy,
	}

	if cfg.SecretKey == "" && !cfg.IsProduction() {
		cfg.SecretKey = devSecretKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded values for consistency.
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.ServerPort)
	}
	if c.SecretKey == "" {
		return errors.New("SECRET_KEY is required in production")
	}
	if c.SessionCookieName == "" {
		return errors.New("SESSION_COOKIE_NAME must not be empty")
	}
	if c.SessionLifetime <= 0 {
		return fmt.Errorf("SESSION_LIFETIME must be positive, got %s", c.SessionLifetime)
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31, got %d", c.BcryptCost)
	}
	return nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}
	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Helper to get an environment variable with a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
