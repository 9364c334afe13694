package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Ledger storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverJSON     = "json"
)

// Config holds all configuration for the license server.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	LedgerDriver string
	LedgerDSN    string // postgres only

	WebhookPublicKey     string // PEM or base64, inline
	WebhookPublicKeyFile string // watched for changes when set
	WebhookTolerance     time.Duration

	DecisionSigningKey string // base64 Ed25519 seed or key; empty disables tokens
	AdminKeyHash       string // bcrypt hash; empty disables admin routes

	RateLimit     int // requests per minute per IP on verify and webhook
	PublicMetrics bool

	SendGridAPIKey string // optional; if empty, emails are logged
	EmailFrom      string

	LogLevel  string
	LogFormat string
}

// LedgerDir returns the directory for file-backed ledger storage.
func (c *Config) LedgerDir() string {
	return filepath.Join(c.DataDir, "ledger")
}

// LoadConfig loads server configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("TALKSCRIBE_PORT", 8080)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("TALKSCRIBE_RATE_LIMIT", defaultRateLimit)
	if err != nil {
		return nil, err
	}
	toleranceSecs, err := envOrDefaultInt("TALKSCRIBE_WEBHOOK_TOLERANCE_SECONDS", 0)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("TALKSCRIBE_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:              envOrDefault("TALKSCRIBE_DATA_DIR", "/var/lib/talkscribe"),
		BindAddress:          envOrDefault("TALKSCRIBE_BIND_ADDRESS", "0.0.0.0"),
		Port:                 port,
		LedgerDriver:         strings.ToLower(envOrDefault("TALKSCRIBE_LEDGER_DRIVER", DriverSQLite)),
		LedgerDSN:            strings.TrimSpace(os.Getenv("TALKSCRIBE_LEDGER_DSN")),
		WebhookPublicKey:     strings.TrimSpace(os.Getenv("TALKSCRIBE_WEBHOOK_PUBLIC_KEY")),
		WebhookPublicKeyFile: strings.TrimSpace(os.Getenv("TALKSCRIBE_WEBHOOK_PUBLIC_KEY_FILE")),
		WebhookTolerance:     time.Duration(toleranceSecs) * time.Second,
		DecisionSigningKey:   strings.TrimSpace(os.Getenv("TALKSCRIBE_DECISION_SIGNING_KEY")),
		AdminKeyHash:         strings.TrimSpace(os.Getenv("TALKSCRIBE_ADMIN_KEY_HASH")),
		RateLimit:            rateLimit,
		PublicMetrics:        publicMetrics,
		SendGridAPIKey:       strings.TrimSpace(os.Getenv("SENDGRID_API_KEY")),
		EmailFrom:            envOrDefault("TALKSCRIBE_EMAIL_FROM", "TalkScribe <no-reply@muvusoft.site>"),
		LogLevel:             envOrDefault("TALKSCRIBE_LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("TALKSCRIBE_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate server config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.WebhookPublicKey == "" && c.WebhookPublicKeyFile == "" {
		missing = append(missing, "TALKSCRIBE_WEBHOOK_PUBLIC_KEY or TALKSCRIBE_WEBHOOK_PUBLIC_KEY_FILE")
	}
	if c.LedgerDriver == DriverPostgres && c.LedgerDSN == "" {
		missing = append(missing, "TALKSCRIBE_LEDGER_DSN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("TALKSCRIBE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	switch c.LedgerDriver {
	case DriverSQLite, DriverPostgres, DriverJSON:
	default:
		return fmt.Errorf("TALKSCRIBE_LEDGER_DRIVER must be one of sqlite, postgres, json; got %q", c.LedgerDriver)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("TALKSCRIBE_RATE_LIMIT must be greater than 0, got %d", c.RateLimit)
	}
	if c.WebhookTolerance < 0 {
		return fmt.Errorf("TALKSCRIBE_WEBHOOK_TOLERANCE_SECONDS must not be negative")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
