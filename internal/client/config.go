package client

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Client defaults.
const (
	DefaultVerifyURL  = "https://muvusoft.site/serv_chr_talks/verify.php"
	DefaultBridgeAddr = "127.0.0.1:47615"
)

// Config holds the agent configuration.
type Config struct {
	VerifyURL         string
	CheckoutURL       string
	PriceID           string
	StateFile         string
	BridgeAddr        string
	DecisionPublicKey string // base64 Ed25519; empty accepts unsigned decisions
	HTTPTimeout       time.Duration

	LogLevel  string
	LogFormat string
}

// LoadConfig reads the agent configuration from the environment, after a
// best-effort .env load.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	timeoutSecs := 10
	if v := strings.TrimSpace(os.Getenv("TALKSCRIBE_HTTP_TIMEOUT_SECONDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("TALKSCRIBE_HTTP_TIMEOUT_SECONDS must be a valid integer: %w", err)
		}
		timeoutSecs = n
	}

	stateFile := strings.TrimSpace(os.Getenv("TALKSCRIBE_STATE_FILE"))
	if stateFile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("TALKSCRIBE_STATE_FILE not set and no user config dir: %w", err)
		}
		stateFile = filepath.Join(dir, "talkscribe", "state.json")
	}

	cfg := &Config{
		VerifyURL:         envOrDefault("TALKSCRIBE_VERIFY_URL", DefaultVerifyURL),
		CheckoutURL:       envOrDefault("TALKSCRIBE_CHECKOUT_URL", DefaultCheckoutURL),
		PriceID:           envOrDefault("TALKSCRIBE_PRICE_ID", DefaultPriceID),
		StateFile:         stateFile,
		BridgeAddr:        envOrDefault("TALKSCRIBE_BRIDGE_ADDR", DefaultBridgeAddr),
		DecisionPublicKey: strings.TrimSpace(os.Getenv("TALKSCRIBE_DECISION_PUBLIC_KEY")),
		HTTPTimeout:       time.Duration(timeoutSecs) * time.Second,
		LogLevel:          envOrDefault("TALKSCRIBE_LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("TALKSCRIBE_LOG_FORMAT", "auto"),
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate agent config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, raw := range map[string]string{
		"TALKSCRIBE_VERIFY_URL":   c.VerifyURL,
		"TALKSCRIBE_CHECKOUT_URL": c.CheckoutURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
		}
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("TALKSCRIBE_HTTP_TIMEOUT_SECONDS must be greater than 0")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
