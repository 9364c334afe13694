package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir()) // keep a developer .env out of the test
	t.Setenv("TALKSCRIBE_WEBHOOK_PUBLIC_KEY", "dummy")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.LedgerDriver)
	assert.Equal(t, defaultRateLimit, cfg.RateLimit)
	assert.Zero(t, cfg.WebhookTolerance)
	assert.False(t, cfg.PublicMetrics)
	assert.NotEmpty(t, cfg.EmailFrom)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TALKSCRIBE_PORT", "9090")
	t.Setenv("TALKSCRIBE_LEDGER_DRIVER", "JSON")
	t.Setenv("TALKSCRIBE_WEBHOOK_TOLERANCE_SECONDS", "300")
	t.Setenv("TALKSCRIBE_PUBLIC_METRICS", "true")
	t.Setenv("TALKSCRIBE_DATA_DIR", "/srv/talkscribe")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, DriverJSON, cfg.LedgerDriver)
	assert.Equal(t, 5*time.Minute, cfg.WebhookTolerance)
	assert.True(t, cfg.PublicMetrics)
	assert.Equal(t, "/srv/talkscribe/ledger", cfg.LedgerDir())
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing key", map[string]string{"TALKSCRIBE_WEBHOOK_PUBLIC_KEY": ""}, "TALKSCRIBE_WEBHOOK_PUBLIC_KEY"},
		{"postgres without dsn", map[string]string{"TALKSCRIBE_LEDGER_DRIVER": "postgres"}, "TALKSCRIBE_LEDGER_DSN"},
		{"bad driver", map[string]string{"TALKSCRIBE_LEDGER_DRIVER": "mysql"}, "TALKSCRIBE_LEDGER_DRIVER"},
		{"bad port", map[string]string{"TALKSCRIBE_PORT": "70000"}, "TALKSCRIBE_PORT"},
		{"non-numeric port", map[string]string{"TALKSCRIBE_PORT": "abc"}, "TALKSCRIBE_PORT"},
		{"bad bool", map[string]string{"TALKSCRIBE_PUBLIC_METRICS": "maybe"}, "TALKSCRIBE_PUBLIC_METRICS"},
		{"bad rate", map[string]string{"TALKSCRIBE_RATE_LIMIT": "-1"}, "TALKSCRIBE_RATE_LIMIT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
