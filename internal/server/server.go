// Package server runs the license ledger HTTP service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muvusoft/talkscribe-license/internal/email"
	"github.com/muvusoft/talkscribe-license/internal/ledger"
	"github.com/muvusoft/talkscribe-license/internal/ledger/jsonstore"
	"github.com/muvusoft/talkscribe-license/internal/ledger/sqlstore"
	"github.com/muvusoft/talkscribe-license/internal/logging"
	"github.com/muvusoft/talkscribe-license/internal/webhook"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/rs/zerolog/log"
)

// OpenRepository opens the ledger storage selected by cfg.LedgerDriver.
func OpenRepository(cfg *Config) (ledger.Repository, error) {
	var (
		repo ledger.Repository
		err  error
	)
	switch cfg.LedgerDriver {
	case DriverPostgres:
		repo, err = sqlstore.OpenPostgres(cfg.LedgerDSN)
	case DriverJSON:
		repo, err = jsonstore.Open(cfg.LedgerDir())
	default:
		repo, err = sqlstore.OpenSQLite(cfg.LedgerDir())
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// NewEmailSender returns the SendGrid sender when an API key is configured,
// and a log-only sender otherwise.
func NewEmailSender(cfg *Config) email.Sender {
	if cfg.SendGridAPIKey != "" {
		log.Info().Msg("Email sender configured (SendGrid)")
		return email.NewSendGridSender(cfg.SendGridAPIKey)
	}
	log.Info().Msg("Email sender: log-only (set SENDGRID_API_KEY to enable)")
	return email.NewLogSender(func(to, subject, body string) {
		const maxBody = 4096
		bodyForLog := body
		if len(bodyForLog) > maxBody {
			bodyForLog = bodyForLog[:maxBody] + "...(truncated)"
		}
		log.Info().
			Str("to", to).
			Str("subject", subject).
			Str("body", bodyForLog).
			Msg("Email (log-only, no email provider configured)")
	})
}

func newDecisionSigner(cfg *Config) (*licensing.DecisionSigner, error) {
	if cfg.DecisionSigningKey == "" {
		return nil, nil
	}
	key, err := licensing.DecodeEd25519PrivateKey(cfg.DecisionSigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode TALKSCRIBE_DECISION_SIGNING_KEY: %w", err)
	}
	return licensing.NewDecisionSigner(key), nil
}

// Run starts the license server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "license-server",
	})
	log.Info().Str("version", version).Str("ledger_driver", cfg.LedgerDriver).Msg("Starting TalkScribe license server")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	repo, err := OpenRepository(cfg)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer repo.Close()

	signer, err := newDecisionSigner(cfg)
	if err != nil {
		return err
	}
	if signer != nil {
		log.Info().Msg("Decision tokens enabled")
	}
	l := ledger.New(repo, ledger.WithDecisionSigner(signer))

	webhookKey, err := LoadWebhookKey(cfg)
	if err != nil {
		return err
	}
	keys := webhook.NewKeyStore(webhookKey)
	log.Info().Str("fingerprint", licensing.PublicKeyFingerprint(webhookKey)).Msg("Webhook public key loaded")

	if cfg.WebhookPublicKeyFile != "" {
		kw, err := NewKeyWatcher(cfg.WebhookPublicKeyFile, keys)
		if err != nil {
			log.Warn().Err(err).Msg("Webhook key hot reload disabled")
		} else if err := kw.Start(); err != nil {
			log.Warn().Err(err).Msg("Webhook key hot reload disabled")
		} else {
			defer kw.Stop()
		}
	}

	if cfg.AdminKeyHash == "" {
		log.Warn().Msg("TALKSCRIBE_ADMIN_KEY_HASH not set, admin routes are disabled")
	}

	handler := NewHandler(&Deps{
		Config:      cfg,
		Ledger:      l,
		Activator:   l,
		WebhookKeys: keys,
		EmailSender: NewEmailSender(cfg),
		Version:     version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("License server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	case err := <-serveErr:
		log.Error().Err(err).Msg("Server failed")
		runErr = fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("License server stopped")
	return runErr
}
