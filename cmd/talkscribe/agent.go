package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/muvusoft/talkscribe-license/internal/client"
	"github.com/muvusoft/talkscribe-license/internal/client/bridge"
	"github.com/muvusoft/talkscribe-license/internal/logging"
	"github.com/muvusoft/talkscribe-license/internal/metrics"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the local entitlement agent",
	Long:  `Run the entitlement core and serve it to the extension over the loopback bridge (POST /message, GET /ws).`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return runAgent(ctx)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the license gate once and print the result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAgentConfig()
		if err != nil {
			return err
		}
		core, err := openCore(cmd.Context(), cfg, nil, nil)
		if err != nil {
			return err
		}
		defer core.Close()

		ok, err := core.CheckLicense(cmd.Context())
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintln(cmd.OutOrStdout(), "allowed")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "denied")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Ask the license server for this device's status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAgentConfig()
		if err != nil {
			return err
		}
		core, err := openCore(cmd.Context(), cfg, nil, nil)
		if err != nil {
			return err
		}
		defer core.Close()

		status, err := core.Status(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

// gateMetrics exports gate decisions to Prometheus.
type gateMetrics struct{}

func (gateMetrics) ObserveDecision(d client.GateDecision) {
	metrics.GateDecisionsTotal.WithLabelValues(d.Reason, strconv.FormatBool(d.Allowed)).Inc()
}

func loadAgentConfig() (*client.Config, error) {
	cfg, err := client.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "license-agent",
	})
	client.UserAgent = "talkscribe-agent/" + Version
	return cfg, nil
}

// openCore returns an initialized core backed by cfg.StateFile.
func openCore(ctx context.Context, cfg *client.Config, notifier client.Notifier, opener client.Opener) (*client.Core, error) {
	store, err := client.OpenFileStore(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}

	var verifier *licensing.DecisionVerifier
	if cfg.DecisionPublicKey != "" {
		key, err := licensing.DecodeEd25519PublicKey(cfg.DecisionPublicKey)
		if err != nil {
			return nil, fmt.Errorf("decode TALKSCRIBE_DECISION_PUBLIC_KEY: %w", err)
		}
		verifier = licensing.NewDecisionVerifier(key, time.Now)
		log.Info().Str("fingerprint", licensing.PublicKeyFingerprint(key)).Msg("Decision token verification enabled")
	}

	core, err := client.New(client.Options{
		Store:       store,
		VerifyURL:   cfg.VerifyURL,
		CheckoutURL: cfg.CheckoutURL,
		PriceID:     cfg.PriceID,
		HTTPTimeout: cfg.HTTPTimeout,
		Verifier:    verifier,
		Notifier:    notifier,
		Opener:      opener,
		Observer:    gateMetrics{},
	})
	if err != nil {
		return nil, err
	}
	if _, err := core.Init(ctx); err != nil {
		return nil, fmt.Errorf("initialize local state: %w", err)
	}
	return core, nil
}

func runAgent(ctx context.Context) error {
	cfg, err := loadAgentConfig()
	if err != nil {
		return err
	}

	// The hub is created first so the core can broadcast through it.
	var core *client.Core
	handler := bridge.HandlerFunc(func(ctx context.Context, msg client.Message) client.Response {
		return core.Handle(ctx, msg)
	})
	hub := bridge.NewHub(handler)

	core, err = openCore(ctx, cfg, hub, bridge.OpenURLBroadcaster(hub))
	if err != nil {
		return err
	}
	defer core.Close()

	log.Info().
		Str("version", Version).
		Str("bridge_addr", cfg.BridgeAddr).
		Str("verify_url", cfg.VerifyURL).
		Str("state_file", cfg.StateFile).
		Msg("Starting TalkScribe license agent")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bridge.NewServer(handler, hub).ListenAndServe(ctx, cfg.BridgeAddr)
	})

	g.Go(func() error {
		ok, err := core.CheckLicense(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Initial license check failed")
			return nil
		}
		log.Info().Bool("allowed", ok).Msg("Initial license check")
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("License agent stopped")
	return nil
}
