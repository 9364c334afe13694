package main

import (
	"github.com/muvusoft/talkscribe-license/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the license ledger server",
	Long:  `Run the license server: device verification, payment webhooks and the admin API. Configured through TALKSCRIBE_* environment variables or a .env file.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Run(cmd.Context(), Version)
	},
}
