package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "thirdplace-server",
		Short: "Per-event coverage and door access for third places",
		Long: `thirdplace-server prices and issues per-event coverage envelopes and
turns them into door credentials that stop admitting people once the
attendance cap is reached.

Settings come from THIRDPLACE_* environment variables.  Running without a
subcommand starts the HTTP server.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newSeedCommand(),
		newClassifyCommand(),
		newQuoteCommand(),
		newRevokeAllCommand(),
		newLockBridgeCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
