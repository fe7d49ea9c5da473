package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/credlink/keyops/cmd/keyops/commands"
	"github.com/credlink/keyops/internal/config"
	"github.com/credlink/keyops/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile     string
		noColor        bool
		debug          bool
		nonInteractive bool
	)

	// Create config placeholder
	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "keyops",
		Short: "Credential rotation engine - Rotate signing certificates and API keys",
		Long: `keyops rotates the signing certificates and API keys that back
content-authenticity identities, keeping the previous generation warm
for rollback and mirroring new material to configured escrows.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize logger with parsed flags
			logger := logging.New(debug, noColor)

			// Update config with parsed values
			cfg.Path = configFile
			cfg.Logger = logger
			cfg.NonInteractive = nonInteractive
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "keyops.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Non-interactive mode")

	// Add commands
	rootCmd.AddCommand(
		commands.NewRotateCommand(cfg),
		commands.NewRollbackCommand(cfg),
		commands.NewCurrentCommand(cfg),
		commands.NewStatusCommand(cfg),
		commands.NewHealthCommand(cfg),
		commands.NewJanitorCommand(cfg),
	)

	return rootCmd.Execute()
}
