// Package main is the entry point for the polis-esb binary.
// It provides a CLI for serving routes, checking route files and managing the
// run journal schema.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/polisai/polis-esb/pkg/config"
	"github.com/polisai/polis-esb/pkg/logging"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.yaml"

func main() {
	// A missing .env file is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-esb
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-esb",
		Short: "Message pipeline engine for SOAP/HTTP integrations",
		Long: `polis-esb accepts SOAP requests on configured paths and runs each message
through a route: validation, transformation, header changes and a call to a
downstream HTTP service, answering the caller synchronously.

Example:
  polis-esb serve --config config.yaml
  polis-esb check --routes routes.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newCheckCmd(), newMigrateCmd())
	return rootCmd
}

// loadConfig reads the configuration named by --config and builds the logger
// it describes.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if level != "" {
		cfg.Logging.Level = level
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}
