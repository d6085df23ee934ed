package main

import (
	"fmt"

	"github.com/polisai/polis-esb/pkg/storage/sqlite"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply run journal migrations to the sqlite database",
		RunE:  runMigrate,
	}
	cmd.Flags().String("db", "", "Database file (overrides journal.path from the configuration)")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		path = cfg.Journal.Path
	}

	db, err := sqlite.Open(path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d (dirty=%t)\n", path, version, dirty)
	return nil
}
