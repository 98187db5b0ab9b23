package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sesionesfotosia/headshot-hub/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [config-file]",
		Short: "Create or upgrade the database schema and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, resolveConfigPath(cmd, args, ""))
			if err != nil {
				return err
			}
			// Opening the store applies pending migrations.
			db, err := store.New(cfg.Storage)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if err := db.Close(); err != nil {
				return fmt.Errorf("close store: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (%s)\n", cfg.Storage.Driver)
			return nil
		},
	}
}
