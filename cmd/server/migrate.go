package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create any missing tables and indexes, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := openStore(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := repo.Close(); closeErr != nil {
					a.logger.Error("Failed to close repository", "error", closeErr)
				}
			}()

			if err := repo.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate %s: %w", a.cfg.DB.Driver, err)
			}
			a.logger.Info("Schema up to date", "driver", a.cfg.DB.Driver)
			return nil
		},
	}
}
