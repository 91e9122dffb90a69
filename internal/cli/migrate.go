package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"physics-pipeline/internal/shared/storage/db"
	"physics-pipeline/internal/shared/telemetry"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the run ledger schema to DATABASE_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if root.cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			ctx := cmd.Context()
			sqlDB, err := db.Connect(ctx, root.cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultMigrateOptions()))
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			if err := db.RunMigrations(ctx, sqlDB); err != nil {
				return err
			}
			telemetry.Info("db.migrated", nil)
			return nil
		},
	}
}
