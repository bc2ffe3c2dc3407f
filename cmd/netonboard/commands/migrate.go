package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netonboard/internal/app"
	"github.com/openfroyo/netonboard/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply schema migrations to the configured SQLite task store and the
Postgres inventory, if either is configured. serve migrates on start; this
command lets an operator do it ahead of a rollout.`,
		Example: `  netonboard migrate -c netonboard.yaml
  NETONBOARD_DB=/var/lib/netonboard/tasks.db netonboard migrate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			migrated := 0
			if cfg.Store.Driver == "sqlite" {
				s, err := app.OpenSQLite(ctx, cfg.Store.SQLite)
				if err != nil {
					return err
				}
				_ = s.Close()
				log.Info().Str("path", cfg.Store.SQLite.Path).Msg("SQLite store migrated")
				migrated++
			}
			if cfg.Inventory.Driver == "postgres" {
				pg, err := stores.NewPostgresInventory(ctx, *cfg.Inventory.Postgres)
				if err != nil {
					return err
				}
				defer pg.Close()
				if err := pg.Migrate(ctx); err != nil {
					return err
				}
				log.Info().Msg("Postgres inventory migrated")
				migrated++
			}

			if migrated == 0 {
				log.Info().Msg("No persistent store configured, nothing to migrate")
			}
			return nil
		},
	}
}
