package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netonboard/internal/app"
)

func newServeCommand() *cobra.Command {
	var (
		listen  string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the onboarding engine and REST API",
		Long: `Run the onboarding engine and its REST API.

The server:
  - Builds the driver registry from built-in mappers, plugins and flavors
  - Recovers PENDING and RUNNING tasks from the task store
  - Serves /onboarding/, /drivers/, /healthz and metrics
  - Drains in-flight attempts on SIGINT or SIGTERM`,
		Example: `  # Serve with defaults (in-memory store, 127.0.0.1:8080)
  netonboard serve

  # Serve with a config file and a SQLite task store
  netonboard serve -c netonboard.yaml

  # Override the listen address and worker count
  netonboard serve --listen 0.0.0.0:8080 --workers 32`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if workers > 0 {
				cfg.Orchestrator.Pool.MaxWorkers = workers
			}
			if verbose {
				cfg.Telemetry.Logging.Level = "debug"
			}
			if jsonOutput {
				cfg.Telemetry.Logging.Format = "json"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = a.Close(closeCtx)
			}()

			log.Info().
				Str("listen", cfg.Server.Listen).
				Int("workers", cfg.Orchestrator.Pool.MaxWorkers).
				Int("drivers", a.Registry.Len()).
				Msg("Starting netonboard")

			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().IntVar(&workers, "workers", 0, "maximum concurrent onboarding attempts (overrides config)")

	return cmd
}
