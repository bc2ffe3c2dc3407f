package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netonboard/pkg/api"
	"github.com/openfroyo/netonboard/pkg/config"
)

// EnvServer overrides the default API address used by client commands.
const EnvServer = "NETONBOARD_SERVER"

const defaultServer = "http://127.0.0.1:8080"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	serverURL  string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "netonboard",
		Short: "netonboard - network device onboarding engine",
		Long: `netonboard discovers the platform of network devices, connects to them
over SSH or SNMP and records their facts in an inventory.

The serve command runs the engine and its REST API. The other commands
are clients of a running server.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	defaultURL := defaultServer
	if env := os.Getenv(EnvServer); env != "" {
		defaultURL = env
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultURL, "API server URL (env "+EnvServer+")")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newDriversCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// loadConfig reads --config, or the defaults plus environment when unset.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	cfg := config.Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newClient() *api.Client {
	return api.NewClient(serverURL)
}
