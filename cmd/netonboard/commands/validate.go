package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netonboard/pkg/mapper"
	"github.com/openfroyo/netonboard/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, mappers and policies",
		Long: `Validate the configuration without starting the server.

This command checks:
  - YAML or CUE syntax and field constraints
  - Mapper definitions in drivers.mapper_dir
  - Rego policies in policy.paths`,
		Example: `  netonboard validate -c netonboard.yaml
  netonboard validate -c netonboard.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			builtin, err := mapper.Builtin()
			if err != nil {
				return err
			}
			mappers := len(builtin)
			if dir := cfg.Drivers.MapperDir; dir != "" {
				extra, err := mapper.LoadDir(os.DirFS(dir), ".")
				if err != nil {
					return fmt.Errorf("mapper dir %s: %w", dir, err)
				}
				mappers += len(extra)
			}

			policies := 0
			if cfg.Policy.Enabled {
				opts := []policy.Option{policy.WithDenyCIDRs(cfg.Policy.DenyCIDRs)}
				if !cfg.Policy.Builtins {
					opts = append(opts, policy.WithoutBuiltins())
				}
				pe, err := policy.NewEngine(log.Logger, opts...)
				if err != nil {
					return err
				}
				if len(cfg.Policy.Paths) > 0 {
					if err := pe.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
						return err
					}
				}
				policies = len(pe.ListPolicies())
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"valid":    true,
					"mappers":  mappers,
					"policies": policies,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s configuration valid (%d mappers, %d policies)\n",
				checkMark(), mappers, policies)
			return nil
		},
	}
}
