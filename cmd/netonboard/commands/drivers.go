package commands

import (
	"github.com/spf13/cobra"
)

func newDriversCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List the drivers registered on the server",
		Example: `  netonboard drivers
  netonboard drivers --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			descs, err := newClient().Drivers(cmd.Context())
			if err != nil {
				return err
			}
			return printDrivers(cmd.OutOrStdout(), descs)
		},
	}
}
