package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netonboard/pkg/api"
	"github.com/openfroyo/netonboard/pkg/engine"
)

// EnvPassword supplies --password when the flag is omitted.
const EnvPassword = "NETONBOARD_PASSWORD"

func newSubmitCommand() *cobra.Command {
	var (
		req      engine.Request
		username string
		password string
		secret   string
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a device for onboarding",
		Long: `Submit a device for onboarding and print the task id.

Credentials are given either as a reference (--credential-ref) resolved by
the server, or inline (--username/--password), in which case the server
holds them in memory until the task is deleted or they expire.

Without --platform the server detects the platform by probing the device.`,
		Example: `  # Onboard with a stored credential
  netonboard submit --address 10.0.0.1 --credential-ref lab/core

  # Onboard with inline credentials and a known platform, then wait
  netonboard submit --address sw1.lab --platform cisco_ios \
    --username admin --wait 2m

  # Attach inventory metadata
  netonboard submit --address 10.0.0.2 --credential-ref lab/core \
    --location dc1 --role spine --tag rack=r12`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv(EnvPassword)
			}
			body := api.SubmitRequest{
				Request:  req,
				Username: username,
				Password: password,
				Secret:   secret,
			}

			log.Debug().
				Str("address", req.Address).
				Int("port", req.Port).
				Str("platform", req.Platform).
				Msg("Submitting onboarding request")

			ctx := cmd.Context()
			client := newClient()
			resp, err := client.Submit(ctx, body)
			if err != nil {
				return err
			}

			if wait <= 0 {
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.ID)
				return nil
			}

			task, err := client.Get(ctx, resp.ID, wait)
			if err != nil {
				return err
			}
			return printTask(cmd.OutOrStdout(), task)
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Address, "address", "", "device management address")
	f.IntVar(&req.Port, "port", 22, "management port")
	f.StringVar(&req.Protocol, "protocol", "", "restrict detection to a transport (ssh, snmp)")
	f.StringVar(&req.Platform, "platform", "", "platform id, skips detection")
	f.StringVar(&req.CredentialRef, "credential-ref", "", "credential reference resolved by the server")
	f.IntVar(&req.Timeout, "timeout", 0, "per-attempt timeout in seconds")
	f.StringVar(&req.Location, "location", "", "inventory location")
	f.StringVar(&req.Role, "role", "", "inventory role")
	f.StringVar(&req.DeviceType, "device-type", "", "inventory device type")
	f.StringSliceVar(&req.Tags, "tag", nil, "inventory tags (key or key=value)")
	f.StringVar(&username, "username", "", "inline username")
	f.StringVar(&password, "password", "", "inline password (env "+EnvPassword+")")
	f.StringVar(&secret, "secret", "", "inline enable secret")
	f.DurationVar(&wait, "wait", 0, "wait up to this long for the task to finish")

	cmd.MarkFlagRequired("address")

	return cmd
}

func newStatusCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show an onboarding task",
		Example: `  # Show a task
  netonboard status 5f0c...

  # Long-poll until the task finishes
  netonboard status 5f0c... --wait 60s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := newClient().Get(cmd.Context(), args[0], wait)
			if err != nil {
				return err
			}
			return printTask(cmd.OutOrStdout(), task)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "long-poll until the task is terminal")

	return cmd
}

func newListCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List onboarding tasks",
		Example: `  # List all tasks
  netonboard list

  # Only failed tasks, as JSON
  netonboard list --status FAILED --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter engine.TaskStatus
			if status != "" {
				filter = engine.TaskStatus(status)
				if err := filter.Validate(); err != nil {
					return err
				}
			}

			tasks, err := newClient().List(cmd.Context())
			if err != nil {
				return err
			}
			if filter != "" {
				kept := tasks[:0]
				for _, t := range tasks {
					if t.Status == filter {
						kept = append(kept, t)
					}
				}
				tasks = kept
			}
			return printTasks(cmd.OutOrStdout(), tasks)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (PENDING, RUNNING, SUCCEEDED, FAILED)")

	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an active onboarding task",
		Long: `Cancel an active onboarding task. The task stays in the store as FAILED
with reason CANCELLED. Cancelling a finished task is a conflict.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			log.Info().Str("id", args[0]).Msg("Cancellation requested")
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Cancel if active, then delete an onboarding task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			log.Info().Str("id", args[0]).Msg("Task deleted")
			return nil
		},
	}
}
