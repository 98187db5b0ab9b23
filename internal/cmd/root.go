package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for headshot-hub.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "headshot-hub",
		Short: "Headshot hub: payments, training and delivery backend",
		Long: "Headshot hub sells credits through Stripe, trains Astria models from user photos, " +
			"records generated headshots from Astria callbacks and pushes updates to the browser.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newCreditsCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (yaml, json or toml); environment only when empty")
	root.PersistentFlags().String("env-file", ".env", "env file loaded before reading the environment")

	return root
}
