package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sesionesfotosia/headshot-hub/internal/prompt"
	"github.com/sesionesfotosia/headshot-hub/internal/wizard"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate an env file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			p := prompt.Stdio()
			p.Out = cmd.OutOrStdout()
			w := wizard.New(p)
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output env file path (default: ./.env)")
	cmd.Flags().Bool("defaults", false, "generate the env file non-interactively from env vars and fresh secrets")
	return cmd
}
