package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sesionesfotosia/headshot-hub/internal/store"
)

func newCreditsCmd() *cobra.Command {
	creditsCmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect or adjust a user's credit balance",
	}
	creditsCmd.AddCommand(newCreditsShowCmd())
	creditsCmd.AddCommand(newCreditsGrantCmd())
	return creditsCmd
}

func newCreditsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print the user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			balance, err := db.GetCredits(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get credits: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], balance)
			return nil
		},
	}
}

func newCreditsGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Add credits to a user, e.g. after a manual refund",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.Atoi(args[1])
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}

			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			balance, err := db.AddCredits(cmd.Context(), args[0], amount)
			if err != nil {
				return fmt.Errorf("add credits: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Granted %d credits to %s, balance is now %d\n", amount, args[0], balance)
			return nil
		},
	}
}

func openStore(cmd *cobra.Command) (store.Store, error) {
	cfg, err := loadConfig(cmd, resolveConfigPath(cmd, nil, ""))
	if err != nil {
		return nil, err
	}
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}
