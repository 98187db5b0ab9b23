package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sesionesfotosia/headshot-hub/internal/config"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [config-file]",
		Short: "Validate configuration and list the enabled integrations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, resolveConfigPath(cmd, args, ""))
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printSummary(w io.Writer, cfg *config.Config) {
	row := func(name, value string) {
		_, _ = fmt.Fprintf(w, "  %-14s %s\n", name, value)
	}

	_, _ = fmt.Fprintln(w, "Configuration OK")
	row("listen", cfg.Server.Addr)
	row("site", orNone(cfg.Site.URL))
	if cfg.Auth.SupabaseURL != "" {
		row("auth", "supabase jwks "+cfg.Auth.SupabaseURL)
	} else {
		row("auth", "shared jwt secret")
	}
	row("storage", cfg.Storage.Driver)
	row("idempotency", cfg.Idempotency.Backend)
	if cfg.Stripe.SecretKey != "" {
		row("stripe", fmt.Sprintf("key %s, charge credits: %t", maskSecret(cfg.Stripe.SecretKey), cfg.Stripe.Enabled))
	} else {
		row("stripe", "disabled")
	}
	row("astria", fmt.Sprintf("mode %s, key %s", cfg.Astria.TuneType, maskSecret(cfg.Astria.APIKey)))
	if cfg.Notify.ResendAPIKey != "" {
		row("email", "resend from "+cfg.Notify.From)
	} else {
		row("email", "disabled")
	}
	row("image proxy", strings.Join(cfg.Proxy.AllowedHosts, ", "))
	row("uploads", orNone(cfg.Uploads.Bucket))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// maskSecret keeps only the last four characters visible.
func maskSecret(s string) string {
	if s == "" {
		return "(unset)"
	}
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
