package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sesionesfotosia/headshot-hub/internal/config"
	"github.com/sesionesfotosia/headshot-hub/internal/hub"
	"github.com/sesionesfotosia/headshot-hub/internal/logging"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the hub (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "")

	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}

	logger, syncLogs, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	defer syncLogs()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := hub.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize hub", zap.Error(err))
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("headshot hub starting", zap.String("version", version), zap.String("config", configPath))

	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("hub error", zap.Error(err))
		return err
	}

	logger.Info("hub stopped")
	return nil
}

// loadConfig reads the env file named by --env-file, then the config file.
func loadConfig(cmd *cobra.Command, configPath string) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("error: %w", err)
	}
	return cfg, nil
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
