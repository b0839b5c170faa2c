package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/storepulse/internal/config"
	"github.com/nkkko/storepulse/internal/engine"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

// buildServeCmd creates the "serve" command that runs the event server
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
		addr       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the StorePulse event server",
		Long: `Start the event server with the configured HTTP host, journal, and
optional NATS cluster bridge.

Settings come from the YAML file, then STOREPULSE_* environment variables,
then flags. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  storepulse serve --config /etc/storepulse.yaml
  STOREPULSE_SERVER_FRAMEWORK=fiber storepulse serve --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath, dataDir, addr, logLevel)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Journal data directory")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.CreateEngine(cfg)
	if err != nil {
		return err
	}

	runErr := e.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
