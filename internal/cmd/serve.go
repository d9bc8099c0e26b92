package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gantry/internal/config"
	"github.com/3leaps/gantry/internal/observability"
	"github.com/3leaps/gantry/internal/server"
	"github.com/3leaps/gantry/internal/server/handlers"
	"github.com/3leaps/gantry/pkg/runstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API over HTTP",
	Long: `Start the read-only status server exposing health probes, build
metadata, and recorded runs.

Example:
  gantry serve
  gantry serve --port 9000`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
}

// signalHealthChecker reports process liveness; it always succeeds.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// runStoreHealthChecker verifies the run store root is readable.
type runStoreHealthChecker struct {
	store *runstore.Store
}

func (c runStoreHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return fmt.Errorf("run store not configured")
	}
	if _, err := c.store.List(); err != nil {
		return fmt.Errorf("run store unreadable: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	store := runstore.NewStore(cfg.Runs.Dir)

	manager := handlers.InitHealthManager(versionInfo.Version)
	manager.RegisterChecker("signal", signalHealthChecker{})
	manager.RegisterChecker("runstore", runStoreHealthChecker{store: store})

	srv := server.New(host, port,
		server.WithVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate),
		server.WithRunStore(store),
	)

	observability.CLILogger.Info("Starting status server",
		zap.String("host", host),
		zap.Int("port", port))

	if err := srv.Start(ctx,
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
		cfg.Server.IdleTimeout,
		cfg.Server.ShutdownTimeout,
	); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status server failed", err)
	}
	return nil
}
