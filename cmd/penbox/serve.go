package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/penbox/internal/relay"
	"github.com/michaelbrown/penbox/internal/sandbox"
	"github.com/michaelbrown/penbox/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the penbox server",
	Long: `Start the penbox HTTP server with REST API and WebSocket relay.

API endpoints are under /api. When relay.nats_url is set, executions can
also be driven over NATS.

Examples:
  penbox serve
  penbox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	executors, closeExecutors, err := sandbox.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer closeExecutors()

	registry := executors.Registry()
	hub := relay.NewHub(registry, logger)
	registry.OnPurge(hub.Forget)

	if cfg.Relay.NatsURL != "" {
		nc, err := nats.Connect(cfg.Relay.NatsURL, nats.Name("penbox"))
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer nc.Drain()

		bridge := relay.NewNATSBridge(nc, hub, cfg.Relay.SubjectPrefix, logger)
		if err := bridge.Start(); err != nil {
			return fmt.Errorf("starting nats relay: %w", err)
		}
		defer bridge.Stop()
		logger.Info("nats relay enabled",
			zap.String("url", cfg.Relay.NatsURL),
			zap.String("prefix", cfg.Relay.SubjectPrefix))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.Run(ctx, cfg.Reaper.InitialDelay, cfg.Reaper.Interval)

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	history, closeHistory, err := newHistory(logger)
	if err != nil {
		return err
	}
	defer closeHistory()

	srv := server.New(cfg, executors, hub, store, history, logger)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-sigCh
		cancel()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), sandbox.ShutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("unclean shutdown", zap.Error(err))
		}
	}()

	if err := srv.Start(port); err != nil {
		return err
	}
	// Start returns as soon as the listener closes; sandboxes are still
	// being torn down
	<-stopped
	return nil
}
