package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/penbox/internal/config"
	"github.com/michaelbrown/penbox/internal/logger"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "penbox",
	Short: "Penbox - run untrusted code in throwaway containers",
	Long: `Penbox builds a one-off container image for a piece of source code,
runs it behind a pseudo-terminal with a deadline, and relays its output
to terminals, browsers and NATS subscribers.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./penbox.yaml or ~/.penbox/penbox.yaml)")
}

// setup loads the configuration and builds the logger every command shares.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
