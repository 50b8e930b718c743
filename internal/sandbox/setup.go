package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/michaelbrown/penbox/internal/catalog"
	"github.com/michaelbrown/penbox/internal/config"
)

// NewRuntimeFromConfig returns the runtime selected by sandbox.engine and a
// func releasing it.
func NewRuntimeFromConfig(cfg *config.Config, logger *zap.Logger) (Runtime, func(), error) {
	cli := NewDockerCLI(cfg.Sandbox.DockerPath, logger)
	if cfg.Sandbox.Engine != "api" {
		return cli, func() {}, nil
	}

	api, err := NewDockerAPI(cli, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return api, func() { api.Close() }, nil
}

// NewFromConfig builds an executor set, with its own registry, from cfg. The
// returned func ends live executions and releases the runtime.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*ExecutorSet, func(), error) {
	cat, err := catalog.Load(cfg.Sandbox.CatalogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading catalog: %w", err)
	}

	rt, closeRuntime, err := NewRuntimeFromConfig(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	registry := NewRegistry(logger, WithRetention(cfg.Reaper.Retention))
	set := NewExecutorSet(cfg.Sandbox.TemplatesDir, rt, registry, logger,
		WithCatalog(cat),
		WithWorkDir(cfg.Sandbox.WorkDir),
		WithPolicy(Policy{
			CPUs:    cfg.Sandbox.CPUs,
			Memory:  cfg.Sandbox.Memory,
			Network: cfg.Sandbox.Network,
		}),
		WithIntervals(Intervals{
			Watchdog:      cfg.Pumps.WatchdogInterval,
			Flush:         cfg.Pumps.FlushInterval,
			Drain:         cfg.Pumps.DrainInterval,
			DrainAttempts: cfg.Pumps.DrainAttempts,
		}),
		WithTimeouts(cfg.Sandbox.DefaultTimeout, cfg.Sandbox.MaxTimeout),
	)

	return set, func() {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		registry.Shutdown(ctx)
		closeRuntime()
	}, nil
}
