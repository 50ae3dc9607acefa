// File: cmd/components.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/internal/classifier"
	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/device"
	"github.com/xkilldash9x/formpilot/internal/engine"
	"github.com/xkilldash9x/formpilot/internal/journal"
	"github.com/xkilldash9x/formpilot/internal/observability"
	"github.com/xkilldash9x/formpilot/internal/orchestrator"
	"github.com/xkilldash9x/formpilot/internal/resolver"
	"github.com/xkilldash9x/formpilot/internal/store"
	"github.com/xkilldash9x/formpilot/internal/telemetry"
)

// components holds the initialized services shared by run and serve.
type components struct {
	Devices      device.Factory
	Journals     *journal.Store
	Metrics      *observability.Metrics
	Publisher    *telemetry.Publisher
	Sinks        store.Multi
	Orchestrator *orchestrator.Orchestrator
	Engine       *engine.Engine

	closeSinks func()
	logger     *zap.Logger
}

// Shutdown releases the device factory and the result sinks.
func (c *components) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if c.Devices != nil {
		if err := c.Devices.Close(shutdownCtx); err != nil {
			c.logger.Warn("Error during device factory shutdown", zap.Error(err))
		}
	}
	if c.closeSinks != nil {
		c.closeSinks()
	}
}

// initializeComponents handles dependency injection. On error the partially
// built components are returned so the caller can shut them down.
func initializeComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*components, error) {
	c := &components{
		Journals: journal.NewStore(),
		Metrics:  observability.NewMetrics(),
		logger:   logger,
	}
	c.Publisher = telemetry.NewPublisher(telemetry.PublisherOptions{
		Capacity:  cfg.Telemetry().BufferCapacity,
		Retention: cfg.Telemetry().Retention,
		Metrics:   c.Metrics,
	}, logger)

	// 1. Device backend
	devices, err := device.NewFactory(ctx, cfg.Device(), logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize %s device backend: %w", cfg.Device().Backend, err)
	}
	c.Devices = devices

	// 2. Result sinks
	sinks, closeSinks, err := store.Open(ctx, cfg.Results(), logger)
	if err != nil {
		return c, fmt.Errorf("failed to open result sinks: %w", err)
	}
	c.Sinks = sinks
	c.closeSinks = closeSinks

	// 3. Resolver and its classifier fallback
	cls, err := classifier.New(ctx, cfg.Resolver().Classifier, logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize classifier: %w", err)
	}
	res := resolver.New(resolver.Options{
		Classifier: cls,
		Timeout:    cfg.Resolver().Classifier.Timeout,
		Logger:     logger,
	})

	// 4. Orchestrator and engine
	orch, err := orchestrator.New(cfg, orchestrator.Dependencies{
		Devices:   devices,
		Journals:  c.Journals,
		Resolver:  res,
		Publisher: c.Publisher,
		Sink:      sinks,
		Metrics:   c.Metrics,
		Logger:    logger,
	})
	if err != nil {
		return c, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	c.Orchestrator = orch

	eng, err := engine.New(cfg, orch, logger)
	if err != nil {
		return c, fmt.Errorf("failed to create engine: %w", err)
	}
	c.Engine = eng
	return c, nil
}
