// internal/device/factory.go
package device

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/device/cdp"
	"github.com/xkilldash9x/formpilot/internal/device/simulated"
	"github.com/xkilldash9x/formpilot/internal/network"
)

// Factory hands out one backend per session.
type Factory interface {
	NewBackend(ctx context.Context, sessionID string) (Backend, error)
	Close(ctx context.Context) error
}

// FactoryFunc adapts a function to Factory. Close is a no-op.
type FactoryFunc func(ctx context.Context, sessionID string) (Backend, error)

func (f FactoryFunc) NewBackend(ctx context.Context, sessionID string) (Backend, error) {
	return f(ctx, sessionID)
}

func (FactoryFunc) Close(context.Context) error { return nil }

// NewFactory selects the backend named by cfg.Backend.
func NewFactory(ctx context.Context, cfg config.DeviceConfig, logger *zap.Logger) (Factory, error) {
	switch cfg.Backend {
	case config.BackendLive:
		alloc, err := cdp.NewAllocator(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &liveFactory{alloc: alloc}, nil
	case config.BackendSimulation:
		site, err := simulated.LoadSite(cfg.Simulation.SiteDir)
		if err != nil {
			return nil, err
		}
		return NewSimulationFactory(site, simulated.Options{ScreenshotDir: cfg.ScreenshotDir}), nil
	case config.BackendHTTP:
		clientCfg := network.NewDefaultClientConfig()
		clientCfg.RequestTimeout = cfg.NavigationTimeout
		clientCfg.Logger = logger
		return NewHTTPFactory(network.NewHTTPTransport(clientCfg), cfg.NavigationTimeout,
			simulated.Options{ScreenshotDir: cfg.ScreenshotDir}), nil
	default:
		return nil, fmt.Errorf("unknown device backend %q", cfg.Backend)
	}
}

// NewSimulationFactory serves site to every session. A configured screenshot
// directory is split per session.
func NewSimulationFactory(site *simulated.Site, opts simulated.Options) Factory {
	return FactoryFunc(func(_ context.Context, sessionID string) (Backend, error) {
		o := opts
		if o.ScreenshotDir != "" {
			o.ScreenshotDir = filepath.Join(o.ScreenshotDir, sessionID)
		}
		return simulated.NewBackend(site, o), nil
	})
}

// NewHTTPFactory gives each session a script-free backend reading pages
// through transport, with its own cookie jar.
func NewHTTPFactory(transport http.RoundTripper, timeout time.Duration, opts simulated.Options) Factory {
	return FactoryFunc(func(_ context.Context, sessionID string) (Backend, error) {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		client := &http.Client{Transport: transport, Timeout: timeout, Jar: jar}
		o := opts
		o.Name = simulated.HTTPBackendName
		if o.ScreenshotDir != "" {
			o.ScreenshotDir = filepath.Join(o.ScreenshotDir, sessionID)
		}
		return simulated.NewBackend(simulated.NewHTTPSource(client), o), nil
	})
}

type liveFactory struct {
	alloc *cdp.Allocator
}

func (f *liveFactory) NewBackend(ctx context.Context, sessionID string) (Backend, error) {
	b, err := f.alloc.NewBackend(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (f *liveFactory) Close(ctx context.Context) error {
	return f.alloc.Close(ctx)
}
