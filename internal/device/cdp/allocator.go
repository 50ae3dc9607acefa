// internal/device/cdp/allocator.go
package cdp

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/internal/config"
)

// userAgent is applied at launch so headless Chrome does not announce itself.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Allocator owns one browser process. Every session gets its own tab in it.
type Allocator struct {
	logger *zap.Logger
	cfg    config.DeviceConfig

	// allocatorCtx manages the browser process.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	// browserCtx holds the connection to the running browser. Tab contexts
	// derive from it; cancelling it shuts the browser down.
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// wg tracks open tabs for a graceful shutdown.
	wg sync.WaitGroup
}

// NewAllocator launches the browser and verifies it responds.
func NewAllocator(ctx context.Context, cfg config.DeviceConfig, logger *zap.Logger) (*Allocator, error) {
	a := &Allocator{
		logger: logger.Named("cdp_allocator"),
		cfg:    cfg,
	}
	if err := a.launch(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return a, nil
}

func (a *Allocator) launch(ctx context.Context) error {
	a.logger.Info("Initializing browser allocator...", zap.Bool("headless", a.cfg.Headless))

	allocCtx, cancel := chromedp.NewExecAllocator(Detach(ctx), a.allocatorOptions()...)
	a.allocatorCtx = allocCtx
	a.allocatorCancel = cancel

	// The first Run starts the process, which then lives as long as the
	// context it was given, so it gets browserCtx itself.
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	a.browserCtx = browserCtx
	a.browserCancel = browserCancel
	if err := chromedp.Run(browserCtx); err != nil {
		a.shutdown()
		return fmt.Errorf("browser failed to start: %w", err)
	}

	probeCtx, cancelProbe := CombineContext(browserCtx, ctx)
	defer cancelProbe()
	probeCtx, cancelTimeout := context.WithTimeout(probeCtx, 30*time.Second)
	defer cancelTimeout()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		a.shutdown()
		return fmt.Errorf("browser failed to respond: %w", err)
	}
	a.logger.Info("Browser launched and responsive.")
	return nil
}

// shutdown closes the browser connection, then the process.
func (a *Allocator) shutdown() {
	if a.browserCancel != nil {
		a.browserCancel()
	}
	if a.allocatorCancel != nil {
		a.allocatorCancel()
		<-a.allocatorCtx.Done()
	}
}

func (a *Allocator) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	// Later flags override earlier ones, so this removes the automation banner
	// the defaults enable.
	opts = append(opts,
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("headless", a.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", a.cfg.Headless),
		chromedp.UserAgent(userAgent),
	)

	for name, value := range argFlags(a.cfg.Args) {
		opts = append(opts, chromedp.Flag(name, value))
	}

	// Containers (Docker on Linux) need these to start at all.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}
	return opts
}

// argFlags turns "--name=value" and "--name" style args into chromedp flags.
func argFlags(args []string) map[string]any {
	flags := make(map[string]any, len(args))
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}
	return flags
}

// NewBackend opens a fresh tab in the shared browser for one session.
func (a *Allocator) NewBackend(ctx context.Context, sessionID string) (*Backend, error) {
	tabCtx, cancel := chromedp.NewContext(a.browserCtx)

	// Run with no actions creates the target.
	runCtx, cancelRun := CombineContext(tabCtx, ctx)
	defer cancelRun()
	if err := chromedp.Run(runCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	a.wg.Add(1)
	b := &Backend{
		tabCtx:        tabCtx,
		cancel:        cancel,
		sessionID:     sessionID,
		screenshotDir: a.cfg.ScreenshotDir,
		logger:        a.logger.Named("tab").With(zap.String("session_id", sessionID)),
		done:          a.wg.Done,
	}
	return b, nil
}

// Close waits for open tabs to close, bounded by ctx, then terminates the browser.
func (a *Allocator) Close(ctx context.Context) error {
	a.logger.Info("Browser shutdown initiated. Waiting for open tabs...")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("All tabs closed.")
	case <-ctx.Done():
		a.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	a.shutdown()
	return nil
}

// FindBrowser reports the first Chrome or Chromium binary on PATH.
func FindBrowser() (string, bool) {
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, true
		}
	}
	return "", false
}
