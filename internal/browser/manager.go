// File: internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/khlab/paperpull/internal/config"
)

const (
	linuxUserAgent   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	windowsUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Manager owns the Chrome process. All drivers (tabs) are derived from
// its allocator context; cancelling it terminates the browser.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	headless bool

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
}

// ResolveMode maps the configured mode to a concrete headless decision.
// "auto" picks windowed on a desktop OS or when a display is reachable,
// headless otherwise (the server case).
func ResolveMode(mode string) (headless bool) {
	switch mode {
	case "headless":
		return true
	case "windowed":
		return false
	default:
		if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
			return false
		}
		return os.Getenv("DISPLAY") == ""
	}
}

// NewManager launches the browser process and verifies it is responsive.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		headless: ResolveMode(cfg.Mode),
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, m.buildAllocatorOptions()...)
	m.allocatorCtx = allocCtx
	m.allocatorCancel = cancel

	// Confirm the browser starts before handing the manager out.
	testCtx, cancelTest := context.WithTimeout(allocCtx, 30*time.Second)
	testCtx, cancelTestCtx := chromedp.NewContext(testCtx)
	defer cancelTestCtx()
	defer cancelTest()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		m.allocatorCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.logger.Info("Browser launched.", zap.Bool("headless", m.headless))
	return m, nil
}

// buildAllocatorOptions assembles Chrome flags for the resolved mode.
func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	opts = append(opts,
		// Override the default that advertises automation to the site.
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("headless", m.headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", m.headless),
		chromedp.Flag("ignore-certificate-errors", m.cfg.IgnoreTLSErrors),
		chromedp.UserAgent(m.userAgent()),
	)

	if !m.headless {
		opts = append(opts, chromedp.Flag("start-maximized", true))
	}

	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}

	// Custom args from configuration.
	for _, arg := range m.cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	return opts
}

func (m *Manager) userAgent() string {
	if m.cfg.UserAgent != "" {
		return m.cfg.UserAgent
	}
	if m.headless {
		return linuxUserAgent
	}
	return windowsUserAgent
}

// NewDriver opens a fresh tab and returns a Driver bound to it. The tab
// lives on the allocator context; Shutdown tears it down.
func (m *Manager) NewDriver() (*CDP, error) {
	return newCDP(m.allocatorCtx, m.cfg, m.logger)
}

// Shutdown terminates the browser process.
func (m *Manager) Shutdown() {
	if m.allocatorCancel == nil {
		return
	}
	m.logger.Info("Shutting down browser process.")
	m.allocatorCancel()
	<-m.allocatorCtx.Done()
}
