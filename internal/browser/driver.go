// File: internal/browser/driver.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/khlab/paperpull/api/schemas"
	"github.com/khlab/paperpull/internal/config"
)

// CDP drives one Chrome window at a time over the DevTools protocol.
// It implements schemas.Driver. The "active window" is the tab all
// operations are issued against; SwitchToNewWindow re-binds it.
type CDP struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	mu      sync.Mutex
	ctx     context.Context
	cancels []context.CancelFunc
	known   map[target.ID]bool

	closeOnce sync.Once
}

var _ schemas.Driver = (*CDP)(nil)

func newCDP(allocatorCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*CDP, error) {
	tabCtx, tabCancel := chromedp.NewContext(allocatorCtx)

	// Materialize the tab so the target exists before anyone drives it.
	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	d := &CDP{
		logger:  logger.Named("driver"),
		cfg:     cfg,
		ctx:     tabCtx,
		cancels: []context.CancelFunc{tabCancel},
		known:   make(map[target.ID]bool),
	}
	d.rememberTargets()
	return d, nil
}

// rememberTargets records every page target currently open so that
// SwitchToNewWindow can tell a genuinely new window apart.
func (d *CDP) rememberTargets() {
	infos, err := chromedp.Targets(d.ctx)
	if err != nil {
		return
	}
	for _, info := range infos {
		if info.Type == "page" {
			d.known[info.TargetID] = true
		}
	}
}

// queryOpt picks the chromedp query strategy for a locator. Locators
// starting with "//" are XPath; everything else is a CSS selector.
func queryOpt(selector string) chromedp.QueryOption {
	if strings.HasPrefix(selector, "//") || strings.HasPrefix(selector, "(//") {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// run executes actions against the active window, bounded by both the
// operation context and the driver lifetime.
func (d *CDP) run(ctx context.Context, actions ...chromedp.Action) error {
	d.mu.Lock()
	tabCtx := d.ctx
	d.mu.Unlock()

	runCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads the URL and waits for the document plus the configured
// post-load settle period.
func (d *CDP) Navigate(ctx context.Context, url string) error {
	d.logger.Debug("Navigating", zap.String("url", url))

	timeout := d.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := d.run(navCtx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation to %s timed out after %s: %w", url, timeout, err)
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}

	if d.cfg.PostLoadWait > 0 {
		if err := d.run(ctx, chromedp.Sleep(d.cfg.PostLoadWait)); err != nil {
			return err
		}
	}
	return nil
}

// Click waits for the element and clicks it.
func (d *CDP) Click(ctx context.Context, selector string) error {
	opt := queryOpt(selector)
	clickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := d.run(clickCtx,
		chromedp.WaitVisible(selector, opt),
		chromedp.ScrollIntoView(selector, opt),
		chromedp.Click(selector, opt),
	)
	if err != nil {
		return fmt.Errorf("click failed for %q: %w", selector, err)
	}
	return nil
}

// ClickIfPresent clicks the element if it shows up within the bound and
// reports whether it did. A missing element is not an error.
func (d *CDP) ClickIfPresent(ctx context.Context, selector string, within time.Duration) (bool, error) {
	opt := queryOpt(selector)
	waitCtx, cancel := context.WithTimeout(ctx, within)
	defer cancel()

	err := d.run(waitCtx, chromedp.WaitVisible(selector, opt))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || waitCtx.Err() == context.DeadlineExceeded {
			return false, nil
		}
		return false, fmt.Errorf("probe failed for %q: %w", selector, err)
	}

	if err := d.run(ctx, chromedp.ScrollIntoView(selector, opt), chromedp.Click(selector, opt)); err != nil {
		return false, fmt.Errorf("click failed for %q: %w", selector, err)
	}
	return true, nil
}

// Type clears the element and types text into it.
func (d *CDP) Type(ctx context.Context, selector, text string) error {
	opt := queryOpt(selector)
	typeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := d.run(typeCtx,
		chromedp.WaitVisible(selector, opt),
		chromedp.Clear(selector, opt),
		chromedp.SendKeys(selector, text, opt),
	)
	if err != nil {
		return fmt.Errorf("type failed for %q: %w", selector, err)
	}
	return nil
}

// WaitVisible blocks until the element is visible or the bound expires.
func (d *CDP) WaitVisible(ctx context.Context, selector string, within time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, within)
	defer cancel()

	if err := d.run(waitCtx, chromedp.WaitVisible(selector, queryOpt(selector))); err != nil {
		return fmt.Errorf("element %q not visible within %s: %w", selector, within, err)
	}
	return nil
}

// SwitchToNewWindow waits for a page target that was not open before and
// makes it the active window. The previous window stays alive so the
// session behind it is not lost.
func (d *CDP) SwitchToNewWindow(ctx context.Context, within time.Duration) error {
	deadline := time.Now().Add(within)

	for {
		d.mu.Lock()
		tabCtx := d.ctx
		d.mu.Unlock()

		infos, err := chromedp.Targets(tabCtx)
		if err != nil {
			return fmt.Errorf("failed to list browser targets: %w", err)
		}

		for _, info := range infos {
			if info.Type != "page" || d.knownTarget(info.TargetID) {
				continue
			}
			return d.attach(info.TargetID)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("no new window appeared within %s", within)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (d *CDP) knownTarget(id target.ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.known[id]
}

func (d *CDP) attach(id target.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	newCtx, newCancel := chromedp.NewContext(d.ctx, chromedp.WithTargetID(id))
	if err := chromedp.Run(newCtx); err != nil {
		newCancel()
		return fmt.Errorf("failed to attach to new window: %w", err)
	}

	d.ctx = newCtx
	d.cancels = append(d.cancels, newCancel)
	d.known[id] = true
	d.logger.Info("Switched active window.", zap.String("target_id", string(id)))
	return nil
}

// SetDownloadDir re-points where Chrome materializes downloads. The
// directory is created if missing. No navigation happens.
func (d *CDP) SetDownloadDir(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &schemas.FilesystemError{Op: "mkdir", Path: dir, Err: err}
	}

	action := cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
		WithDownloadPath(dir).
		WithEventsEnabled(true)
	if err := d.run(ctx, action); err != nil {
		return fmt.Errorf("failed to set download directory to %s: %w", dir, err)
	}

	d.logger.Info("Download directory updated.", zap.String("dir", dir))
	return nil
}

// PageText returns the visible text of the current page.
func (d *CDP) PageText(ctx context.Context) (string, error) {
	var text string
	err := d.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ''`, &text))
	if err != nil {
		return "", fmt.Errorf("failed to read page text: %w", err)
	}
	return text, nil
}

// Reload refreshes the active window and waits for the document.
func (d *CDP) Reload(ctx context.Context) error {
	if err := d.run(ctx, chromedp.Reload(), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	return nil
}

// Close releases every window this driver opened. Idempotent.
func (d *CDP) Close(_ context.Context) error {
	d.closeOnce.Do(func() {
		d.logger.Debug("Closing driver windows.")
		d.mu.Lock()
		defer d.mu.Unlock()
		// Cancel in reverse order: newest window first, root tab last.
		for i := len(d.cancels) - 1; i >= 0; i-- {
			d.cancels[i]()
		}
	})
	return nil
}
