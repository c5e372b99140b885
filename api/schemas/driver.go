package schemas

import (
	"context"
	"time"
)

// Driver is the narrow browser-automation capability the crawl core is
// written against. The chromedp implementation lives in internal/browser;
// tests substitute a fake. Every method honors context cancellation and
// returns once the action is applied, not when the page has settled --
// callers that need a settled page follow up with WaitVisible.
type Driver interface {
	// Navigate loads the URL in the active window.
	Navigate(ctx context.Context, url string) error

	// Click waits for the element to become visible and clicks it.
	Click(ctx context.Context, selector string) error

	// ClickIfPresent clicks the element if it becomes visible within the
	// wait bound and reports whether it did. Absence is not an error;
	// pagination-mode detection is built on this.
	ClickIfPresent(ctx context.Context, selector string, within time.Duration) (bool, error)

	// Type clears the element and types the text into it.
	Type(ctx context.Context, selector, text string) error

	// WaitVisible blocks until the element is visible or the bound expires.
	WaitVisible(ctx context.Context, selector string, within time.Duration) error

	// SwitchToNewWindow blocks until a window other than the active one
	// appears, then makes it the active window for all later calls.
	SwitchToNewWindow(ctx context.Context, within time.Duration) error

	// SetDownloadDir re-points where the browser materializes downloads.
	// It performs no navigation and does not disturb authentication state.
	SetDownloadDir(ctx context.Context, dir string) error

	// PageText returns the visible text of the current page, used for
	// signal detection (seat-limit markers, proxy-auth confirmation).
	PageText(ctx context.Context) (string, error)

	// Reload refreshes the active window.
	Reload(ctx context.Context) error

	// Close releases the active window. Idempotent.
	Close(ctx context.Context) error
}
