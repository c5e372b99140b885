// File: internal/browser/context.go
package browser

import "context"

// CombineContext returns a context that carries the values of primary
// but is cancelled as soon as either primary or secondary is done.
// chromedp actions must run on the tab's context chain, yet each caller
// brings its own deadline; this joins the two lifetimes.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
