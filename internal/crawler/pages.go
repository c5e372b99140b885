// File: internal/crawler/pages.go
package crawler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/khlab/paperpull/api/schemas"
)

// crawlPages runs the download/advance loop until the result list is
// exhausted, the visit cap trips, or an unrecoverable error aborts the
// target. The page index only advances after the page's batch resolves.
func (r *run) crawlPages(ctx context.Context) (pages, artifacts int, err error) {
	visits := 0

	for r.hasMore {
		visits++
		if visits > r.m.crawl.MaxPageVisits {
			r.logger.Warn("Page visit cap reached; finishing target.",
				zap.Int("max_page_visits", r.m.crawl.MaxPageVisits))
			break
		}

		if r.manifest.HasPage(r.page) {
			r.logger.Info("Page already resolved in an earlier run; skipping download.",
				zap.Int("page", r.page))
		} else {
			r.setState(StateDownloadInFlight)
			count, err := r.downloadCurrentPage(ctx)
			if err != nil {
				return pages, artifacts, err
			}
			if err := r.manifest.RecordPage(r.page); err != nil {
				return pages, artifacts, err
			}
			pages++
			artifacts += count
		}

		if err := r.pace(ctx); err != nil {
			return pages, artifacts, err
		}
		if err := r.advancePage(ctx); err != nil {
			return pages, artifacts, err
		}
	}
	return pages, artifacts, nil
}

// downloadCurrentPage selects every item on the page, requests the bulk
// download, and waits for the batch to land. Seat-limit signals are
// recovered by the quota controller; everything else aborts the target.
func (r *run) downloadCurrentPage(ctx context.Context) (int, error) {
	loc := r.m.site.Locators
	driver := r.m.sess.Driver()

	var resolved int
	attempt := 0
	err := r.m.quota.Attempt(ctx, func(ctx context.Context) error {
		if attempt > 0 {
			// The seat-limit page replaced the result list; reload to
			// get back to it before retrying.
			if err := driver.Reload(ctx); err != nil {
				return &schemas.NavigationError{Step: "download_page", Err: err}
			}
		}
		attempt++

		if err := r.checkSeatLimit(ctx); err != nil {
			return err
		}

		if err := driver.Click(ctx, loc.SelectAll); err != nil {
			return &schemas.NavigationError{Step: "download_page", Selector: loc.SelectAll, Err: err}
		}
		if err := driver.Click(ctx, loc.DownloadButton); err != nil {
			return &schemas.NavigationError{Step: "download_page", Selector: loc.DownloadButton, Err: err}
		}

		// The export dialog varies; both controls are optional.
		if loc.PDFOption != "" {
			if _, err := driver.ClickIfPresent(ctx, loc.PDFOption, 5*time.Second); err != nil {
				return &schemas.NavigationError{Step: "download_page", Selector: loc.PDFOption, Err: err}
			}
		}
		if loc.DownloadConfirm != "" {
			if _, err := driver.ClickIfPresent(ctx, loc.DownloadConfirm, 5*time.Second); err != nil {
				return &schemas.NavigationError{Step: "download_page", Selector: loc.DownloadConfirm, Err: err}
			}
		}

		// The seat-limit notice can also appear in response to the
		// download request itself.
		if err := r.checkSeatLimit(ctx); err != nil {
			return err
		}

		count, err := r.m.tracker.AwaitBatch(ctx, r.target.DestDir, r.m.crawl.ItemsPerPage)
		if err != nil {
			return err
		}
		resolved = count
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.Info("Page batch resolved.",
		zap.Int("page", r.page),
		zap.Int("artifacts", resolved))
	return resolved, nil
}

// checkSeatLimit scans the visible page text for the configured
// seat-limit markers.
func (r *run) checkSeatLimit(ctx context.Context) error {
	text, err := r.m.sess.Driver().PageText(ctx)
	if err != nil {
		return &schemas.NavigationError{Step: "download_page", Err: err}
	}
	lower := strings.ToLower(text)
	for _, marker := range r.m.site.SeatLimitMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return fmt.Errorf("page shows %q: %w", marker, schemas.ErrSeatLimit)
		}
	}
	return nil
}

// advancePage moves to the next result page. It prefers the numbered
// control for page+1; once that control is absent the run switches to
// the arrow control and stays there for the rest of the target. When
// neither control exists the target is exhausted.
func (r *run) advancePage(ctx context.Context) error {
	driver := r.m.sess.Driver()
	loc := r.m.site.Locators
	next := r.page + 1

	if r.mode == schemas.ModeNumbered {
		selector := fmt.Sprintf(loc.PageButton, next)
		clicked, err := driver.ClickIfPresent(ctx, selector, r.m.crawl.LocateTimeout)
		if err != nil {
			return &schemas.NavigationError{Step: "advance_page", Selector: selector, Err: err}
		}
		if clicked {
			return r.pageAdvanced(ctx, next)
		}
		r.mode = schemas.ModeArrowOnly
		r.logger.Info("Numbered control absent; switching to arrow pagination.",
			zap.Int("page", next))
	}

	clicked, err := driver.ClickIfPresent(ctx, loc.NextButton, r.m.crawl.LocateTimeout)
	if err != nil {
		return &schemas.NavigationError{Step: "advance_page", Selector: loc.NextButton, Err: err}
	}
	if !clicked {
		r.hasMore = false
		r.logger.Info("No further pages.", zap.Int("last_page", r.page))
		return nil
	}
	return r.pageAdvanced(ctx, next)
}

func (r *run) pageAdvanced(ctx context.Context, next int) error {
	loc := r.m.site.Locators
	if err := r.m.sess.Driver().WaitVisible(ctx, loc.ResultsList, r.m.crawl.LocateTimeout); err != nil {
		return &schemas.NavigationError{Step: "advance_page", Selector: loc.ResultsList, Err: err}
	}
	r.page = next
	r.setState(StatePageAdvanced)
	r.setState(StatePageReady)
	r.logger.Info("Advanced to page.",
		zap.Int("page", r.page),
		zap.String("mode", string(r.mode)))
	return nil
}

// pace enforces the politeness delay between page operations: the rate
// limiter provides the floor and a random jitter widens it toward the
// configured maximum.
func (r *run) pace(ctx context.Context) error {
	if err := r.m.limiter.Wait(ctx); err != nil {
		return err
	}
	spread := r.m.crawl.MaxPageDelay - r.m.crawl.MinPageDelay
	if spread <= 0 {
		return nil
	}
	jitter := time.Duration(r.m.rng.Int63n(int64(spread)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}
