// File: internal/crawler/machine.go

// Package crawler drives the ordered protocol for one crawl target:
// authenticate, hand off to the proxied window, submit the year search,
// apply the journal filter, then download and paginate until the result
// list is exhausted.
package crawler

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/khlab/paperpull/api/schemas"
	"github.com/khlab/paperpull/internal/config"
	"github.com/khlab/paperpull/internal/download"
	"github.com/khlab/paperpull/internal/quota"
	"github.com/khlab/paperpull/internal/session"
)

// State names the protocol step the machine is in. Transitions are
// strictly forward within a target; Aborted is terminal.
type State string

const (
	StateLoggedOut         State = "LoggedOut"
	StateLoggedIn          State = "LoggedIn"
	StateDatabaseSelected  State = "DatabaseSelected"
	StateProxyWindowActive State = "ProxyWindowActive"
	StateSearchSubmitted   State = "SearchSubmitted"
	StateFilterApplied     State = "FilterApplied"
	StatePageReady         State = "PageReady"
	StateDownloadInFlight  State = "DownloadInFlight"
	StatePageAdvanced      State = "PageAdvanced"
	StateTargetComplete    State = "TargetComplete"
	StateAborted           State = "Aborted"
)

// Machine is the navigation state machine. It lives for the whole run
// so that the database hand-off survives across targets; per-target
// state is kept in a run value.
type Machine struct {
	logger  *zap.Logger
	sess    *session.Manager
	site    config.SiteConfig
	crawl   config.CrawlConfig
	quota   *quota.Controller
	tracker *download.Tracker

	username string
	password string

	// proxyActive persists across targets: the proxied window is opened
	// once per session, not once per year.
	proxyActive bool

	limiter *rate.Limiter
	rng     *rand.Rand
}

func New(sess *session.Manager, q *quota.Controller, tracker *download.Tracker,
	site config.SiteConfig, crawl config.CrawlConfig,
	username, password string, logger *zap.Logger) *Machine {

	minDelay := crawl.MinPageDelay
	if minDelay <= 0 {
		minDelay = time.Second
	}
	return &Machine{
		logger:   logger.Named("crawler"),
		sess:     sess,
		site:     site,
		crawl:    crawl,
		quota:    q,
		tracker:  tracker,
		username: username,
		password: password,
		limiter:  rate.NewLimiter(rate.Every(minDelay), 1),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// run carries the per-target state so that pagination mode and page
// index always start fresh for a new year.
type run struct {
	m        *Machine
	target   schemas.Target
	logger   *zap.Logger
	state    State
	page     int
	mode     schemas.PaginationMode
	hasMore  bool
	manifest *download.Manifest
}

func (r *run) setState(s State) {
	r.logger.Debug("State transition.",
		zap.String("from", string(r.state)),
		zap.String("to", string(s)))
	r.state = s
}

// RunTarget crawls one target to completion. It returns the number of
// pages whose batches resolved and the total artifacts observed. The
// session must already be switched to the target's download directory.
func (m *Machine) RunTarget(ctx context.Context, target schemas.Target, logger *zap.Logger) (pages, artifacts int, err error) {
	if logger == nil {
		logger = m.logger
	}
	r := &run{
		m:       m,
		target:  target,
		logger:  logger,
		state:   StateLoggedOut,
		page:    m.crawl.StartPage,
		mode:    schemas.ModeNumbered,
		hasMore: true,
	}

	r.manifest, err = download.LoadManifest(target.DestDir, target.Year, target.Journal)
	if err != nil {
		return 0, 0, err
	}
	if len(r.manifest.Pages) > 0 {
		r.logger.Info("Resuming target; some pages already resolved.",
			zap.Ints("resolved_pages", r.manifest.Pages))
	}

	if err := r.authenticate(ctx); err != nil {
		r.setState(StateAborted)
		return 0, 0, err
	}
	if err := r.enterDatabase(ctx); err != nil {
		r.setState(StateAborted)
		return 0, 0, err
	}
	if err := r.submitSearch(ctx); err != nil {
		r.setState(StateAborted)
		return 0, 0, err
	}
	if err := r.applyFilter(ctx); err != nil {
		r.setState(StateAborted)
		return 0, 0, err
	}
	r.setItemsPerPage(ctx)

	pages, artifacts, err = r.crawlPages(ctx)
	if err != nil {
		r.setState(StateAborted)
		return pages, artifacts, err
	}
	r.setState(StateTargetComplete)
	return pages, artifacts, nil
}

// authenticate delegates to the session, which makes repeat calls
// no-ops, so only the first target of a run pays for a login.
func (r *run) authenticate(ctx context.Context) error {
	if err := r.m.sess.Open(ctx, r.m.username, r.m.password); err != nil {
		return err
	}
	r.setState(StateLoggedIn)
	return nil
}

// enterDatabase clicks through to the publisher database, which opens a
// new proxied window, and switches control to it. When the link flow
// fails the proxied home URL is loaded directly as a fallback. Skipped
// once the proxied window is active; it survives across targets.
func (r *run) enterDatabase(ctx context.Context) error {
	if r.m.proxyActive {
		r.logger.Debug("Proxied window already active; skipping hand-off.")
		r.setState(StateProxyWindowActive)
		return nil
	}

	driver := r.m.sess.Driver()
	loc := r.m.site.Locators

	clicked, err := driver.ClickIfPresent(ctx, loc.DatabaseLink, r.m.crawl.LocateTimeout)
	if err != nil {
		return &schemas.NavigationError{Step: "enter_database", Selector: loc.DatabaseLink, Err: err}
	}

	if clicked {
		r.setState(StateDatabaseSelected)
		if err := driver.SwitchToNewWindow(ctx, 30*time.Second); err != nil {
			r.logger.Warn("No proxied window appeared; falling back to direct URL.", zap.Error(err))
			clicked = false
		}
	}

	if !clicked {
		if err := driver.Navigate(ctx, r.m.site.ProxyHomeURL); err != nil {
			return &schemas.NavigationError{Step: "enter_database", Err: err}
		}
	}

	r.verifyProxyAuth(ctx)
	r.m.proxyActive = true
	r.setState(StateProxyWindowActive)
	return nil
}

// verifyProxyAuth looks for the institutional-access banner. Its
// absence is suspicious but not fatal; downloads will fail loudly later
// if the proxy really did not authenticate.
func (r *run) verifyProxyAuth(ctx context.Context) {
	if len(r.m.site.ProxyAuthMarkers) == 0 {
		return
	}
	text, err := r.m.sess.Driver().PageText(ctx)
	if err != nil {
		r.logger.Warn("Could not read proxied page text.", zap.Error(err))
		return
	}
	for _, marker := range r.m.site.ProxyAuthMarkers {
		if strings.Contains(text, marker) {
			r.logger.Info("Institutional access confirmed.", zap.String("marker", marker))
			return
		}
	}
	r.logger.Warn("Institutional access banner not found on proxied page.")
}

// submitSearch opens the advanced search form and constrains the year
// range to exactly the target year.
func (r *run) submitSearch(ctx context.Context) error {
	driver := r.m.sess.Driver()
	loc := r.m.site.Locators
	year := fmt.Sprintf("%d", r.target.Year)

	if err := driver.Navigate(ctx, r.m.site.AdvancedSearchURL); err != nil {
		return &schemas.NavigationError{Step: "submit_search", Err: err}
	}
	if err := driver.Type(ctx, loc.StartYearField, year); err != nil {
		return &schemas.NavigationError{Step: "submit_search", Selector: loc.StartYearField, Err: err}
	}
	if err := driver.Type(ctx, loc.EndYearField, year); err != nil {
		return &schemas.NavigationError{Step: "submit_search", Selector: loc.EndYearField, Err: err}
	}
	if err := driver.Click(ctx, loc.SearchSubmit); err != nil {
		return &schemas.NavigationError{Step: "submit_search", Selector: loc.SearchSubmit, Err: err}
	}
	if err := driver.WaitVisible(ctx, loc.ResultsList, r.m.crawl.LocateTimeout); err != nil {
		return &schemas.NavigationError{Step: "submit_search", Selector: loc.ResultsList, Err: err}
	}

	r.setState(StateSearchSubmitted)
	r.logger.Info("Search submitted.", zap.Int("year", r.target.Year))
	return nil
}

// applyFilter narrows the result list to the configured journal via the
// publication facet.
func (r *run) applyFilter(ctx context.Context) error {
	driver := r.m.sess.Driver()
	loc := r.m.site.Locators

	if _, err := driver.ClickIfPresent(ctx, loc.PublicationFacet, r.m.crawl.LocateTimeout); err != nil {
		return &schemas.NavigationError{Step: "apply_filter", Selector: loc.PublicationFacet, Err: err}
	}

	if loc.PublicationSearch != "" {
		// Narrowing the facet list first keeps the option clickable even
		// when the journal is far down the alphabet.
		if err := driver.Type(ctx, loc.PublicationSearch, r.target.Journal); err != nil {
			r.logger.Debug("Facet search box unavailable; picking option directly.", zap.Error(err))
		}
	}

	option := fmt.Sprintf(loc.PublicationOption, r.target.Journal)
	if err := driver.Click(ctx, option); err != nil {
		return &schemas.NavigationError{Step: "apply_filter", Selector: option, Err: err}
	}
	if err := driver.WaitVisible(ctx, loc.ResultsList, r.m.crawl.LocateTimeout); err != nil {
		return &schemas.NavigationError{Step: "apply_filter", Selector: loc.ResultsList, Err: err}
	}

	r.setState(StateFilterApplied)
	r.logger.Info("Journal filter applied.", zap.String("journal", r.target.Journal))
	return nil
}

// setItemsPerPage is best-effort: the control moves around between site
// revisions and its absence only changes batch sizes, not correctness.
func (r *run) setItemsPerPage(ctx context.Context) {
	loc := r.m.site.Locators
	if loc.ItemsPerPage == "" {
		return
	}
	clicked, err := r.m.sess.Driver().ClickIfPresent(ctx, loc.ItemsPerPage, r.m.crawl.LocateTimeout)
	if err != nil || !clicked {
		r.logger.Debug("Items-per-page control not applied.", zap.Error(err))
		return
	}
	r.logger.Debug("Items-per-page control applied.",
		zap.Int("items_per_page", r.m.crawl.ItemsPerPage))
}
