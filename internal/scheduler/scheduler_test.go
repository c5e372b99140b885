// File: internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/khlab/paperpull/api/schemas"
	"github.com/khlab/paperpull/internal/config"
	"github.com/khlab/paperpull/internal/crawler"
	"github.com/khlab/paperpull/internal/creds"
	"github.com/khlab/paperpull/internal/download"
	"github.com/khlab/paperpull/internal/quota"
	"github.com/khlab/paperpull/internal/session"
)

func TestMain(m *testing.M) {
	// lumberjack keeps a rotation goroutine alive after Close. The
	// runtime percent-encodes the final dot of the module path, so the
	// symbol is lumberjack%2ev2, not lumberjack.v2.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	)
}

// fakeDriver drives the whole stack without a browser. It fails the
// journal filter for failYear and records how often the login form was
// submitted.
type fakeDriver struct {
	loc       config.Locators
	failYear  string
	failLogin bool

	destDir  string
	lastYear string
	logins   int
	closed   int
	fileN    int
}

func (f *fakeDriver) Navigate(_ context.Context, url string) error { return nil }

func (f *fakeDriver) Click(_ context.Context, selector string) error {
	if selector == f.loc.LoginSubmit {
		f.logins++
	}
	if f.failYear != "" && f.lastYear == f.failYear &&
		selector == fmt.Sprintf(f.loc.PublicationOption, "Some Journal") {
		return errors.New("no such element")
	}
	if selector == f.loc.DownloadButton {
		f.fileN++
		name := filepath.Join(f.destDir, fmt.Sprintf("paper%d.pdf", f.fileN))
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = os.WriteFile(name, []byte("%PDF-1.4 stub"), 0o644)
		}()
	}
	return nil
}

func (f *fakeDriver) ClickIfPresent(_ context.Context, selector string, _ time.Duration) (bool, error) {
	// The login link and the facet exist; pagination controls never do,
	// so every target is a single page.
	switch selector {
	case f.loc.LoginLink, f.loc.PublicationFacet:
		return true, nil
	}
	return false, nil
}

func (f *fakeDriver) Type(_ context.Context, selector, text string) error {
	if selector == f.loc.StartYearField {
		f.lastYear = text
	}
	return nil
}

func (f *fakeDriver) WaitVisible(_ context.Context, selector string, _ time.Duration) error {
	if f.failLogin && selector == f.loc.LoginSuccess {
		return errors.New("never appeared")
	}
	return nil
}

func (f *fakeDriver) SwitchToNewWindow(_ context.Context, _ time.Duration) error { return nil }

func (f *fakeDriver) SetDownloadDir(_ context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f.destDir = dir
	return nil
}

func (f *fakeDriver) PageText(_ context.Context) (string, error) { return "", nil }

func (f *fakeDriver) Reload(_ context.Context) error { return nil }

func (f *fakeDriver) Close(_ context.Context) error {
	f.closed++
	return nil
}

func setupTest(t *testing.T, years []int, failYear string) (*Scheduler, *fakeDriver, []schemas.Target) {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.Crawl.Years = years
	cfg.Crawl.BasePath = filepath.Join(t.TempDir(), "papers")
	cfg.Crawl.Journal = "Some Journal"
	cfg.Crawl.ItemsPerPage = 1
	cfg.Crawl.LocateTimeout = 10 * time.Millisecond
	cfg.Crawl.MinPageDelay = time.Millisecond
	cfg.Crawl.MaxPageDelay = 2 * time.Millisecond
	cfg.Crawl.InterTargetWait = time.Millisecond
	cfg.Quota = config.QuotaConfig{MaxAttempts: 2, Wait: time.Millisecond}
	cfg.Download = config.DownloadConfig{
		PollInterval:      5 * time.Millisecond,
		QuietPeriod:       10 * time.Millisecond,
		HardTimeout:       2 * time.Second,
		MinViableFraction: 0.5,
	}

	driver := &fakeDriver{loc: cfg.Site.Locators, failYear: failYear}
	c := creds.Credentials{Username: "user", Password: "secret"}

	sess := session.New(driver, cfg.Site, zap.NewNop())
	controller := quota.New(cfg.Quota, zap.NewNop())
	tracker := download.NewTracker(cfg.Download, zap.NewNop())
	machine := crawler.New(sess, controller, tracker, cfg.Site, cfg.Crawl,
		c.Username, c.Password, zap.NewNop())
	sched := New(sess, machine, cfg.Crawl, c, zap.NewNop())

	return sched, driver, Targets(cfg.Crawl)
}

func TestTargets_LayoutPerYear(t *testing.T) {
	targets := Targets(config.CrawlConfig{
		Years:    []int{2023, 2025},
		BasePath: "/data/papers",
		Journal:  "Some Journal",
	})

	require.Len(t, targets, 2)
	assert.Equal(t, 2023, targets[0].Year)
	assert.Equal(t, filepath.Join("/data/papers", "2023"), targets[0].DestDir)
	assert.Equal(t, filepath.Join("/data/papers", "2025"), targets[1].DestDir)
	assert.Equal(t, "Some Journal", targets[1].Journal)
}

func TestRun_TargetFailureDoesNotStopBatch(t *testing.T) {
	sched, driver, targets := setupTest(t, []int{2023, 2024}, "2024")

	summary := sched.Run(context.Background(), targets)
	require.Len(t, summary.Outcomes, 2)

	first, second := summary.Outcomes[0], summary.Outcomes[1]
	assert.Equal(t, schemas.StateCompleted, first.State)
	assert.Equal(t, 2023, first.Target.Year)
	assert.Equal(t, 1, first.Pages)

	assert.Equal(t, schemas.StateAborted, second.State)
	assert.Equal(t, 2024, second.Target.Year)
	var navErr *schemas.NavigationError
	assert.ErrorAs(t, second.Err, &navErr)

	assert.Equal(t, 1, driver.logins, "one authentication serves the whole batch")
	assert.Equal(t, 1, driver.closed, "the session is closed exactly once")
	assert.Equal(t, 1, summary.Completed())
	assert.Equal(t, 1, summary.Failed())
}

func TestRun_AllTargetsComplete(t *testing.T) {
	sched, driver, targets := setupTest(t, []int{2023, 2024, 2025}, "")

	summary := sched.Run(context.Background(), targets)
	require.Len(t, summary.Outcomes, 3)
	assert.Equal(t, 3, summary.Completed())
	assert.Zero(t, summary.Failed())
	assert.Equal(t, 1, driver.logins)
	assert.Equal(t, 1, driver.closed)

	for i, outcome := range summary.Outcomes {
		assert.Equal(t, targets[i].Year, outcome.Target.Year, "targets run in the supplied order")
		assert.FileExists(t, filepath.Join(outcome.Target.DestDir, download.ManifestName))
	}
}

func TestRun_AuthenticationFailureAbortsEveryTarget(t *testing.T) {
	sched, driver, targets := setupTest(t, []int{2023, 2024}, "")
	driver.failLogin = true

	summary := sched.Run(context.Background(), targets)
	require.Len(t, summary.Outcomes, 2)
	for _, outcome := range summary.Outcomes {
		assert.Equal(t, schemas.StateAborted, outcome.State)
		assert.True(t, schemas.IsFatal(outcome.Err))
	}
	assert.Equal(t, 1, driver.closed, "the session is still closed exactly once")
}

func TestRun_CancelledContext(t *testing.T) {
	sched, _, targets := setupTest(t, []int{2023, 2024}, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := sched.Run(ctx, targets)
	require.Len(t, summary.Outcomes, 2)
	for _, outcome := range summary.Outcomes {
		assert.Equal(t, schemas.StateAborted, outcome.State)
	}
}
