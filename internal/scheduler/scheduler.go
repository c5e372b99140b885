// File: internal/scheduler/scheduler.go

// Package scheduler runs an ordered batch of crawl targets over a
// single session. A target's failure never stops the batch; every
// target gets an outcome in the final summary.
package scheduler

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khlab/paperpull/api/schemas"
	"github.com/khlab/paperpull/internal/config"
	"github.com/khlab/paperpull/internal/crawler"
	"github.com/khlab/paperpull/internal/creds"
	"github.com/khlab/paperpull/internal/observability"
	"github.com/khlab/paperpull/internal/session"
)

// Scheduler owns the batch loop. The session and state machine are
// shared across targets; only the download directory changes between
// years.
type Scheduler struct {
	logger  *zap.Logger
	crawl   config.CrawlConfig
	sess    *session.Manager
	machine *crawler.Machine
	creds   creds.Credentials
	runID   string
}

func New(sess *session.Manager, machine *crawler.Machine, crawl config.CrawlConfig,
	c creds.Credentials, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger.Named("scheduler"),
		crawl:   crawl,
		sess:    sess,
		machine: machine,
		creds:   c,
		runID:   uuid.NewString(),
	}
}

// Targets builds the ordered target list from configuration: one
// target per year, saving under <base>/<year>/.
func Targets(crawl config.CrawlConfig) []schemas.Target {
	targets := make([]schemas.Target, 0, len(crawl.Years))
	for _, year := range crawl.Years {
		targets = append(targets, schemas.Target{
			Year:    year,
			Journal: crawl.Journal,
			DestDir: filepath.Join(crawl.BasePath, strconv.Itoa(year)),
		})
	}
	return targets
}

// Run processes every target in order and returns the summary. The
// session is opened once up front and closed exactly once at the end,
// whatever the individual outcomes were.
func (s *Scheduler) Run(ctx context.Context, targets []schemas.Target) *schemas.RunSummary {
	summary := &schemas.RunSummary{
		RunID:   s.runID,
		Started: time.Now(),
	}
	defer func() {
		if err := s.sess.Close(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Session close reported an error.", zap.Error(err))
		}
		summary.Finished = time.Now()
	}()

	s.logger.Info("Batch starting.",
		zap.String("run_id", s.runID),
		zap.Int("targets", len(targets)))

	if err := s.sess.Open(ctx, s.creds.Username, s.creds.Password); err != nil {
		// Authentication failure is fatal for the whole run; every
		// target is reported aborted with the same cause.
		s.logger.Error("Authentication failed; aborting batch.", zap.Error(err))
		for _, target := range targets {
			summary.Outcomes = append(summary.Outcomes, schemas.Outcome{
				Target: target,
				State:  schemas.StateAborted,
				Err:    err,
			})
		}
		return summary
	}

	var fatal error
	for i, target := range targets {
		if fatal != nil || ctx.Err() != nil {
			cause := fatal
			if cause == nil {
				cause = ctx.Err()
			}
			summary.Outcomes = append(summary.Outcomes, schemas.Outcome{
				Target: target,
				State:  schemas.StateAborted,
				Err:    cause,
			})
			continue
		}

		if i > 0 && s.crawl.InterTargetWait > 0 {
			s.logger.Info("Cooling down before next target.",
				zap.Duration("wait", s.crawl.InterTargetWait))
			select {
			case <-ctx.Done():
				summary.Outcomes = append(summary.Outcomes, schemas.Outcome{
					Target: target,
					State:  schemas.StateAborted,
					Err:    ctx.Err(),
				})
				continue
			case <-time.After(s.crawl.InterTargetWait):
			}
		}

		outcome := s.runTarget(ctx, target)
		summary.Outcomes = append(summary.Outcomes, outcome)

		if schemas.IsFatal(outcome.Err) {
			fatal = outcome.Err
		}
	}

	s.logger.Info("Batch finished.",
		zap.String("run_id", s.runID),
		zap.Int("completed", summary.Completed()),
		zap.Int("aborted", summary.Failed()))
	return summary
}

// runTarget crawls a single target and converts the result into an
// outcome. Per-target log entries are teed into the year's log file.
func (s *Scheduler) runTarget(ctx context.Context, target schemas.Target) schemas.Outcome {
	started := time.Now()

	logger, closeLog, err := observability.NewTargetLogger(s.logger, s.crawl.BasePath, target.Year, s.runID)
	if err != nil {
		s.logger.Warn("Per-target log file unavailable; using console only.", zap.Error(err))
		logger = s.logger
		closeLog = func() {}
	}
	defer closeLog()

	logger.Info("Target starting.", zap.String("dest_dir", target.DestDir))

	if err := s.sess.SwitchToTarget(ctx, target); err != nil {
		logger.Error("Could not switch session to target.", zap.Error(err))
		return schemas.Outcome{
			Target:  target,
			State:   schemas.StateAborted,
			Err:     err,
			Elapsed: time.Since(started),
		}
	}

	pages, artifacts, err := s.machine.RunTarget(ctx, target, logger)
	outcome := schemas.Outcome{
		Target:    target,
		Pages:     pages,
		Artifacts: artifacts,
		Elapsed:   time.Since(started),
	}
	if err != nil {
		outcome.State = schemas.StateAborted
		outcome.Err = err
		logger.Error("Target aborted.", zap.Error(err), zap.Duration("elapsed", outcome.Elapsed))
		return outcome
	}

	outcome.State = schemas.StateCompleted
	logger.Info("Target completed.",
		zap.Int("pages", pages),
		zap.Int("artifacts", artifacts),
		zap.Duration("elapsed", outcome.Elapsed))
	return outcome
}
