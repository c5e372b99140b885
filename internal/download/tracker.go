// File: internal/download/tracker.go

// Package download confirms that a requested batch has fully
// materialized in the destination directory before the crawl advances.
package download

import (
	"archive/zip"
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"

	"github.com/khlab/paperpull/api/schemas"
	"github.com/khlab/paperpull/internal/config"
)

// maxConsecutiveScanFailures bounds how long transient filesystem
// errors (network mounts dropping stat or rename) are tolerated before
// the batch is failed.
const maxConsecutiveScanFailures = 5

// Tracker watches a destination directory for a download batch. It
// prefers fsnotify wake-ups and falls back to interval polling, since
// network mounts routinely drop events.
type Tracker struct {
	logger *zap.Logger
	cfg    config.DownloadConfig
}

func NewTracker(cfg config.DownloadConfig, logger *zap.Logger) *Tracker {
	return &Tracker{
		logger: logger.Named("tracker"),
		cfg:    cfg,
	}
}

// AwaitBatch blocks until the batch of expected artifacts has resolved
// in destDir, expanding any archive that shows up along the way. It
// returns the number of new artifacts observed. Resolution requires the
// count to stop growing for the quiet period and to reach expected; at
// the hard timeout a partial batch at or above the minimum viable
// fraction still resolves, anything less is a DownloadTimeoutError.
func (t *Tracker) AwaitBatch(ctx context.Context, destDir string, expected int) (int, error) {
	baseline, err := t.scan(destDir)
	if err != nil {
		return 0, &schemas.FilesystemError{Op: "scan", Path: destDir, Err: err}
	}

	wake := make(chan struct{}, 1)
	if watcher, werr := fsnotify.NewWatcher(); werr == nil {
		if werr = watcher.Add(destDir); werr == nil {
			defer watcher.Close()
			go func() {
				for {
					select {
					case _, ok := <-watcher.Events:
						if !ok {
							return
						}
						select {
						case wake <- struct{}{}:
						default:
						}
					case _, ok := <-watcher.Errors:
						if !ok {
							return
						}
					}
				}
			}()
		} else {
			watcher.Close()
			t.logger.Debug("Directory watch unavailable; polling only.", zap.Error(werr))
		}
	} else {
		t.logger.Debug("fsnotify unavailable; polling only.", zap.Error(werr))
	}

	t.logger.Info("Awaiting download batch.",
		zap.String("dest_dir", destDir),
		zap.Int("expected", expected))

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(t.cfg.HardTimeout)
	defer deadline.Stop()

	lastCount := 0
	lastGrowth := time.Now()
	scanFailures := 0

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()

		case <-deadline.C:
			observed := t.settle(destDir, baseline)
			minViable := int(math.Ceil(float64(expected) * t.cfg.MinViableFraction))
			if observed >= minViable {
				t.logger.Warn("Batch resolved partially at hard timeout.",
					zap.Int("observed", observed),
					zap.Int("expected", expected))
				return observed, nil
			}
			return observed, &schemas.DownloadTimeoutError{
				Dir:      destDir,
				Observed: observed,
				Expected: expected,
			}

		case <-wake:
		case <-ticker.C:
		}

		t.expandArchives(destDir)

		current, inFlight, err := t.observe(destDir, baseline)
		if err != nil {
			scanFailures++
			t.logger.Warn("Destination scan failed; retrying.",
				zap.Int("consecutive_failures", scanFailures),
				zap.Error(err))
			if scanFailures >= maxConsecutiveScanFailures {
				return lastCount, &schemas.FilesystemError{Op: "scan", Path: destDir, Err: err}
			}
			continue
		}
		scanFailures = 0

		if current > lastCount {
			t.logger.Debug("Batch growing.",
				zap.Int("observed", current),
				zap.Int("expected", expected))
			lastCount = current
			lastGrowth = time.Now()
			continue
		}

		if current >= expected && !inFlight && time.Since(lastGrowth) >= t.cfg.QuietPeriod {
			resolved := t.settle(destDir, baseline)
			t.logger.Info("Batch resolved.", zap.Int("artifacts", resolved))
			return resolved, nil
		}
	}
}

// observe counts artifacts that appeared after the baseline snapshot
// and reports whether any download is still in flight.
func (t *Tracker) observe(destDir string, baseline map[string]bool) (count int, inFlight bool, err error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return 0, false, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if isPartial(name) {
			inFlight = true
			continue
		}
		if isArtifact(name) && !baseline[name] {
			count++
		}
	}
	return count, inFlight, nil
}

// settle runs the final validation pass and returns the count of new,
// usable artifacts. Scan errors here degrade to the last good count
// rather than failing a batch that already resolved.
func (t *Tracker) settle(destDir string, baseline map[string]bool) int {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		t.logger.Warn("Final scan failed.", zap.Error(err))
		return 0
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || baseline[entry.Name()] || !isArtifact(entry.Name()) {
			continue
		}
		path := filepath.Join(destDir, entry.Name())
		if t.cfg.ValidatePDFs && strings.EqualFold(filepath.Ext(path), ".pdf") {
			if err := api.ValidateFile(path, nil); err != nil {
				t.logger.Warn("Artifact failed validation; not counted.",
					zap.String("file", entry.Name()),
					zap.Error(err))
				continue
			}
		}
		count++
	}
	return count
}

// scan snapshots the artifact names already present so a pre-populated
// directory is not mistaken for a fresh batch.
func (t *Tracker) scan(destDir string) (map[string]bool, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			seen[entry.Name()] = true
		}
	}
	return seen, nil
}

// expandArchives unpacks completed zip archives in place and counts
// their members as individual artifacts. An archive that cannot be
// opened yet is skipped; it is likely still being written.
func (t *Tracker) expandArchives(destDir string) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(name), ".zip") || isPartial(name) {
			continue
		}
		path := filepath.Join(destDir, name)
		if err := t.expandArchive(path, destDir); err != nil {
			t.logger.Debug("Archive not ready yet.", zap.String("file", name), zap.Error(err))
			continue
		}
		if err := os.Remove(path); err != nil {
			t.logger.Warn("Could not remove expanded archive.", zap.String("file", name), zap.Error(err))
		}
		t.logger.Info("Archive expanded.", zap.String("file", name))
	}
}

func (t *Tracker) expandArchive(path, destDir string) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	for _, member := range reader.File {
		if member.FileInfo().IsDir() {
			continue
		}
		// Flatten archive paths; member names outside the archive are
		// reduced to their base name.
		target := filepath.Join(destDir, filepath.Base(member.Name))
		if err := extractMember(member, target); err != nil {
			return err
		}
	}
	return nil
}

func extractMember(member *zip.File, target string) error {
	src, err := member.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// isPartial recognizes in-flight download placeholders.
func isPartial(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".crdownload", ".part", ".tmp", ".download":
		return true
	}
	return false
}

// isArtifact recognizes files that count toward the batch.
func isArtifact(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".zip":
		return true
	}
	return false
}
