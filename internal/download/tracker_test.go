// File: internal/download/tracker_test.go
package download

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/khlab/paperpull/api/schemas"
	"github.com/khlab/paperpull/internal/config"
)

func newTestTracker(hardTimeout time.Duration) *Tracker {
	return NewTracker(config.DownloadConfig{
		PollInterval:      10 * time.Millisecond,
		QuietPeriod:       30 * time.Millisecond,
		HardTimeout:       hardTimeout,
		MinViableFraction: 0.5,
		ValidatePDFs:      false,
	}, zap.NewNop())
}

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("%PDF-1.4 stub"), 0o644))
}

// writeLater simulates the browser materializing files while the
// tracker is already watching.
func writeLater(t *testing.T, dir string, after time.Duration, names ...string) {
	t.Helper()
	go func() {
		time.Sleep(after)
		for _, name := range names {
			writeFile(t, dir, name)
		}
	}()
}

func TestAwaitBatch_ResolvesWhenCountStabilizes(t *testing.T) {
	dir := t.TempDir()
	tracker := newTestTracker(5 * time.Second)

	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(15 * time.Millisecond)
			writeFile(t, dir, fmt.Sprintf("paper%d.pdf", i))
		}
	}()

	count, err := tracker.AwaitBatch(context.Background(), dir, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestAwaitBatch_TimesOutBelowViableFraction(t *testing.T) {
	dir := t.TempDir()
	tracker := newTestTracker(200 * time.Millisecond)

	// One artifact out of ten never reaches the 0.5 viable fraction.
	writeLater(t, dir, 20*time.Millisecond, "only.pdf")

	_, err := tracker.AwaitBatch(context.Background(), dir, 10)
	require.Error(t, err)

	var timeoutErr *schemas.DownloadTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 10, timeoutErr.Expected)
	assert.Equal(t, 1, timeoutErr.Observed)
}

func TestAwaitBatch_PartialBatchAboveFractionResolvesAtTimeout(t *testing.T) {
	dir := t.TempDir()
	tracker := newTestTracker(200 * time.Millisecond)

	// 6 of 10 observed clears the 0.5 fraction when the deadline hits.
	writeLater(t, dir, 20*time.Millisecond, "a.pdf", "b.pdf", "c.pdf", "d.pdf", "e.pdf", "f.pdf")

	count, err := tracker.AwaitBatch(context.Background(), dir, 10)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestAwaitBatch_IgnoresPreexistingArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "old1.pdf")
	writeFile(t, dir, "old2.pdf")

	tracker := newTestTracker(5 * time.Second)
	writeLater(t, dir, 20*time.Millisecond, "new.pdf")

	count, err := tracker.AwaitBatch(context.Background(), dir, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "artifacts present before the batch started must not count")
}

func TestAwaitBatch_InFlightDownloadDefersResolution(t *testing.T) {
	dir := t.TempDir()
	tracker := newTestTracker(5 * time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		writeFile(t, dir, "done.pdf")
		writeFile(t, dir, "pending.pdf.crdownload")
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, os.Rename(
			filepath.Join(dir, "pending.pdf.crdownload"),
			filepath.Join(dir, "pending.pdf")))
	}()

	count, err := tracker.AwaitBatch(context.Background(), dir, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAwaitBatch_ExpandsArchiveInPlace(t *testing.T) {
	dir := t.TempDir()
	tracker := newTestTracker(5 * time.Second)

	archivePath := filepath.Join(dir, "batch.zip")
	go func() {
		time.Sleep(20 * time.Millisecond)
		f, err := os.Create(archivePath)
		require.NoError(t, err)
		w := zip.NewWriter(f)
		for _, name := range []string{"one.pdf", "sub/two.pdf", "three.pdf"} {
			member, err := w.Create(name)
			require.NoError(t, err)
			_, err = member.Write([]byte("%PDF-1.4 stub"))
			require.NoError(t, err)
		}
		require.NoError(t, w.Close())
		require.NoError(t, f.Close())
	}()

	count, err := tracker.AwaitBatch(context.Background(), dir, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	assert.NoFileExists(t, archivePath, "the expanded archive should be removed")
	assert.FileExists(t, filepath.Join(dir, "two.pdf"), "nested members are flattened")
}

func TestAwaitBatch_Cancellation(t *testing.T) {
	dir := t.TempDir()
	tracker := newTestTracker(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := tracker.AwaitBatch(ctx, dir, 100)
	assert.ErrorIs(t, err, context.Canceled)
}
