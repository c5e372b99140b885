// File: internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/khlab/paperpull/internal/config"
)

// syncBuffer adapts bytes.Buffer to zapcore.WriteSyncer.
type syncBuffer struct {
	bytes.Buffer
}

func (b *syncBuffer) Sync() error { return nil }

func TestInitialize_WritesToConsole(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(config.LoggerConfig{
		Level:       "debug",
		Format:      "json",
		ServiceName: "paperpull-test",
	}, zapcore.AddSync(buf))

	GetLogger().Info("hello from the test")
	assert.Contains(t, buf.String(), "hello from the test")
	assert.Contains(t, buf.String(), "paperpull-test")
}

func TestGetLogger_FallbackBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	assert.NotNil(t, GetLogger(), "an uninitialized logger request must still return a usable logger")
}

func TestTargetLogDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "papers")

	dir, err := TargetLogDir(base, 2024)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base+"_logs", "2024"), dir)
	assert.DirExists(t, dir)
}

func TestNewTargetLogger_TeesIntoYearFile(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "paperpull-test"}, zapcore.AddSync(buf))

	base := filepath.Join(t.TempDir(), "papers")
	logger, closeFn, err := NewTargetLogger(GetLogger(), base, 2024, "run-123")
	require.NoError(t, err)

	logger.Info("page batch resolved")
	closeFn()

	logPath := filepath.Join(base+"_logs", strconv.Itoa(2024), "crawl_run-123.log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.SplitN(data, []byte("\n"), 2)[0], &entry))
	assert.Equal(t, "page batch resolved", entry["msg"])
	assert.EqualValues(t, 2024, entry["year"])
	assert.Equal(t, "run-123", entry["run_id"])

	// The console core still saw the entry too.
	assert.Contains(t, buf.String(), "page batch resolved")
}
