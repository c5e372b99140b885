// File: internal/observability/targetlog.go
package observability

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// TargetLogDir returns the companion log directory for a crawl target:
// <base>_logs/<year>/ next to the save tree, created on demand.
func TargetLogDir(basePath string, year int) (string, error) {
	dir := filepath.Join(basePath+"_logs", fmt.Sprintf("%d", year))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return dir, nil
}

// NewTargetLogger derives a logger from parent that additionally writes
// JSON entries to <base>_logs/<year>/crawl_<runID>.log. The returned
// close function flushes the file sink; the console output of parent is
// untouched.
func NewTargetLogger(parent *zap.Logger, basePath string, year int, runID string) (*zap.Logger, func(), error) {
	dir, err := TargetLogDir(basePath, year)
	if err != nil {
		return nil, nil, err
	}

	sink := &lumberjack.Logger{
		Filename:   filepath.Join(dir, fmt.Sprintf("crawl_%s.log", runID)),
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     90,
	}
	fileCore := zapcore.NewCore(getEncoder("json"), zapcore.AddSync(sink), zap.DebugLevel)

	logger := parent.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})).With(zap.Int("year", year), zap.String("run_id", runID))

	closeFn := func() {
		_ = fileCore.Sync()
		_ = sink.Close()
	}
	return logger, closeFn, nil
}
