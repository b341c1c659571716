package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger from config. When cfg.Dir is set, a timestamped run
// log file is created there alongside the console sink; the file path is
// returned so callers can report it to the operator.
func New(cfg *Config) (*zap.Logger, string, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}

	var cores []zapcore.Core
	if cfg.Stdout {
		cores = append(cores, zapcore.NewCore(
			newEncoder(cfg.Format),
			zapcore.Lock(os.Stderr),
			cfg.Level,
		))
	}

	var logPath string
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, "", fmt.Errorf("failed to create log directory: %w", err)
		}
		logPath = filepath.Join(cfg.Dir, fmt.Sprintf("nightshift_%s.log", time.Now().Format("20060102_150405")))
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			newEncoder("json"),
			zapcore.Lock(f),
			cfg.Level,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...))

	if len(cfg.Fields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.Fields))
		for k, v := range cfg.Fields {
			fields = append(fields, zap.String(k, v))
		}
		logger = logger.With(fields...)
	}

	return logger, logPath, nil
}

// newEncoder creates JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// Sync flushes the logger, ignoring the harmless EINVAL/ENOTTY errors that
// syncing stdout/stderr returns on Linux.
func Sync(logger *zap.Logger) error {
	err := logger.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
