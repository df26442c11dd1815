// Package logging provides structured logging for the coordinator
// service.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/videointel/coordinator/internal/config"
)

// DefaultLogDir returns the default log directory following the XDG
// Base Directory Spec. Uses $XDG_STATE_HOME/coordinator/logs,
// defaulting to ~/.local/state/coordinator/logs.
func DefaultLogDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "coordinator", "logs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "coordinator", "logs")
	}
	return filepath.Join(home, ".local", "state", "coordinator", "logs")
}

// Logger wraps logrus with the coordinator's level/format conventions
// and optional file output, offering a familiar Setup/Info/Debug/
// Writer API shape.
type Logger struct {
	*logrus.Logger
	file *os.File
}

// Setup builds a Logger from cfg's Logging section. When logDir is
// non-empty, log output is written to a timestamped file under logDir
// in addition to stderr.
func Setup(cfg config.LoggingConfig, logDir string) (*Logger, error) {
	base := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	base.SetLevel(level)

	switch cfg.Format {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l := &Logger{Logger: base}

	if logDir == "" {
		base.SetOutput(os.Stderr)
		return l, nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create log directory %s: %w", logDir, err)
	}
	filePath := filepath.Join(logDir, fmt.Sprintf("coordinator_%s.log", time.Now().Format("20060102_150405")))
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: create log file %s: %w", filePath, err)
	}

	l.file = file
	base.SetOutput(io.MultiWriter(os.Stderr, file))
	base.WithField("log_file", filePath).Info("logging initialized")
	return l, nil
}

// Close closes the underlying log file, if one was opened.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Writer returns an io.Writer that writes to the log file, falling
// back to io.Discard when no file was opened. Useful for redirecting
// other components' output into the same log stream.
func (l *Logger) Writer() io.Writer {
	if l == nil || l.file == nil {
		return io.Discard
	}
	return l.file
}
