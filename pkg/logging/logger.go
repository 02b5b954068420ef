// Package logging wraps logrus with the conventions used across the
// framework's components: JSON output, a per-process "service" field, and
// a small Fields/Level alias so callers never import logrus directly.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the shared logger type used by every component.
type Logger = *logrus.Logger

// Fields represents structured logging fields.
type Fields = logrus.Fields

// Level represents a log level.
type Level = logrus.Level

// Log levels re-exported so callers don't need the logrus import.
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a new configured logger instance at the given level.
func NewLogger(level Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(level)
	return logger
}

// NewLoggerWithService creates a logger with a "service" field attached to
// every entry it emits.
func NewLoggerWithService(serviceName string, level Level) *logrus.Logger {
	logger := NewLogger(level)
	logger.AddHook(serviceHook{service: serviceName})
	return logger
}

// serviceHook sets the "service" field on every entry its logger fires.
type serviceHook struct{ service string }

func (h serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h serviceHook) Fire(entry *logrus.Entry) error {
	entry.Data["service"] = h.service
	return nil
}

// NewNop returns a logger that discards all output, for tests and
// components that are not given an explicit logger.
func NewNop() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(discard{})
	return logger
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
