// Package logger provides the structured logger shared by every package of the client core.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls level, format and destination of log output.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error. Defaults to info.
	Level string
	// Format is "text" or "json". Defaults to text.
	Format string
	// Output is "stdout", "stderr" or a file path. Defaults to stderr.
	Output string
	// Component is attached to every entry as the "component" field.
	Component string
}

// Logger is a logrus entry scoped to a component.
type Logger struct {
	*logrus.Entry
	// file is the log file opened by New, owned by the root logger only.
	file *os.File
}

// New builds a logger from cfg. An unwritable file output falls back to stderr.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out, file := openOutput(cfg.Output)
	base.SetOutput(out)

	entry := logrus.NewEntry(base)
	if cfg.Component != "" {
		entry = entry.WithField("component", cfg.Component)
	}
	return &Logger{Entry: entry, file: file}
}

// NewDefault returns an info-level text logger on stderr for the named component.
func NewDefault(component string) *Logger {
	return New(LoggingConfig{Component: component})
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{Entry: logrus.NewEntry(base)}
}

// Named returns a child logger with a different component field. Children
// share the parent's output and do not own it.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Entry: l.Entry.WithField("component", component)}
}

// Close releases the log file opened for a path output. Later entries go to
// stderr. It is a no-op for stdout, stderr and child loggers.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	l.Logger.SetOutput(os.Stderr)
	err := l.file.Close()
	l.file = nil
	return err
}

func openOutput(output string) (io.Writer, *os.File) {
	switch strings.TrimSpace(output) {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return os.Stderr, nil
	}
	return f, f
}
