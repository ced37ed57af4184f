// Package logging builds the structured loggers used by the bridge and loader.
//
// Stdout carries protocol frames, so every logger built here writes to
// stderr (or a caller-supplied writer in tests).
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Prefix is stamped on every log line.
const Prefix = "promptbridge"

// DefaultLevel is used when no level is requested.
const DefaultLevel = "warn"

// New returns a logger writing to w at the named level
// (debug, info, warn, error). An empty level means DefaultLevel.
func New(w io.Writer, level string) (*log.Logger, error) {
	if level == "" {
		level = DefaultLevel
	}
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		ReportCaller:    lvl == log.DebugLevel,
		TimeFormat:      time.RFC3339,
		Prefix:          Prefix,
	})
	logger.SetLevel(lvl)
	return logger, nil
}

// NewStderr returns a logger on stderr at the named level.
func NewStderr(level string) (*log.Logger, error) {
	return New(os.Stderr, level)
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	logger := log.New(io.Discard)
	logger.SetLevel(log.FatalLevel)
	return logger
}

// NewTestLogger creates a debug-level logger that writes to a buffer.
func NewTestLogger() (*log.Logger, *bytes.Buffer) {
	var buf bytes.Buffer

	logger := log.NewWithOptions(&buf, log.Options{
		ReportTimestamp: false, // Easier to assert on without timestamps
		Prefix:          "test",
	})
	logger.SetLevel(log.DebugLevel)

	return logger, &buf
}
