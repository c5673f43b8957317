// Package buildlog owns the cycle-wide build log (human-readable and
// structured NDJSON) and the per-package build log files, using
// structured slog-based logging via clog.
package buildlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
)

// Logger writes both the human-readable build.log and a newline-
// delimited JSON build-log.json event log, appending to both under one
// mutex so concurrent workers can log safely.
type Logger struct {
	mu       sync.Mutex
	human    *os.File
	jsonFile *os.File
	clog     *clog.Logger
}

// Open creates (or appends to) build.log and build-log.json under dir.
func Open(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	human, err := os.OpenFile(filepath.Join(dir, "build.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening build.log: %w", err)
	}
	jsonFile, err := os.OpenFile(filepath.Join(dir, "build-log.json"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		human.Close()
		return nil, fmt.Errorf("opening build-log.json: %w", err)
	}

	multi := io.MultiWriter(human, os.Stderr)
	cl := clog.New(slog.NewTextHandler(multi, &slog.HandlerOptions{Level: slog.LevelInfo}))

	return &Logger{human: human, jsonFile: jsonFile, clog: cl}, nil
}

// Close flushes and closes both underlying files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err1 := l.human.Close()
	err2 := l.jsonFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// WithContext returns a context carrying this logger's clog.Logger, so
// downstream code can use clog.FromContext(ctx) the way the worker pool
// and cycle driver do.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return clog.WithLogger(ctx, l.clog)
}

// Event is one structured build-log.json line. Fields beyond the common
// ones are variant-specific, depending on the kind of event.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Event      string    `json:"event"`
	LoggerName string    `json:"logger_name"`
	PkgBase    string    `json:"pkgbase,omitempty"`
	NVVersion  string    `json:"nv_version,omitempty"`
	PkgVersion string    `json:"pkg_version,omitempty"`
	ElapsedSec float64   `json:"elapsed,omitempty"`
	Reasons    []string  `json:"reasons,omitempty"`
	Missing    []string  `json:"missing,omitempty"`
	Message    string    `json:"message,omitempty"`
	LogFile    string    `json:"log_file,omitempty"`
}

// EmitEvent appends one structured event line and a matching
// human-readable line.
func (l *Logger) EmitEvent(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.LoggerName == "" {
		e.LoggerName = "cyclebuild"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling build event: %w", err)
	}
	if _, err := l.jsonFile.Write(append(buf, '\n')); err != nil {
		return fmt.Errorf("writing build-log.json: %w", err)
	}

	line := fmt.Sprintf("[%s] %s pkgbase=%s version=%s elapsed=%.1fs", e.Timestamp.Format(time.RFC3339), e.Event, e.PkgBase, e.PkgVersion, e.ElapsedSec)
	if e.Message != "" {
		line += " msg=" + e.Message
	}
	if _, err := fmt.Fprintln(l.human, line); err != nil {
		return fmt.Errorf("writing build.log: %w", err)
	}
	return nil
}

// Infof logs a structured info-level line through clog, visible on
// stderr and in build.log.
func (l *Logger) Infof(format string, args ...any) {
	l.clog.Infof(format, args...)
}

// Errorf logs a structured error-level line through clog.
func (l *Logger) Errorf(format string, args ...any) {
	l.clog.Errorf(format, args...)
}
