package buildlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// PackageLogger writes one per-package build log under a cycle's log
// directory, at "<mydir>/log/<ISO-8601-timestamp>/<pkg>.log", using a
// phase-bracketed format.
type PackageLogger struct {
	mu      sync.Mutex
	file    *os.File
	pkgbase string
}

// NewPackageLogger creates (truncating) <dir>/<pkgbase>.log.
func NewPackageLogger(dir string, pkgbase string) (*PackageLogger, error) {
	path := filepath.Join(dir, pkgbase+".log")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating package log for %s: %w", pkgbase, err)
	}
	return &PackageLogger{file: f, pkgbase: pkgbase}, nil
}

// Path returns the log file's path, for inclusion in build-time
// exception reports.
func (pl *PackageLogger) Path() string {
	return pl.file.Name()
}

// Close closes the underlying file.
func (pl *PackageLogger) Close() error {
	return pl.file.Close()
}

func (pl *PackageLogger) WriteHeader() {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	fmt.Fprintf(pl.file, "%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(pl.file, "Build Log: %s\n", pl.pkgbase)
	fmt.Fprintf(pl.file, "Started: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(pl.file, "%s\n\n", strings.Repeat("=", 70))
	pl.file.Sync()
}

func (pl *PackageLogger) WritePhase(phase string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	fmt.Fprintf(pl.file, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(pl.file, "Phase: %s\n", phase)
	fmt.Fprintf(pl.file, "Time: %s\n", time.Now().Format("15:04:05"))
	fmt.Fprintf(pl.file, "%s\n", strings.Repeat("=", 70))
	pl.file.Sync()
}

func (pl *PackageLogger) WriteSuccess(duration time.Duration) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	fmt.Fprintf(pl.file, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(pl.file, "BUILD SUCCESS\n")
	fmt.Fprintf(pl.file, "Completed: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(pl.file, "Duration: %s\n", duration)
	fmt.Fprintf(pl.file, "%s\n", strings.Repeat("=", 70))
	pl.file.Sync()
}

func (pl *PackageLogger) WriteFailure(duration time.Duration, reason string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	fmt.Fprintf(pl.file, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(pl.file, "BUILD FAILED\n")
	fmt.Fprintf(pl.file, "Reason: %s\n", reason)
	fmt.Fprintf(pl.file, "Completed: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(pl.file, "Duration: %s\n", duration)
	fmt.Fprintf(pl.file, "%s\n", strings.Repeat("=", 70))
	pl.file.Sync()
}
