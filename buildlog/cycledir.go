package buildlog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CycleDir is one cycle's log directory, "<mydir>/log/<ISO-8601>/",
// holding the cycle's main log and one <pkg>.log per build.
type CycleDir struct {
	Dir  string
	main *os.File

	savedStdout *os.File
	savedStderr *os.File
	closed      bool
}

// OpenCycleDir creates the per-cycle log directory under base and its
// lilac-main.log.
func OpenCycleDir(base string, start time.Time) (*CycleDir, error) {
	dir := filepath.Join(base, "log", start.Format("2006-01-02T15:04:05"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cycle log directory: %w", err)
	}
	main, err := os.Create(filepath.Join(dir, "lilac-main.log"))
	if err != nil {
		return nil, fmt.Errorf("creating main cycle log: %w", err)
	}
	return &CycleDir{Dir: dir, main: main}, nil
}

// MainLogPath returns the cycle's main log file path.
func (c *CycleDir) MainLogPath() string { return c.main.Name() }

// RedirectStdio points the process's stdout and stderr at the main
// cycle log until Close, so hook and worker output lands under the
// cycle directory before any worker runs.
func (c *CycleDir) RedirectStdio() {
	c.savedStdout, c.savedStderr = os.Stdout, os.Stderr
	os.Stdout, os.Stderr = c.main, c.main
}

// PackageLog opens the per-package log file for pkgbase under this
// cycle's directory.
func (c *CycleDir) PackageLog(pkgbase string) (*PackageLogger, error) {
	return NewPackageLogger(c.Dir, pkgbase)
}

// Close restores the process stdio if redirected and closes the main
// log. Safe to call more than once.
func (c *CycleDir) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.savedStdout != nil {
		os.Stdout, os.Stderr = c.savedStdout, c.savedStderr
	}
	return c.main.Close()
}
