// Package cyclestate implements the cycle state store: a locked,
// atomically-written file persisting last-processed commit and
// per-package missing-dependency memory, plus an optional bbolt-backed
// database of run history and last-success timestamps.
package cyclestate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"

	"cyclebuild/recipe"
)

// FailedInfo records why a package failed on its last attempt: the
// internal dependencies missing at build time and the version it was
// attempting.
type FailedInfo struct {
	Missing []recipe.PkgBase `json:"missing"`
	Version string           `json:"version"`
}

// State is the persisted cycle state: last-processed commit hash and
// the failed_info map.
type State struct {
	LastCommit string                        `json:"last_commit"`
	Failed     map[recipe.PkgBase]FailedInfo `json:"failed"`
}

// newEmptyState returns the defaults used when no store file exists yet.
func newEmptyState() *State {
	return &State{Failed: make(map[recipe.PkgBase]FailedInfo)}
}

// MissingByPackage adapts State.Failed into the shape
// reason.Inputs.PreviousFailedInfo expects.
func (s *State) MissingByPackage() map[recipe.PkgBase][]recipe.PkgBase {
	out := make(map[recipe.PkgBase][]recipe.PkgBase, len(s.Failed))
	for p, info := range s.Failed {
		out[p] = info.Missing
	}
	return out
}

// Store owns the exclusive process lock and the atomically-written
// state file under one directory.
type Store struct {
	dir      string
	lockFile *os.File
}

// ErrLockHeld is returned by Open when another process already holds the
// exclusive lock — a setup error.
var ErrLockHeld = fmt.Errorf("lock held by another process")

// Open acquires the exclusive, non-blocking process lock at
// <dir>/.lock. Exactly one process may hold it at a time, enforcing a
// shared-resource policy across concurrent invocations.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	lockPath := filepath.Join(dir, ".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("locking %s: %w", lockPath, err)
	}
	return &Store{dir: dir, lockFile: f}, nil
}

// Close releases the lock. Callers must call this in a finally-style
// deferred block so the lock is always released.
func (s *Store) Close() error {
	if s.lockFile == nil {
		return nil
	}
	unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	return s.lockFile.Close()
}

// Load reads the store file, returning empty defaults if it doesn't
// exist yet (first run).
func (s *Store) Load() (*State, error) {
	path := filepath.Join(s.dir, "store")
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newEmptyState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	var st State
	if err := json.Unmarshal(buf, &st); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	if st.Failed == nil {
		st.Failed = make(map[recipe.PkgBase]FailedInfo)
	}
	return &st, nil
}

// Save persists state atomically (write-temp + rename), via renameio,
// so a crash mid-write never leaves a corrupt store file behind.
func (s *Store) Save(st *State) error {
	buf, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	path := filepath.Join(s.dir, "store")
	if err := renameio.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}
