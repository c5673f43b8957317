package cyclestate

import (
	"os"
	"path/filepath"
	"testing"

	"cyclebuild/recipe"
)

func TestStoreLoadDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	st, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.LastCommit != "" || len(st.Failed) != 0 {
		t.Fatalf("expected empty defaults, got %+v", st)
	}
}

func TestStoreSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	st := newEmptyState()
	st.LastCommit = "abc123"
	st.Failed["foo"] = FailedInfo{Missing: []recipe.PkgBase{"bar"}, Version: "1.0"}

	if err := s.Save(st); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.LastCommit != "abc123" {
		t.Fatalf("expected last_commit abc123, got %q", loaded.LastCommit)
	}
	info, ok := loaded.Failed["foo"]
	if !ok || info.Version != "1.0" || len(info.Missing) != 1 || info.Missing[0] != "bar" {
		t.Fatalf("expected roundtripped failed info, got %+v", loaded.Failed)
	}
}

func TestStoreLockPreventsSecondOpen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s1.Close()

	_, err = Open(dir)
	if err != ErrLockHeld {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
}

func TestStoreLockReleasedOnClose(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("expected lock to be released, got error: %v", err)
	}
	s2.Close()
}

func TestMissingByPackage(t *testing.T) {
	st := newEmptyState()
	st.Failed["foo"] = FailedInfo{Missing: []recipe.PkgBase{"bar", "baz"}}

	m := st.MissingByPackage()
	if len(m["foo"]) != 2 {
		t.Fatalf("expected 2 missing deps for foo, got %v", m["foo"])
	}
}

func TestStatePersistedUnderExpectedFilename(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	st := newEmptyState()
	st.LastCommit = "deadbeef"
	if err := s.Save(st); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "store")); err != nil {
		t.Fatalf("expected store file to exist: %v", err)
	}
}
