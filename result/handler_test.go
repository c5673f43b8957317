package result

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cyclebuild/builder"
	"cyclebuild/buildlog"
	"cyclebuild/notify"
	"cyclebuild/reason"
	"cyclebuild/recipe"
	"cyclebuild/runstate"
	"cyclebuild/upstream"
)

type fakeSink struct {
	reports []notify.Report
}

func (f *fakeSink) Notify(r notify.Report) error {
	f.reports = append(f.reports, r)
	return nil
}

type fakeDB struct {
	lastStatus map[recipe.PkgBase]bool
	successes  map[string]time.Time
}

func newFakeDB() *fakeDB {
	return &fakeDB{lastStatus: map[recipe.PkgBase]bool{}, successes: map[string]time.Time{}}
}

func (f *fakeDB) RecordLastStatus(pkgbase recipe.PkgBase, failed bool) error {
	f.lastStatus[pkgbase] = failed
	return nil
}

func (f *fakeDB) RecordSuccess(pkgbase recipe.PkgBase, sourceIndex int, at time.Time) error {
	f.successes[string(pkgbase)] = at
	return nil
}

func newHandler(t *testing.T, sink *fakeSink, db *fakeDB) (*Handler, string) {
	t.Helper()
	dir := t.TempDir()
	logger, err := buildlog.Open(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	var notifySink notify.Sink
	if sink != nil {
		notifySink = sink
	}
	var dbWriter RecordWriter
	if db != nil {
		dbWriter = db
	}

	h := &Handler{
		Cycle:   runstate.New(),
		Reasons: reason.Reasons{},
		Log:     logger,
		Notify:  notifySink,
		DB:      dbWriter,
	}
	return h, dir
}

func readEvents(t *testing.T, dir string) []buildlog.Event {
	t.Helper()
	buf, err := os.ReadFile(filepath.Join(dir, "build-log.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var events []buildlog.Event
	for _, line := range splitLines(buf) {
		if len(line) == 0 {
			continue
		}
		var e buildlog.Event
		if err := json.Unmarshal(line, &e); err != nil {
			t.Fatalf("unexpected error unmarshaling event: %v", err)
		}
		events = append(events, e)
	}
	return events
}

func splitLines(buf []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range buf {
		if b == '\n' {
			out = append(out, buf[start:i])
			start = i + 1
		}
	}
	return out
}

func TestHandleSuccessMarksBuiltAndRecords(t *testing.T) {
	db := newFakeDB()
	h, dir := newHandler(t, nil, db)
	h.Reasons.Add("foo", reason.Reason{
		Kind:  reason.NvChecker,
		Items: []upstream.NVItem{{SourceIndex: 0, Source: "manual"}},
	})

	h.Handle("foo", 1, builder.Outcome{Kind: builder.Successful, PkgVersion: "1.0"}, nil)

	if !h.Cycle.IsBuilt("foo") {
		t.Fatal("expected foo to be marked built")
	}
	if failed, ok := db.lastStatus["foo"]; !ok || failed {
		t.Fatalf("expected last status recorded as not-failed, got %v", db.lastStatus)
	}
	if _, ok := db.successes["foo"]; !ok {
		t.Fatal("expected a recorded success timestamp")
	}

	events := readEvents(t, dir)
	if len(events) != 1 || events[0].Event != "build_successful" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestHandleFailureWithMissingDepsDistinguishesFailedVsPending(t *testing.T) {
	sink := &fakeSink{}
	h, _ := newHandler(t, sink, nil)
	h.Cycle.MarkFailed("bar", nil)

	h.Handle("foo", 1, builder.Outcome{
		Kind: builder.Failed,
		Err:  &builder.MissingDependenciesError{Missing: []recipe.PkgBase{"bar", "baz"}},
	}, nil)

	if !h.Cycle.IsFailed("foo") {
		t.Fatal("expected foo to be marked failed")
	}
	if len(sink.reports) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(sink.reports))
	}
	r := sink.reports[0]
	if r.Kind != notify.MissingDependencies {
		t.Fatalf("expected MissingDependencies report, got %v", r.Kind)
	}
	if len(r.MissingFailed) != 1 || r.MissingFailed[0] != "bar" {
		t.Fatalf("expected bar in MissingFailed, got %v", r.MissingFailed)
	}
	if len(r.MissingPending) != 1 || r.MissingPending[0] != "baz" {
		t.Fatalf("expected baz in MissingPending, got %v", r.MissingPending)
	}
}

func TestHandleFailureWithBuildExceptionNotifiesWithLogFile(t *testing.T) {
	sink := &fakeSink{}
	h, _ := newHandler(t, sink, nil)

	h.Handle("foo", 1, builder.Outcome{
		Kind:    builder.Failed,
		Message: "compile error",
		LogFile: "/logs/foo.log",
	}, nil)

	if len(sink.reports) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(sink.reports))
	}
	r := sink.reports[0]
	if r.Kind != notify.BuildException {
		t.Fatalf("expected BuildException report, got %v", r.Kind)
	}
	if r.LogFile != "/logs/foo.log" {
		t.Fatalf("expected log file to be carried through, got %q", r.LogFile)
	}
}

func TestHandleSkippedEmitsEventWithoutMarkingBuiltOrFailed(t *testing.T) {
	h, dir := newHandler(t, nil, nil)

	h.Handle("foo", 1, builder.Outcome{Kind: builder.Skipped, Message: "no recipe changes"}, nil)

	if h.Cycle.IsBuilt("foo") || h.Cycle.IsFailed("foo") {
		t.Fatal("expected skipped package to be neither built nor failed")
	}
	events := readEvents(t, dir)
	if len(events) != 1 || events[0].Message != "no recipe changes" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
