package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"cyclebuild/builder"
	"cyclebuild/reason"
	"cyclebuild/recipe"
	"cyclebuild/runstate"
)

func TestDriverDispatchesInDependencyOrder(t *testing.T) {
	dm := depMap(map[recipe.PkgBase][]recipe.PkgBase{
		"app": {"lib"},
		"lib": {},
	})
	reasons := make(reason.Reasons)
	reasons.Add("app", reason.Reason{Kind: reason.Cmdline})
	reasons.Add("lib", reason.Reason{Kind: reason.Depended, Depender: "app"})

	s, err := New(dm, reasons)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cat := recipe.NewMemCatalog(&recipe.Recipe{PkgBase: "app"}, &recipe.Recipe{PkgBase: "lib"})
	cycle := runstate.New()
	b := builder.NewStaticBuilder()

	var mu sync.Mutex
	var order []recipe.PkgBase

	d := &Driver{
		Sorter:         s,
		Reasons:        reasons,
		Catalog:        cat,
		Cycle:          cycle,
		Builder:        b,
		MaxConcurrency: 1,
		OnResult: func(p recipe.PkgBase, workerID int, outcome builder.Outcome, buildErr error) {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			cycle.MarkBuilt(p)
		},
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(order) != 2 || order[0] != "lib" || order[1] != "app" {
		t.Fatalf("expected dispatch order [lib app], got %v", order)
	}
}

func TestDriverSkipsAlreadyFailedThisCycle(t *testing.T) {
	dm := depMap(map[recipe.PkgBase][]recipe.PkgBase{"foo": {}})
	reasons := make(reason.Reasons)
	reasons.Add("foo", reason.Reason{Kind: reason.Cmdline})

	s, err := New(dm, reasons)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cat := recipe.NewMemCatalog(&recipe.Recipe{PkgBase: "foo"})
	cycle := runstate.New()
	cycle.MarkFailed("foo", nil)
	b := builder.NewStaticBuilder()

	d := &Driver{
		Sorter:         s,
		Reasons:        reasons,
		Catalog:        cat,
		Cycle:          cycle,
		Builder:        b,
		MaxConcurrency: 1,
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(b.Calls) != 0 {
		t.Fatalf("expected no build calls for a package already failed this cycle, got %v", b.Calls)
	}
}

func TestDriverSkipsFailedByDepsWithUnresolvedDeps(t *testing.T) {
	dm := depMap(map[recipe.PkgBase][]recipe.PkgBase{"foo": {}})
	reasons := make(reason.Reasons)
	reasons.Add("foo", reason.Reason{Kind: reason.FailedByDeps, Missing: []recipe.PkgBase{"bar"}})

	s, err := New(dm, reasons)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cat := recipe.NewMemCatalog(&recipe.Recipe{
		PkgBase: "foo",
		Deps:    []recipe.Dependency{{Target: "bar", Resolve: func() bool { return false }}},
	})
	b := builder.NewStaticBuilder()

	d := &Driver{
		Sorter:         s,
		Reasons:        reasons,
		Catalog:        cat,
		Cycle:          runstate.New(),
		Builder:        b,
		MaxConcurrency: 1,
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.Calls) != 0 {
		t.Fatalf("expected foo to be skipped while bar unresolved, got %v", b.Calls)
	}
}

func TestDriverPruningFailedPackageStillReachesDependents(t *testing.T) {
	// Pruning a known-failed package admits its dependents into the
	// frontier; they must be dispatched in the same cycle, not dropped.
	dm := depMap(map[recipe.PkgBase][]recipe.PkgBase{
		"app":  {"base"},
		"base": {},
	})
	reasons := make(reason.Reasons)
	reasons.Add("app", reason.Reason{Kind: reason.Cmdline})
	reasons.Add("base", reason.Reason{Kind: reason.Cmdline})

	s, err := New(dm, reasons)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cat := recipe.NewMemCatalog(&recipe.Recipe{PkgBase: "app"}, &recipe.Recipe{PkgBase: "base"})
	cycle := runstate.New()
	cycle.MarkFailed("base", nil)
	b := builder.NewStaticBuilder()

	d := &Driver{
		Sorter:         s,
		Reasons:        reasons,
		Catalog:        cat,
		Cycle:          cycle,
		Builder:        b,
		MaxConcurrency: 1,
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.Calls) != 1 || b.Calls[0].PkgBase != "app" {
		t.Fatalf("expected app to be dispatched after base was pruned, got %v", b.Calls)
	}
	if s.IsActive() {
		t.Fatal("expected sorter drained after the cycle")
	}
}

func TestDriverBuildsFailedByDepsOnceDepsResolve(t *testing.T) {
	dm := depMap(map[recipe.PkgBase][]recipe.PkgBase{"foo": {}})
	reasons := make(reason.Reasons)
	reasons.Add("foo", reason.Reason{Kind: reason.FailedByDeps, Missing: []recipe.PkgBase{"bar"}})

	s, err := New(dm, reasons)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cat := recipe.NewMemCatalog(&recipe.Recipe{
		PkgBase: "foo",
		Deps:    []recipe.Dependency{{Target: "bar", Resolve: func() bool { return true }}},
	})
	b := builder.NewStaticBuilder()

	d := &Driver{
		Sorter:         s,
		Reasons:        reasons,
		Catalog:        cat,
		Cycle:          runstate.New(),
		Builder:        b,
		MaxConcurrency: 1,
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.Calls) != 1 || b.Calls[0].PkgBase != "foo" {
		t.Fatalf("expected foo to be built once bar resolved, got %v", b.Calls)
	}
}

func TestDriverAssignsStableWorkerIDs(t *testing.T) {
	var edges = map[recipe.PkgBase][]recipe.PkgBase{}
	reasons := make(reason.Reasons)
	for i := 0; i < 6; i++ {
		p := recipe.PkgBase(string(rune('a' + i)))
		edges[p] = nil
		reasons.Add(p, reason.Reason{Kind: reason.Cmdline})
	}
	dm := depMap(edges)

	s, err := New(dm, reasons)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cat := recipe.NewMemCatalog()
	for p := range edges {
		cat.Add(&recipe.Recipe{PkgBase: p})
	}
	b := builder.NewStaticBuilder()

	seen := make(map[int]bool)
	var mu sync.Mutex

	d := &Driver{
		Sorter:         s,
		Reasons:        reasons,
		Catalog:        cat,
		Cycle:          runstate.New(),
		Builder:        b,
		MaxConcurrency: 2,
		OnResult: func(p recipe.PkgBase, workerID int, outcome builder.Outcome, buildErr error) {
			mu.Lock()
			seen[workerID] = true
			mu.Unlock()
		},
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) > 2 {
		t.Fatalf("expected at most 2 distinct worker ids for MaxConcurrency=2, got %v", seen)
	}
}

func TestDriverInterruptDrainsInFlightThenStops(t *testing.T) {
	dm := depMap(map[recipe.PkgBase][]recipe.PkgBase{"a": {}, "b": {}, "c": {}, "d": {}})
	reasons := make(reason.Reasons)
	for _, p := range []recipe.PkgBase{"a", "b", "c", "d"} {
		reasons.Add(p, reason.Reason{Kind: reason.Cmdline})
	}

	s, err := New(dm, reasons)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cat := recipe.NewMemCatalog(
		&recipe.Recipe{PkgBase: "a"}, &recipe.Recipe{PkgBase: "b"},
		&recipe.Recipe{PkgBase: "c"}, &recipe.Recipe{PkgBase: "d"},
	)

	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan recipe.PkgBase, 4)
	release := make(chan struct{})
	b := &blockingBuilder{started: started, release: release}

	var completed int32Counter
	d := &Driver{
		Sorter:         s,
		Reasons:        reasons,
		Catalog:        cat,
		Cycle:          runstate.New(),
		Builder:        b,
		MaxConcurrency: 2,
		OnResult: func(p recipe.PkgBase, workerID int, outcome builder.Outcome, buildErr error) {
			completed.inc()
		},
	}

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	<-started
	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-runErr; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completed.get() != 2 {
		t.Fatalf("expected exactly the 2 in-flight builds to complete, got %d", completed.get())
	}
}

type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// blockingBuilder blocks every Build call until release is closed, after
// reporting start on started. Used to simulate builds in flight when an
// interrupt arrives.
type blockingBuilder struct {
	started chan recipe.PkgBase
	release chan struct{}
}

func (b *blockingBuilder) Build(pkgbase recipe.PkgBase, workerID int) (builder.Outcome, error) {
	select {
	case b.started <- pkgbase:
	default:
	}
	<-b.release
	return builder.Outcome{Kind: builder.Successful}, nil
}
