package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"cyclebuild/builder"
	"cyclebuild/reason"
	"cyclebuild/recipe"
	"cyclebuild/runstate"
)

// WorkerIDAllocator assigns each worker goroutine a unique, monotonically
// increasing integer on first use, process-wide, guarded by one mutex.
// Workers are never recycled across cycles, so a single allocator is
// meant to be shared by at most one Driver.Run call over its lifetime.
type WorkerIDAllocator struct {
	mu   sync.Mutex
	next int
}

// NewWorkerIDAllocator returns an allocator starting at zero.
func NewWorkerIDAllocator() *WorkerIDAllocator {
	return &WorkerIDAllocator{}
}

// Next returns the next unused worker id.
func (a *WorkerIDAllocator) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// ResultFunc is invoked on the driver goroutine as each build completes,
// before the sorter is advanced. It is the hook the result handler
// wires into; the driver itself holds no opinion about logging or
// notification.
type ResultFunc func(pkgbase recipe.PkgBase, workerID int, outcome builder.Outcome, buildErr error)

// Driver pulls ready packages from the Sorter, submits them to a
// bounded worker pool, collects results, and advances the sorter — all
// from a single driver goroutine; no work besides scheduling and result
// handling happens there.
type Driver struct {
	Sorter         *Sorter
	Reasons        reason.Reasons
	Catalog        recipe.Catalog
	Cycle          *runstate.Cycle
	Builder        builder.Builder
	MaxConcurrency int
	IDs            *WorkerIDAllocator
	OnResult       ResultFunc

	// OnDispatch, when set, is invoked on the driver goroutine just
	// before each pick is handed to a worker.
	OnDispatch func(pkgbase recipe.PkgBase)
}

type job struct {
	pkgbase recipe.PkgBase
}

type jobResult struct {
	pkgbase  recipe.PkgBase
	workerID int
	outcome  builder.Outcome
	err      error
}

// Run drives one cycle's worker pool to completion. ctx cancellation
// stops new dispatches at the next natural synchronization point but
// lets running builds finish — builds are never forcibly killed.
func (d *Driver) Run(ctx context.Context) error {
	if d.MaxConcurrency < 1 {
		d.MaxConcurrency = 1
	}
	if d.IDs == nil {
		d.IDs = NewWorkerIDAllocator()
	}

	jobs := make(chan job)
	results := make(chan jobResult)
	var wg sync.WaitGroup

	for i := 0; i < d.MaxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerID := d.IDs.Next()
			for j := range jobs {
				outcome, err := d.Builder.Build(j.pkgbase, workerID)
				results <- jobResult{pkgbase: j.pkgbase, workerID: workerID, outcome: outcome, err: err}
			}
		}()
	}

	var interrupted atomic.Bool
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			interrupted.Store(true)
		case <-done:
		}
	}()
	defer close(done)

	inflight := make(map[recipe.PkgBase]bool)

	for {
		if !interrupted.Load() {
			for _, p := range d.tryPickSome(d.MaxConcurrency-len(inflight), inflight) {
				inflight[p] = true
				if d.OnDispatch != nil {
					d.OnDispatch(p)
				}
				jobs <- job{pkgbase: p}
			}
		}

		if len(inflight) == 0 {
			break
		}

		res := <-results
		delete(inflight, res.pkgbase)
		if d.OnResult != nil {
			d.OnResult(res.pkgbase, res.workerID, res.outcome, res.err)
		}
		d.Sorter.Done(res.pkgbase)
	}

	close(jobs)
	wg.Wait()
	return nil
}

// tryPickSome drains the ready frontier, dropping packages already
// known-failed this cycle or stuck behind unresolved deps with no other
// reason, until limit picks accumulate. Dropping a package marks it done
// in the sorter, which can admit its dependents into the frontier, so
// the snapshot is re-taken until a pass makes no progress.
func (d *Driver) tryPickSome(limit int, inflight map[recipe.PkgBase]bool) []recipe.PkgBase {
	if limit <= 0 || !d.Sorter.IsActive() {
		return nil
	}

	var picked []recipe.PkgBase
	pickedSet := make(map[recipe.PkgBase]bool)
	for {
		progressed := false
		for _, p := range d.Sorter.GetReady() {
			if inflight[p] || pickedSet[p] {
				continue
			}
			if d.Cycle != nil && d.Cycle.IsFailed(p) {
				d.Sorter.Done(p)
				progressed = true
				continue
			}
			if d.onlyFailedByDepsStillUnresolved(p) {
				d.Sorter.Done(p)
				progressed = true
				continue
			}

			picked = append(picked, p)
			pickedSet[p] = true
			if len(picked) >= limit {
				return picked
			}
		}
		if !progressed {
			return picked
		}
	}
}

func (d *Driver) onlyFailedByDepsStillUnresolved(p recipe.PkgBase) bool {
	set, ok := d.Reasons[p]
	if !ok || set.Empty() {
		return false
	}
	list := set.List()
	var missing []recipe.PkgBase
	for _, r := range list {
		if r.Kind != reason.FailedByDeps {
			return false
		}
		missing = append(missing, r.Missing...)
	}

	rec, err := d.Catalog.Load(p)
	if err != nil {
		return false
	}
	missingSet := make(map[recipe.PkgBase]bool, len(missing))
	for _, m := range missing {
		missingSet[m] = true
	}
	for _, dep := range rec.Deps {
		if !missingSet[dep.Target] {
			continue
		}
		if dep.Resolve == nil || dep.Resolve() {
			return false
		}
	}
	return true
}
