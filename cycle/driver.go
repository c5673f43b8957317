// Package cycle implements the Cycle Driver: it wires the reason
// collector, dependency graph, priority-ordered sorter, worker pool
// driver and result handler into one end-to-end run, handling
// pre/post-run hooks, source-control sync, and version-take. It follows
// a construct-collaborators/defer-cleanup/always-finalize resource
// lifecycle, with cleanup triggered on interrupt as well as normal exit.
package cycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"cyclebuild/builder"
	"cyclebuild/buildlog"
	"cyclebuild/config"
	"cyclebuild/cyclestate"
	"cyclebuild/depgraph"
	"cyclebuild/notify"
	"cyclebuild/reason"
	"cyclebuild/recipe"
	"cyclebuild/result"
	"cyclebuild/runstate"
	"cyclebuild/scheduler"
	"cyclebuild/scm"
	"cyclebuild/upstream"

	"github.com/google/uuid"
)

// Driver owns every collaborator one cycle needs. The process-exclusive
// lock and the optional database are acquired by the caller (the cmd
// package) before constructing a Driver, since a lock-contention or
// database-open failure is a setup error that should abort before any
// cycle bookkeeping exists to finalize.
type Driver struct {
	Config  *config.Config
	Store   *cyclestate.Store
	DB      *cyclestate.DB // nil when no database is configured
	Catalog recipe.Catalog
	SCM     scm.SourceControl
	Checker upstream.Checker
	Builder builder.Builder
	Notify  notify.Sink
	Log     *buildlog.Logger

	// Cmdline, when non-empty, restricts the cycle to exactly these
	// packages (each tagged reason.Cmdline) and their dependency closure
	// for upstream-check purposes.
	Cmdline []recipe.PkgBase

	// RunID identifies this cycle for the monitor command's live-progress
	// poll. It is generated by Run when DB is configured, using
	// uuid.New().String(); callers can read it back after Run returns to
	// print "run <id> finished" messages.
	RunID string

	lastReasons reason.Reasons
	lastNVData  map[recipe.PkgBase]upstream.CheckResult
}

// Stats summarizes one cycle's outcome for the CLI/monitor.
type Stats struct {
	Built  int
	Failed int
}

// Run executes one cycle. Final bookkeeping (persist last_commit,
// update failed_info, version-take, git sync, postrun) always runs via a
// deferred finalize, even when the core run returns an error.
func (d *Driver) Run(ctx context.Context) (stats Stats, runErr error) {
	branch, err := d.SCM.CurrentBranch()
	if err != nil {
		return stats, fmt.Errorf("determining current branch: %w", err)
	}
	if branch != "master" && branch != "main" {
		return stats, fmt.Errorf("refusing to run on branch %q: must be master or main", branch)
	}

	if err := runCommands(d.Config.PreRun); err != nil {
		return stats, fmt.Errorf("prerun: %w", err)
	}

	if err := d.SCM.ResetHard(); err != nil {
		return stats, fmt.Errorf("resetting worktree: %w", err)
	}
	headAfterPull, err := d.SCM.Pull()
	if err != nil {
		return stats, fmt.Errorf("pulling: %w", err)
	}

	state, err := d.Store.Load()
	if err != nil {
		return stats, fmt.Errorf("loading cycle state: %w", err)
	}

	cyc := runstate.New()

	if d.DB != nil {
		d.RunID = uuid.New().String()
		if err := d.DB.StartRun(d.RunID, time.Now()); err != nil && d.Log != nil {
			d.Log.Errorf("recording run start: %v", err)
		}
	}

	defer func() {
		finalErr := d.finalize(state, cyc)
		if runErr == nil {
			runErr = finalErr
		} else if finalErr != nil {
			runErr = fmt.Errorf("%w; finalize: %v", runErr, finalErr)
		}
		stats = Stats{Built: len(cyc.BuiltSnapshot()), Failed: len(cyc.FailedSnapshot())}
		if d.DB != nil && d.RunID != "" {
			rs := cyclestate.RunStats{Total: stats.Built + stats.Failed, Success: stats.Built, Failed: stats.Failed}
			if err := d.DB.FinishRun(d.RunID, rs, time.Now(), runErr != nil); err != nil && d.Log != nil {
				d.Log.Errorf("recording run finish: %v", err)
			}
		}
	}()

	if err := d.runCore(ctx, state, cyc, headAfterPull); err != nil {
		runErr = fmt.Errorf("cycle: %w", err)
		if d.Notify != nil {
			d.Notify.Notify(notify.Report{Kind: notify.DriverException, Message: runErr.Error(), Err: runErr})
		}
		return stats, runErr
	}
	return stats, nil
}

// runCore validates the catalog, builds the static cross-repo dependency
// map, checks upstream versions, and drives the reason collector,
// dependency graph, sorter, and worker pool in turn.
func (d *Driver) runCore(ctx context.Context, state *cyclestate.State, cyc *runstate.Cycle, headAfterPull string) error {
	managed := d.Catalog.Managed()

	// Validate every managed recipe loads, and build the catalog-wide
	// dependency adjacency (DEPMAP) used below for the transitive
	// closure. A load failure is a recipe-load failure: the package
	// enters failed with an empty missing-set and the cycle continues.
	depMapAll := make(map[recipe.PkgBase][]recipe.PkgBase, len(managed))
	for _, p := range managed {
		rec, err := d.Catalog.Load(p)
		if err != nil {
			cyc.MarkFailed(p, nil)
			if d.Notify != nil {
				d.Notify.Notify(notify.Report{Kind: notify.RecipeLoadFailure, PkgBase: p, Err: err})
			}
			continue
		}
		deps := make([]recipe.PkgBase, 0, len(rec.Deps))
		for _, dep := range rec.Deps {
			deps = append(deps, dep.Target)
		}
		depMapAll[p] = deps
	}

	// Restrict upstream checks to the cmdline packages' closure, or
	// every managed package otherwise.
	carePkgs := managed
	if len(d.Cmdline) > 0 {
		carePkgs = closure(d.Cmdline, depMapAll)
	}

	nvResults, err := d.Checker.Check(carePkgs)
	if err != nil {
		return fmt.Errorf("checking upstream versions: %w", err)
	}

	// Classify every candidate package with its build reasons.
	out, err := (reason.Collector{}).Collect(reason.Inputs{
		Catalog:            d.Catalog,
		SCM:                d.SCM,
		PreviousFailedInfo: state.MissingByPackage(),
		LastCommit:         state.LastCommit,
		HeadCommit:         headAfterPull,
		Cmdline:            d.Cmdline,
		UpstreamResults:    nvResults,
		LastSuccess:        lastSuccessFunc(d.DB),
		Now:                time.Now(),
	})
	if err != nil {
		return fmt.Errorf("collecting build reasons: %w", err)
	}
	d.lastReasons = out.Reasons
	d.lastNVData = out.NVData

	// Build the dependency graph over the reasoned packages.
	graph, err := depgraph.Build(depgraph.BuildOptions{
		Catalog:         d.Catalog,
		Reasons:         out.Reasons,
		LastBuildFailed: lastBuildFailedFunc(d.DB),
	})
	if err != nil {
		return fmt.Errorf("building dependency graph: %w", err)
	}
	for p, deps := range graph.KnownBad {
		if d.Log != nil {
			d.Log.Infof("not promoting %v for %s: last build failed per database", deps, p)
		}
	}
	for p, missing := range graph.Nonexistent {
		if d.Notify != nil {
			d.Notify.Notify(notify.Report{
				Kind:    notify.NonexistentDependency,
				PkgBase: p,
				Message: fmt.Sprintf("depends on non-managed package(s): %v", missing),
			})
		}
	}

	// Order the graph into a priority-ordered topological sorter.
	sorter, err := scheduler.New(graph.DepBuildingMap, out.Reasons)
	if err != nil {
		return fmt.Errorf("ordering build graph: %w", err)
	}

	var dbWriter result.RecordWriter
	if d.DB != nil {
		dbWriter = d.DB
	}
	handler := &result.Handler{
		Cycle:   cyc,
		Reasons: out.Reasons,
		Log:     d.Log,
		Notify:  d.Notify,
		DB:      dbWriter,
	}

	total := len(out.Reasons)
	// dispatched and completed are only touched from the pool's driver
	// goroutine (OnDispatch and OnResult), so they need no locking.
	dispatched, completed := 0, 0
	onResult := handler.Handle
	if d.DB != nil && d.RunID != "" {
		onResult = func(pkgbase recipe.PkgBase, workerID int, outcome builder.Outcome, buildErr error) {
			handler.Handle(pkgbase, workerID, outcome, buildErr)
			completed++
			built, failed := len(cyc.BuiltSnapshot()), len(cyc.FailedSnapshot())
			inflight := dispatched - completed
			if inflight < 0 {
				inflight = 0
			}
			if err := d.DB.UpdateProgress(d.RunID, total, built, failed, inflight); err != nil && d.Log != nil {
				d.Log.Errorf("recording progress: %v", err)
			}
		}
	}

	// Drive the bounded worker pool until the ready queue drains.
	poolDriver := &scheduler.Driver{
		Sorter:         sorter,
		Reasons:        out.Reasons,
		Catalog:        d.Catalog,
		Cycle:          cyc,
		Builder:        d.Builder,
		MaxConcurrency: d.Config.MaxConcurrency,
		OnResult:       onResult,
		OnDispatch: func(p recipe.PkgBase) {
			dispatched++
			if d.Log != nil {
				d.Log.Infof("building %s because %v", p, out.Reasons[p].List())
			}
		},
	}
	return poolDriver.Run(ctx)
}

// finalize runs end-of-cycle bookkeeping, unconditionally.
func (d *Driver) finalize(state *cyclestate.State, cyc *runstate.Cycle) error {
	var errs []string

	// Persist last_commit even when the core run returned an error.
	if head, err := d.SCM.Head(); err == nil {
		state.LastCommit = head
	} else {
		errs = append(errs, fmt.Sprintf("determining HEAD: %v", err))
	}

	built := cyc.BuiltSnapshot()
	failed := cyc.FailedSnapshot()

	// Update failed_info from this cycle's outcome.
	for p, missing := range failed {
		version := ""
		if nv, ok := d.lastNVData[p]; ok && len(nv.Items) > 0 {
			version = nv.Items[0].New
		}
		state.Failed[p] = cyclestate.FailedInfo{Missing: missing, Version: version}
	}
	for p := range built {
		delete(state.Failed, p)
	}
	if len(d.Cmdline) == 0 {
		managed := make(map[recipe.PkgBase]bool, len(d.Catalog.Managed()))
		for _, p := range d.Catalog.Managed() {
			managed[p] = true
		}
		for p := range state.Failed {
			if !managed[p] {
				delete(state.Failed, p)
			}
		}
	}

	if err := d.Store.Save(state); err != nil {
		errs = append(errs, fmt.Sprintf("saving cycle state: %v", err))
	}

	d.takeVersions(built, failed)

	if err := d.SCM.ResetHard(); err != nil {
		errs = append(errs, fmt.Sprintf("resetting worktree: %v", err))
	}
	if d.Config.GitPush {
		if err := d.SCM.Push(); err != nil {
			errs = append(errs, fmt.Sprintf("pushing: %v", err))
		}
	}

	if err := runCommands(d.Config.PostRun); err != nil {
		errs = append(errs, fmt.Sprintf("postrun: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// takeVersions advances upstream bookmarks for all successes when
// rebuild_failed_pkgs is set, otherwise only for NvChecker-reasoned
// packages actually attempted this cycle.
func (d *Driver) takeVersions(built map[recipe.PkgBase]bool, failed map[recipe.PkgBase][]recipe.PkgBase) {
	take := func(p recipe.PkgBase) {
		if err := d.Checker.Take(p); err != nil && d.Log != nil {
			d.Log.Errorf("nvtake %s: %v", p, err)
		}
	}

	if d.Config.RebuildFailedPkgs {
		for p := range built {
			take(p)
		}
		return
	}

	nvReasoned := make(map[recipe.PkgBase]bool)
	for p, set := range d.lastReasons {
		for _, r := range set.List() {
			if r.Kind == reason.NvChecker {
				nvReasoned[p] = true
				break
			}
		}
	}
	for p := range nvReasoned {
		_, attempted := failed[p]
		if built[p] || attempted {
			take(p)
		}
	}
}

// closure returns the set of pkgbases reachable from seeds by following
// depMap edges (a package's internal dependencies), used to scope
// upstream checks to the command-line packages' care_pkgs.
func closure(seeds []recipe.PkgBase, depMap map[recipe.PkgBase][]recipe.PkgBase) []recipe.PkgBase {
	seen := make(map[recipe.PkgBase]bool)
	queue := append([]recipe.PkgBase{}, seeds...)
	var out []recipe.PkgBase
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
		queue = append(queue, depMap[p]...)
	}
	return out
}

// runCommands runs each configured argv array in order, failing fast:
// every command must exit zero.
func runCommands(cmds []config.Command) error {
	for _, c := range cmds {
		if len(c) == 0 {
			continue
		}
		cmd := exec.Command(c[0], c[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("running %v: %w", []string(c), err)
		}
	}
	return nil
}

func lastSuccessFunc(db *cyclestate.DB) reason.LastSuccessFunc {
	if db == nil {
		return nil
	}
	return db.LastSuccess
}

func lastBuildFailedFunc(db *cyclestate.DB) depgraph.FailedLookup {
	if db == nil {
		return nil
	}
	return db.LastBuildFailed
}
