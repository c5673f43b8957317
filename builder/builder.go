// Package builder defines the package-builder external collaborator and
// the outcome shape it returns. Actually performing a sandboxed build is
// out of scope for the kernel; this package only defines the interface
// the worker pool drives and a static reference implementation for tests.
package builder

import (
	"fmt"
	"sync"
	"time"

	"cyclebuild/recipe"
)

// OutcomeKind is the tagged variant of a completed build.
type OutcomeKind int

const (
	Successful OutcomeKind = iota
	Staged
	Skipped
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Successful:
		return "successful"
	case Staged:
		return "staged"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// ResourceUsage carries the optional CPU/memory accounting for a build.
type ResourceUsage struct {
	CPUTime   time.Duration
	PeakRSSKB int64
}

// MissingDependenciesError is the special-cased failure the scheduler
// treats differently from a plain build exception: it records which
// internal dependencies were missing at build time, driving next cycle's
// FailedByDeps classification.
type MissingDependenciesError struct {
	Missing []recipe.PkgBase
}

func (e *MissingDependenciesError) Error() string {
	return fmt.Sprintf("missing dependencies: %v", e.Missing)
}

// Outcome is the full result of one build attempt.
type Outcome struct {
	Kind OutcomeKind

	// NVVersion is the upstream version this build attempted, if known.
	NVVersion string
	// PkgVersion is the built package's own version string.
	PkgVersion string

	Elapsed time.Duration
	Usage   *ResourceUsage

	// Message carries the skip reason for Kind == Skipped, or a
	// free-form description for Kind == Failed when Err is not a
	// MissingDependenciesError.
	Message string

	// Err is set for Kind == Failed. It may be a *MissingDependenciesError.
	Err error

	// LogFile references the per-package build log, used when reporting
	// a build-time exception.
	LogFile string
}

// Builder is the external collaborator that performs one package build in
// a sandbox. WorkerID lets the builder pick a stable sandbox slot for the
// calling worker.
type Builder interface {
	Build(pkgbase recipe.PkgBase, workerID int) (Outcome, error)
}

// StaticBuilder is a reference Builder returning pre-scripted outcomes,
// used by tests and as a placeholder until a real sandboxed builder is
// wired in. Building any package for real is out of scope for this kernel.
type StaticBuilder struct {
	Outcomes map[recipe.PkgBase]Outcome
	// Default is returned for any pkgbase not present in Outcomes.
	Default Outcome

	mu sync.Mutex
	// Calls records every (pkgbase, workerID) invocation, for assertions.
	Calls []Call
}

// Call records one StaticBuilder.Build invocation.
type Call struct {
	PkgBase  recipe.PkgBase
	WorkerID int
}

func NewStaticBuilder() *StaticBuilder {
	return &StaticBuilder{
		Outcomes: make(map[recipe.PkgBase]Outcome),
		Default:  Outcome{Kind: Successful},
	}
}

func (b *StaticBuilder) Build(pkgbase recipe.PkgBase, workerID int) (Outcome, error) {
	b.mu.Lock()
	b.Calls = append(b.Calls, Call{PkgBase: pkgbase, WorkerID: workerID})
	b.mu.Unlock()

	if o, ok := b.Outcomes[pkgbase]; ok {
		return o, nil
	}
	return b.Default, nil
}

// CallsSnapshot returns a copy of the calls recorded so far, safe to read
// while other goroutines may still be calling Build.
func (b *StaticBuilder) CallsSnapshot() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.Calls))
	copy(out, b.Calls)
	return out
}
