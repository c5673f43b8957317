// Package reason models the tagged "build reason" variant a package
// accumulates across a cycle, and the priority ordering the scheduler
// dispatches by.
package reason

import (
	"fmt"

	"cyclebuild/recipe"
	"cyclebuild/upstream"
)

// Kind identifies which build-reason variant a Reason carries.
type Kind int

const (
	// UpdatedPkgrel: the recipe's release field changed in this commit range.
	UpdatedPkgrel Kind = iota
	// NvChecker: an upstream source reported a version change.
	NvChecker
	// Depended: a dependency of a reasoned package was promoted into the
	// cycle transitively.
	Depended
	// UpdatedFailed: this package previously failed and changed files
	// since.
	UpdatedFailed
	// FailedByDeps: this package previously failed due to missing
	// dependencies that are now candidates again.
	FailedByDeps
	// Cmdline: the package was named explicitly on the command line.
	Cmdline
)

func (k Kind) String() string {
	switch k {
	case UpdatedPkgrel:
		return "UpdatedPkgrel"
	case NvChecker:
		return "NvChecker"
	case Depended:
		return "Depended"
	case UpdatedFailed:
		return "UpdatedFailed"
	case FailedByDeps:
		return "FailedByDeps"
	case Cmdline:
		return "Cmdline"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Priorities of each reason in isolation, i.e. before accounting for
// Depended's transitive recursion (NvChecker's item-dependent choice among
// its three values is made by basePriority). Callers needing the real
// effective priority of a package must use Reasons.Priority instead.
const (
	PriorityUpdatedPkgrel = 0
	PriorityNvCheckerFast = 0 // manual source
	PriorityNvCheckerMed  = 1 // >1 item, or first item's old-index > 0
	PriorityNvCheckerSlow = 3 // otherwise
	PriorityUpdatedFailed = 2
	PriorityFailedByDeps  = 3
	PriorityCmdline       = 3
	// PriorityDependedCycle is used when Depended priority recursion
	// detects a cycle (which must not occur by construction, but is
	// guarded against defensively).
	PriorityDependedCycle = 3
)

// Reason is one build reason attached to a package this cycle.
type Reason struct {
	Kind Kind

	// Depender carries the name of the package whose own reason promoted
	// this one into the cycle, for Kind == Depended.
	Depender recipe.PkgBase

	// Items carries the changed (source_index, source) pairs that
	// survived throttling, for Kind == NvChecker.
	Items []upstream.NVItem

	// Missing carries the dependency names that caused a previous or
	// current failure, for Kind == FailedByDeps.
	Missing []recipe.PkgBase
}

func (r Reason) String() string {
	switch r.Kind {
	case Depended:
		return fmt.Sprintf("Depended(%s)", r.Depender)
	case NvChecker:
		return fmt.Sprintf("NvChecker(%v)", r.Items)
	case FailedByDeps:
		return fmt.Sprintf("FailedByDeps(%v)", r.Missing)
	default:
		return r.Kind.String()
	}
}

// basePriority computes the priority of a single reason without
// resolving Depended's transitive recursion.
func basePriority(r Reason) int {
	switch r.Kind {
	case UpdatedPkgrel:
		return PriorityUpdatedPkgrel
	case NvChecker:
		return nvCheckerPriority(r.Items)
	case UpdatedFailed:
		return PriorityUpdatedFailed
	case FailedByDeps:
		return PriorityFailedByDeps
	case Cmdline:
		return PriorityCmdline
	case Depended:
		// Resolved by Reasons.Priority; a bare basePriority call on a
		// Depended reason with no Reasons context falls back to the
		// worst case.
		return PriorityDependedCycle
	default:
		return PriorityDependedCycle
	}
}

func nvCheckerPriority(items []upstream.NVItem) int {
	for _, it := range items {
		if it.Source == "manual" {
			return PriorityNvCheckerFast
		}
	}
	if len(items) > 1 {
		return PriorityNvCheckerMed
	}
	if len(items) == 1 && items[0].OldIndex > 0 {
		return PriorityNvCheckerMed
	}
	return PriorityNvCheckerSlow
}

// maxDependedDepth bounds the recursion in Priority when following
// Depended chains, guarding against a malformed graph that would
// otherwise recurse unboundedly.
const maxDependedDepth = 64

// Set is the ordered list of reasons accumulated on one package this
// cycle. Reasons are append-only: Add never removes or reorders existing
// entries.
type Set struct {
	reasons []Reason
}

// Add appends r to the set.
func (s *Set) Add(r Reason) {
	s.reasons = append(s.reasons, r)
}

// List returns the accumulated reasons in append order.
func (s *Set) List() []Reason {
	return s.reasons
}

// Empty reports whether the set has no reasons (the package is not a
// candidate for this cycle's DAG).
func (s *Set) Empty() bool {
	return s == nil || len(s.reasons) == 0
}

// Reasons maps each reasoned package to its accumulated Set. It is the
// build_reasons table driving dependency-graph construction.
type Reasons map[recipe.PkgBase]*Set

// Get returns the Set for pkgbase, creating one if absent.
func (rs Reasons) Get(pkgbase recipe.PkgBase) *Set {
	s, ok := rs[pkgbase]
	if !ok {
		s = &Set{}
		rs[pkgbase] = s
	}
	return s
}

// Add appends r to pkgbase's reason set.
func (rs Reasons) Add(pkgbase recipe.PkgBase, r Reason) {
	rs.Get(pkgbase).Add(r)
}

// Priority computes the effective build priority of pkgbase: the minimum
// over its reasons' priorities, recursing through Depended chains.
// A Depended cycle (which must not occur by construction) is cut when the
// recursion revisits a package already on the current chain, and chains
// deeper than maxDependedDepth are cut too; a cut branch counts as
// PriorityDependedCycle.
func (rs Reasons) Priority(pkgbase recipe.PkgBase) int {
	return rs.priority(pkgbase, 0, map[recipe.PkgBase]bool{})
}

func (rs Reasons) priority(pkgbase recipe.PkgBase, depth int, visiting map[recipe.PkgBase]bool) int {
	if depth >= maxDependedDepth || visiting[pkgbase] {
		return PriorityDependedCycle
	}
	set, ok := rs[pkgbase]
	if !ok || set.Empty() {
		return PriorityDependedCycle
	}
	visiting[pkgbase] = true
	defer delete(visiting, pkgbase)

	best := -1
	for _, r := range set.List() {
		var p int
		if r.Kind == Depended {
			p = rs.priority(r.Depender, depth+1, visiting)
		} else {
			p = basePriority(r)
		}
		if best == -1 || p < best {
			best = p
		}
	}
	if best == -1 {
		return PriorityDependedCycle
	}
	return best
}
