// Package recipe defines package identity and the recipe-catalog interface
// the build-scheduling kernel is driven against.
//
// Parsing real recipe metadata (per-language build rules, upstream source
// configuration syntax, throttle tables) is an external concern — this
// package only defines the shape the kernel needs, plus a small in-memory
// catalog used as a reference implementation and in tests.
package recipe

import "time"

// PkgBase uniquely identifies a package recipe within the repository.
type PkgBase string

// Dependency is a reference from one package to another (or to a package
// outside the repository). Resolve reports whether a satisfying built
// artifact is currently available on disk; it is treated as a pure query
// for the duration of one scheduler.Sorter.GetReady call but is re-invoked
// between calls, since dependencies completing during the cycle flip it.
type Dependency struct {
	Target  PkgBase
	Name    string
	Resolve func() bool
}

// ThrottleRule caps how often a given upstream source index may trigger a
// rebuild, expressed as the minimum interval between successful builds
// attributed to that source.
type ThrottleRule struct {
	SourceIndex int
	Interval    time.Duration
}

// Recipe is the opaque-to-the-kernel metadata the core reasons about.
type Recipe struct {
	PkgBase PkgBase
	Deps    []Dependency
	// Sources lists the upstream version sources in configured order;
	// the index into this slice is the SourceIndex used throughout the
	// kernel (NVItem, ThrottleRule, Depended priority lookups).
	Sources []string
	// Throttle maps a source index to its minimum rebuild interval.
	// Absent entries are never throttled.
	Throttle map[int]time.Duration
}

// ThrottleFor returns the throttle interval configured for sourceIndex, if any.
func (r *Recipe) ThrottleFor(sourceIndex int) (time.Duration, bool) {
	if r.Throttle == nil {
		return 0, false
	}
	d, ok := r.Throttle[sourceIndex]
	return d, ok
}

// Catalog loads recipe metadata and reports which pkgbases are managed by
// this repository. A pkgbase is "internal" iff Catalog.IsManaged reports
// true for it.
type Catalog interface {
	// Load returns the recipe for pkgbase, or an error if it cannot be
	// parsed/found. Errors here surface as a recipe load failure: the
	// driver records the package as failed with an empty missing-set and
	// continues the cycle.
	Load(pkgbase PkgBase) (*Recipe, error)

	// Managed lists every pkgbase this repository tracks, in no
	// particular order.
	Managed() []PkgBase

	// IsManaged reports whether pkgbase is tracked by this repository.
	// A Dependency whose Target fails IsManaged is not internal and is
	// handled by depgraph as a nonexistent dependency.
	IsManaged(pkgbase PkgBase) bool
}
