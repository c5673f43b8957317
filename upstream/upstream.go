// Package upstream defines the result shape of an upstream version check
// and the interface the kernel drives it through. Actually polling
// upstream sources (running nvchecker or equivalent) is an external
// concern; this package only defines what the checker hands back.
package upstream

import "cyclebuild/recipe"

// NVItem is one (old, new) version observation for a single configured
// source on a single package.
type NVItem struct {
	// SourceIndex is the position of Source in the recipe's Sources list.
	SourceIndex int
	// Source is the source specification string, e.g. "github:foo/bar"
	// or the literal "manual" for a hand-maintained version pin.
	Source string
	// OldIndex records which entry of a multi-version source scheme the
	// previously-recorded version corresponded to. A value >0 means the
	// prior baseline was not the primary/simplest version track nvchecker
	// reported, which the Reason Collector treats as a higher-priority
	// (less certain) update than a plain index-0 bump.
	OldIndex int
	Old      string
	New      string
}

// Changed reports whether this item reflects an actual version change.
func (i NVItem) Changed() bool {
	return i.Old != i.New
}

// CheckResult is the full per-source upstream-check outcome for one package.
type CheckResult struct {
	PkgBase recipe.PkgBase
	Items   []NVItem
}

// Changed returns the subset of Items whose Old != New.
func (r CheckResult) Changed() []NVItem {
	var out []NVItem
	for _, it := range r.Items {
		if it.Changed() {
			out = append(out, it)
		}
	}
	return out
}

// Checker polls configured upstream sources and reports version movement.
// It also commits ("takes") a new baseline version once a build using it
// has been attempted.
type Checker interface {
	// Check returns, for each requested package, the list of (old, new)
	// version tuples per configured source.
	Check(pkgs []recipe.PkgBase) (map[recipe.PkgBase]CheckResult, error)

	// Take commits the most recently observed upstream version as the new
	// baseline for future change detection (the GLOSSARY's "nvtake").
	Take(pkgbase recipe.PkgBase) error
}

// NoopChecker performs no upstream polling and accepts every Take call.
// It is the default Checker when no real upstream-check integration is
// configured, and keeps the kernel runnable end-to-end without one.
type NoopChecker struct{}

func (NoopChecker) Check(pkgs []recipe.PkgBase) (map[recipe.PkgBase]CheckResult, error) {
	return map[recipe.PkgBase]CheckResult{}, nil
}

func (NoopChecker) Take(pkgbase recipe.PkgBase) error { return nil }

// StaticChecker returns a fixed, pre-computed set of results — used by
// tests that want to control nvdata precisely.
type StaticChecker struct {
	Results map[recipe.PkgBase]CheckResult
	Taken   map[recipe.PkgBase]int
}

func NewStaticChecker(results map[recipe.PkgBase]CheckResult) *StaticChecker {
	return &StaticChecker{Results: results, Taken: map[recipe.PkgBase]int{}}
}

func (c *StaticChecker) Check(pkgs []recipe.PkgBase) (map[recipe.PkgBase]CheckResult, error) {
	out := make(map[recipe.PkgBase]CheckResult, len(pkgs))
	for _, p := range pkgs {
		if r, ok := c.Results[p]; ok {
			out[p] = r
		}
	}
	return out, nil
}

func (c *StaticChecker) Take(pkgbase recipe.PkgBase) error {
	if c.Taken == nil {
		c.Taken = map[recipe.PkgBase]int{}
	}
	c.Taken[pkgbase]++
	return nil
}
