// Package depgraph materializes the in-repo dependency DAG restricted to
// packages under consideration this cycle, closing transitively when a
// dependency's artifact is not yet on disk.
package depgraph

import (
	"fmt"

	"cyclebuild/reason"
	"cyclebuild/recipe"
)

// NonexistentError records a reasoned package referencing a dependency
// that names no managed recipe. It is reported, not fatal: the
// dependent package remains reasoned and will likely fail at build time.
type NonexistentError struct {
	PkgBase      recipe.PkgBase
	MissingNames []string
}

func (e *NonexistentError) Error() string {
	return fmt.Sprintf("%s depends on non-managed package(s): %v", e.PkgBase, e.MissingNames)
}

// FailedLookup reports whether pkgbase's last recorded build failed, used
// to avoid cascading Depended promotion into a dependency already known bad.
type FailedLookup func(pkgbase recipe.PkgBase) bool

// BuildOptions configures graph construction.
type BuildOptions struct {
	Catalog recipe.Catalog
	Reasons reason.Reasons

	// LastBuildFailed reports whether d's last build failed, per the
	// optional database. A nil func means "nothing is known to have
	// failed" (no database).
	LastBuildFailed FailedLookup
}

// Graph is the dependency-building map: for every package under
// consideration, the set of its internal dependency pkgbases.
type Graph struct {
	// DepBuildingMap maps a package to the pkgbases it depends on, for
	// every package reached by the closure (reasoned packages plus any
	// dependency transitively promoted into the cycle).
	DepBuildingMap map[recipe.PkgBase]map[recipe.PkgBase]bool

	// Nonexistent collects, per package, the dependency names that
	// named no managed recipe.
	Nonexistent map[recipe.PkgBase][]string

	// KnownBad collects, per package, the managed dependencies that were
	// not promoted because the database reported their last build
	// failed. A stale database view can mask a newly buildable package
	// here, so the driver logs each skip.
	KnownBad map[recipe.PkgBase][]recipe.PkgBase
}

// Build seeds from every reasoned package, promotes unresolved internal
// dependencies into the cycle via a Depended reason, and closes the map
// transitively with a worklist until no further dependency discovers a
// new package.
func Build(opts BuildOptions) (*Graph, error) {
	g := &Graph{
		DepBuildingMap: make(map[recipe.PkgBase]map[recipe.PkgBase]bool),
		Nonexistent:    make(map[recipe.PkgBase][]string),
		KnownBad:       make(map[recipe.PkgBase][]recipe.PkgBase),
	}

	var seeds []recipe.PkgBase
	for p, set := range opts.Reasons {
		if !set.Empty() {
			seeds = append(seeds, p)
		}
	}

	visited := make(map[recipe.PkgBase]bool, len(seeds))
	queue := append([]recipe.PkgBase{}, seeds...)

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if visited[p] {
			continue
		}
		visited[p] = true

		rec, err := opts.Catalog.Load(p)
		if err != nil {
			// Recipe load failures are handled by the caller (driver);
			// the graph simply records no dependencies for this node.
			g.DepBuildingMap[p] = map[recipe.PkgBase]bool{}
			continue
		}

		depSet := make(map[recipe.PkgBase]bool, len(rec.Deps))
		for _, d := range rec.Deps {
			depSet[d.Target] = true

			if d.Resolve != nil && d.Resolve() {
				continue
			}
			if !opts.Catalog.IsManaged(d.Target) {
				g.Nonexistent[p] = append(g.Nonexistent[p], string(d.Target))
				continue
			}
			if opts.LastBuildFailed != nil && opts.LastBuildFailed(d.Target) {
				g.KnownBad[p] = append(g.KnownBad[p], d.Target)
				continue
			}

			opts.Reasons.Add(d.Target, reason.Reason{Kind: reason.Depended, Depender: p})

			if !visited[d.Target] {
				queue = append(queue, d.Target)
			}
		}
		g.DepBuildingMap[p] = depSet
	}

	return g, nil
}
