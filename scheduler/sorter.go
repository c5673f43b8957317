// Package scheduler implements the priority-ordered topological sorter
// and the bounded worker pool driver that dispatches ready packages to
// an external builder.
package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"cyclebuild/reason"
	"cyclebuild/recipe"
)

// ErrCycleDetected is the sentinel a CycleError unwraps to.
var ErrCycleDetected = fmt.Errorf("circular dependency detected in build graph")

// CycleError reports that the dependency graph could not be fully
// ordered: cycle detection is a pre-flight error at sorter construction
// time, never a runtime surprise.
type CycleError struct {
	TotalPackages   int
	OrderedPackages int
	Remaining       []recipe.PkgBase
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: only %d of %d packages ordered (stuck: %v)",
		e.OrderedPackages, e.TotalPackages, e.Remaining)
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// Sorter is a live priority-ordered topological sorter. Unlike a
// one-shot topological sort, it is driven incrementally: GetReady
// surfaces the current frontier, Done(p) advances it.
type Sorter struct {
	mu sync.Mutex

	reasons reason.Reasons

	// inDegree is mutated as Done is called; it starts as the count of
	// each node's unresolved internal dependencies within the graph.
	inDegree map[recipe.PkgBase]int
	// dependents is the reverse-edge map: d -> packages depending on d.
	dependents map[recipe.PkgBase][]recipe.PkgBase

	// ready holds reasoned packages whose dependencies are all resolved,
	// not yet handed to Done, sorted by ascending effective priority.
	ready []recipe.PkgBase

	// pending counts nodes not yet marked done.
	pending int
}

// New constructs a Sorter over depBuildingMap (the dependency graph's
// output). It performs a full pre-flight topological check: a cyclic
// graph is rejected here, never discovered mid-cycle.
func New(depBuildingMap map[recipe.PkgBase]map[recipe.PkgBase]bool, reasons reason.Reasons) (*Sorter, error) {
	nodes := make(map[recipe.PkgBase]bool, len(depBuildingMap))
	for p := range depBuildingMap {
		nodes[p] = true
	}

	inDegree := make(map[recipe.PkgBase]int, len(nodes))
	dependents := make(map[recipe.PkgBase][]recipe.PkgBase, len(nodes))
	for p := range nodes {
		inDegree[p] = 0
	}
	for p, deps := range depBuildingMap {
		for d := range deps {
			if !nodes[d] {
				continue
			}
			inDegree[p]++
			dependents[d] = append(dependents[d], p)
		}
	}

	if err := checkAcyclic(nodes, inDegree, dependents); err != nil {
		return nil, err
	}

	s := &Sorter{
		reasons:    reasons,
		inDegree:   make(map[recipe.PkgBase]int, len(inDegree)),
		dependents: dependents,
		pending:    len(nodes),
	}
	for p, d := range inDegree {
		s.inDegree[p] = d
	}

	var seeds []recipe.PkgBase
	for p, d := range s.inDegree {
		if d == 0 {
			seeds = append(seeds, p)
		}
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i] < seeds[j] })
	for _, p := range seeds {
		s.admit(p)
	}

	return s, nil
}

// checkAcyclic runs Kahn's algorithm over a throwaway copy of the
// in-degree/dependents maps purely to detect cycles before any live
// state is constructed.
func checkAcyclic(nodes map[recipe.PkgBase]bool, inDegree map[recipe.PkgBase]int, dependents map[recipe.PkgBase][]recipe.PkgBase) error {
	deg := make(map[recipe.PkgBase]int, len(inDegree))
	for p, d := range inDegree {
		deg[p] = d
	}

	var queue []recipe.PkgBase
	for p, d := range deg {
		if d == 0 {
			queue = append(queue, p)
		}
	}
	ordered := 0
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		ordered++
		for _, dep := range dependents[p] {
			deg[dep]--
			if deg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if ordered != len(nodes) {
		var remaining []recipe.PkgBase
		for p, d := range deg {
			if d > 0 {
				remaining = append(remaining, p)
			}
		}
		sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })
		return &CycleError{TotalPackages: len(nodes), OrderedPackages: ordered, Remaining: remaining}
	}
	return nil
}

// admit is called once p's in-degree reaches zero. Packages with no
// reason are artifacts already on disk by construction and are marked
// done immediately, cascading to their dependents; reasoned packages
// join the sorted ready list. Must be called with mu held.
func (s *Sorter) admit(p recipe.PkgBase) {
	set := s.reasons[p]
	if set.Empty() {
		s.markDoneLocked(p)
		return
	}
	s.ready = append(s.ready, p)
	sort.SliceStable(s.ready, func(i, j int) bool {
		pi, pj := s.reasons.Priority(s.ready[i]), s.reasons.Priority(s.ready[j])
		if pi != pj {
			return pi < pj
		}
		return s.ready[i] < s.ready[j]
	})
}

// GetReady returns an immutable snapshot of the current ready list,
// sorted by ascending building_priority.
func (s *Sorter) GetReady() []recipe.PkgBase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recipe.PkgBase, len(s.ready))
	copy(out, s.ready)
	return out
}

// Done marks p complete: removes it from the ready list and notifies the
// sorter, admitting any dependent whose in-degree has now reached zero.
func (s *Sorter) Done(p recipe.PkgBase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markDoneLocked(p)
}

func (s *Sorter) markDoneLocked(p recipe.PkgBase) {
	for i, q := range s.ready {
		if q == p {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			break
		}
	}
	if _, known := s.inDegree[p]; !known {
		return
	}
	delete(s.inDegree, p)
	s.pending--

	for _, dep := range s.dependents[p] {
		if _, ok := s.inDegree[dep]; !ok {
			continue
		}
		s.inDegree[dep]--
		if s.inDegree[dep] == 0 {
			s.admit(dep)
		}
	}
}

// IsActive reports whether any node remains undone.
func (s *Sorter) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending > 0
}
