// Package runstate holds the per-cycle mutable bookkeeping restricted to
// driver-thread writes: the failed/built sets. It is deliberately small
// and dependency-light (recipe only) so scheduler, result and cycle can
// all depend on it without import cycles.
package runstate

import (
	"sync"

	"cyclebuild/recipe"
)

// Cycle is the explicit context object replacing module-global state:
// build_reasons/nvdata/DEPMAP are populated before the worker pool
// starts and read-only from then on, while failed/built are written
// only by the driver thread inside the result handler. The mutex here
// guards against the theoretical case of the monitor/CLI reading these
// fields concurrently with the driver.
type Cycle struct {
	mu sync.Mutex

	// Failed maps a package that failed this cycle to the internal
	// dependency names missing at build time (empty slice if the
	// failure wasn't a MissingDependencies one).
	Failed map[recipe.PkgBase][]recipe.PkgBase

	// Built is the set of packages that succeeded (successful or staged)
	// this cycle.
	Built map[recipe.PkgBase]bool
}

// New returns an empty Cycle ready for one cycle's worker pool run.
func New() *Cycle {
	return &Cycle{
		Failed: make(map[recipe.PkgBase][]recipe.PkgBase),
		Built:  make(map[recipe.PkgBase]bool),
	}
}

// MarkFailed records p as failed this cycle with the given missing
// dependency set (nil/empty if not a MissingDependencies failure).
func (c *Cycle) MarkFailed(p recipe.PkgBase, missing []recipe.PkgBase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Failed[p] = missing
}

// MarkBuilt records p as succeeded this cycle.
func (c *Cycle) MarkBuilt(p recipe.PkgBase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Built[p] = true
}

// IsFailed reports whether p has already failed this cycle.
func (c *Cycle) IsFailed(p recipe.PkgBase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.Failed[p]
	return ok
}

// IsBuilt reports whether p has already succeeded this cycle.
func (c *Cycle) IsBuilt(p recipe.PkgBase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Built[p]
}

// FailedSnapshot returns a copy of the failed map, safe to range over
// without holding the lock.
func (c *Cycle) FailedSnapshot() map[recipe.PkgBase][]recipe.PkgBase {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[recipe.PkgBase][]recipe.PkgBase, len(c.Failed))
	for k, v := range c.Failed {
		out[k] = v
	}
	return out
}

// BuiltSnapshot returns a copy of the built set.
func (c *Cycle) BuiltSnapshot() map[recipe.PkgBase]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[recipe.PkgBase]bool, len(c.Built))
	for k := range c.Built {
		out[k] = true
	}
	return out
}
