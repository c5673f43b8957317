package reason

import (
	"time"

	"cyclebuild/recipe"
	"cyclebuild/scm"
	"cyclebuild/upstream"
)

// LastSuccessFunc reports the last successful-build timestamp recorded
// for a (pkgbase, source index) pair. A nil LastSuccessFunc means the
// database is absent, so every throttle check passes.
type LastSuccessFunc func(pkgbase recipe.PkgBase, sourceIndex int) (time.Time, bool)

// Inputs bundles everything the Reason Collector needs for one cycle.
type Inputs struct {
	Catalog recipe.Catalog
	SCM     scm.SourceControl

	// PreviousFailedInfo is the cycle state's failed_info table: pkgbase
	// to the set of missing internal deps recorded on its last failure.
	PreviousFailedInfo map[recipe.PkgBase][]recipe.PkgBase

	LastCommit string
	HeadCommit string

	// Cmdline, when non-empty, short-circuits the usual commit-diff based
	// classification: each of these packages is tagged Cmdline and no
	// history-based reasons are added. UpstreamResults are still classified
	// for every package they contain.
	Cmdline []recipe.PkgBase

	// UpstreamResults is the per-package upstream-check output for this
	// cycle (the nvdata table), keyed by pkgbase.
	UpstreamResults map[recipe.PkgBase]upstream.CheckResult

	// LastSuccess looks up the last successful build time for throttling.
	// May be nil.
	LastSuccess LastSuccessFunc

	Now time.Time
}

// Output is what Collect produces: the accumulated reasons plus the
// nvdata table restricted to packages that actually got an NvChecker
// reason.
type Output struct {
	Reasons Reasons
	NVData  map[recipe.PkgBase]upstream.CheckResult
}

// Collector classifies each candidate package with zero or more build
// reasons.
type Collector struct{}

// Collect runs the full classification algorithm.
func (Collector) Collect(in Inputs) (*Output, error) {
	reasons := make(Reasons)
	nvdata := make(map[recipe.PkgBase]upstream.CheckResult)

	managed := in.Catalog.Managed()

	if len(in.Cmdline) > 0 {
		for _, p := range in.Cmdline {
			reasons.Add(p, Reason{Kind: Cmdline})
		}
	} else {
		if err := classifyFromHistory(in, managed, reasons); err != nil {
			return nil, err
		}
	}

	if err := classifyUpstream(in, reasons, nvdata); err != nil {
		return nil, err
	}

	return &Output{Reasons: reasons, NVData: nvdata}, nil
}

func classifyFromHistory(in Inputs, managed []recipe.PkgBase, reasons Reasons) error {
	changed, err := in.SCM.ChangedPackages(in.LastCommit, in.HeadCommit, managed)
	if err != nil {
		return err
	}

	for p, missing := range in.PreviousFailedInfo {
		if changed[p] {
			reasons.Add(p, Reason{Kind: UpdatedFailed})
		}
		reasons.Add(p, Reason{Kind: FailedByDeps, Missing: missing})
	}

	var pkgrelCandidates []recipe.PkgBase
	for p := range changed {
		pkgrelCandidates = append(pkgrelCandidates, p)
	}

	bumped, err := in.SCM.ReleaseFieldChanged(in.LastCommit, in.HeadCommit, pkgrelCandidates)
	if err != nil {
		return err
	}
	for p, yes := range bumped {
		if yes {
			reasons.Add(p, Reason{Kind: UpdatedPkgrel})
		}
	}
	return nil
}

func classifyUpstream(in Inputs, reasons Reasons, nvdata map[recipe.PkgBase]upstream.CheckResult) error {
	for pkgbase, result := range in.UpstreamResults {
		changedItems := result.Changed()
		if len(changedItems) == 0 {
			continue
		}

		rec, err := in.Catalog.Load(pkgbase)
		if err != nil {
			// Recipe load failure surfaces independently; skip throttling
			// for this package rather than failing the whole cycle.
			continue
		}

		var surviving []upstream.NVItem
		for _, item := range changedItems {
			if interval, ok := rec.ThrottleFor(item.SourceIndex); ok && in.LastSuccess != nil {
				if t, had := in.LastSuccess(pkgbase, item.SourceIndex); had && t.Add(interval).After(in.Now) {
					continue
				}
			}
			surviving = append(surviving, item)
		}

		if len(surviving) > 0 {
			reasons.Add(pkgbase, Reason{Kind: NvChecker, Items: surviving})
			nvdata[pkgbase] = upstream.CheckResult{PkgBase: pkgbase, Items: surviving}
		}
	}
	return nil
}
