package reason

import (
	"testing"

	"cyclebuild/upstream"
)

func TestBasePriorities(t *testing.T) {
	cases := []struct {
		name string
		r    Reason
		want int
	}{
		{"pkgrel", Reason{Kind: UpdatedPkgrel}, PriorityUpdatedPkgrel},
		{"nv manual", Reason{Kind: NvChecker, Items: []upstream.NVItem{{Source: "manual"}}}, PriorityNvCheckerFast},
		{"nv multi", Reason{Kind: NvChecker, Items: []upstream.NVItem{{Source: "a"}, {Source: "b"}}}, PriorityNvCheckerMed},
		{"nv old-index", Reason{Kind: NvChecker, Items: []upstream.NVItem{{Source: "a", OldIndex: 1}}}, PriorityNvCheckerMed},
		{"nv plain", Reason{Kind: NvChecker, Items: []upstream.NVItem{{Source: "a"}}}, PriorityNvCheckerSlow},
		{"updated failed", Reason{Kind: UpdatedFailed}, PriorityUpdatedFailed},
		{"failed by deps", Reason{Kind: FailedByDeps}, PriorityFailedByDeps},
		{"cmdline", Reason{Kind: Cmdline}, PriorityCmdline},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := basePriority(c.r); got != c.want {
				t.Fatalf("basePriority(%v) = %d, want %d", c.r, got, c.want)
			}
		})
	}
}

func TestReasonsPriorityMinimumOverMultiple(t *testing.T) {
	rs := make(Reasons)
	rs.Add("p", Reason{Kind: Cmdline})
	rs.Add("p", Reason{Kind: UpdatedPkgrel})

	if got := rs.Priority("p"); got != PriorityUpdatedPkgrel {
		t.Fatalf("expected effective priority %d (min), got %d", PriorityUpdatedPkgrel, got)
	}
}

func TestReasonsPriorityDependedRecursion(t *testing.T) {
	rs := make(Reasons)
	rs.Add("depender", Reason{Kind: UpdatedPkgrel})
	rs.Add("p", Reason{Kind: Depended, Depender: "depender"})

	if got := rs.Priority("p"); got != PriorityUpdatedPkgrel {
		t.Fatalf("expected transitive priority %d, got %d", PriorityUpdatedPkgrel, got)
	}
}

func TestReasonsPriorityDependedCycleGuard(t *testing.T) {
	rs := make(Reasons)
	// a cycle that must not occur by construction, but is guarded anyway.
	rs.Add("a", Reason{Kind: Depended, Depender: "b"})
	rs.Add("b", Reason{Kind: Depended, Depender: "a"})

	if got := rs.Priority("a"); got != PriorityDependedCycle {
		t.Fatalf("expected cycle guard priority %d, got %d", PriorityDependedCycle, got)
	}
}

func TestSetAppendOnly(t *testing.T) {
	var s Set
	s.Add(Reason{Kind: Cmdline})
	s.Add(Reason{Kind: UpdatedPkgrel})

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 reasons, got %d", len(list))
	}
	if list[0].Kind != Cmdline || list[1].Kind != UpdatedPkgrel {
		t.Fatalf("expected append order preserved, got %v", list)
	}
}

func TestSetEmpty(t *testing.T) {
	var s Set
	if !s.Empty() {
		t.Fatal("expected zero-value set to be empty")
	}
	s.Add(Reason{Kind: Cmdline})
	if s.Empty() {
		t.Fatal("expected set with a reason to be non-empty")
	}
	var nilSet *Set
	if !nilSet.Empty() {
		t.Fatal("expected nil set to be empty")
	}
}

func TestReasonsGetCreatesSet(t *testing.T) {
	rs := make(Reasons)
	set := rs.Get("p")
	if set == nil {
		t.Fatal("expected non-nil set")
	}
	if !set.Empty() {
		t.Fatal("expected freshly created set to be empty")
	}
}
