package notify

import (
	"errors"
	"strings"
	"testing"

	"cyclebuild/recipe"
)

type fakeSink struct {
	reports []Report
	err     error
}

func (f *fakeSink) Notify(r Report) error {
	f.reports = append(f.reports, r)
	return f.err
}

func TestReportTitleVariants(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{MissingDependencies, "foo: missing dependencies"},
		{BuildException, "foo: build failed"},
		{RecipeLoadFailure, "foo: recipe failed to load"},
		{NonexistentDependency, "foo: depends on non-managed package"},
	}
	for _, c := range cases {
		r := Report{Kind: c.kind, PkgBase: "foo"}
		if got := r.Title(); got != c.want {
			t.Fatalf("Title() = %q, want %q", got, c.want)
		}
	}
}

func TestReportBodyDistinguishesFailedVsPending(t *testing.T) {
	r := Report{
		Kind:           MissingDependencies,
		PkgBase:        "foo",
		MissingFailed:  []recipe.PkgBase{"bar"},
		MissingPending: []recipe.PkgBase{"baz"},
	}
	body := r.Body()
	if !strings.Contains(body, "Already failed this cycle") || !strings.Contains(body, "Not yet attempted") {
		t.Fatalf("expected body to distinguish failed vs pending deps, got %q", body)
	}
}

func TestMultiSinkFansOutAndCollectsErrors(t *testing.T) {
	good := &fakeSink{}
	bad := &fakeSink{err: errors.New("boom")}
	m := MultiSink{Sinks: []Sink{good, bad}}

	err := m.Notify(Report{Kind: DriverException, Message: "oops"})
	if err == nil {
		t.Fatal("expected an aggregated error")
	}
	if len(good.reports) != 1 || len(bad.reports) != 1 {
		t.Fatalf("expected both sinks notified despite one failing, got %d %d", len(good.reports), len(bad.reports))
	}
}
