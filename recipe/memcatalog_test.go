package recipe

import (
	"errors"
	"testing"
	"time"
)

func TestMemCatalogLoad(t *testing.T) {
	r := &Recipe{PkgBase: "foo"}
	c := NewMemCatalog(r)

	got, err := c.Load("foo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != r {
		t.Fatalf("expected same recipe pointer back")
	}
}

func TestMemCatalogLoadNotFound(t *testing.T) {
	c := NewMemCatalog()
	_, err := c.Load("missing")
	if err == nil {
		t.Fatal("expected error for missing pkgbase")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemCatalogFailLoad(t *testing.T) {
	c := NewMemCatalog(&Recipe{PkgBase: "foo"})
	injected := errors.New("boom")
	c.FailLoad("foo", injected)

	_, err := c.Load("foo")
	if !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}
}

func TestMemCatalogManagedAndIsManaged(t *testing.T) {
	c := NewMemCatalog(&Recipe{PkgBase: "foo"}, &Recipe{PkgBase: "bar"})

	if !c.IsManaged("foo") || !c.IsManaged("bar") {
		t.Fatal("expected foo and bar to be managed")
	}
	if c.IsManaged("baz") {
		t.Fatal("baz should not be managed")
	}

	managed := c.Managed()
	if len(managed) != 2 {
		t.Fatalf("expected 2 managed packages, got %d", len(managed))
	}
}

func TestThrottleFor(t *testing.T) {
	r := &Recipe{PkgBase: "foo"}
	if _, ok := r.ThrottleFor(0); ok {
		t.Fatal("expected no throttle on zero-value recipe")
	}

	r.Throttle = map[int]time.Duration{0: time.Hour}
	d, ok := r.ThrottleFor(0)
	if !ok || d != time.Hour {
		t.Fatalf("expected 1h throttle on source 0, got %v ok=%v", d, ok)
	}
	if _, ok := r.ThrottleFor(1); ok {
		t.Fatal("expected no throttle on source 1")
	}
}
