// Package notify implements the notification-sink external collaborator:
// error reports routed to maintainers.
package notify

import (
	"fmt"
	"strings"

	"cyclebuild/recipe"
)

// Kind distinguishes the report shapes the result handler composes.
type Kind int

const (
	// MissingDependencies reports a MissingDependencies build failure,
	// distinguishing deps already failed this cycle from those not yet
	// attempted.
	MissingDependencies Kind = iota
	// BuildException reports an uncategorized build-time exception, with
	// a log file reference.
	BuildException
	// RecipeLoadFailure reports a recipe that failed to parse or load.
	RecipeLoadFailure
	// NonexistentDependency reports a dependency naming no managed recipe.
	NonexistentDependency
	// DriverException reports a top-level cycle driver exception.
	DriverException
)

// Report is the payload every Sink.Notify call receives.
type Report struct {
	Kind    Kind
	PkgBase recipe.PkgBase
	// Message is a free-form human-readable description.
	Message string
	// MissingFailed lists missing deps already failed this cycle,
	// for Kind == MissingDependencies.
	MissingFailed []recipe.PkgBase
	// MissingPending lists missing deps not yet attempted this cycle.
	MissingPending []recipe.PkgBase
	// LogFile references the per-package log, for Kind == BuildException.
	LogFile string
	Err     error
}

// Title renders a short one-line summary suitable as an issue/webhook title.
func (r Report) Title() string {
	switch r.Kind {
	case MissingDependencies:
		return fmt.Sprintf("%s: missing dependencies", r.PkgBase)
	case BuildException:
		return fmt.Sprintf("%s: build failed", r.PkgBase)
	case RecipeLoadFailure:
		return fmt.Sprintf("%s: recipe failed to load", r.PkgBase)
	case NonexistentDependency:
		return fmt.Sprintf("%s: depends on non-managed package", r.PkgBase)
	case DriverException:
		return "cycle driver error"
	default:
		return fmt.Sprintf("%s: error", r.PkgBase)
	}
}

// Body renders the full report body.
func (r Report) Body() string {
	var sb strings.Builder
	switch r.Kind {
	case MissingDependencies:
		if len(r.MissingFailed) > 0 {
			fmt.Fprintf(&sb, "Already failed this cycle: %v\n", r.MissingFailed)
		}
		if len(r.MissingPending) > 0 {
			fmt.Fprintf(&sb, "Not yet attempted: %v\n", r.MissingPending)
		}
	case BuildException:
		fmt.Fprintf(&sb, "Log file: %s\n", r.LogFile)
	}
	if r.Message != "" {
		sb.WriteString(r.Message)
		sb.WriteString("\n")
	}
	if r.Err != nil {
		fmt.Fprintf(&sb, "Error: %v\n", r.Err)
	}
	return sb.String()
}

// Sink is the external collaborator error reports are dispatched
// through. Implementations must not block the driver goroutine for long.
// GitHubIssueSink and WebhookSink return their transport errors to the
// caller; the result handler and cycle driver discard Notify's error, so
// a failing sink never fails the cycle.
type Sink interface {
	Notify(r Report) error
}

// MultiSink fans a report out to every configured sink, collecting (but
// not stopping on) individual failures.
type MultiSink struct {
	Sinks []Sink
}

func (m MultiSink) Notify(r Report) error {
	var errs []string
	for _, s := range m.Sinks {
		if err := s.Notify(r); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(errs, "; "))
	}
	return nil
}
