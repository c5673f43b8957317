// Package result implements the result handler: interpreting each build
// outcome, emitting logs, routing notifications, and updating failure
// memory.
package result

import (
	"errors"
	"fmt"
	"time"

	"cyclebuild/builder"
	"cyclebuild/buildlog"
	"cyclebuild/notify"
	"cyclebuild/reason"
	"cyclebuild/recipe"
	"cyclebuild/runstate"
)

// Handler interprets build outcomes, wired as a scheduler.ResultFunc.
type Handler struct {
	Cycle   *runstate.Cycle
	Reasons reason.Reasons
	Log     *buildlog.Logger
	Notify  notify.Sink

	// DB is optional; when nil, no log record is persisted beyond the
	// human/structured build logs.
	DB RecordWriter
}

// RecordWriter is the subset of cyclestate.DB the result handler writes
// through, kept as an interface so tests can substitute a fake and so
// this package does not need to import cyclestate directly.
type RecordWriter interface {
	RecordLastStatus(pkgbase recipe.PkgBase, failed bool) error
	RecordSuccess(pkgbase recipe.PkgBase, sourceIndex int, at time.Time) error
}

// Handle processes one completed build, matching the scheduler.ResultFunc
// signature so it can be assigned directly as Driver.OnResult.
func (h *Handler) Handle(pkgbase recipe.PkgBase, workerID int, outcome builder.Outcome, buildErr error) {
	if buildErr != nil && outcome.Kind != builder.Failed {
		// A transport-level builder error counts as a failure even when
		// the outcome kind was never set.
		outcome.Kind = builder.Failed
		if outcome.Err == nil {
			outcome.Err = buildErr
		}
	}

	reasonStrs := serializeReasons(h.Reasons, pkgbase)

	event := buildlog.Event{
		Event:      "build_" + outcome.Kind.String(),
		PkgBase:    string(pkgbase),
		NVVersion:  outcome.NVVersion,
		PkgVersion: outcome.PkgVersion,
		ElapsedSec: outcome.Elapsed.Seconds(),
		Reasons:    reasonStrs,
	}

	switch outcome.Kind {
	case builder.Successful, builder.Staged:
		h.Cycle.MarkBuilt(pkgbase)
		if h.DB != nil {
			h.DB.RecordLastStatus(pkgbase, false)
			if set, ok := h.Reasons[pkgbase]; ok {
				for _, r := range set.List() {
					if r.Kind != reason.NvChecker {
						continue
					}
					for _, it := range r.Items {
						h.DB.RecordSuccess(pkgbase, it.SourceIndex, time.Now())
					}
				}
			}
		}

	case builder.Skipped:
		event.Message = outcome.Message

	case builder.Failed:
		h.handleFailure(pkgbase, outcome, buildErr, &event)
	}

	if h.Log != nil {
		h.Log.EmitEvent(event)
	}
}

func (h *Handler) handleFailure(pkgbase recipe.PkgBase, outcome builder.Outcome, buildErr error, event *buildlog.Event) {
	var missingErr *builder.MissingDependenciesError
	if errors.As(outcome.Err, &missingErr) || errors.As(buildErr, &missingErr) {
		h.Cycle.MarkFailed(pkgbase, missingErr.Missing)
		event.Missing = pkgBasesToStrings(missingErr.Missing)

		var failedAlready, pending []recipe.PkgBase
		for _, d := range missingErr.Missing {
			if h.Cycle.IsFailed(d) {
				failedAlready = append(failedAlready, d)
			} else {
				pending = append(pending, d)
			}
		}
		if h.Notify != nil {
			h.Notify.Notify(notify.Report{
				Kind:           notify.MissingDependencies,
				PkgBase:        pkgbase,
				MissingFailed:  failedAlready,
				MissingPending: pending,
			})
		}
	} else {
		h.Cycle.MarkFailed(pkgbase, nil)
		msg := outcome.Message
		if buildErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, buildErr)
		}
		event.Message = msg
		event.LogFile = outcome.LogFile
		if h.Notify != nil {
			h.Notify.Notify(notify.Report{
				Kind:    notify.BuildException,
				PkgBase: pkgbase,
				Message: msg,
				LogFile: outcome.LogFile,
				Err:     buildErr,
			})
		}
	}

	if h.DB != nil {
		h.DB.RecordLastStatus(pkgbase, true)
	}
}

func serializeReasons(reasons reason.Reasons, pkgbase recipe.PkgBase) []string {
	set, ok := reasons[pkgbase]
	if !ok {
		return nil
	}
	var out []string
	for _, r := range set.List() {
		out = append(out, r.String())
	}
	return out
}

func pkgBasesToStrings(pkgs []recipe.PkgBase) []string {
	out := make([]string, len(pkgs))
	for i, p := range pkgs {
		out[i] = string(p)
	}
	return out
}
