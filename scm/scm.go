// Package scm defines the source-control interface the kernel drives:
// syncing the recipe repository and diffing a commit range for changed
// packages and release-field bumps.
package scm

import "cyclebuild/recipe"

// SourceControl is the "source-control interface" external collaborator:
// reset, pull, push, commit-range diff, and changed-files-per-package.
// Unlike the recipe loader/upstream checker/builder, this one is
// implemented for real (see GitSCM) since the kernel's cycle boundary is
// defined by it.
type SourceControl interface {
	// Head returns the current HEAD commit hash of the recipe repository.
	Head() (string, error)

	// Pull fast-forwards the local checkout to the remote, returning the
	// new HEAD hash. It is a no-op returning the current HEAD if the
	// repository has no configured remote.
	Pull() (string, error)

	// Push publishes local commits (e.g. nvtake version bumps) to the
	// configured remote. It is a no-op if there is nothing to push or no
	// remote is configured.
	Push() error

	// ResetHard discards local worktree modifications, restoring it to
	// HEAD. Used at cycle start (before Pull) and at cycle end (before
	// an optional Push).
	ResetHard() error

	// CurrentBranch returns the checked-out branch name, used by the
	// cycle driver's "reject if not master/main" setup check.
	CurrentBranch() (string, error)

	// ChangedPackages returns the set of managed pkgbases that had any
	// file touched between the two commits, exclusive of from, inclusive
	// of to. If from is empty (first run, no prior cycle state), every
	// managed package is reported changed.
	ChangedPackages(from, to string, managed []recipe.PkgBase) (map[recipe.PkgBase]bool, error)

	// ReleaseFieldChanged reports which of candidates had their recipe's
	// release/pkgrel field altered between the two commits.
	ReleaseFieldChanged(from, to string, candidates []recipe.PkgBase) (map[recipe.PkgBase]bool, error)
}
