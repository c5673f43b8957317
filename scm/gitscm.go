package scm

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"

	"cyclebuild/recipe"
)

// GitSCM is a SourceControl backed by a local go-git checkout of the
// recipe repository, using commit-range diffs to drive incremental
// package builds from git history.
type GitSCM struct {
	repo *git.Repository
	// Root is the directory each managed pkgbase's recipe lives under,
	// relative to the repository root, e.g. "" or "ports".
	Root string
}

// OpenGitSCM opens the git repository rooted at or above dir.
func OpenGitSCM(dir string) (*GitSCM, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening recipe repository: %w", err)
	}
	return &GitSCM{repo: repo}, nil
}

func (g *GitSCM) Head() (string, error) {
	ref, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("determining HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

func (g *GitSCM) Pull() (string, error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	err = wt.Pull(&git.PullOptions{})
	if err != nil && err != git.NoErrAlreadyUpToDate && err != git.ErrRemoteNotFound {
		return "", fmt.Errorf("pulling: %w", err)
	}
	return g.Head()
}

func (g *GitSCM) Push() error {
	err := g.repo.Push(&git.PushOptions{})
	if err != nil && err != git.NoErrAlreadyUpToDate && err != git.ErrRemoteNotFound {
		return fmt.Errorf("pushing: %w", err)
	}
	return nil
}

// ResetHard discards worktree modifications, restoring HEAD exactly.
func (g *GitSCM) ResetHard() error {
	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	head, err := g.repo.Head()
	if err != nil {
		return fmt.Errorf("determining HEAD: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset --hard: %w", err)
	}
	return nil
}

// CurrentBranch returns the short name of the checked-out branch, or an
// error if HEAD is detached.
func (g *GitSCM) CurrentBranch() (string, error) {
	ref, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("determining HEAD: %w", err)
	}
	if !ref.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached, not on a branch")
	}
	return ref.Name().Short(), nil
}

// pkgbaseOf maps a changed file's repo-relative path to the managed
// pkgbase whose recipe directory contains it. Recipe directories are one
// level deep, so this takes the first path component after Root, e.g.
// "ports/foo/bar/recipe" under root "ports" maps to pkgbase "foo".
func (g *GitSCM) pkgbaseOf(path string) recipe.PkgBase {
	rel := path
	if g.Root != "" {
		prefix := g.Root + "/"
		if !strings.HasPrefix(path, prefix) {
			return ""
		}
		rel = strings.TrimPrefix(path, prefix)
	}
	parts := strings.SplitN(rel, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	return recipe.PkgBase(parts[0])
}

func (g *GitSCM) ChangedPackages(from, to string, managed []recipe.PkgBase) (map[recipe.PkgBase]bool, error) {
	out := make(map[recipe.PkgBase]bool)
	if from == "" {
		for _, p := range managed {
			out[p] = true
		}
		return out, nil
	}

	files, err := g.diffFiles(from, to)
	if err != nil {
		return nil, err
	}
	managedSet := make(map[recipe.PkgBase]bool, len(managed))
	for _, p := range managed {
		managedSet[p] = true
	}
	for _, f := range files {
		pb := g.pkgbaseOf(f)
		if pb != "" && managedSet[pb] {
			out[pb] = true
		}
	}
	return out, nil
}

func (g *GitSCM) ReleaseFieldChanged(from, to string, candidates []recipe.PkgBase) (map[recipe.PkgBase]bool, error) {
	out := make(map[recipe.PkgBase]bool)
	if from == "" {
		// First run: no prior commit to diff against, so no release-field
		// bump can be attributed to the range.
		return out, nil
	}
	patches, err := g.diffPatches(from, to)
	if err != nil {
		return nil, err
	}
	candSet := make(map[recipe.PkgBase]bool, len(candidates))
	for _, p := range candidates {
		candSet[p] = true
	}
	for path, patch := range patches {
		pb := g.pkgbaseOf(path)
		if !candSet[pb] {
			continue
		}
		if strings.Contains(patch, "pkgrel=") || strings.Contains(patch, "release:") {
			out[pb] = true
		}
	}
	return out, nil
}

// diffFiles returns the repo-relative paths touched between two commits.
func (g *GitSCM) diffFiles(from, to string) ([]string, error) {
	fromCommit, err := g.commit(from)
	if err != nil {
		return nil, err
	}
	toCommit, err := g.commit(to)
	if err != nil {
		return nil, err
	}
	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading tree for %s: %w", from, err)
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading tree for %s: %w", to, err)
	}
	changes, err := fromTree.Diff(toTree)
	if err != nil {
		return nil, fmt.Errorf("diffing %s..%s: %w", from, to, err)
	}
	var files []string
	for _, c := range changes {
		if c.To.Name != "" {
			files = append(files, filepath.ToSlash(c.To.Name))
		} else if c.From.Name != "" {
			files = append(files, filepath.ToSlash(c.From.Name))
		}
	}
	return files, nil
}

// diffPatches returns, per changed path, the unified-diff patch text,
// used to scan for release-field hunks without parsing recipe syntax.
func (g *GitSCM) diffPatches(from, to string) (map[string]string, error) {
	fromCommit, err := g.commit(from)
	if err != nil {
		return nil, err
	}
	toCommit, err := g.commit(to)
	if err != nil {
		return nil, err
	}
	patch, err := fromCommit.Patch(toCommit)
	if err != nil {
		return nil, fmt.Errorf("computing patch %s..%s: %w", from, to, err)
	}
	out := make(map[string]string)
	for _, fp := range patch.FilePatches() {
		_, to := fp.Files()
		if to == nil {
			continue
		}
		var sb strings.Builder
		for _, chunk := range fp.Chunks() {
			// Only added/removed lines count; unchanged context would
			// match the release-field scan on every file carrying one.
			if chunk.Type() == diff.Equal {
				continue
			}
			sb.WriteString(chunk.Content())
		}
		out[filepath.ToSlash(to.Path())] = sb.String()
	}
	return out, nil
}

func (g *GitSCM) commit(hash string) (*object.Commit, error) {
	c, err := g.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, fmt.Errorf("resolving commit %s: %w", hash, err)
	}
	return c, nil
}
