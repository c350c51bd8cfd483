// Package gitx answers the read-only git questions the diff pipeline asks:
// does a revision exist, which files changed since it, and a stat summary.
package gitx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/zjy-dev/covhub/internal/exec"
)

// ErrCommandFailed is returned when a git invocation fails or exits non-zero.
var ErrCommandFailed = errors.New("git command failed")

// Repo is a git working tree rooted at Root.
type Repo struct {
	root     string
	executor exec.Executor
	gitPath  string
}

// NewRepo creates a Repo for the working tree containing root.
func NewRepo(root string, executor exec.Executor) *Repo {
	if root == "" {
		root = "."
	}
	return &Repo{root: root, executor: executor, gitPath: "git"}
}

// Root returns the directory git commands run in.
func (r *Repo) Root() string {
	return r.root
}

// VerifyRef resolves ref (branch, tag, commit or revision expression) without
// touching the working tree or the object store.
func (r *Repo) VerifyRef(ref string) error {
	repo, err := git.PlainOpenWithOptions(r.root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return fmt.Errorf("failed to open repository at %s: %w", r.root, err)
	}
	if _, err := repo.ResolveRevision(plumbing.Revision(ref)); err != nil {
		return fmt.Errorf("failed to resolve %q: %w", ref, err)
	}
	return nil
}

// ChangedFiles lists the paths that differ between ref and the working tree.
func (r *Repo) ChangedFiles(ctx context.Context, ref string) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", ref)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// DiffStat returns the human-readable `git diff --stat` summary against ref.
func (r *Repo) DiffStat(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, "diff", "--stat", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	res, err := r.executor.Run(ctx, r.root, r.gitPath, args...)
	if err != nil {
		return "", fmt.Errorf("%w: git %s: %v", ErrCommandFailed, strings.Join(args, " "), err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: git %s exited %d: %s", ErrCommandFailed, strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}
