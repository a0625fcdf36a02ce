// Package git provides typed access to the git CLI for the commit gate. All
// commands target one work tree through "git -C <dir>".
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/codex-k8s/approval-gate/internal/executil"
)

// Repository is a git work tree.
type Repository struct {
	dir string
}

// NewRepository returns a Repository targeting dir.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string { return r.dir }

// Run executes git with args and returns stdout.
func (r *Repository) Run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := executil.Output(ctx, executil.Command{
		Name: "git",
		Args: append([]string{"-C", r.dir}, args...),
	})
	if err != nil {
		return out, fmt.Errorf("git %s in %s: %w", strings.Join(args, " "), r.dir, err)
	}
	return out, nil
}

// Root returns the absolute top-level directory of the work tree.
func (r *Repository) Root(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// StagedDiff returns the exact staged change set, binary content included.
func (r *Repository) StagedDiff(ctx context.Context) ([]byte, error) {
	return r.Run(ctx, "diff", "--cached", "--binary", "--no-color", "--no-ext-diff", "--full-index")
}

// StagedFiles lists added, copied, modified and renamed staged paths.
func (r *Repository) StagedFiles(ctx context.Context) ([]string, error) {
	out, err := r.Run(ctx, "diff", "--cached", "--name-only", "--diff-filter=ACMR", "-z")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, name := range strings.Split(string(out), "\x00") {
		if name != "" {
			files = append(files, name)
		}
	}
	return files, nil
}

// HooksPath returns core.hooksPath, or "" when it is unset.
func (r *Repository) HooksPath(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "config", "--get", "core.hooksPath")
	if exitCode(err) == 1 {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentBranch returns the checked-out branch, or "" on a detached HEAD.
func (r *Repository) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "symbolic-ref", "-q", "--short", "HEAD")
	if exitCode(err) == 1 {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
