package commitgate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/codex-k8s/approval-gate/internal/backlog"
	"github.com/codex-k8s/approval-gate/internal/executil"
	"github.com/codex-k8s/approval-gate/internal/registry"
	"github.com/codex-k8s/approval-gate/internal/templates"
)

// Repo is the git access the commit gate needs.
type Repo interface {
	Dir() string
	StagedDiff(ctx context.Context) ([]byte, error)
	StagedFiles(ctx context.Context) ([]string, error)
	HooksPath(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
}

// Verdict is the result of one check.
type Verdict struct {
	// Passed reports whether the commit may proceed past this check.
	Passed bool
	// Reason explains a failure.
	Reason string
	// Source names the check.
	Source string
}

// Check is one unbypassable precondition.
type Check interface {
	// Name returns the check identifier.
	Name() string
	// Check inspects the repository.
	Check(ctx context.Context, repo Repo) (Verdict, error)
}

// Chain runs checks in order and stops at the first failure.
type Chain struct {
	Checks []Check
}

// Run executes all checks. An error is a failure.
func (c Chain) Run(ctx context.Context, repo Repo) (Verdict, error) {
	for _, item := range c.Checks {
		verdict, err := item.Check(ctx, repo)
		if err != nil {
			return Verdict{Passed: false, Reason: fmt.Sprintf("%s: %v", item.Name(), err), Source: item.Name()}, err
		}
		if !verdict.Passed {
			if verdict.Source == "" {
				verdict.Source = item.Name()
			}
			return verdict, nil
		}
	}
	return Verdict{Passed: true}, nil
}

// Timeout bounds a check with a deadline. Running out of time fails the check.
type Timeout struct {
	Inner   Check
	Timeout time.Duration
}

// Name returns the inner check name.
func (t Timeout) Name() string {
	if t.Inner != nil {
		return t.Inner.Name()
	}
	return "timeout"
}

// Check runs the inner check with a deadline.
func (t Timeout) Check(ctx context.Context, repo Repo) (Verdict, error) {
	if t.Inner == nil || t.Timeout <= 0 {
		return Verdict{Passed: false, Reason: "invalid timeout check", Source: t.Name()}, nil
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	verdict, err := t.Inner.Check(ctxTimeout, repo)
	if errors.Is(ctxTimeout.Err(), context.DeadlineExceeded) {
		return Verdict{Passed: false, Reason: fmt.Sprintf("%s timed out after %s", t.Name(), t.Timeout), Source: t.Name()}, nil
	}
	return verdict, err
}

// ForbiddenFiles fails when any listed file exists in the work tree.
type ForbiddenFiles struct {
	Files []string
}

// Name implements Check.
func (ForbiddenFiles) Name() string { return "forbidden-files" }

// Check implements Check.
func (f ForbiddenFiles) Check(_ context.Context, repo Repo) (Verdict, error) {
	for _, name := range f.Files {
		_, err := os.Lstat(filepath.Join(repo.Dir(), name))
		if err == nil {
			return Verdict{Reason: fmt.Sprintf("override file %s is present", name)}, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return Verdict{}, fmt.Errorf("stat %s: %w", name, err)
		}
	}
	return Verdict{Passed: true}, nil
}

// HooksPath fails unless core.hooksPath equals Expected.
type HooksPath struct {
	Expected string
}

// Name implements Check.
func (HooksPath) Name() string { return "hooks-path" }

// Check implements Check.
func (h HooksPath) Check(ctx context.Context, repo Repo) (Verdict, error) {
	actual, err := repo.HooksPath(ctx)
	if err != nil {
		return Verdict{}, err
	}
	if filepath.Clean(actual) != filepath.Clean(h.Expected) || actual == "" {
		return Verdict{Reason: fmt.Sprintf("core.hooksPath is %q, expected %q", actual, h.Expected)}, nil
	}
	return Verdict{Passed: true}, nil
}

// Configured fails when any of the three structural checks has no
// configuration: a commit gate without them must not fall through to the
// approval alone.
type Configured struct {
	Config registry.CommitConfig
}

// Name returns the check identifier.
func (Configured) Name() string { return "config" }

// Check reports the missing settings.
func (c Configured) Check(context.Context, Repo) (Verdict, error) {
	var missing []string
	if len(c.Config.ForbiddenFiles) == 0 {
		missing = append(missing, "commit.forbiddenFiles")
	}
	if strings.TrimSpace(c.Config.ExpectedHooksPath) == "" {
		missing = append(missing, "commit.expectedHooksPath")
	}
	if c.Config.Lint == nil || strings.TrimSpace(c.Config.Lint.Command) == "" {
		missing = append(missing, "commit.lint")
	}
	if len(missing) > 0 {
		return Verdict{Reason: "commit gate is not configured: missing " + strings.Join(missing, ", ")}, nil
	}
	return Verdict{Passed: true}, nil
}

// Runner executes a command and returns output and exit code.
type Runner func(ctx context.Context, cmd executil.Command) (string, int, error)

// Lint runs a zero-warning linter over the staged files matching Include.
type Lint struct {
	Command string
	Args    []string
	Include []string
	Run     Runner
}

// Name implements Check.
func (Lint) Name() string { return "lint" }

// Check implements Check. Only exit code 0 passes.
func (l Lint) Check(ctx context.Context, repo Repo) (Verdict, error) {
	staged, err := repo.StagedFiles(ctx)
	if err != nil {
		return Verdict{}, err
	}
	files := filterFiles(staged, l.Include)
	if len(files) == 0 {
		return Verdict{Passed: true}, nil
	}
	run := l.Run
	if run == nil {
		run = executil.Run
	}
	args := append(append([]string{}, l.Args...), files...)
	output, exitCode, err := run(ctx, executil.Command{Name: l.Command, Args: args, Dir: repo.Dir()})
	if err == nil && exitCode == 0 {
		return Verdict{Passed: true}, nil
	}
	reason := strings.TrimSpace(output)
	if reason == "" && err != nil {
		reason = err.Error()
	}
	return Verdict{Reason: fmt.Sprintf("lint failed (exit %d): %s", exitCode, truncate(reason, 2000))}, nil
}

func filterFiles(files, include []string) []string {
	if len(include) == 0 {
		return files
	}
	var out []string
	for _, file := range files {
		for _, pattern := range include {
			if ok, err := doublestar.Match(pattern, file); err == nil && ok {
				out = append(out, file)
				break
			}
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Counter returns the number of open items in a backlog source.
type Counter func(ctx context.Context, src backlog.Source) (int64, error)

// Backlog blocks commits to the primary branch while any source has open items.
// An unreadable source blocks as well.
type Backlog struct {
	PrimaryBranch string
	Sources       []backlog.Source
	Count         Counter
	Messages      templates.Renderer
}

// Name implements Check.
func (Backlog) Name() string { return "backlog" }

// Check implements Check.
func (b Backlog) Check(ctx context.Context, repo Repo) (Verdict, error) {
	if len(b.Sources) == 0 {
		return Verdict{Passed: true}, nil
	}
	branch, err := repo.CurrentBranch(ctx)
	if err != nil {
		return Verdict{}, err
	}
	if branch != b.PrimaryBranch {
		return Verdict{Passed: true}, nil
	}
	count := b.Count
	if count == nil {
		count = backlog.Count
	}
	for _, src := range b.Sources {
		n, err := count(ctx, src)
		if err != nil {
			return Verdict{Reason: templates.Text(b.Messages, "commit.backlog_unreadable",
				map[string]any{"Branch": branch, "Name": src.Name, "Error": err.Error()},
				fmt.Sprintf("backlog %s could not be read: %v", src.Name, err))}, nil
		}
		if n > 0 {
			return Verdict{Reason: templates.Text(b.Messages, "commit.backlog",
				map[string]any{"Branch": branch, "Name": src.Name, "Count": n},
				fmt.Sprintf("%s has %d open item(s)", src.Name, n))}, nil
		}
	}
	return Verdict{Passed: true}, nil
}
