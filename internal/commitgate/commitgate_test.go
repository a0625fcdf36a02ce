package commitgate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/approval-gate/internal/approval"
	"github.com/codex-k8s/approval-gate/internal/audit"
	"github.com/codex-k8s/approval-gate/internal/backlog"
	"github.com/codex-k8s/approval-gate/internal/executil"
	"github.com/codex-k8s/approval-gate/internal/filestore"
	"github.com/codex-k8s/approval-gate/internal/registry"
)

type fakeRepo struct {
	dir       string
	diff      string
	files     []string
	hooksPath string
	branch    string
	diffErr   error
}

func (r *fakeRepo) Dir() string { return r.dir }

func (r *fakeRepo) StagedDiff(context.Context) ([]byte, error) {
	return []byte(r.diff), r.diffErr
}

func (r *fakeRepo) StagedFiles(context.Context) ([]string, error) { return r.files, nil }

func (r *fakeRepo) HooksPath(context.Context) (string, error) { return r.hooksPath, nil }

func (r *fakeRepo) CurrentBranch(context.Context) (string, error) { return r.branch, nil }

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	signer, err := approval.NewSigner([]byte(strings.Repeat("c", 32)))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "commit-approval.json")
	return NewStore(filestore.New(path, time.Second), signer, time.Minute, nil, nil), path
}

func testCommitConfig() registry.CommitConfig {
	return registry.CommitConfig{
		ForbiddenFiles:    []string{".skip-hooks"},
		ExpectedHooksPath: ".githooks",
		PrimaryBranch:     "main",
		Lint:              &registry.LintConfig{Command: "lint", Timeout: "1m"},
	}
}

func cleanLint(context.Context, executil.Command) (string, int, error) { return "", 0, nil }

func newGate(t *testing.T, repo *fakeRepo) (*Gate, *audit.Memory, string) {
	t.Helper()
	if repo.hooksPath == "" {
		repo.hooksPath = ".githooks"
	}
	store, path := newStore(t)
	events := &audit.Memory{}
	return &Gate{Repo: repo, Config: testCommitConfig(), Store: store, Run: cleanLint, Audit: events}, events, path
}

func TestDiffBoundApproval(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{dir: t.TempDir(), diff: "diff --git a/x b/x\n+hello\n"}
	gate, events, path := newGate(t, repo)

	first := gate.Evaluate(ctx)
	require.False(t, first.Allowed)
	require.True(t, approval.ValidCode(first.Code))
	assert.Contains(t, first.Reason, "APPROVE COMMIT "+first.Code)

	again := gate.Evaluate(ctx)
	assert.Equal(t, first.Code, again.Code, "pending approval for the same diff is reused")

	_, err := gate.Store.Promote(ctx, first.Code)
	require.NoError(t, err)

	allowed := gate.Evaluate(ctx)
	assert.True(t, allowed.Allowed)
	assert.Equal(t, first.Code, allowed.Code)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	blocked := gate.Evaluate(ctx)
	assert.False(t, blocked.Allowed, "approval is single use")
	assert.Contains(t, events.Types(), audit.TypeCommitAllowed)
}

func TestDiffChangedAfterApproval(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{dir: t.TempDir(), diff: "+a\n"}
	gate, events, _ := newGate(t, repo)

	first := gate.Evaluate(ctx)
	_, err := gate.Store.Promote(ctx, first.Code)
	require.NoError(t, err)

	repo.diff = "+a\n+b\n"
	changed := gate.Evaluate(ctx)
	assert.False(t, changed.Allowed)
	assert.NotEmpty(t, changed.Code)
	assert.Contains(t, events.Types(), audit.TypeBindingMismatch)

	_, state, err := gate.Store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, approval.StatePending, state)
}

func TestForgedCommitApproval(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{dir: t.TempDir(), diff: "+a\n"}
	gate, events, path := newGate(t, repo)

	first := gate.Evaluate(ctx)
	rec, err := gate.Store.Promote(ctx, first.Code)
	require.NoError(t, err)

	rec.DiffHash = strings.Repeat("0", 64)
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	decision := gate.Evaluate(ctx)
	assert.False(t, decision.Allowed)
	assert.Empty(t, decision.Code)
	assert.Contains(t, events.Types(), audit.TypeForgery)

	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestPromoteWrongCode(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{dir: t.TempDir(), diff: "+a\n"}
	gate, _, _ := newGate(t, repo)

	first := gate.Evaluate(ctx)
	_, err := gate.Store.Promote(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, approval.ErrNotFound)

	_, err = gate.Store.Promote(ctx, first.Code)
	assert.NoError(t, err, "wrong code leaves the real one usable")
}

func TestExpiredApprovalIsAbsent(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	signer, err := approval.NewSigner([]byte(strings.Repeat("c", 32)))
	require.NoError(t, err)
	store := NewStore(filestore.New(filepath.Join(t.TempDir(), "c.json"), time.Second), signer, time.Minute, clock, nil)

	rec, _, err := store.Bind(ctx, "h")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = store.Promote(ctx, rec.Code)
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestForbiddenFilesBlock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".skip-hooks"), []byte("1"), 0o600))
	repo := &fakeRepo{dir: dir, diff: "+a\n"}
	gate, events, _ := newGate(t, repo)

	decision := gate.Evaluate(context.Background())
	assert.False(t, decision.Allowed)
	assert.Empty(t, decision.Code, "structural failures never mint approvals")
	assert.Contains(t, decision.Reason, ".skip-hooks")
	assert.Equal(t, []string{audit.TypeCommitBlocked}, events.Types())
}

func TestHooksPathCheck(t *testing.T) {
	repo := &fakeRepo{dir: t.TempDir(), hooksPath: ""}
	check := HooksPath{Expected: ".githooks"}

	verdict, err := check.Check(context.Background(), repo)
	require.NoError(t, err)
	assert.False(t, verdict.Passed)

	repo.hooksPath = "./.githooks"
	verdict, err = check.Check(context.Background(), repo)
	require.NoError(t, err)
	assert.True(t, verdict.Passed)
}

func TestLintCheck(t *testing.T) {
	repo := &fakeRepo{dir: t.TempDir(), files: []string{"main.go", "docs/readme.md", "internal/x/x.go"}}
	var got executil.Command
	check := Lint{
		Command: "golangci-lint",
		Args:    []string{"run"},
		Include: []string{"**/*.go"},
		Run: func(_ context.Context, cmd executil.Command) (string, int, error) {
			got = cmd
			return "x.go:1: unused variable", 1, errors.New("exit status 1")
		},
	}

	verdict, err := check.Check(context.Background(), repo)
	require.NoError(t, err)
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.Reason, "unused variable")
	assert.Equal(t, []string{"run", "main.go", "internal/x/x.go"}, got.Args)
	assert.Equal(t, repo.dir, got.Dir)

	check.Include = []string{"**/*.rs"}
	verdict, err = check.Check(context.Background(), repo)
	require.NoError(t, err)
	assert.True(t, verdict.Passed, "nothing to lint")
}

type slowCheck struct{}

func (slowCheck) Name() string { return "slow" }

func (slowCheck) Check(ctx context.Context, _ Repo) (Verdict, error) {
	<-ctx.Done()
	return Verdict{}, ctx.Err()
}

func TestTimeoutFailsClosed(t *testing.T) {
	verdict, err := Timeout{Inner: slowCheck{}, Timeout: 10 * time.Millisecond}.Check(context.Background(), &fakeRepo{})
	require.NoError(t, err)
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.Reason, "timed out")
}

func TestBacklogPolicy(t *testing.T) {
	repo := &fakeRepo{dir: t.TempDir(), branch: "main"}
	counts := map[string]int64{"tasks": 0, "bugs": 2}
	check := Backlog{
		PrimaryBranch: "main",
		Sources:       []backlog.Source{{Name: "tasks"}, {Name: "bugs"}},
		Count: func(_ context.Context, src backlog.Source) (int64, error) {
			return counts[src.Name], nil
		},
	}

	verdict, err := check.Check(context.Background(), repo)
	require.NoError(t, err)
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.Reason, "bugs")

	repo.branch = "feature/x"
	verdict, err = check.Check(context.Background(), repo)
	require.NoError(t, err)
	assert.True(t, verdict.Passed, "backlog applies to the primary branch only")
}

func TestBacklogUnreadableBlocks(t *testing.T) {
	repo := &fakeRepo{dir: t.TempDir(), branch: "main"}
	check := Backlog{
		PrimaryBranch: "main",
		Sources:       []backlog.Source{{Name: "tasks"}},
		Count: func(context.Context, backlog.Source) (int64, error) {
			return 0, errors.New("database is locked")
		},
	}

	verdict, err := check.Check(context.Background(), repo)
	require.NoError(t, err)
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.Reason, "database is locked")
}

func TestChainStopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "override"), nil, 0o600))
	ran := false
	chain := Chain{Checks: []Check{
		ForbiddenFiles{Files: []string{"override"}},
		Lint{Command: "lint", Run: func(context.Context, executil.Command) (string, int, error) {
			ran = true
			return "", 0, nil
		}},
	}}

	verdict, err := chain.Run(context.Background(), &fakeRepo{dir: dir, files: []string{"a.go"}})
	require.NoError(t, err)
	assert.False(t, verdict.Passed)
	assert.Equal(t, "forbidden-files", verdict.Source)
	assert.False(t, ran)
}

func TestStagedDiffErrorBlocks(t *testing.T) {
	repo := &fakeRepo{dir: t.TempDir(), diffErr: errors.New("not a git repository")}
	gate, _, _ := newGate(t, repo)

	decision := gate.Evaluate(context.Background())
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "not a git repository")
}

func TestUnconfiguredCommitGateBlocks(t *testing.T) {
	repo := &fakeRepo{dir: t.TempDir(), diff: "+a\n"}
	gate, events, path := newGate(t, repo)
	gate.Config = registry.CommitConfig{}

	decision := gate.Evaluate(context.Background())
	assert.False(t, decision.Allowed)
	assert.Empty(t, decision.Code)
	assert.Contains(t, decision.Reason, "commit.forbiddenFiles")
	assert.Contains(t, decision.Reason, "commit.expectedHooksPath")
	assert.Contains(t, decision.Reason, "commit.lint")
	assert.Equal(t, []string{audit.TypeCommitBlocked}, events.Types())
	assert.NoFileExists(t, path)

	partial := testCommitConfig()
	partial.Lint = nil
	gate.Config = partial
	decision = gate.Evaluate(context.Background())
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "commit.lint")
	assert.NotContains(t, decision.Reason, "commit.forbiddenFiles")
}
