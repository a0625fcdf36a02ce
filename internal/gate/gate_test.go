package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/approval-gate/internal/approval"
	"github.com/codex-k8s/approval-gate/internal/audit"
	"github.com/codex-k8s/approval-gate/internal/constants"
	"github.com/codex-k8s/approval-gate/internal/filestore"
	"github.com/codex-k8s/approval-gate/internal/log"
	"github.com/codex-k8s/approval-gate/internal/registry"
	"github.com/codex-k8s/approval-gate/internal/secret"
	"github.com/codex-k8s/approval-gate/internal/templates"
	"github.com/codex-k8s/approval-gate/internal/verifier"
)

const registryDoc = `{
  // deploys need a human
  "unprotectedServers": ["filesystem"],
  "protected": [
    {"server": "render", "tools": "*", "phrase": "APPROVE DEPLOY", "credentialKeys": ["RENDER_API_KEY"]},
    {"server": "github", "tools": ["merge_*"], "phrase": "MERGE", "protection": "delegated-approval"}
  ]
}`

type harness struct {
	gate     *Gate
	verifier *verifier.Verifier
	events   *audit.Memory
	logs     *bytes.Buffer
	path     string
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "secret.key")
	require.NoError(t, secret.Generate(keyPath))
	messages, err := templates.Load("en")
	require.NoError(t, err)

	h := &harness{
		events: &audit.Memory{},
		logs:   &bytes.Buffer{},
		path:   filepath.Join(dir, "state", "protected-action-approvals.json"),
		now:    time.Unix(1_700_000_000, 0),
	}
	clock := func() time.Time { return h.now }
	loadRegistry := func() (*registry.Registry, error) {
		return registry.Parse("protected-actions.json", []byte(registryDoc))
	}
	file := filestore.New(h.path, time.Second)
	logger := log.New("debug", h.logs)

	h.gate = &Gate{
		LoadRegistry: loadRegistry,
		LoadSigner:   func() (*approval.Signer, error) { return secret.Signer(keyPath, constants.KindTool) },
		Approvals:    file,
		TTL:          5 * time.Minute,
		Logger:       logger,
		Audit:        h.events,
		Messages:     messages,
		Now:          clock,
	}
	h.verifier = &verifier.Verifier{
		LoadRegistry: loadRegistry,
		LoadSigner:   func(kind string) (*approval.Signer, error) { return secret.Signer(keyPath, kind) },
		Approvals:    file,
		Commit:       filestore.New(filepath.Join(dir, "state", "commit-approval.json"), time.Second),
		Bypass:       filestore.New(filepath.Join(dir, "state", "bypass-approval.json"), time.Second),
		TTL:          5 * time.Minute,
		Logger:       logger,
		Audit:        h.events,
		Messages:     messages,
		Now:          clock,
	}
	return h
}

func (h *harness) approve(t *testing.T, line string) verifier.Result {
	t.Helper()
	res, err := h.verifier.Submit(context.Background(), line, false)
	require.NoError(t, err)
	return res
}

func (h *harness) document(t *testing.T) approval.Document {
	t.Helper()
	raw, err := os.ReadFile(h.path)
	require.NoError(t, err)
	var doc approval.Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func deploy(args map[string]any) Request {
	return Request{Server: "render", Tool: "deploy", Arguments: args}
}

func TestDeployApprovalLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := deploy(map[string]any{"env": "prod"})

	first := h.gate.Evaluate(ctx, req)
	require.False(t, first.Allowed)
	require.True(t, approval.ValidCode(first.Code))
	assert.Contains(t, first.Reason, "APPROVE DEPLOY "+first.Code)

	res := h.approve(t, "APPROVE DEPLOY "+first.Code)
	assert.Equal(t, verifier.StatusApproved, res.Status)

	allowed := h.gate.Evaluate(ctx, req)
	assert.True(t, allowed.Allowed)
	assert.Equal(t, first.Code, allowed.Code)

	again := h.gate.Evaluate(ctx, req)
	assert.False(t, again.Allowed, "approval is consumed on use")
	assert.NotEqual(t, first.Code, again.Code)
	assert.Contains(t, again.Reason, "No such approval")

	assert.Contains(t, h.events.Types(), audit.TypeApprovalConsumed)
}

func TestRepeatedCallsReusePending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := deploy(map[string]any{"env": "prod"})

	first := h.gate.Evaluate(ctx, req)
	second := h.gate.Evaluate(ctx, req)
	assert.Equal(t, first.Code, second.Code)
	assert.Len(t, h.document(t).Approvals, 1)
}

func TestWrongCodeLeavesPendingUsable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := deploy(map[string]any{"env": "prod"})

	first := h.gate.Evaluate(ctx, req)
	wrong := h.approve(t, "APPROVE DEPLOY WRONGC")
	assert.Equal(t, verifier.StatusNotFound, wrong.Status)

	right := h.approve(t, "APPROVE DEPLOY "+first.Code)
	assert.Equal(t, verifier.StatusApproved, right.Status)
	assert.True(t, h.gate.Evaluate(ctx, req).Allowed)
}

func TestCorruptRegistryBlocksEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.gate.LoadRegistry = func() (*registry.Registry, error) {
		return registry.Parse("protected-actions.json", []byte(`{"protected": [`))
	}

	for _, req := range []Request{
		{Server: "filesystem", Tool: "read_file"},
		deploy(nil),
		{Server: "nobody", Tool: "x"},
	} {
		decision := h.gate.Evaluate(ctx, req)
		assert.False(t, decision.Allowed, "%s/%s", req.Server, req.Tool)
		assert.Empty(t, decision.Code)
	}
	assert.Equal(t, []string{audit.TypeConfigError, audit.TypeConfigError, audit.TypeConfigError}, h.events.Types())
	assert.NoFileExists(t, h.path)
}

func TestUnknownAndUnprotectedServers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	assert.True(t, h.gate.Evaluate(ctx, Request{Server: "filesystem", Tool: "write_file"}).Allowed)
	assert.True(t, h.gate.Evaluate(ctx, Request{Server: "github", Tool: "list_issues"}).Allowed,
		"known server with an unprotected tool")

	unknown := h.gate.Evaluate(ctx, Request{Server: "shadow-render", Tool: "deploy"})
	assert.False(t, unknown.Allowed)
	assert.Contains(t, unknown.Reason, "shadow-render")
	assert.Equal(t, []string{audit.TypeUnknownServer}, h.events.Types())
	assert.NoFileExists(t, h.path)
}

func TestBindingMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	approved := deploy(map[string]any{"x": 1})

	first := h.gate.Evaluate(ctx, approved)
	require.True(t, h.approve(t, "APPROVE DEPLOY "+first.Code).OK())

	switched := h.gate.Evaluate(ctx, deploy(map[string]any{"x": 2}))
	assert.False(t, switched.Allowed)
	assert.NotEmpty(t, switched.Code)
	assert.NotEqual(t, first.Code, switched.Code)
	assert.Contains(t, h.events.Types(), audit.TypeBindingMismatch)

	assert.True(t, h.gate.Evaluate(ctx, approved).Allowed, "the approval for the original arguments is untouched")
}

func TestBindingMismatchBeyondFloatPrecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	approved := deploy(map[string]any{"amount": json.Number("18446744073709551614")})

	first := h.gate.Evaluate(ctx, approved)
	require.True(t, h.approve(t, "APPROVE DEPLOY "+first.Code).OK())

	switched := h.gate.Evaluate(ctx, deploy(map[string]any{"amount": json.Number("18446744073709551615")}))
	assert.False(t, switched.Allowed)
	assert.Contains(t, h.events.Types(), audit.TypeBindingMismatch)
	assert.True(t, h.gate.Evaluate(ctx, approved).Allowed)
}

func TestArgumentOrderDoesNotMatter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := h.gate.Evaluate(ctx, deploy(map[string]any{"a": 1, "b": map[string]any{"c": true, "d": "x"}}))
	require.True(t, h.approve(t, "APPROVE DEPLOY "+first.Code).OK())

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"b":{"d":"x","c":true},"a":1}`), &args))
	assert.True(t, h.gate.Evaluate(ctx, deploy(args)).Allowed)
}

func TestForgedApprovalIsDiscarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := deploy(map[string]any{"env": "prod"})

	first := h.gate.Evaluate(ctx, req)
	doc := h.document(t)
	rec := doc.Approvals[first.Code]
	rec.ApprovedHMAC = "deadbeef"
	doc.Approvals[first.Code] = rec
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(h.path, raw, 0o600))

	decision := h.gate.Evaluate(ctx, req)
	assert.False(t, decision.Allowed)
	assert.Empty(t, decision.Code)
	assert.Contains(t, h.events.Types(), audit.TypeForgery)
	assert.NotContains(t, h.document(t).Approvals, first.Code)
}

func TestRetargetedRecordIsForged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := h.gate.Evaluate(ctx, deploy(map[string]any{"env": "staging"}))
	require.True(t, h.approve(t, "APPROVE DEPLOY "+first.Code).OK())

	// Point the approved record at different arguments.
	doc := h.document(t)
	rec := doc.Approvals[first.Code]
	rec.ArgsHash = "0000000000000000000000000000000000000000000000000000000000000000"
	doc.Approvals[first.Code] = rec
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(h.path, raw, 0o600))

	decision := h.gate.Evaluate(ctx, deploy(map[string]any{"env": "prod"}))
	assert.False(t, decision.Allowed)
	assert.Contains(t, h.events.Types(), audit.TypeForgery)
}

func TestExpiredApprovalDoesNotAllow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := deploy(map[string]any{"env": "prod"})

	first := h.gate.Evaluate(ctx, req)
	require.True(t, h.approve(t, "APPROVE DEPLOY "+first.Code).OK())

	h.now = h.now.Add(5 * time.Minute)
	decision := h.gate.Evaluate(ctx, req)
	assert.False(t, decision.Allowed)
	assert.NotEqual(t, first.Code, decision.Code)
	assert.NotContains(t, h.document(t).Approvals, first.Code, "expired records are purged on write")
}

func TestMissingSecretBlocks(t *testing.T) {
	h := newHarness(t)
	h.gate.LoadSigner = func() (*approval.Signer, error) {
		return secret.Signer(filepath.Join(t.TempDir(), "absent.key"), constants.KindTool)
	}

	decision := h.gate.Evaluate(context.Background(), deploy(nil))
	assert.False(t, decision.Allowed)
	assert.Empty(t, decision.Code)
	assert.Equal(t, []string{audit.TypeConfigError}, h.events.Types())
}

func TestStoreErrorBlocks(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.path), 0o700))
	require.NoError(t, os.WriteFile(h.path, []byte("{not json"), 0o600))

	decision := h.gate.Evaluate(context.Background(), deploy(nil))
	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{audit.TypeStoreError}, h.events.Types())
}

func TestCredentialArgumentsAreRedacted(t *testing.T) {
	h := newHarness(t)
	h.gate.Evaluate(context.Background(), deploy(map[string]any{"RENDER_API_KEY": "s3cr3t-value", "env": "prod"}))

	assert.NotContains(t, h.logs.String(), "s3cr3t-value")
	assert.Contains(t, h.logs.String(), "prod")
}

func TestPhraseMismatchDiscardsRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := h.gate.Evaluate(ctx, deploy(nil))
	res := h.approve(t, "APPROVE MERGE "+first.Code)
	assert.Equal(t, verifier.StatusPhraseMismatch, res.Status)

	res = h.approve(t, "APPROVE DEPLOY "+first.Code)
	assert.Equal(t, verifier.StatusNotFound, res.Status)
}

func TestDelegatedApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	deployPending := h.gate.Evaluate(ctx, deploy(nil))
	res, err := h.verifier.Submit(ctx, "APPROVE DEPLOY "+deployPending.Code, true)
	require.NoError(t, err)
	assert.Equal(t, verifier.StatusDelegationDenied, res.Status)
	assert.Equal(t, verifier.StatusApproved, h.approve(t, "APPROVE DEPLOY "+deployPending.Code).Status,
		"denied delegation keeps the pending record")

	merge := Request{Server: "github", Tool: "merge_pull_request", Arguments: map[string]any{"number": 7}}
	mergePending := h.gate.Evaluate(ctx, merge)
	require.NotEmpty(t, mergePending.Code)
	res, err = h.verifier.Submit(ctx, "APPROVE MERGE "+mergePending.Code, true)
	require.NoError(t, err)
	assert.Equal(t, verifier.StatusApproved, res.Status)
	assert.True(t, h.gate.Evaluate(ctx, merge).Allowed)
}
