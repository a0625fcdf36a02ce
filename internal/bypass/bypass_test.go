package bypass

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/approval-gate/internal/approval"
	"github.com/codex-k8s/approval-gate/internal/filestore"
)

func newFlow(t *testing.T) (*Flow, string) {
	t.Helper()
	signer, err := approval.NewSigner([]byte(strings.Repeat("b", 32)))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bypass-approval.json")
	return New(filestore.New(path, time.Second), signer, 0), path
}

func TestRequestPromoteConsume(t *testing.T) {
	ctx := context.Background()
	flow, path := newFlow(t)
	assert.Equal(t, DefaultTTL, flow.TTL())

	tok, err := flow.Request(ctx, "hotfix needs --no-verify")
	require.NoError(t, err)
	assert.True(t, approval.ValidCode(tok.Code))

	_, outcome, err := flow.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, None, outcome, "pending token must not unlock anything")

	_, err = flow.Promote(ctx, tok.Code)
	require.NoError(t, err)
	_, state, err := flow.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, state)

	spent, outcome, err := flow.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, Consumed, outcome)
	assert.Equal(t, tok.Code, spent.Code)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	_, outcome, err = flow.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, None, outcome, "one-time use")
}

func TestRequestRequiresReason(t *testing.T) {
	flow, _ := newFlow(t)
	_, err := flow.Request(context.Background(), "  ")
	require.Error(t, err)
}

func TestPromoteWrongCode(t *testing.T) {
	ctx := context.Background()
	flow, _ := newFlow(t)
	tok, err := flow.Request(ctx, "reason")
	require.NoError(t, err)

	_, err = flow.Promote(ctx, "ZZZZZZ")
	require.ErrorIs(t, err, approval.ErrNotFound)
	_, state, err := flow.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, approval.StatePending, state)
	_, err = flow.Promote(ctx, tok.Code)
	require.NoError(t, err)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	flow, _ := newFlow(t)
	now := time.Unix(1_700_000_000, 0)
	flow = flow.WithClock(func() time.Time { return now })

	tok, err := flow.Request(ctx, "reason")
	require.NoError(t, err)
	_, err = flow.Promote(ctx, tok.Code)
	require.NoError(t, err)

	now = now.Add(DefaultTTL + time.Second)
	_, outcome, err := flow.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, None, outcome)
}

func TestTamperedReasonIsForged(t *testing.T) {
	ctx := context.Background()
	flow, path := newFlow(t)
	tok, err := flow.Request(ctx, "narrow reason")
	require.NoError(t, err)
	_, err = flow.Promote(ctx, tok.Code)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored Token
	require.NoError(t, json.Unmarshal(raw, &stored))
	stored.Reason = "anything goes"
	raw, err = json.Marshal(stored)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, outcome, err := flow.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, Forged, outcome)
	_, state, err := flow.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, approval.StateAbsent, state)
}

func TestPromoteForgedWipes(t *testing.T) {
	ctx := context.Background()
	flow, path := newFlow(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"code":"ABC234","reason":"x","expires_timestamp":99999999999999,"hmac":"00"}`), 0o600))

	_, err := flow.Promote(ctx, "ABC234")
	require.ErrorIs(t, err, approval.ErrForgery)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}
