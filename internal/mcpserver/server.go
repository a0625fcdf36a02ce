// Package mcpserver exposes read-only approval state and bypass requests to
// agents over MCP. Nothing here can approve anything: promotion only happens
// through the human prompt boundary.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codex-k8s/approval-gate/internal/approval"
	"github.com/codex-k8s/approval-gate/internal/audit"
	"github.com/codex-k8s/approval-gate/internal/bypass"
	"github.com/codex-k8s/approval-gate/internal/commitgate"
	"github.com/codex-k8s/approval-gate/internal/constants"
	"github.com/codex-k8s/approval-gate/internal/filestore"
	"github.com/codex-k8s/approval-gate/internal/protocol"
	"github.com/codex-k8s/approval-gate/internal/registry"
	"github.com/codex-k8s/approval-gate/internal/templates"
)

// Tool names.
const (
	ToolListProtected = "list_protected_actions"
	ToolStatus        = "approval_status"
	ToolRequestBypass = "request_bypass"
)

// Defaults for bypass request limits.
const (
	DefaultRatePerMinute = 3
	DefaultMaxTotal      = 20
)

// Builder constructs the MCP status server.
type Builder struct {
	Name    string
	Version string
	// LoadRegistry returns the registry for each call.
	LoadRegistry func() (*registry.Registry, error)
	// LoadSigner returns the signer for a record kind.
	LoadSigner func(kind string) (*approval.Signer, error)
	Approvals  *filestore.File
	Commit     *filestore.File
	Bypass     *filestore.File
	BypassTTL  time.Duration
	// Limits throttles bypass requests.
	Limits   *Limits
	Logger   *slog.Logger
	Audit    audit.Logger
	Messages templates.Renderer
	Now      func() time.Time
}

// ListInput is the list_protected_actions input.
type ListInput struct{}

// StatusInput is the approval_status input.
type StatusInput struct {
	Code string `json:"code" jsonschema:"the 6-character approval code"`
}

// BypassInput is the request_bypass input.
type BypassInput struct {
	Reason string `json:"reason" jsonschema:"why the blocked command must run, shown to the human"`
}

// ProtectedAction describes one registry entry.
type ProtectedAction struct {
	Server     string `json:"server"`
	Tools      string `json:"tools"`
	Phrase     string `json:"phrase"`
	Protection string `json:"protection"`
}

// Listing is the list_protected_actions payload.
type Listing struct {
	Protected          []ProtectedAction `json:"protected"`
	UnprotectedServers []string          `json:"unprotectedServers"`
}

// StatusReport is the approval_status payload.
type StatusReport struct {
	Code      string `json:"code"`
	Kind      string `json:"kind,omitempty"`
	State     string `json:"state"`
	Server    string `json:"server,omitempty"`
	Tool      string `json:"tool,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// Build creates the MCP server with its tools.
func (b *Builder) Build() *mcp.Server {
	name := b.Name
	if name == "" {
		name = "approval-gate"
	}
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: b.Version}, nil)
	notDestructive := false
	closedWorld := false

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolListProtected,
		Description: "List protected MCP servers, their tool patterns and approval phrases.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true, DestructiveHint: &notDestructive, OpenWorldHint: &closedWorld},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, protocol.ToolResponse, error) {
		return nil, b.ListProtected(ctx), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolStatus,
		Description: "Report whether an approval code is pending, approved or absent. Never changes state.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true, DestructiveHint: &notDestructive, OpenWorldHint: &closedWorld},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in StatusInput) (*mcp.CallToolResult, protocol.ToolResponse, error) {
		return nil, b.ApprovalStatus(ctx, in.Code), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolRequestBypass,
		Description: "Ask the human for a one-time bypass of the command guard. Returns the code the human must type.",
		Annotations: &mcp.ToolAnnotations{DestructiveHint: &notDestructive, OpenWorldHint: &closedWorld},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in BypassInput) (*mcp.CallToolResult, protocol.ToolResponse, error) {
		return nil, b.RequestBypass(ctx, in.Reason), nil
	})

	return server
}

// ListProtected returns the registry entries. Credential keys are not listed.
func (b *Builder) ListProtected(_ context.Context) protocol.ToolResponse {
	resp := protocol.ToolResponse{Status: protocol.StatusSuccess, CorrelationID: uuid.NewString()}
	reg, err := b.registry()
	if err != nil {
		return b.fail(resp, err)
	}
	listing := Listing{Protected: []ProtectedAction{}, UnprotectedServers: reg.UnprotectedServers()}
	for _, entry := range reg.Entries() {
		listing.Protected = append(listing.Protected, ProtectedAction{
			Server:     entry.Server,
			Tools:      entry.Tools.String(),
			Phrase:     "APPROVE " + entry.Phrase,
			Protection: entry.Protection,
		})
	}
	resp.Data = listing
	return resp
}

// ApprovalStatus looks code up in the three stores without modifying them.
func (b *Builder) ApprovalStatus(ctx context.Context, code string) protocol.ToolResponse {
	resp := protocol.ToolResponse{Status: protocol.StatusSuccess, CorrelationID: uuid.NewString()}
	code = strings.ToUpper(strings.TrimSpace(code))
	if !approval.ValidCode(code) {
		resp.Status = protocol.StatusDenied
		resp.Reason = fmt.Sprintf("invalid approval code %q", code)
		return resp
	}
	report, err := b.lookup(ctx, code)
	if err != nil {
		return b.fail(resp, err)
	}
	if report.State == approval.StateAbsent.String() {
		resp.Reason = templates.Text(b.Messages, "mcp.not_found", map[string]any{"Code": code}, "No active approval with code "+code+".")
	}
	resp.Data = report
	return resp
}

func (b *Builder) lookup(ctx context.Context, code string) (StatusReport, error) {
	report := StatusReport{Code: code, State: approval.StateAbsent.String()}

	toolSigner, err := b.signer(constants.KindTool)
	if err != nil {
		return report, err
	}
	rec, state, err := approval.NewStore(b.Approvals, toolSigner, 0, approval.WithClock(b.now())).Get(ctx, code)
	switch {
	case err == nil:
		return fill(report, constants.KindTool, state, rec.Server, rec.Tool, rec.ExpiresAt), nil
	case !errors.Is(err, approval.ErrNotFound):
		return report, err
	}

	commitSigner, err := b.signer(constants.KindCommit)
	if err != nil {
		return report, err
	}
	commit, state, err := commitgate.NewStore(b.Commit, commitSigner, 0, b.now(), nil).Status(ctx)
	if err != nil {
		return report, err
	}
	if state != approval.StateAbsent && commit.Code == code {
		return fill(report, constants.KindCommit, state, constants.CommitServer, constants.CommitTool, commit.ExpiresAt), nil
	}

	bypassSigner, err := b.signer(constants.KindBypass)
	if err != nil {
		return report, err
	}
	tok, state, err := bypass.New(b.Bypass, bypassSigner, b.BypassTTL).WithClock(b.now()).Status(ctx)
	if err != nil {
		return report, err
	}
	if state != approval.StateAbsent && tok.Code == code {
		return fill(report, constants.KindBypass, state, constants.BypassServer, constants.BypassTool, tok.ExpiresAt), nil
	}
	return report, nil
}

func fill(report StatusReport, kind string, state approval.State, server, tool string, expires int64) StatusReport {
	report.Kind = kind
	report.State = state.String()
	report.Server = server
	report.Tool = tool
	report.ExpiresAt = time.UnixMilli(expires).UTC().Format(time.RFC3339)
	return report
}

// RequestBypass mints a pending bypass token subject to the limits.
func (b *Builder) RequestBypass(ctx context.Context, reason string) protocol.ToolResponse {
	resp := protocol.ToolResponse{Status: protocol.StatusSuccess, CorrelationID: uuid.NewString()}
	if b.Limits != nil {
		if ok, why := b.Limits.Allow(ToolRequestBypass, map[string]any{"reason": reason}); !ok {
			resp.Status = protocol.StatusDenied
			resp.Reason = why
			return resp
		}
	}
	signer, err := b.signer(constants.KindBypass)
	if err != nil {
		return b.fail(resp, err)
	}
	flow := bypass.New(b.Bypass, signer, b.BypassTTL).WithClock(b.now())
	tok, err := flow.Request(ctx, reason)
	if err != nil {
		return b.fail(resp, err)
	}
	if b.Audit != nil {
		b.Audit.Record(ctx, audit.Event{
			Type:          audit.TypeBypassRequested,
			Server:        constants.BypassServer,
			Tool:          constants.BypassTool,
			Code:          tok.Code,
			CorrelationID: resp.CorrelationID,
			Reason:        tok.Reason,
		})
	}
	b.logger().Info("Bypass requested", "code", tok.Code, "correlation_id", resp.CorrelationID)
	resp.Reason = templates.Text(b.Messages, "bypass.requested", map[string]any{"Code": tok.Code, "TTL": flow.TTL().String()},
		"Bypass requested: APPROVE BYPASS "+tok.Code)
	resp.Data = map[string]any{"code": tok.Code, "expiresAt": time.UnixMilli(tok.ExpiresAt).UTC().Format(time.RFC3339)}
	return resp
}

func (b *Builder) fail(resp protocol.ToolResponse, err error) protocol.ToolResponse {
	b.logger().Error("MCP tool failed", "correlation_id", resp.CorrelationID, "error", err)
	resp.Status = protocol.StatusError
	resp.Reason = err.Error()
	return resp
}

func (b *Builder) registry() (*registry.Registry, error) {
	if b.LoadRegistry == nil {
		return nil, errors.New("registry loader is not configured")
	}
	return b.LoadRegistry()
}

func (b *Builder) signer(kind string) (*approval.Signer, error) {
	if b.LoadSigner == nil {
		return nil, errors.New("secret store is not configured")
	}
	return b.LoadSigner(kind)
}

func (b *Builder) now() func() time.Time {
	if b.Now == nil {
		return time.Now
	}
	return b.Now
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}
