// Package hook adapts host hook payloads to the gates and encodes their
// decisions. Exit code 0 allows the action and 2 blocks it.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/codex-k8s/approval-gate/internal/audit"
	"github.com/codex-k8s/approval-gate/internal/bypass"
	"github.com/codex-k8s/approval-gate/internal/cmdguard"
	"github.com/codex-k8s/approval-gate/internal/constants"
	"github.com/codex-k8s/approval-gate/internal/gate"
	"github.com/codex-k8s/approval-gate/internal/protocol"
	"github.com/codex-k8s/approval-gate/internal/templates"
	"github.com/codex-k8s/approval-gate/internal/verifier"
)

const (
	mcpPrefix     = "mcp__"
	shellToolName = "Bash"
	maxPayload    = 4 << 20
)

// Payload is a pre-tool-use hook payload. Two shapes are accepted: the host's
// tool_name/tool_input form and an explicit server/tool/arguments form.
type Payload struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Kind classifies a payload.
type Kind int

// Payload kinds.
const (
	KindNative Kind = iota
	KindMCP
	KindShell
)

// Decode reads a payload. Numbers are kept exact so argument fingerprints do
// not depend on float formatting.
func Decode(r io.Reader) (Payload, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPayload))
	if err != nil {
		return Payload{}, fmt.Errorf("read payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Classify returns the payload kind with its gate request or shell command.
func (p Payload) Classify() (Kind, gate.Request, string) {
	if p.Server != "" || p.Tool != "" {
		return KindMCP, gate.Request{Server: p.Server, Tool: p.Tool, Arguments: p.Arguments}, ""
	}
	if p.ToolName == shellToolName {
		command, _ := p.ToolInput["command"].(string)
		return KindShell, gate.Request{}, command
	}
	if server, tool, ok := SplitToolName(p.ToolName); ok {
		return KindMCP, gate.Request{Server: server, Tool: tool, Arguments: p.ToolInput}, ""
	}
	return KindNative, gate.Request{}, ""
}

// SplitToolName splits "mcp__<server>__<tool>". Tool names may contain "__".
func SplitToolName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, mcpPrefix)
	if !found {
		return "", "", false
	}
	server, tool, ok = strings.Cut(rest, "__")
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// Handler serves the hook entry points.
type Handler struct {
	Gate *gate.Gate
	// LoadGuard builds the command guard from the current registry.
	LoadGuard func() (*cmdguard.Guard, error)
	// LoadBypass opens the bypass flow.
	LoadBypass func() (*bypass.Flow, error)
	Verifier   *verifier.Verifier
	Logger     *slog.Logger
	Audit      audit.Logger
	Messages   templates.Renderer
}

// PreToolUse decides one tool call. Undecodable payloads block.
func (h *Handler) PreToolUse(ctx context.Context, r io.Reader) protocol.HookResponse {
	payload, err := Decode(r)
	if err != nil {
		h.logger().Error("Hook payload rejected", "error", err)
		return block(err.Error(), "")
	}
	kind, req, command := payload.Classify()
	switch kind {
	case KindShell:
		return h.shell(ctx, command)
	case KindMCP:
		if h.Gate == nil {
			return block("action gate is not configured", "")
		}
		decision := h.Gate.Evaluate(ctx, req)
		resp := protocol.HookResponse{Decision: protocol.DecisionBlock, Reason: decision.Reason, Code: decision.Code, EvaluationID: decision.EvaluationID}
		if decision.Allowed {
			resp.Decision = protocol.DecisionAllow
		}
		return resp
	default:
		return h.native(ctx, payload.ToolInput)
	}
}

// pathKeys name the tool_input fields through which native file tools
// address a file.
var pathKeys = []string{"file_path", "path", "notebook_path"}

// native applies the command guard's path rules to native file tools, so
// the gate's own files are protected the same way as from the shell. These
// blocks cannot be lifted by a bypass.
func (h *Handler) native(ctx context.Context, input map[string]any) protocol.HookResponse {
	var paths []string
	for _, key := range pathKeys {
		if value, ok := input[key].(string); ok && strings.TrimSpace(value) != "" {
			paths = append(paths, value)
		}
	}
	if len(paths) == 0 {
		return protocol.HookResponse{Decision: protocol.DecisionAllow}
	}
	if h.LoadGuard == nil {
		return block("command guard is not configured", "")
	}
	guard, err := h.LoadGuard()
	if err != nil {
		h.logger().Error("Command guard unavailable", "error", err)
		h.record(ctx, audit.TypeConfigError, "", constants.DecisionBlock, err.Error())
		return block(templates.Text(h.Messages, "gate.config_error", map[string]any{"Error": err.Error()},
			fmt.Sprintf("Blocked: protected-action configuration could not be loaded (%v).", err)), "")
	}
	for _, path := range paths {
		result := guard.CheckPath(path)
		if !result.Blocked {
			continue
		}
		h.logger().Warn("File access blocked", "rule", result.Rule, "reason", result.Reason)
		h.record(ctx, audit.TypeCommandBlocked, "", constants.DecisionBlock, result.Reason)
		return block(templates.Text(h.Messages, "command.blocked", map[string]any{"Reason": result.Reason},
			fmt.Sprintf("Blocked command: %s.", result.Reason)), "")
	}
	return protocol.HookResponse{Decision: protocol.DecisionAllow}
}

func (h *Handler) shell(ctx context.Context, command string) protocol.HookResponse {
	if strings.TrimSpace(command) == "" {
		return protocol.HookResponse{Decision: protocol.DecisionAllow}
	}
	if h.LoadGuard == nil {
		return block("command guard is not configured", "")
	}
	guard, err := h.LoadGuard()
	if err != nil {
		h.logger().Error("Command guard unavailable", "error", err)
		h.record(ctx, audit.TypeConfigError, "", constants.DecisionBlock, err.Error())
		return block(templates.Text(h.Messages, "gate.config_error", map[string]any{"Error": err.Error()},
			fmt.Sprintf("Blocked: protected-action configuration could not be loaded (%v).", err)), "")
	}
	result := guard.Evaluate(command)
	if !result.Blocked {
		return protocol.HookResponse{Decision: protocol.DecisionAllow}
	}
	blocked := templates.Text(h.Messages, "command.blocked", map[string]any{"Reason": result.Reason},
		fmt.Sprintf("Blocked command: %s.", result.Reason))
	if result.Final {
		h.logger().Warn("Command blocked", "rule", result.Rule, "reason", result.Reason, "final", true)
		h.record(ctx, audit.TypeCommandBlocked, "", constants.DecisionBlock, result.Reason)
		return block(blocked, "")
	}

	if h.LoadBypass == nil {
		h.record(ctx, audit.TypeCommandBlocked, "", constants.DecisionBlock, result.Reason)
		return block(blocked, "")
	}
	flow, err := h.LoadBypass()
	if err != nil {
		h.logger().Error("Bypass store unavailable", "error", err)
		h.record(ctx, audit.TypeCommandBlocked, "", constants.DecisionBlock, result.Reason)
		return block(blocked, "")
	}
	tok, outcome, err := flow.Consume(ctx)
	if err != nil {
		h.logger().Error("Bypass consume failed", "error", err)
		h.record(ctx, audit.TypeStoreError, "", constants.DecisionBlock, err.Error())
		return block(blocked, "")
	}
	switch outcome {
	case bypass.Consumed:
		h.logger().Info("Command allowed by bypass", "rule", result.Rule, "code", tok.Code, "bypass_reason", tok.Reason)
		h.record(ctx, audit.TypeBypassConsumed, tok.Code, constants.DecisionAllow, result.Reason)
		return protocol.HookResponse{
			Decision: protocol.DecisionAllow,
			Reason:   templates.Text(h.Messages, "command.bypass_used", map[string]any{"Code": tok.Code}, "Command allowed once by approved bypass."),
			Code:     tok.Code,
		}
	case bypass.Forged:
		h.logger().Warn("Forged bypass token discarded")
		h.record(ctx, audit.TypeForgery, "", constants.DecisionBlock, "bypass signature mismatch")
		return block(templates.Text(h.Messages, "command.forgery", nil, "Blocked command: forged bypass discarded."), "")
	default:
		h.logger().Info("Command blocked", "rule", result.Rule, "reason", result.Reason)
		h.record(ctx, audit.TypeCommandBlocked, "", constants.DecisionBlock, result.Reason)
		return block(blocked, "")
	}
}

// UserPrompt verifies every approval line in a prompt. The prompt itself is
// never blocked. Input may be {"prompt": "..."} or raw text.
func (h *Handler) UserPrompt(ctx context.Context, r io.Reader) (protocol.VerificationResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPayload))
	if err != nil {
		return protocol.VerificationResponse{}, fmt.Errorf("read prompt: %w", err)
	}
	text := PromptText(data)
	resp := protocol.VerificationResponse{Results: []protocol.VerificationResult{}}
	if h.Verifier == nil {
		return resp, errors.New("verifier is not configured")
	}
	for _, res := range h.Verifier.Scan(ctx, text, false) {
		resp.Results = append(resp.Results, protocol.VerificationResult{
			Phrase:  res.Phrase,
			Code:    res.Code,
			Status:  res.Status.String(),
			Message: res.Message,
		})
	}
	return resp, nil
}

// PromptText extracts the prompt from a JSON payload, falling back to the raw text.
func PromptText(data []byte) string {
	var payload struct {
		Prompt *string `json:"prompt"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Prompt != nil {
		return *payload.Prompt
	}
	return string(data)
}

// Write encodes v as one JSON line.
func Write(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// ExitCode maps a response to the host's hook exit convention.
func ExitCode(resp protocol.HookResponse) int {
	if resp.Allowed() {
		return constants.ExitAllow
	}
	return constants.ExitBlock
}

func block(reason, code string) protocol.HookResponse {
	return protocol.HookResponse{Decision: protocol.DecisionBlock, Reason: reason, Code: code}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) record(ctx context.Context, eventType, code, decision, reason string) {
	if h.Audit == nil {
		return
	}
	h.Audit.Record(ctx, audit.Event{
		Type:     eventType,
		Server:   constants.BypassServer,
		Tool:     shellToolName,
		Code:     code,
		Decision: decision,
		Reason:   reason,
	})
}
