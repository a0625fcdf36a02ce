package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/codex-k8s/approval-gate/configs"
	"github.com/codex-k8s/approval-gate/internal/app"
	"github.com/codex-k8s/approval-gate/internal/constants"
	"github.com/codex-k8s/approval-gate/internal/hook"
	"github.com/codex-k8s/approval-gate/internal/mcpserver"
	"github.com/codex-k8s/approval-gate/internal/protocol"
	"github.com/codex-k8s/approval-gate/internal/secret"
	"github.com/codex-k8s/approval-gate/internal/templates"
)

type cli struct {
	app    *app.App
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (c *cli) hook(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: approval-gate hook pre-tool-use|user-prompt")
	}
	h := c.app.Hook()
	switch args[0] {
	case "pre-tool-use":
		resp := h.PreToolUse(ctx, c.stdin)
		if err := hook.Write(c.stdout, resp); err != nil {
			return err
		}
		if !resp.Allowed() {
			fmt.Fprintln(c.stderr, resp.Reason)
		}
		return exitIfBlocked(resp)
	case "user-prompt":
		resp, err := h.UserPrompt(ctx, c.stdin)
		if err != nil {
			c.app.Logger().Error("Prompt verification failed", "error", err)
		}
		// The prompt itself is never blocked.
		return hook.Write(c.stdout, resp)
	default:
		return fmt.Errorf("unknown hook %q", args[0])
	}
}

func (c *cli) approve(ctx context.Context, args []string) error {
	fs := newFlagSet("approve")
	delegated := fs.Bool("delegated", false, "submit as a delegated approver")
	if err := fs.Parse(args); err != nil {
		return err
	}
	line := strings.Join(fs.Args(), " ")
	res, err := c.app.Verifier().Submit(ctx, line, *delegated)
	if err != nil {
		return fmt.Errorf("%w: expected \"APPROVE <PHRASE> <CODE>\"", err)
	}
	fmt.Fprintln(c.stdout, res.Message)
	if !res.OK() {
		return exitError{code: constants.ExitError}
	}
	return nil
}

func (c *cli) status(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: approval-gate status <CODE>")
	}
	builder, err := c.app.MCP(version)
	if err != nil {
		return err
	}
	return c.writeToolResponse(builder.ApprovalStatus(ctx, args[0]))
}

func (c *cli) list(ctx context.Context, args []string) error {
	fs := newFlagSet("list")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	builder, err := c.app.MCP(version)
	if err != nil {
		return err
	}
	resp := builder.ListProtected(ctx)
	if *asJSON || resp.Status != protocol.StatusSuccess {
		return c.writeToolResponse(resp)
	}
	listing, _ := resp.Data.(mcpserver.Listing)
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tTOOLS\tPHRASE\tPROTECTION")
	for _, item := range listing.Protected {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", item.Server, item.Tools, item.Phrase, item.Protection)
	}
	for _, server := range listing.UnprotectedServers {
		fmt.Fprintf(tw, "%s\t*\t-\tunprotected\n", server)
	}
	return tw.Flush()
}

func (c *cli) bypass(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "request" {
		return errors.New("usage: approval-gate bypass request --reason <text>")
	}
	fs := newFlagSet("bypass request")
	reason := fs.String("reason", "", "why the blocked command must run")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	flow, err := c.app.Bypass()
	if err != nil {
		return err
	}
	tok, err := flow.Request(ctx, *reason)
	if err != nil {
		return err
	}
	builder, err := c.app.MCP(version)
	if err != nil {
		return err
	}
	resp := builder.ApprovalStatus(ctx, tok.Code)
	resp.Reason = templates.Text(c.app.Messages(), "bypass.requested",
		map[string]any{"Code": tok.Code, "TTL": flow.TTL().String()}, "APPROVE BYPASS "+tok.Code)
	return c.writeToolResponse(resp)
}

func (c *cli) commitGate(ctx context.Context, args []string) error {
	fs := newFlagSet("commit-gate")
	diffStdin := fs.Bool("diff-stdin", false, "read the staged diff from stdin and apply only the approval step")
	if err := fs.Parse(args); err != nil {
		return err
	}
	resp := c.evaluateCommit(ctx, *diffStdin)
	if err := hook.Write(c.stdout, resp); err != nil {
		return err
	}
	if !resp.Allowed() {
		fmt.Fprintln(c.stderr, resp.Reason)
	}
	return exitIfBlocked(resp)
}

func (c *cli) evaluateCommit(ctx context.Context, diffStdin bool) protocol.HookResponse {
	g, err := c.app.CommitGate()
	if err != nil {
		c.app.Logger().Error("Commit gate unavailable", "error", err)
		return protocol.HookResponse{
			Decision: protocol.DecisionBlock,
			Reason:   fmt.Sprintf("Commit blocked: configuration could not be loaded (%v).", err),
		}
	}
	if !diffStdin {
		d := g.Evaluate(ctx)
		return toHookResponse(d.Allowed, d.Reason, d.Code)
	}
	diff, err := io.ReadAll(c.stdin)
	if err != nil {
		return protocol.HookResponse{Decision: protocol.DecisionBlock, Reason: fmt.Sprintf("read diff: %v", err)}
	}
	d := g.EvaluateDiff(ctx, diff)
	return toHookResponse(d.Allowed, d.Reason, d.Code)
}

func (c *cli) initSecret(args []string) error {
	if len(args) != 0 {
		return errors.New("usage: approval-gate init-secret")
	}
	path := c.app.Config().SecretPath
	if err := secret.Generate(path); err != nil {
		if errors.Is(err, os.ErrExist) {
			fmt.Fprintf(c.stdout, "secret already exists at %s\n", path)
			return nil
		}
		return err
	}
	fmt.Fprintf(c.stdout, "secret written to %s\n", path)
	return nil
}

func (c *cli) writeToolResponse(resp protocol.ToolResponse) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if resp.Status != protocol.StatusSuccess {
		return exitError{code: constants.ExitError}
	}
	return nil
}

func toHookResponse(allowed bool, reason, code string) protocol.HookResponse {
	resp := protocol.HookResponse{Decision: protocol.DecisionBlock, Reason: reason, Code: code}
	if allowed {
		resp.Decision = protocol.DecisionAllow
	}
	return resp
}

func exitIfBlocked(resp protocol.HookResponse) error {
	if code := hook.ExitCode(resp); code != constants.ExitAllow {
		return exitError{code: code}
	}
	return nil
}

// initConfig writes an embedded example registry to the configured path
// unless a registry is already there.
func (c *cli) initConfig(args []string) error {
	fs := newFlagSet("init-config")
	example := fs.String("example", configs.Default, "embedded example to write")
	listOnly := fs.Bool("list", false, "list embedded examples")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *listOnly {
		for _, name := range configs.Names() {
			fmt.Fprintln(c.stdout, name)
		}
		return nil
	}
	data, err := configs.Load(*example)
	if err != nil {
		return err
	}
	path := c.app.Config().RegistryPath
	_, err = os.Stat(path)
	switch {
	case err == nil:
		fmt.Fprintf(c.stdout, "registry already exists at %s\n", path)
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat registry: %w", err)
	}
	if isYAML(*example) != isYAML(path) {
		return fmt.Errorf("example %s does not match the format of %s", *example, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	fmt.Fprintf(c.stdout, "registry written to %s\n", path)
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
