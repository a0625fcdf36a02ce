// Package app wires the environment configuration into the gates. Nothing is
// cached between calls: the registry and the key are read for every use.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codex-k8s/approval-gate/internal/approval"
	"github.com/codex-k8s/approval-gate/internal/audit"
	"github.com/codex-k8s/approval-gate/internal/bypass"
	"github.com/codex-k8s/approval-gate/internal/cmdguard"
	"github.com/codex-k8s/approval-gate/internal/commitgate"
	"github.com/codex-k8s/approval-gate/internal/config"
	"github.com/codex-k8s/approval-gate/internal/constants"
	"github.com/codex-k8s/approval-gate/internal/filestore"
	"github.com/codex-k8s/approval-gate/internal/gate"
	"github.com/codex-k8s/approval-gate/internal/git"
	"github.com/codex-k8s/approval-gate/internal/hook"
	"github.com/codex-k8s/approval-gate/internal/mcpserver"
	"github.com/codex-k8s/approval-gate/internal/registry"
	"github.com/codex-k8s/approval-gate/internal/secret"
	"github.com/codex-k8s/approval-gate/internal/templates"
	"github.com/codex-k8s/approval-gate/internal/verifier"
)

// App holds process-wide settings. It has no mutable state.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	audit    audit.Logger
	messages *templates.Bundle
	now      func() time.Time
}

// Option customizes an App.
type Option func(*App)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithAudit overrides the audit recorder.
func WithAudit(recorder audit.Logger) Option {
	return func(a *App) { a.audit = recorder }
}

// New builds an App.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	bundle, err := templates.Load(cfg.Lang)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, logger: logger, audit: audit.New(logger), messages: bundle, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Config returns the settings.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Messages returns the message bundle.
func (a *App) Messages() *templates.Bundle { return a.messages }

// Registry loads the protected-actions registry.
func (a *App) Registry() (*registry.Registry, error) {
	return registry.Load(a.cfg.RegistryPath)
}

// Signer loads the key and derives the signer for kind.
func (a *App) Signer(kind string) (*approval.Signer, error) {
	return secret.Signer(a.cfg.SecretPath, kind)
}

func (a *App) file(path string) *filestore.File {
	return filestore.New(path, a.cfg.LockTimeout)
}

// Gate returns the Action Gate.
func (a *App) Gate() *gate.Gate {
	return &gate.Gate{
		LoadRegistry: a.Registry,
		LoadSigner:   func() (*approval.Signer, error) { return a.Signer(constants.KindTool) },
		Approvals:    a.file(a.cfg.ApprovalsPath()),
		TTL:          a.cfg.ApprovalTTL,
		Logger:       a.logger,
		Audit:        a.audit,
		Messages:     a.messages,
		Now:          a.now,
	}
}

// Verifier returns the Approval Verifier.
func (a *App) Verifier() *verifier.Verifier {
	return &verifier.Verifier{
		LoadRegistry: a.Registry,
		LoadSigner:   a.Signer,
		Approvals:    a.file(a.cfg.ApprovalsPath()),
		Commit:       a.file(a.cfg.CommitPath()),
		Bypass:       a.file(a.cfg.BypassPath()),
		TTL:          a.cfg.ApprovalTTL,
		CommitTTL:    a.cfg.CommitTTL,
		BypassTTL:    a.cfg.BypassTTL,
		Logger:       a.logger,
		Audit:        a.audit,
		Messages:     a.messages,
		Now:          a.now,
	}
}

// Guard builds the command guard from the built-in rules, the registry and
// the gate's own files.
func (a *App) Guard() (*cmdguard.Guard, error) {
	reg, err := a.Registry()
	if err != nil {
		return nil, err
	}
	rules := cmdguard.DefaultRules().
		Merge(cmdguard.FromRegistry(reg)).
		Merge(cmdguard.ProtectedFiles(a.cfg.ProtectedPaths()...))
	return cmdguard.New(rules), nil
}

// Bypass returns the bypass flow.
func (a *App) Bypass() (*bypass.Flow, error) {
	signer, err := a.Signer(constants.KindBypass)
	if err != nil {
		return nil, err
	}
	return bypass.New(a.file(a.cfg.BypassPath()), signer, a.cfg.BypassTTL).WithClock(a.now), nil
}

// CommitGate returns the Commit Review Gate for the configured repository.
func (a *App) CommitGate() (*commitgate.Gate, error) {
	reg, err := a.Registry()
	if err != nil {
		return nil, err
	}
	signer, err := a.Signer(constants.KindCommit)
	if err != nil {
		return nil, err
	}
	return &commitgate.Gate{
		Repo:     git.NewRepository(a.cfg.RepoDir),
		Config:   reg.Commit(),
		Store:    commitgate.NewStore(a.file(a.cfg.CommitPath()), signer, a.cfg.CommitTTL, a.now, nil),
		Logger:   a.logger,
		Audit:    a.audit,
		Messages: a.messages,
	}, nil
}

// Hook returns the host hook handler.
func (a *App) Hook() *hook.Handler {
	return &hook.Handler{
		Gate:       a.Gate(),
		LoadGuard:  a.Guard,
		LoadBypass: a.Bypass,
		Verifier:   a.Verifier(),
		Logger:     a.logger,
		Audit:      a.audit,
		Messages:   a.messages,
	}
}

// MCP returns the status server builder.
func (a *App) MCP(version string) (*mcpserver.Builder, error) {
	limits, err := mcpserver.NewLimits(mcpserver.DefaultMaxTotal, mcpserver.DefaultRatePerMinute, map[string]mcpserver.FieldPolicy{
		"reason": {MinLength: intPtr(3), MaxLength: intPtr(500)},
	}, a.messages)
	if err != nil {
		return nil, err
	}
	return &mcpserver.Builder{
		Version:      version,
		LoadRegistry: a.Registry,
		LoadSigner:   a.Signer,
		Approvals:    a.file(a.cfg.ApprovalsPath()),
		Commit:       a.file(a.cfg.CommitPath()),
		Bypass:       a.file(a.cfg.BypassPath()),
		BypassTTL:    a.cfg.BypassTTL,
		Limits:       limits,
		Logger:       a.logger,
		Audit:        a.audit,
		Messages:     a.messages,
		Now:          a.now,
	}, nil
}

// Serve runs the MCP status server on stdio until ctx is done.
func (a *App) Serve(ctx context.Context, version string) error {
	builder, err := a.MCP(version)
	if err != nil {
		return err
	}
	a.logger.Info("MCP status server started", "transport", "stdio", "lang", a.messages.Lang())
	return builder.Build().Run(ctx, &mcp.StdioTransport{})
}

func intPtr(v int) *int { return &v }
