// Package commitgate blocks commits until unbypassable structural checks pass
// and a human approves the exact staged diff.
package commitgate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/codex-k8s/approval-gate/internal/audit"
	"github.com/codex-k8s/approval-gate/internal/backlog"
	"github.com/codex-k8s/approval-gate/internal/constants"
	"github.com/codex-k8s/approval-gate/internal/fingerprint"
	"github.com/codex-k8s/approval-gate/internal/registry"
	"github.com/codex-k8s/approval-gate/internal/templates"
	"github.com/codex-k8s/approval-gate/internal/timeutil"
)

const defaultLintTimeout = 2 * time.Minute

// Decision is the commit gate outcome.
type Decision struct {
	Allowed  bool
	Reason   string
	Code     string
	DiffHash string
}

// Gate evaluates one commit attempt.
type Gate struct {
	Repo     Repo
	Config   registry.CommitConfig
	Store    *Store
	Run      Runner
	Count    Counter
	Logger   *slog.Logger
	Audit    audit.Logger
	Messages templates.Renderer
}

// Checks builds the structural chain followed by the backlog policy.
func (g *Gate) Checks() Chain {
	checks := []Check{Configured{Config: g.Config}}
	if len(g.Config.ForbiddenFiles) > 0 {
		checks = append(checks, ForbiddenFiles{Files: g.Config.ForbiddenFiles})
	}
	if g.Config.ExpectedHooksPath != "" {
		checks = append(checks, HooksPath{Expected: g.Config.ExpectedHooksPath})
	}
	if lint := g.Config.Lint; lint != nil {
		checks = append(checks, Timeout{
			Inner:   Lint{Command: lint.Command, Args: lint.Args, Include: lint.Include, Run: g.Run},
			Timeout: timeutil.ParseDurationOrDefault(lint.Timeout, defaultLintTimeout),
		})
	}
	if len(g.Config.Backlog) > 0 {
		sources := make([]backlog.Source, 0, len(g.Config.Backlog))
		for _, src := range g.Config.Backlog {
			db := src.Database
			if !filepath.IsAbs(db) && g.Repo != nil {
				db = filepath.Join(g.Repo.Dir(), db)
			}
			sources = append(sources, backlog.Source{Name: src.Name, Database: db, Query: src.Query})
		}
		checks = append(checks, Backlog{
			PrimaryBranch: g.Config.PrimaryBranch,
			Sources:       sources,
			Count:         g.Count,
			Messages:      g.Messages,
		})
	}
	return Chain{Checks: checks}
}

// Evaluate runs the checks and then the diff-bound approval against the
// currently staged diff.
func (g *Gate) Evaluate(ctx context.Context) Decision {
	verdict, err := g.Checks().Run(ctx, g.Repo)
	if err != nil || !verdict.Passed {
		reason := verdict.Reason
		if verdict.Source != "backlog" {
			reason = templates.Text(g.Messages, "commit.structural", map[string]any{"Reason": verdict.Reason},
				fmt.Sprintf("Commit blocked: %s.", verdict.Reason))
		}
		g.logger().Warn("Commit check failed", "check", verdict.Source, "error", err)
		g.record(ctx, audit.TypeCommitBlocked, "", verdict.Source+": "+verdict.Reason)
		return Decision{Reason: reason}
	}
	diff, err := g.Repo.StagedDiff(ctx)
	if err != nil {
		g.logger().Error("Read staged diff failed", "error", err)
		reason := templates.Text(g.Messages, "commit.structural", map[string]any{"Reason": err.Error()},
			fmt.Sprintf("Commit blocked: %v.", err))
		g.record(ctx, audit.TypeCommitBlocked, "", err.Error())
		return Decision{Reason: reason}
	}
	return g.EvaluateDiff(ctx, diff)
}

// EvaluateDiff applies only the diff-bound approval to diff.
func (g *Gate) EvaluateDiff(ctx context.Context, diff []byte) Decision {
	diffHash := fingerprint.Bytes(diff)
	if g.Store == nil {
		return Decision{Reason: "commit approval store is not configured", DiffHash: diffHash}
	}
	rec, outcome, err := g.Store.Bind(ctx, diffHash)
	if err != nil {
		g.logger().Error("Commit approval store failed", "error", err)
		g.record(ctx, audit.TypeStoreError, "", err.Error())
		return Decision{
			Reason:   templates.Text(g.Messages, "gate.store_error", map[string]any{"Error": err.Error()}, "Blocked: approval store unavailable."),
			DiffHash: diffHash,
		}
	}
	data := map[string]any{"Code": rec.Code, "DiffHash": shortHash(diffHash), "TTL": g.Store.TTL().String()}
	switch outcome {
	case OutcomeConsumed:
		g.record(ctx, audit.TypeCommitAllowed, rec.Code, "")
		return Decision{
			Allowed:  true,
			Reason:   templates.Text(g.Messages, "commit.allowed", data, "Commit allowed."),
			Code:     rec.Code,
			DiffHash: diffHash,
		}
	case OutcomeForged:
		g.record(ctx, audit.TypeForgery, "", "commit approval signature mismatch")
		return Decision{
			Reason:   templates.Text(g.Messages, "commit.forgery", data, "Commit blocked: forged approval discarded."),
			DiffHash: diffHash,
		}
	case OutcomeMismatch:
		g.record(ctx, audit.TypeBindingMismatch, rec.Code, "staged diff changed after approval")
		return Decision{
			Reason:   templates.Text(g.Messages, "commit.binding_mismatch", data, "Commit blocked: staged diff changed."),
			Code:     rec.Code,
			DiffHash: diffHash,
		}
	default:
		g.record(ctx, audit.TypeApprovalPending, rec.Code, "")
		return Decision{
			Reason:   templates.Text(g.Messages, "commit.approval_required", data, "Commit approval required: APPROVE COMMIT "+rec.Code),
			Code:     rec.Code,
			DiffHash: diffHash,
		}
	}
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

func (g *Gate) record(ctx context.Context, eventType, code, reason string) {
	if g.Audit == nil {
		return
	}
	decision := constants.DecisionBlock
	if eventType == audit.TypeCommitAllowed {
		decision = constants.DecisionAllow
	}
	g.Audit.Record(ctx, audit.Event{
		Type:     eventType,
		Server:   constants.CommitServer,
		Tool:     constants.CommitTool,
		Code:     code,
		Decision: decision,
		Reason:   reason,
	})
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
