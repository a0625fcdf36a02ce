// Package gate implements the Action Gate: every tool call is classified
// against a freshly loaded registry and, when protected, allowed only by
// consuming a human-approved record bound to the exact arguments.
package gate

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codex-k8s/approval-gate/internal/approval"
	"github.com/codex-k8s/approval-gate/internal/audit"
	"github.com/codex-k8s/approval-gate/internal/constants"
	"github.com/codex-k8s/approval-gate/internal/filestore"
	"github.com/codex-k8s/approval-gate/internal/fingerprint"
	"github.com/codex-k8s/approval-gate/internal/registry"
	"github.com/codex-k8s/approval-gate/internal/security"
	"github.com/codex-k8s/approval-gate/internal/templates"
)

// Request is one intercepted tool call.
type Request struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Decision is the gate outcome.
type Decision struct {
	Allowed      bool
	Reason       string
	Code         string
	EvaluationID string
}

// Gate evaluates tool calls. Every dependency is resolved per call.
type Gate struct {
	// LoadRegistry returns the registry for this evaluation.
	LoadRegistry func() (*registry.Registry, error)
	// LoadSigner returns the tool-call signer derived from the Secret Store.
	LoadSigner func() (*approval.Signer, error)
	// Approvals is the tool-call approval document.
	Approvals *filestore.File
	TTL       time.Duration
	Logger    *slog.Logger
	Audit     audit.Logger
	Messages  templates.Renderer
	Now       func() time.Time
	Random    io.Reader
}

type outcome int

const (
	outcomeRequired outcome = iota
	outcomeReused
	outcomeConsumed
	outcomeMismatch
	outcomeForged
)

// Evaluate decides one call. Any failure blocks.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	ev := &evaluation{ctx: ctx, gate: g, req: req, id: uuid.NewString()}

	if g.LoadRegistry == nil {
		return ev.configError(fmt.Errorf("registry loader is not configured"))
	}
	reg, err := g.LoadRegistry()
	if err != nil {
		return ev.configError(err)
	}
	ev.guarded = reg.GuardedCredentialKeys()

	target, err := reg.Lookup(req.Server, req.Tool)
	if err != nil {
		return ev.configError(err)
	}
	switch target.Verdict {
	case registry.Unknown:
		return ev.block(audit.TypeUnknownServer, "", "gate.unknown_server", nil,
			fmt.Sprintf("Blocked: server %s is not listed in the protected-actions registry.", req.Server))
	case registry.Unprotected:
		return ev.allow("", "unprotected")
	}
	ev.phrase = target.Entry.Phrase

	argsHash, err := fingerprint.Arguments(req.Arguments)
	if err != nil {
		return ev.configError(fmt.Errorf("fingerprint arguments: %w", err))
	}
	if g.LoadSigner == nil {
		return ev.configError(fmt.Errorf("secret store is not configured"))
	}
	signer, err := g.LoadSigner()
	if err != nil {
		return ev.configError(err)
	}

	store := approval.NewStore(g.Approvals, signer, g.TTL, approval.WithClock(g.now()), approval.WithRandom(g.random()))
	var (
		rec    approval.Record
		result outcome
	)
	err = store.Update(ctx, func(tx *approval.Tx) error {
		var err error
		rec, result, err = decide(tx, req.Server, req.Tool, argsHash)
		return err
	})
	if err != nil {
		return ev.storeError(err)
	}

	ttl := store.TTL().String()
	data := map[string]any{"Server": req.Server, "Tool": req.Tool, "Phrase": ev.phrase, "Code": rec.Code, "TTL": ttl}
	switch result {
	case outcomeConsumed:
		return ev.allow(rec.Code, templates.Text(g.Messages, "gate.allowed", data, "approved call allowed"))
	case outcomeForged:
		return ev.block(audit.TypeForgery, "", "gate.forgery", data,
			fmt.Sprintf("Blocked: an approval record for %s/%s failed signature verification.", req.Server, req.Tool))
	case outcomeMismatch:
		return ev.block(audit.TypeBindingMismatch, rec.Code, "gate.binding_mismatch", data,
			fmt.Sprintf("Blocked: approval was granted for different arguments. APPROVE %s %s", ev.phrase, rec.Code))
	case outcomeReused:
		return ev.block(audit.TypeApprovalPending, rec.Code, "gate.approval_required", data,
			fmt.Sprintf("Approval required: APPROVE %s %s", ev.phrase, rec.Code))
	default:
		return ev.block(audit.TypeApprovalRequired, rec.Code, "gate.no_approval", data,
			fmt.Sprintf("No such approval for %s/%s. Approval required: APPROVE %s %s", req.Server, req.Tool, ev.phrase, rec.Code))
	}
}

// decide runs the state machine for one target under the store lock.
// Forged records for the target are removed and block the call. An approved
// record with the same binding is consumed. Otherwise a pending record with
// the same binding is reused or a new one is minted.
func decide(tx *approval.Tx, server, tool, argsHash string) (approval.Record, outcome, error) {
	var (
		forged   []string
		approved []approval.Record
		pending  *approval.Record
	)
	tx.Each(func(rec approval.Record, state approval.State) {
		if rec.Server != server || rec.Tool != tool {
			return
		}
		switch state {
		case approval.StateForged:
			forged = append(forged, rec.Code)
		case approval.StateApproved:
			approved = append(approved, rec)
		case approval.StatePending:
			if rec.ArgsHash == argsHash && pending == nil {
				r := rec
				pending = &r
			}
		}
	})

	if len(forged) > 0 {
		for _, code := range forged {
			tx.Delete(code)
		}
		return approval.Record{}, outcomeForged, nil
	}
	for _, rec := range approved {
		if rec.ArgsHash == argsHash {
			tx.Consume(rec.Code)
			return rec, outcomeConsumed, nil
		}
	}
	mismatch := len(approved) > 0
	if pending != nil {
		if mismatch {
			return *pending, outcomeMismatch, nil
		}
		return *pending, outcomeReused, nil
	}
	rec, err := tx.Mint(server, tool, argsHash)
	if err != nil {
		return approval.Record{}, outcomeRequired, err
	}
	if mismatch {
		return rec, outcomeMismatch, nil
	}
	return rec, outcomeRequired, nil
}

func (g *Gate) now() func() time.Time {
	if g.Now == nil {
		return time.Now
	}
	return g.Now
}

func (g *Gate) random() io.Reader {
	if g.Random == nil {
		return rand.Reader
	}
	return g.Random
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

type evaluation struct {
	ctx     context.Context
	gate    *Gate
	req     Request
	id      string
	phrase  string
	guarded []string
}

func (e *evaluation) allow(code, reason string) Decision {
	e.log(slog.LevelInfo, constants.DecisionAllow, code, reason)
	if code != "" {
		e.record(audit.TypeApprovalConsumed, code, constants.DecisionAllow, reason)
	}
	return Decision{Allowed: true, Reason: reason, Code: code, EvaluationID: e.id}
}

func (e *evaluation) block(eventType, code, key string, data map[string]any, fallback string) Decision {
	if data == nil {
		data = map[string]any{"Server": e.req.Server, "Tool": e.req.Tool}
	}
	reason := templates.Text(e.gate.Messages, key, data, fallback)
	level := slog.LevelInfo
	if eventType == audit.TypeForgery || eventType == audit.TypeBindingMismatch {
		level = slog.LevelWarn
	}
	e.log(level, constants.DecisionBlock, code, reason)
	e.record(eventType, code, constants.DecisionBlock, reason)
	return Decision{Reason: reason, Code: code, EvaluationID: e.id}
}

func (e *evaluation) configError(err error) Decision {
	e.gate.logger().Error("Protected-action configuration unavailable", "evaluation_id", e.id, "error", err)
	return e.block(audit.TypeConfigError, "", "gate.config_error", map[string]any{"Error": err.Error()},
		fmt.Sprintf("Blocked: protected-action configuration could not be loaded (%v).", err))
}

func (e *evaluation) storeError(err error) Decision {
	e.gate.logger().Error("Approval store unavailable", "evaluation_id", e.id, "error", err)
	return e.block(audit.TypeStoreError, "", "gate.store_error", map[string]any{"Error": err.Error()},
		fmt.Sprintf("Blocked: approval store unavailable (%v).", err))
}

func (e *evaluation) log(level slog.Level, decision, code, reason string) {
	e.gate.logger().Log(e.ctx, level, "Gate decision",
		"evaluation_id", e.id,
		"server", e.req.Server,
		"tool", e.req.Tool,
		"decision", decision,
		"code", code,
		"reason", reason,
		"arguments", security.RedactArguments(e.req.Arguments, e.guarded...),
	)
}

func (e *evaluation) record(eventType, code, decision, reason string) {
	if e.gate.Audit == nil {
		return
	}
	e.gate.Audit.Record(e.ctx, audit.Event{
		Type:          eventType,
		Server:        e.req.Server,
		Tool:          e.req.Tool,
		Code:          code,
		CorrelationID: e.id,
		Decision:      decision,
		Reason:        reason,
	})
}
