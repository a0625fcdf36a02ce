// Package verifier turns a human-typed "APPROVE <PHRASE> <CODE>" line into a
// promoted approval. It is the only path from pending to approved.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/codex-k8s/approval-gate/internal/approval"
	"github.com/codex-k8s/approval-gate/internal/audit"
	"github.com/codex-k8s/approval-gate/internal/bypass"
	"github.com/codex-k8s/approval-gate/internal/commitgate"
	"github.com/codex-k8s/approval-gate/internal/constants"
	"github.com/codex-k8s/approval-gate/internal/filestore"
	"github.com/codex-k8s/approval-gate/internal/registry"
	"github.com/codex-k8s/approval-gate/internal/templates"
)

// ErrMalformed is returned for text that is not an approval line.
var ErrMalformed = errors.New("not an approval line")

var linePattern = regexp.MustCompile(`(?i)^\s*APPROVE\s+([A-Z_]+)\s+([A-Z0-9]{6})\s*$`)

// Submission is one parsed approval line.
type Submission struct {
	Phrase string
	Code   string
}

// Parse parses a single approval line.
func Parse(line string) (Submission, error) {
	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return Submission{}, ErrMalformed
	}
	return Submission{Phrase: strings.ToUpper(m[1]), Code: strings.ToUpper(m[2])}, nil
}

// ParseAll returns every approval line found in text.
func ParseAll(text string) []Submission {
	var out []Submission
	for _, line := range strings.Split(text, "\n") {
		if sub, err := Parse(line); err == nil {
			out = append(out, sub)
		}
	}
	return out
}

// Status is the verification outcome.
type Status int

// Verification outcomes.
const (
	StatusApproved Status = iota
	StatusAlreadyApproved
	StatusNotFound
	StatusUnknownPhrase
	StatusForged
	StatusPhraseMismatch
	StatusDelegationDenied
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusApproved:
		return "approved"
	case StatusAlreadyApproved:
		return "already_approved"
	case StatusNotFound:
		return "not_found"
	case StatusUnknownPhrase:
		return "unknown_phrase"
	case StatusForged:
		return "forged"
	case StatusPhraseMismatch:
		return "phrase_mismatch"
	case StatusDelegationDenied:
		return "delegation_denied"
	default:
		return "failed"
	}
}

// Result describes one verification.
type Result struct {
	Status  Status `json:"-"`
	Phrase  string `json:"phrase"`
	Code    string `json:"code"`
	Server  string `json:"server,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Message string `json:"message"`
}

// OK reports whether the approval is in effect.
func (r Result) OK() bool {
	return r.Status == StatusApproved || r.Status == StatusAlreadyApproved
}

// Verifier promotes pending approvals in the three stores.
type Verifier struct {
	LoadRegistry func() (*registry.Registry, error)
	// LoadSigner returns the signer for a record kind.
	LoadSigner func(kind string) (*approval.Signer, error)
	Approvals  *filestore.File
	Commit     *filestore.File
	Bypass     *filestore.File
	TTL        time.Duration
	CommitTTL  time.Duration
	BypassTTL  time.Duration
	Logger     *slog.Logger
	Audit      audit.Logger
	Messages   templates.Renderer
	Now        func() time.Time
}

// Scan verifies every approval line in text.
func (v *Verifier) Scan(ctx context.Context, text string, delegated bool) []Result {
	subs := ParseAll(text)
	out := make([]Result, 0, len(subs))
	for _, sub := range subs {
		out = append(out, v.Verify(ctx, sub, delegated))
	}
	return out
}

// Submit parses and verifies one line.
func (v *Verifier) Submit(ctx context.Context, line string, delegated bool) (Result, error) {
	sub, err := Parse(line)
	if err != nil {
		return Result{}, err
	}
	return v.Verify(ctx, sub, delegated), nil
}

// Verify promotes the pending approval named by sub. Delegated submissions
// are accepted only for delegated-approval entries.
func (v *Verifier) Verify(ctx context.Context, sub Submission, delegated bool) Result {
	res := Result{Phrase: sub.Phrase, Code: sub.Code}
	switch sub.Phrase {
	case constants.PhraseCommit:
		res.Server, res.Tool = constants.CommitServer, constants.CommitTool
		if delegated {
			return v.finish(ctx, res, StatusDelegationDenied, nil)
		}
		return v.verifyCommit(ctx, res)
	case constants.PhraseBypass:
		res.Server, res.Tool = constants.BypassServer, constants.BypassTool
		if delegated {
			return v.finish(ctx, res, StatusDelegationDenied, nil)
		}
		return v.verifyBypass(ctx, res)
	}
	return v.verifyTool(ctx, res, delegated)
}

func (v *Verifier) verifyTool(ctx context.Context, res Result, delegated bool) Result {
	if v.LoadRegistry == nil {
		return v.finish(ctx, res, StatusFailed, errors.New("registry loader is not configured"))
	}
	reg, err := v.LoadRegistry()
	if err != nil {
		return v.finish(ctx, res, StatusFailed, err)
	}
	entry, err := reg.ByPhrase(res.Phrase)
	if err != nil {
		return v.finish(ctx, res, StatusUnknownPhrase, nil)
	}
	signer, err := v.signer(constants.KindTool)
	if err != nil {
		return v.finish(ctx, res, StatusFailed, err)
	}

	store := approval.NewStore(v.Approvals, signer, v.TTL, approval.WithClock(v.now()))
	status := StatusApproved
	err = store.Update(ctx, func(tx *approval.Tx) error {
		rec, state := tx.Get(res.Code)
		switch state {
		case approval.StateAbsent:
			status = StatusNotFound
			return nil
		case approval.StateForged:
			tx.Delete(res.Code)
			status = StatusForged
			return nil
		}
		res.Server, res.Tool = rec.Server, rec.Tool
		if !entry.Matches(rec.Server, rec.Tool) {
			tx.Delete(res.Code)
			status = StatusPhraseMismatch
			return nil
		}
		if delegated && !entry.Delegable() {
			status = StatusDelegationDenied
			return nil
		}
		if state == approval.StateApproved {
			status = StatusAlreadyApproved
			return nil
		}
		_, err := tx.Promote(res.Code)
		return err
	})
	if err != nil {
		return v.finish(ctx, res, StatusFailed, err)
	}
	return v.finish(ctx, res, status, nil)
}

func (v *Verifier) verifyCommit(ctx context.Context, res Result) Result {
	signer, err := v.signer(constants.KindCommit)
	if err != nil {
		return v.finish(ctx, res, StatusFailed, err)
	}
	store := commitgate.NewStore(v.Commit, signer, v.CommitTTL, v.now(), nil)
	_, err = store.Promote(ctx, res.Code)
	return v.finish(ctx, res, statusOf(err), unexpected(err))
}

func (v *Verifier) verifyBypass(ctx context.Context, res Result) Result {
	signer, err := v.signer(constants.KindBypass)
	if err != nil {
		return v.finish(ctx, res, StatusFailed, err)
	}
	flow := bypass.New(v.Bypass, signer, v.BypassTTL).WithClock(v.now())
	_, err = flow.Promote(ctx, res.Code)
	return v.finish(ctx, res, statusOf(err), unexpected(err))
}

func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusApproved
	case errors.Is(err, approval.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, approval.ErrForgery):
		return StatusForged
	default:
		return StatusFailed
	}
}

func unexpected(err error) error {
	if errors.Is(err, approval.ErrNotFound) || errors.Is(err, approval.ErrForgery) {
		return nil
	}
	return err
}

func (v *Verifier) finish(ctx context.Context, res Result, status Status, err error) Result {
	res.Status = status
	data := map[string]any{"Phrase": res.Phrase, "Code": res.Code, "Server": res.Server, "Tool": res.Tool}
	eventType := audit.TypeApprovalRejected
	switch status {
	case StatusApproved:
		eventType = audit.TypeApprovalPromoted
		res.Message = templates.Text(v.Messages, "verifier.approved", data, fmt.Sprintf("Approval %s granted.", res.Code))
	case StatusAlreadyApproved:
		eventType = audit.TypeApprovalPromoted
		res.Message = templates.Text(v.Messages, "verifier.already_approved", data, fmt.Sprintf("Approval %s is already granted.", res.Code))
	case StatusNotFound:
		res.Message = templates.Text(v.Messages, "verifier.not_found", data, fmt.Sprintf("No such pending approval: %s.", res.Code))
	case StatusUnknownPhrase:
		res.Message = templates.Text(v.Messages, "verifier.unknown_phrase", data, fmt.Sprintf("Unknown approval phrase: %s.", res.Phrase))
	case StatusForged:
		eventType = audit.TypeForgery
		res.Message = templates.Text(v.Messages, "verifier.forgery", data, fmt.Sprintf("Approval %s failed signature verification.", res.Code))
	case StatusPhraseMismatch:
		res.Message = templates.Text(v.Messages, "verifier.phrase_mismatch", data, fmt.Sprintf("Phrase %s does not belong to approval %s.", res.Phrase, res.Code))
	case StatusDelegationDenied:
		res.Message = templates.Text(v.Messages, "verifier.delegation_denied", data, fmt.Sprintf("Approval %s requires a human-typed phrase.", res.Code))
	default:
		res.Message = fmt.Sprintf("Approval %s could not be verified: %v", res.Code, err)
	}

	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err != nil {
		logger.Error("Approval verification failed", "phrase", res.Phrase, "code", res.Code, "error", err)
	} else {
		logger.Info("Approval verified", "phrase", res.Phrase, "code", res.Code, "status", status.String(), "server", res.Server, "tool", res.Tool)
	}
	if v.Audit != nil {
		v.Audit.Record(ctx, audit.Event{
			Type:   eventType,
			Server: res.Server,
			Tool:   res.Tool,
			Code:   res.Code,
			Reason: status.String(),
		})
	}
	return res
}

func (v *Verifier) signer(kind string) (*approval.Signer, error) {
	if v.LoadSigner == nil {
		return nil, errors.New("secret store is not configured")
	}
	return v.LoadSigner(kind)
}

func (v *Verifier) now() func() time.Time {
	if v.Now == nil {
		return time.Now
	}
	return v.Now
}
