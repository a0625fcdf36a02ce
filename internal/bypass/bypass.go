// Package bypass implements the one-shot token that lets exactly one blocked
// command through the command guard after a human approves it.
package bypass

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/codex-k8s/approval-gate/internal/approval"
	"github.com/codex-k8s/approval-gate/internal/constants"
	"github.com/codex-k8s/approval-gate/internal/filestore"
	"github.com/codex-k8s/approval-gate/internal/fingerprint"
	"github.com/codex-k8s/approval-gate/internal/timeutil"
)

// DefaultTTL is much shorter than the tool-call window.
const DefaultTTL = 2 * time.Minute

// Token is the persisted bypass record. The empty object is the "no token" sentinel.
type Token struct {
	Code         string `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ExpiresAt    int64  `json:"expires_timestamp,omitempty"`
	HMAC         string `json:"hmac,omitempty"`
	ApprovedHMAC string `json:"approved_hmac,omitempty"`
}

// Claims implements approval.Sealed. The reason is bound through its digest.
func (t Token) Claims() approval.Claims {
	return approval.Claims{
		Code:        t.Code,
		Server:      constants.BypassServer,
		Tool:        constants.BypassTool,
		Fingerprint: fingerprint.Text(t.Reason),
		ExpiresAt:   t.ExpiresAt,
	}
}

// PendingSignature implements approval.Sealed.
func (t Token) PendingSignature() string { return t.HMAC }

// ApprovedSignature implements approval.Sealed.
func (t Token) ApprovedSignature() string { return t.ApprovedHMAC }

// Outcome of a consumption attempt.
type Outcome int

// Consumption outcomes.
const (
	None Outcome = iota
	Consumed
	Forged
)

// Flow manages the bypass token document.
type Flow struct {
	file   *filestore.File
	signer *approval.Signer
	ttl    time.Duration
	now    func() time.Time
	random io.Reader
}

// New returns a Flow.
func New(file *filestore.File, signer *approval.Signer, ttl time.Duration) *Flow {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Flow{file: file, signer: signer, ttl: ttl, now: time.Now, random: rand.Reader}
}

// WithClock returns a copy of f using now.
func (f *Flow) WithClock(now func() time.Time) *Flow {
	cp := *f
	cp.now = now
	return &cp
}

// TTL returns the expiry window.
func (f *Flow) TTL() time.Duration { return f.ttl }

// Request mints a pending token, replacing whatever was stored.
func (f *Flow) Request(ctx context.Context, reason string) (Token, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Token{}, fmt.Errorf("bypass reason is required")
	}
	var tok Token
	err := filestore.Update(ctx, f.file, func(doc *Token) (bool, error) {
		code, err := approval.GenerateCode(f.random)
		if err != nil {
			return false, err
		}
		tok = Token{Code: code, Reason: reason, ExpiresAt: timeutil.ExpiresAt(f.now(), f.ttl)}
		tok.HMAC = f.signer.Pending(tok.Claims())
		*doc = tok
		return true, nil
	})
	if err != nil {
		return Token{}, fmt.Errorf("request bypass: %w", err)
	}
	return tok, nil
}

// Status returns the stored token and its state without changing it.
func (f *Flow) Status(ctx context.Context) (Token, approval.State, error) {
	tok, err := filestore.View[Token](ctx, f.file)
	if err != nil {
		return Token{}, approval.StateAbsent, err
	}
	return tok, approval.Inspect(tok, f.signer, f.now()), nil
}

// Promote approves the pending token with code. A forged token is wiped.
func (f *Flow) Promote(ctx context.Context, code string) (Token, error) {
	var (
		tok     Token
		outcome error
	)
	err := filestore.Update(ctx, f.file, func(doc *Token) (bool, error) {
		state := approval.Inspect(*doc, f.signer, f.now())
		if state != approval.StateAbsent && doc.Code != code {
			state = approval.StateAbsent
		}
		switch state {
		case approval.StateAbsent:
			return false, approval.ErrNotFound
		case approval.StateForged:
			*doc = Token{}
			outcome = approval.ErrForgery
			return true, nil
		case approval.StateApproved:
			tok = *doc
			return false, nil
		}
		doc.ApprovedHMAC = f.signer.Approved(doc.HMAC)
		tok = *doc
		return true, nil
	})
	if err != nil {
		return Token{}, err
	}
	return tok, outcome
}

// Consume spends an approved token. Pending and absent tokens are left alone;
// a forged one is wiped.
func (f *Flow) Consume(ctx context.Context) (Token, Outcome, error) {
	var (
		tok     Token
		outcome Outcome
	)
	err := filestore.Update(ctx, f.file, func(doc *Token) (bool, error) {
		switch approval.Inspect(*doc, f.signer, f.now()) {
		case approval.StateApproved:
			tok = *doc
			outcome = Consumed
		case approval.StateForged:
			tok = *doc
			outcome = Forged
		default:
			return false, nil
		}
		*doc = Token{}
		return true, nil
	})
	if err != nil {
		return Token{}, None, err
	}
	return tok, outcome, nil
}
