// Package approval implements the two-stage signed approval records shared by
// the action, commit and bypass gates, and the store for tool-call approvals.
package approval

import (
	"time"

	"github.com/codex-k8s/approval-gate/internal/timeutil"
)

// Claims are the signed fields of a pending approval.
type Claims struct {
	Code        string
	Server      string
	Tool        string
	Fingerprint string
	ExpiresAt   int64
}

// Sealed is implemented by every persisted approval record.
type Sealed interface {
	Claims() Claims
	PendingSignature() string
	ApprovedSignature() string
}

// State is the verified state of a record.
type State int

// Record states, as seen by readers.
const (
	StateAbsent State = iota
	StatePending
	StateApproved
	StateForged
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApproved:
		return "approved"
	case StateForged:
		return "forged"
	default:
		return "absent"
	}
}

// IsEmpty reports whether a record carries no active approval. It is the
// only emptiness check readers may use: an overwritten sentinel, a partially
// populated record and a zero value are all empty.
func IsEmpty(s Sealed) bool {
	if s == nil {
		return true
	}
	c := s.Claims()
	return c.Code == "" || c.ExpiresAt <= 0 || s.PendingSignature() == ""
}

// Inspect classifies a record. Expired records are absent regardless of
// their signatures. A valid approved signature over an invalid pending
// signature is forged.
func Inspect(s Sealed, signer *Signer, now time.Time) State {
	if IsEmpty(s) {
		return StateAbsent
	}
	c := s.Claims()
	if timeutil.Expired(c.ExpiresAt, now) {
		return StateAbsent
	}
	if !signer.VerifyPending(c, s.PendingSignature()) {
		return StateForged
	}
	approved := s.ApprovedSignature()
	if approved == "" {
		return StatePending
	}
	if !signer.VerifyApproved(s.PendingSignature(), approved) {
		return StateForged
	}
	return StateApproved
}

// Record is one tool-call approval as persisted.
type Record struct {
	Code         string `json:"code,omitempty"`
	Server       string `json:"server,omitempty"`
	Tool         string `json:"tool,omitempty"`
	ArgsHash     string `json:"argsHash,omitempty"`
	ExpiresAt    int64  `json:"expires_timestamp,omitempty"`
	PendingHMAC  string `json:"pending_hmac,omitempty"`
	ApprovedHMAC string `json:"approved_hmac,omitempty"`
}

// Claims implements Sealed.
func (r Record) Claims() Claims {
	return Claims{Code: r.Code, Server: r.Server, Tool: r.Tool, Fingerprint: r.ArgsHash, ExpiresAt: r.ExpiresAt}
}

// PendingSignature implements Sealed.
func (r Record) PendingSignature() string { return r.PendingHMAC }

// ApprovedSignature implements Sealed.
func (r Record) ApprovedSignature() string { return r.ApprovedHMAC }

// Document is the on-disk layout of the tool-call approval store.
type Document struct {
	Approvals map[string]Record `json:"approvals,omitempty"`
}
