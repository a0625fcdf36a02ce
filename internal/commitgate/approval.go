package commitgate

import (
	"context"
	"crypto/rand"
	"io"
	"time"

	"github.com/codex-k8s/approval-gate/internal/approval"
	"github.com/codex-k8s/approval-gate/internal/constants"
	"github.com/codex-k8s/approval-gate/internal/filestore"
	"github.com/codex-k8s/approval-gate/internal/timeutil"
)

// Approval is the persisted commit approval, bound to one staged diff.
type Approval struct {
	Code         string `json:"code,omitempty"`
	DiffHash     string `json:"diffHash,omitempty"`
	ExpiresAt    int64  `json:"expires_timestamp,omitempty"`
	HMAC         string `json:"hmac,omitempty"`
	ApprovedHMAC string `json:"approved_hmac,omitempty"`
}

// Claims implements approval.Sealed.
func (a Approval) Claims() approval.Claims {
	return approval.Claims{
		Code:        a.Code,
		Server:      constants.CommitServer,
		Tool:        constants.CommitTool,
		Fingerprint: a.DiffHash,
		ExpiresAt:   a.ExpiresAt,
	}
}

// PendingSignature implements approval.Sealed.
func (a Approval) PendingSignature() string { return a.HMAC }

// ApprovedSignature implements approval.Sealed.
func (a Approval) ApprovedSignature() string { return a.ApprovedHMAC }

// Outcome is the result of binding a diff against the stored approval.
type Outcome int

// Bind outcomes.
const (
	// OutcomePending means a pending approval for this diff exists or was minted.
	OutcomePending Outcome = iota
	// OutcomeConsumed means an approval for this exact diff was spent.
	OutcomeConsumed
	// OutcomeMismatch means the approved diff differs; a new pending was minted.
	OutcomeMismatch
	// OutcomeForged means the record failed verification and was wiped.
	OutcomeForged
)

// Store holds the single commit approval document.
type Store struct {
	file   *filestore.File
	signer *approval.Signer
	ttl    time.Duration
	now    func() time.Time
	random io.Reader
}

// NewStore returns a commit approval store.
func NewStore(file *filestore.File, signer *approval.Signer, ttl time.Duration, now func() time.Time, random io.Reader) *Store {
	if ttl <= 0 {
		ttl = approval.DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	if random == nil {
		random = rand.Reader
	}
	return &Store{file: file, signer: signer, ttl: ttl, now: now, random: random}
}

// TTL returns the expiry window.
func (s *Store) TTL() time.Duration { return s.ttl }

// Bind runs the diff-bound state machine for one commit attempt.
func (s *Store) Bind(ctx context.Context, diffHash string) (Approval, Outcome, error) {
	var (
		result  Approval
		outcome Outcome
	)
	err := filestore.Update(ctx, s.file, func(doc *Approval) (bool, error) {
		now := s.now()
		switch approval.Inspect(*doc, s.signer, now) {
		case approval.StateForged:
			*doc = Approval{}
			outcome = OutcomeForged
			return true, nil
		case approval.StateApproved:
			if doc.DiffHash == diffHash {
				result = *doc
				outcome = OutcomeConsumed
				*doc = Approval{}
				return true, nil
			}
			outcome = OutcomeMismatch
		case approval.StatePending:
			if doc.DiffHash == diffHash {
				result = *doc
				outcome = OutcomePending
				return false, nil
			}
			outcome = OutcomePending
		default:
			outcome = OutcomePending
		}
		code, err := approval.GenerateCode(s.random)
		if err != nil {
			return false, err
		}
		result = Approval{Code: code, DiffHash: diffHash, ExpiresAt: timeutil.ExpiresAt(now, s.ttl)}
		result.HMAC = s.signer.Pending(result.Claims())
		*doc = result
		return true, nil
	})
	if err != nil {
		return Approval{}, OutcomePending, err
	}
	return result, outcome, nil
}

// Promote approves the pending commit approval with code. A mismatched code
// is treated as absent and a forged record is wiped.
func (s *Store) Promote(ctx context.Context, code string) (Approval, error) {
	var (
		result  Approval
		outcome error
	)
	err := filestore.Update(ctx, s.file, func(doc *Approval) (bool, error) {
		state := approval.Inspect(*doc, s.signer, s.now())
		if state != approval.StateAbsent && doc.Code != code {
			state = approval.StateAbsent
		}
		switch state {
		case approval.StateAbsent:
			return false, approval.ErrNotFound
		case approval.StateForged:
			*doc = Approval{}
			outcome = approval.ErrForgery
			return true, nil
		case approval.StateApproved:
			result = *doc
			return false, nil
		}
		doc.ApprovedHMAC = s.signer.Approved(doc.HMAC)
		result = *doc
		return true, nil
	})
	if err != nil {
		return Approval{}, err
	}
	return result, outcome
}

// Status returns the stored approval and its state.
func (s *Store) Status(ctx context.Context) (Approval, approval.State, error) {
	doc, err := filestore.View[Approval](ctx, s.file)
	if err != nil {
		return Approval{}, approval.StateAbsent, err
	}
	return doc, approval.Inspect(doc, s.signer, s.now()), nil
}
