package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

const fieldSep = "\x1f"

// Signer computes and verifies the pending and approved signatures for one
// record kind.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer for a derived subkey.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < 32 {
		return nil, errors.New("signing key must be at least 32 bytes")
	}
	out := make([]byte, len(key))
	copy(out, key)
	return &Signer{key: out}, nil
}

// Pending signs the claims.
func (s *Signer) Pending(c Claims) string {
	payload := strings.Join([]string{
		c.Code,
		c.Server,
		c.Tool,
		c.Fingerprint,
		strconv.FormatInt(c.ExpiresAt, 10),
	}, fieldSep)
	return s.sum([]byte(payload))
}

// Approved chains the approved signature onto a pending signature.
func (s *Signer) Approved(pending string) string {
	return s.sum([]byte(pending + "approved"))
}

// VerifyPending checks sig against the claims in constant time.
func (s *Signer) VerifyPending(c Claims, sig string) bool {
	return equal(s.Pending(c), sig)
}

// VerifyApproved checks an approved signature against its pending signature.
func (s *Signer) VerifyApproved(pending, approved string) bool {
	return equal(s.Approved(pending), approved)
}

func (s *Signer) sum(data []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func equal(expected, got string) bool {
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(got))
}
